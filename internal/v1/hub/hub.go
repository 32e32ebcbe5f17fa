// Package hub is the realtime core of the classroom backend. It routes
// inbound frames to per-room handlers, owns all room state (roster, chat
// history, stream, hand raises), relays WebRTC signaling between peers and
// reaps rooms that have sat empty past the inactivity threshold.
//
// The hub never touches persistent storage. Lecture lifecycle decisions
// arrive from the coordinator as ClearRoom calls, and admission is gated
// by the lecture registry on every join.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/lecturehall/classroom/backend/go/internal/v1/config"
	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/metrics"
	"github.com/lecturehall/classroom/backend/go/internal/v1/registry"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// Reasons attached to hub-initiated closes and room lifecycle frames.
const (
	CloseReasonKicked   = "kicked"
	CloseReasonShutdown = "server_shutdown"
	reasonInactive      = "inactive"
)

// Limiter admits or drops chat messages per user. The production
// implementation is ratelimit.ChatLimiter.
type Limiter interface {
	Allow(ctx context.Context, userID types.UserIdType) bool
}

// Hub implements types.FrameHandler. It owns the room map and dispatches
// every inbound frame to the room named in its payload.
//
// Locking: each room serializes its own state and fan-out (see room). The
// hub's own mutex guards the room map, the connection-to-room index and
// the pending kick timers; it is the innermost lock and is never held
// while acquiring a room lock.
type Hub struct {
	endpoint types.Endpoint
	registry *registry.Registry
	limiter  Limiter
	clock    clock.WithTickerAndDelayedExecution

	historyLimit  int
	kickDelay     time.Duration
	sweepInterval time.Duration
	idleAfter     time.Duration

	mu         sync.Mutex
	rooms      map[types.RoomIdType]*room
	roomOfConn map[types.ConnIdType]types.RoomIdType
	kickTimers map[types.ConnIdType]clock.Timer

	done     chan struct{}
	stopOnce sync.Once
}

// New wires a hub against the endpoint, the lecture registry and the chat
// limiter, taking its tuning knobs from cfg.
func New(endpoint types.Endpoint, reg *registry.Registry, limiter Limiter, cfg *config.Config) *Hub {
	return NewWithClock(endpoint, reg, limiter, cfg, clock.RealClock{})
}

// NewWithClock is New with an injectable clock for tests. The clock must
// supply tickers for the idle sweep and delayed execution for kick grace
// timers.
func NewWithClock(endpoint types.Endpoint, reg *registry.Registry, limiter Limiter, cfg *config.Config, clk clock.WithTickerAndDelayedExecution) *Hub {
	h := &Hub{
		endpoint:      endpoint,
		registry:      reg,
		limiter:       limiter,
		clock:         clk,
		historyLimit:  cfg.MessageHistoryLimit,
		kickDelay:     cfg.KickCloseDelay,
		sweepInterval: cfg.RoomCleanupInterval,
		idleAfter:     cfg.RoomInactiveThreshold,
		rooms:         make(map[types.RoomIdType]*room),
		roomOfConn:    make(map[types.ConnIdType]types.RoomIdType),
		kickTimers:    make(map[types.ConnIdType]clock.Timer),
		done:          make(chan struct{}),
	}
	if h.historyLimit <= 0 {
		h.historyLimit = 100
	}
	if h.kickDelay <= 0 {
		h.kickDelay = time.Second
	}
	if h.sweepInterval <= 0 {
		h.sweepInterval = 5 * time.Minute
	}
	if h.idleAfter <= 0 {
		h.idleAfter = 30 * time.Minute
	}
	return h
}

// HandleFrame routes one inbound frame. Frames for a single connection
// arrive in order; frames for distinct connections may run concurrently
// and are serialized per room by the room lock.
func (h *Hub) HandleFrame(ctx context.Context, conn types.ConnIdType, frame types.Frame) {
	start := time.Now()
	status := "success"
	defer func() {
		metrics.EventProcessingDuration.WithLabelValues(string(frame.Event)).Observe(time.Since(start).Seconds())
		metrics.WebsocketEvents.WithLabelValues(string(frame.Event), status).Inc()
	}()

	switch frame.Event {
	case types.EventJoinRoom:
		h.handleJoin(ctx, conn, frame.Payload)
	case types.EventLeaveRoom:
		h.handleLeave(ctx, conn, frame.Payload)
	case types.EventRequestHistory:
		h.handleRequestHistory(ctx, conn, frame.Payload)
	case types.EventSendMessage:
		h.handleSendMessage(ctx, conn, frame.Payload)
	case types.EventStartStream:
		h.handleStartStream(ctx, conn, frame.Payload)
	case types.EventStopStream:
		h.handleStopStream(ctx, conn, frame.Payload)
	case types.EventOffer, types.EventOfferAlias:
		h.handleSignal(ctx, conn, types.EventOffer, frame.Payload)
	case types.EventAnswer, types.EventAnswerAlias:
		h.handleSignal(ctx, conn, types.EventAnswer, frame.Payload)
	case types.EventCandidate, types.EventCandidateAlias:
		h.handleSignal(ctx, conn, types.EventCandidate, frame.Payload)
	case types.EventMuteAll:
		h.handleMuteAll(ctx, conn, frame.Payload)
	case types.EventMuteParticipant:
		h.handleMuteParticipant(ctx, conn, frame.Payload)
	case types.EventKickParticipant:
		h.handleKickParticipant(ctx, conn, frame.Payload)
	case types.EventRaiseHand:
		h.handleRaiseHand(ctx, conn, frame.Payload)
	case types.EventLowerHand:
		h.handleLowerHand(ctx, conn, frame.Payload)
	case types.EventRecordingStart:
		h.handleRecording(ctx, conn, types.EventRecordingStarted, frame.Payload)
	case types.EventRecordingStop:
		h.handleRecording(ctx, conn, types.EventRecordingStopped, frame.Payload)
	default:
		status = "error"
		logging.Warn(ctx, "Unknown event",
			zap.String("event", string(frame.Event)), zap.String("connectionId", string(conn)))
	}
}

// HandleDisconnect removes the connection from its room, announces the
// departure and cancels any pending kick close.
func (h *Hub) HandleDisconnect(ctx context.Context, conn types.ConnIdType) {
	h.mu.Lock()
	roomID, ok := h.roomOfConn[conn]
	if t, armed := h.kickTimers[conn]; armed {
		t.Stop()
		delete(h.kickTimers, conn)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.detach(ctx, conn, roomID)
}

// ClearRoom wipes a room on lecture completion or cancellation. Every
// current member receives exactly one room_cleared frame and is removed
// from endpoint membership; the room instance is discarded. A second call
// for the same room is a no-op.
func (h *Hub) ClearRoom(ctx context.Context, roomID types.RoomIdType, reason string) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if ok {
		delete(h.rooms, roomID)
		metrics.ActiveRooms.Dec()
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	frame := types.MustFrame(types.EventRoomCleared, types.RoomLifecyclePayload{
		RoomID:    roomID,
		Reason:    reason,
		Timestamp: types.FormatTimestamp(h.clock.Now()),
	})
	h.endpoint.BroadcastToRoom(roomID, frame)

	conns := make([]types.ConnIdType, 0, len(r.participants))
	for conn := range r.participants {
		conns = append(conns, conn)
		h.endpoint.Leave(conn, roomID)
	}
	r.participants = make(map[types.ConnIdType]*types.Participant)
	r.byUser = make(map[types.UserIdType]types.ConnIdType)
	r.messages.Init()
	r.stream = nil
	r.streamerConn = ""
	r.closed = true

	h.mu.Lock()
	for _, conn := range conns {
		if h.roomOfConn[conn] == roomID {
			delete(h.roomOfConn, conn)
		}
	}
	h.mu.Unlock()
	r.mu.Unlock()

	metrics.RoomParticipants.DeleteLabelValues(string(roomID))
	logging.Info(ctx, "Room cleared",
		zap.String("roomId", string(roomID)),
		zap.String("reason", reason),
		zap.Int("participants", len(conns)))
}

// Run drives the idle-room sweep until the context is cancelled or the
// hub shuts down.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C():
			h.sweepIdleRooms(ctx)
		}
	}
}

// sweepIdleRooms discards rooms that are empty and past the inactivity
// threshold. Rooms with members are never touched.
func (h *Hub) sweepIdleRooms(ctx context.Context) {
	h.mu.Lock()
	candidates := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		candidates = append(candidates, r)
	}
	h.mu.Unlock()

	for _, r := range candidates {
		r.mu.Lock()
		if r.closed || len(r.participants) > 0 || h.clock.Since(r.lastActivity) <= h.idleAfter {
			r.mu.Unlock()
			continue
		}
		frame := types.MustFrame(types.EventRoomClosed, types.RoomLifecyclePayload{
			RoomID:    r.id,
			Reason:    reasonInactive,
			Timestamp: types.FormatTimestamp(h.clock.Now()),
		})
		h.endpoint.BroadcastToRoom(r.id, frame)
		r.closed = true
		r.mu.Unlock()

		h.mu.Lock()
		if h.rooms[r.id] == r {
			delete(h.rooms, r.id)
			metrics.ActiveRooms.Dec()
		}
		h.mu.Unlock()

		metrics.RoomParticipants.DeleteLabelValues(string(r.id))
		logging.Info(ctx, "Idle room removed", zap.String("roomId", string(r.id)))
	}
}

// Shutdown notifies every connected client, stops the sweep and closes
// all connections. Safe to call more than once.
func (h *Hub) Shutdown(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.done) })

	frame := types.MustFrame(types.EventServerShutdown, types.ServerShutdownPayload{
		Message:   "Server is shutting down",
		Timestamp: types.FormatTimestamp(h.clock.Now()),
	})
	conns := h.endpoint.Connections()
	for _, conn := range conns {
		h.endpoint.SendToConnection(conn, frame)
	}
	h.endpoint.CloseAll(CloseReasonShutdown)

	h.mu.Lock()
	for conn, t := range h.kickTimers {
		t.Stop()
		delete(h.kickTimers, conn)
	}
	h.rooms = make(map[types.RoomIdType]*room)
	h.roomOfConn = make(map[types.ConnIdType]types.RoomIdType)
	h.mu.Unlock()
	metrics.ActiveRooms.Set(0)

	logging.Info(ctx, "Hub shut down", zap.Int("connectionsNotified", len(conns)))
}

// ShuttingDown reports whether Shutdown has begun. Readiness probes use it
// to drain traffic before the process exits.
func (h *Hub) ShuttingDown() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// lookupRoom returns the live room or nil.
func (h *Hub) lookupRoom(roomID types.RoomIdType) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID]
}

// getOrCreateRoom materializes the room on first join. Existing state is
// never overwritten.
func (h *Hub) getOrCreateRoom(roomID types.RoomIdType) *room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		return r
	}
	r := newRoom(roomID, h.clock.Now())
	h.rooms[roomID] = r
	metrics.ActiveRooms.Inc()
	return r
}

// sendError delivers a single error frame to the sender. Recoverable
// failures never broadcast.
func (h *Hub) sendError(conn types.ConnIdType, msg string) {
	h.endpoint.SendToConnection(conn, types.MustFrame(types.EventError, types.ErrorPayload{Message: msg}))
}

func (h *Hub) timestamp() string {
	return types.FormatTimestamp(h.clock.Now())
}

// newMessageID builds a chat message id that stays unique within the room
// even after history eviction.
func (h *Hub) newMessageID(roomID types.RoomIdType) string {
	return fmt.Sprintf("%s_%d_%s", roomID, h.clock.Now().UnixMilli(), uuid.NewString()[:8])
}

// decodeRoomID reads the bare-string room id payload used by leave_room,
// request_message_history and stop_stream. The wrapped object form is
// accepted for older clients.
func decodeRoomID(raw json.RawMessage) (types.RoomIdType, error) {
	var roomID types.RoomIdType
	if err := json.Unmarshal(raw, &roomID); err == nil && roomID != "" {
		return roomID, nil
	}
	var wrapped struct {
		RoomID types.RoomIdType `json:"roomId"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.RoomID != "" {
		return wrapped.RoomID, nil
	}
	return "", fmt.Errorf("missing room id")
}
