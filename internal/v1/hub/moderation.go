package hub

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/metrics"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// moderatorLocked resolves the sender's participant record and verifies
// the stored role may moderate. Payload-supplied requester ids are never
// trusted; the record attached at join time decides.
func (h *Hub) moderatorLocked(r *room, conn types.ConnIdType) (*types.Participant, bool) {
	sender, ok := r.participants[conn]
	if !ok {
		h.sendError(conn, "not a member of room")
		return nil, false
	}
	if !sender.Role.CanModerate() {
		h.sendError(conn, "moderator role required")
		return nil, false
	}
	return sender, true
}

func (h *Hub) handleMuteAll(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	var p types.MuteAllPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		h.sendError(conn, "invalid mute_all_participants payload")
		return
	}

	r := h.lookupRoom(p.RoomID)
	if r == nil {
		h.sendError(conn, "unknown room")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		h.sendError(conn, "unknown room")
		return
	}
	sender, ok := h.moderatorLocked(r, conn)
	if !ok {
		return
	}

	h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(types.EventMuteAllNotice, types.MuteAllNoticePayload{
		RequestedBy: sender.UserID,
		Timestamp:   h.timestamp(),
	}))
	r.touchLocked(h.clock.Now())

	logging.Info(ctx, "Mute all requested",
		zap.String("roomId", string(p.RoomID)),
		zap.String("requestedBy", string(sender.UserID)))
}

func (h *Hub) handleMuteParticipant(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	var p types.MuteParticipantPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" || p.TargetUserID == "" {
		h.sendError(conn, "invalid mute_participant payload")
		return
	}

	r := h.lookupRoom(p.RoomID)
	if r == nil {
		h.sendError(conn, "unknown room")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		h.sendError(conn, "unknown room")
		return
	}
	sender, ok := h.moderatorLocked(r, conn)
	if !ok {
		return
	}
	targetConn, ok := r.byUser[p.TargetUserID]
	if !ok {
		h.sendError(conn, "participant not found")
		return
	}

	h.endpoint.SendToConnection(targetConn, types.MustFrame(types.EventMutedByTeacher, types.MutedByTeacherPayload{
		RequestedBy: sender.UserID,
		Reason:      p.Reason,
		Timestamp:   h.timestamp(),
	}))
	r.touchLocked(h.clock.Now())

	logging.Info(ctx, "Participant muted",
		zap.String("roomId", string(p.RoomID)),
		zap.String("targetUserId", string(p.TargetUserID)),
		zap.String("requestedBy", string(sender.UserID)))
}

// handleKickParticipant notifies the target, tells the rest of the room,
// removes the membership immediately and closes the target's transport
// after a grace delay so the notification can flush.
func (h *Hub) handleKickParticipant(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	var p types.KickParticipantPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" || p.TargetUserID == "" {
		h.sendError(conn, "invalid kick_participant payload")
		return
	}

	r := h.lookupRoom(p.RoomID)
	if r == nil {
		h.sendError(conn, "unknown room")
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h.sendError(conn, "unknown room")
		return
	}
	sender, ok := h.moderatorLocked(r, conn)
	if !ok {
		r.mu.Unlock()
		return
	}
	targetConn, ok := r.byUser[p.TargetUserID]
	if !ok {
		h.sendError(conn, "participant not found")
		r.mu.Unlock()
		return
	}

	h.endpoint.SendToConnection(targetConn, types.MustFrame(types.EventKickedFromRoom, types.KickedFromRoomPayload{
		RoomID:    p.RoomID,
		Reason:    p.Reason,
		KickedBy:  sender.UserID,
		Timestamp: h.timestamp(),
	}))
	h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(types.EventParticipantKicked, types.ParticipantKickedPayload{
		UserID: p.TargetUserID,
		Reason: p.Reason,
	}), targetConn)

	r.removeParticipantLocked(targetConn)
	if r.clearStreamLocked(targetConn) {
		h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(types.EventStreamStopped, nil), targetConn)
	}
	h.endpoint.Leave(targetConn, p.RoomID)

	h.mu.Lock()
	if h.roomOfConn[targetConn] == p.RoomID {
		delete(h.roomOfConn, targetConn)
	}
	if old, armed := h.kickTimers[targetConn]; armed {
		old.Stop()
	}
	h.kickTimers[targetConn] = h.clock.AfterFunc(h.kickDelay, func() {
		h.endpoint.CloseConnection(targetConn, CloseReasonKicked)
		h.mu.Lock()
		delete(h.kickTimers, targetConn)
		h.mu.Unlock()
	})
	h.mu.Unlock()

	r.touchLocked(h.clock.Now())
	count := len(r.participants)
	r.mu.Unlock()

	metrics.RoomParticipants.WithLabelValues(string(p.RoomID)).Set(float64(count))
	logging.Info(ctx, "Participant kicked",
		zap.String("roomId", string(p.RoomID)),
		zap.String("targetUserId", string(p.TargetUserID)),
		zap.String("kickedBy", string(sender.UserID)),
		zap.String("reason", p.Reason))
}
