package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/metrics"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// handleJoin admits a connection into a room. Admission is gated by the
// lecture registry: a room whose lecture is not in progress rejects the
// join without creating membership or broadcasting anything.
func (h *Hub) handleJoin(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	var p types.JoinRoomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		h.sendError(conn, "invalid join_room payload")
		return
	}
	if err := p.User.Validate(); err != nil {
		h.sendError(conn, err.Error())
		return
	}

	if !h.registry.IsRoomAvailable(p.RoomID) {
		h.rejectJoin(ctx, conn, p.RoomID, p.User.ID)
		return
	}

	// One room per connection; switching rooms leaves the old one first.
	h.mu.Lock()
	prev, wasJoined := h.roomOfConn[conn]
	h.mu.Unlock()
	if wasJoined && prev != p.RoomID {
		h.detach(ctx, conn, prev)
	}

	now := h.clock.Now()
	participant := types.NewParticipant(p.User, conn, now)

	for {
		r := h.getOrCreateRoom(p.RoomID)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			// Stale instance caught mid-teardown; purge and retry.
			h.mu.Lock()
			if h.rooms[p.RoomID] == r {
				delete(h.rooms, p.RoomID)
				metrics.ActiveRooms.Dec()
			}
			h.mu.Unlock()
			continue
		}

		// The gate above ran before the room lock was held; a lecture
		// that ended in between must not be resurrected by this join.
		if !h.registry.IsRoomAvailable(p.RoomID) {
			if len(r.participants) == 0 {
				r.closed = true
				h.mu.Lock()
				if h.rooms[p.RoomID] == r {
					delete(h.rooms, p.RoomID)
					metrics.ActiveRooms.Dec()
				}
				h.mu.Unlock()
			}
			r.mu.Unlock()
			h.rejectJoin(ctx, conn, p.RoomID, p.User.ID)
			return
		}

		old, rejoin := r.participants[conn]
		if rejoin && old.UserID != participant.UserID {
			// Same socket, new identity: retire the previous participant
			// like a leave, so the roster and moderation lookups never
			// resolve the departed user to this connection.
			r.removeParticipantLocked(conn)
			h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(types.EventUserLeft, types.UserLeftPayload{
				UserID:       old.UserID,
				Username:     old.Username,
				ConnectionID: conn,
			}), conn)
			if r.clearStreamLocked(conn) {
				h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(types.EventStreamStopped, nil), conn)
			}
			rejoin = false
		}
		r.addParticipantLocked(participant)
		h.endpoint.Join(conn, p.RoomID)

		h.mu.Lock()
		h.roomOfConn[conn] = p.RoomID
		h.mu.Unlock()

		h.endpoint.SendToConnection(conn, types.MustFrame(types.EventWelcome, types.WelcomePayload{
			Message:   fmt.Sprintf("Welcome to room %s", p.RoomID),
			Timestamp: types.FormatTimestamp(now),
		}))
		h.endpoint.SendToConnection(conn, types.MustFrame(types.EventRoomState, types.RoomStatePayload{
			Stream:       r.stream,
			Participants: r.snapshotParticipantsLocked(),
		}))
		h.endpoint.SendToConnection(conn, types.MustFrame(types.EventMessageHistory, types.MessageHistoryPayload{
			Messages: r.historyLocked(),
		}))

		if !rejoin {
			h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(types.EventUserJoined, types.UserJoinedPayload{
				UserID:       participant.UserID,
				Username:     participant.Username,
				ConnectionID: conn,
				Role:         participant.Role,
				DisplayName:  participant.DisplayName,
				Status:       participant.Status,
			}), conn)
		}

		r.touchLocked(now)
		count := len(r.participants)
		r.mu.Unlock()

		metrics.RoomParticipants.WithLabelValues(string(p.RoomID)).Set(float64(count))
		logging.Info(ctx, "Participant joined room",
			zap.String("roomId", string(p.RoomID)),
			zap.String("userId", string(participant.UserID)),
			zap.String("role", string(participant.Role)),
			zap.Int("participants", count))
		return
	}
}

// rejectJoin tells the connection the room is not accepting participants,
// carrying the last known lecture status when the registry has one.
func (h *Hub) rejectJoin(ctx context.Context, conn types.ConnIdType, roomID types.RoomIdType, userID types.UserIdType) {
	reject := types.JoinRoomErrorPayload{
		Code:    types.ErrCodeRoomUnavailable,
		Message: "room is not accepting participants",
		RoomID:  roomID,
	}
	if status, ok := h.registry.StatusForRoom(roomID); ok {
		reject.LectureStatus = status
	}
	h.endpoint.SendToConnection(conn, types.MustFrame(types.EventJoinRoomError, reject))
	logging.Warn(ctx, "Join rejected, room unavailable",
		zap.String("roomId", string(roomID)),
		zap.String("userId", string(userID)),
		zap.String("lectureStatus", string(reject.LectureStatus)))
}

func (h *Hub) handleLeave(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	roomID, err := decodeRoomID(raw)
	if err != nil {
		h.sendError(conn, "invalid leave_room payload")
		return
	}
	h.detach(ctx, conn, roomID)
}

// detach removes the connection from the room, announces the departure to
// the remainder and drops the endpoint membership. It is shared by
// leave_room, transport disconnects and room switches.
func (h *Hub) detach(ctx context.Context, conn types.ConnIdType, roomID types.RoomIdType) {
	dropIndex := func() {
		h.mu.Lock()
		if h.roomOfConn[conn] == roomID {
			delete(h.roomOfConn, conn)
		}
		h.mu.Unlock()
	}

	r := h.lookupRoom(roomID)
	if r == nil {
		dropIndex()
		h.endpoint.Leave(conn, roomID)
		return
	}

	r.mu.Lock()
	p, ok := r.removeParticipantLocked(conn)
	if !ok {
		r.mu.Unlock()
		dropIndex()
		h.endpoint.Leave(conn, roomID)
		return
	}

	h.endpoint.BroadcastToRoom(roomID, types.MustFrame(types.EventUserLeft, types.UserLeftPayload{
		UserID:       p.UserID,
		Username:     p.Username,
		ConnectionID: conn,
	}), conn)
	if r.clearStreamLocked(conn) {
		h.endpoint.BroadcastToRoom(roomID, types.MustFrame(types.EventStreamStopped, nil), conn)
	}
	h.endpoint.Leave(conn, roomID)
	dropIndex()

	r.touchLocked(h.clock.Now())
	count := len(r.participants)
	r.mu.Unlock()

	metrics.RoomParticipants.WithLabelValues(string(roomID)).Set(float64(count))
	logging.Info(ctx, "Participant left room",
		zap.String("roomId", string(roomID)),
		zap.String("userId", string(p.UserID)),
		zap.Int("participants", count))
}

func (h *Hub) handleRequestHistory(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	roomID, err := decodeRoomID(raw)
	if err != nil {
		h.sendError(conn, "invalid request_message_history payload")
		return
	}
	r := h.lookupRoom(roomID)
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
	if _, ok := r.participants[conn]; !ok {
		h.sendError(conn, "not a member of room")
		return
	}
	h.endpoint.SendToConnection(conn, types.MustFrame(types.EventMessageHistory, types.MessageHistoryPayload{
		Messages: r.historyLocked(),
	}))
}

// handleSendMessage validates, rate-limits, sequences and fans out one
// chat message. The sender's stored identity wins over whatever the
// payload claims.
func (h *Hub) handleSendMessage(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	var p types.SendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		h.sendError(conn, "invalid send_message payload")
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
	sender, ok := r.participants[conn]
	if !ok {
		h.sendError(conn, "not a member of room")
		return
	}
	if !sender.CanChat {
		h.sendError(conn, "not allowed to chat")
		return
	}
	if err := types.ValidateChatContent(p.Message.Content); err != nil {
		h.sendError(conn, err.Error())
		return
	}
	if !h.limiter.Allow(ctx, sender.UserID) {
		h.sendError(conn, "Rate limit exceeded")
		return
	}

	msg := types.ChatMessage{
		MessageID: h.newMessageID(p.RoomID),
		Sequence:  r.nextSequenceLocked(),
		UserID:    sender.UserID,
		Username:  sender.Username,
		Content:   p.Message.Content,
		Timestamp: h.timestamp(),
	}
	r.appendMessageLocked(msg, h.historyLimit)

	h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(types.EventNewMessage, msg))
	r.touchLocked(h.clock.Now())
}

func (h *Hub) handleStartStream(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	var p types.StartStreamPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		h.sendError(conn, "invalid start_stream payload")
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
	sender, ok := r.participants[conn]
	if !ok {
		h.sendError(conn, "not a member of room")
		return
	}
	if !sender.CanStream {
		h.sendError(conn, "not allowed to stream")
		return
	}

	quality := p.Quality
	if quality == "" {
		quality = types.StreamQualityMedium
	}
	if !quality.IsValid() {
		h.sendError(conn, "invalid stream quality")
		return
	}
	name := p.StreamerName()
	if name == "" {
		name = sender.DisplayName
	}
	if name == "" {
		name = sender.Username
	}

	r.stream = &types.StreamState{
		Active:              true,
		StreamerDisplayName: name,
		Quality:             quality,
	}
	r.streamerConn = conn

	h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(types.EventStreamStarted, r.stream))
	r.touchLocked(h.clock.Now())

	logging.Info(ctx, "Stream started",
		zap.String("roomId", string(p.RoomID)),
		zap.String("streamer", name),
		zap.String("quality", string(quality)))
}

// handleStopStream clears the active stream. Only the streamer itself or
// a moderator may stop it; stopping an idle room is a no-op.
func (h *Hub) handleStopStream(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	roomID, err := decodeRoomID(raw)
	if err != nil {
		h.sendError(conn, "invalid stop_stream payload")
		return
	}
	r := h.lookupRoom(roomID)
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
	sender, ok := r.participants[conn]
	if !ok {
		h.sendError(conn, "not a member of room")
		return
	}
	if r.stream == nil {
		return
	}
	if r.streamerConn != conn && !sender.Role.CanModerate() {
		h.sendError(conn, "not allowed to stop the stream")
		return
	}

	r.stream = nil
	r.streamerConn = ""
	h.endpoint.BroadcastToRoom(roomID, types.MustFrame(types.EventStreamStopped, nil))
	r.touchLocked(h.clock.Now())
}

func (h *Hub) handleRaiseHand(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	h.handleHand(ctx, conn, raw, true)
}

func (h *Hub) handleLowerHand(ctx context.Context, conn types.ConnIdType, raw json.RawMessage) {
	h.handleHand(ctx, conn, raw, false)
}

// handleHand flips a participant's hand state. Any member may raise a
// hand; the payload names the user whose hand moves.
func (h *Hub) handleHand(ctx context.Context, conn types.ConnIdType, raw json.RawMessage, raised bool) {
	var p types.HandPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" || p.UserID == "" {
		h.sendError(conn, "invalid hand payload")
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
	if _, ok := r.participants[conn]; !ok {
		h.sendError(conn, "not a member of room")
		return
	}
	target, ok := r.participantByUserLocked(p.UserID)
	if !ok {
		h.sendError(conn, "participant not found")
		return
	}

	now := h.clock.Now()
	if raised {
		target.HandRaised = true
		target.HandRaisedAt = types.FormatTimestamp(now)
		h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(types.EventHandRaised, types.HandRaisedPayload{
			UserID:    target.UserID,
			Username:  target.Username,
			Timestamp: types.FormatTimestamp(now),
		}))
	} else {
		target.HandRaised = false
		target.HandRaisedAt = ""
		h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(types.EventHandLowered, types.HandLoweredPayload{
			UserID:    target.UserID,
			Timestamp: types.FormatTimestamp(now),
		}))
	}
	r.touchLocked(now)
}

// handleRecording fans out a recording notification. The hub keeps no
// recording state; these frames only tell clients what the teacher's
// client is doing.
func (h *Hub) handleRecording(ctx context.Context, conn types.ConnIdType, outEvent types.EventType, raw json.RawMessage) {
	var p types.RecordingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		h.sendError(conn, "invalid recording payload")
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
	sender, ok := r.participants[conn]
	if !ok {
		h.sendError(conn, "not a member of room")
		return
	}
	if !sender.CanStream {
		h.sendError(conn, "not allowed to manage recording")
		return
	}

	teacherID := p.TeacherID
	if teacherID == "" {
		teacherID = sender.UserID
	}
	notice := types.RecordingNoticePayload{
		TeacherID: teacherID,
		Timestamp: h.timestamp(),
	}
	if outEvent == types.EventRecordingStopped {
		notice.Duration = p.Duration
	}
	h.endpoint.BroadcastToRoom(p.RoomID, types.MustFrame(outEvent, notice))
	r.touchLocked(h.clock.Now())
}
