package types

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventType names a wire event. Every frame on the wire is an event name
// plus a JSON payload.
type EventType string

// Client → server events.
const (
	EventJoinRoom        EventType = "join_room"
	EventLeaveRoom       EventType = "leave_room"
	EventRequestHistory  EventType = "request_message_history"
	EventSendMessage     EventType = "send_message"
	EventStartStream     EventType = "start_stream"
	EventStopStream      EventType = "stop_stream"
	EventMuteAll         EventType = "mute_all_participants"
	EventMuteParticipant EventType = "mute_participant"
	EventKickParticipant EventType = "kick_participant"
	EventRaiseHand       EventType = "raise_hand"
	EventLowerHand       EventType = "lower_hand"
	EventRecordingStart  EventType = "recording_started"
	EventRecordingStop   EventType = "recording_stopped"
)

// WebRTC signaling events. The short names are canonical on the wire; the
// prefixed forms are accepted inbound as aliases.
const (
	EventOffer          EventType = "offer"
	EventAnswer         EventType = "answer"
	EventCandidate      EventType = "ice-candidate"
	EventOfferAlias     EventType = "webrtc:offer"
	EventAnswerAlias    EventType = "webrtc:answer"
	EventCandidateAlias EventType = "webrtc:ice-candidate"
)

// Server → client events.
const (
	EventWelcome           EventType = "welcome"
	EventRoomState         EventType = "room_state"
	EventMessageHistory    EventType = "message_history"
	EventNewMessage        EventType = "new_message"
	EventUserJoined        EventType = "user_joined"
	EventUserLeft          EventType = "user_left"
	EventStreamStarted     EventType = "stream_started"
	EventStreamStopped     EventType = "stream_stopped"
	EventMuteAllNotice     EventType = "mute_all"
	EventMutedByTeacher    EventType = "muted_by_teacher"
	EventKickedFromRoom    EventType = "kicked_from_room"
	EventParticipantKicked EventType = "participant_kicked"
	EventHandRaised        EventType = "hand_raised"
	EventHandLowered       EventType = "hand_lowered"
	EventRecordingStarted  EventType = "lecture_recording_started"
	EventRecordingStopped  EventType = "lecture_recording_stopped"
	EventRoomCleared       EventType = "room_cleared"
	EventRoomClosed        EventType = "room_closed"
	EventServerShutdown    EventType = "server_shutdown"
	EventJoinRoomError     EventType = "join_room_error"
	EventError             EventType = "error"
)

// Error codes carried by join_room_error.
const ErrCodeRoomUnavailable = "ROOM_UNAVAILABLE"

// Frame is the wire envelope: one JSON text frame per event.
type Frame struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload and wraps it in a Frame.
func NewFrame(event EventType, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Payload: raw}, nil
}

// MustFrame is NewFrame for payload types the caller controls entirely.
// It panics on marshal failure, which can only happen for unmarshalable
// Go values, never for wire input.
func MustFrame(event EventType, payload any) Frame {
	f, err := NewFrame(event, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// --- Client → server payloads ---

// JoinRoomPayload carries the pre-authenticated identity joining a room.
type JoinRoomPayload struct {
	RoomID RoomIdType `json:"roomId"`
	User   User       `json:"user"`
}

// InboundMessage is the client-supplied part of a chat message.
type InboundMessage struct {
	UserID   UserIdType `json:"userId"`
	Username string     `json:"username"`
	Content  string     `json:"content"`
}

// SendMessagePayload carries one chat message for a room.
type SendMessagePayload struct {
	RoomID  RoomIdType     `json:"roomId"`
	Message InboundMessage `json:"message"`
}

// StartStreamPayload announces a stream. Older clients send the streamer
// handle as username, newer ones as displayName; both are accepted.
type StartStreamPayload struct {
	RoomID      RoomIdType    `json:"roomId"`
	Username    string        `json:"username,omitempty"`
	DisplayName string        `json:"displayName,omitempty"`
	Quality     StreamQuality `json:"quality"`
}

// StreamerName resolves the display handle for the stream.
func (p StartStreamPayload) StreamerName() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

// SignalPayload is the inbound shape shared by offer, answer and
// ice-candidate. Exactly one of Offer, Answer, Candidate is set, matching
// the event name; the hub never inspects its contents. RoomID may be
// omitted on answer and ice-candidate, in which case the sender's
// membership resolves it.
type SignalPayload struct {
	RoomID       RoomIdType      `json:"roomId,omitempty"`
	TargetPeerID ConnIdType      `json:"targetPeerId"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// MuteAllPayload requests a room-wide mute notification.
type MuteAllPayload struct {
	RoomID      RoomIdType `json:"roomId"`
	RequesterID UserIdType `json:"requesterId"`
}

// MuteParticipantPayload requests a targeted mute notification.
type MuteParticipantPayload struct {
	RoomID       RoomIdType `json:"roomId"`
	TargetUserID UserIdType `json:"targetUserId"`
	RequesterID  UserIdType `json:"requesterId"`
	Reason       string     `json:"reason,omitempty"`
}

// KickParticipantPayload requests removal of a participant.
type KickParticipantPayload struct {
	RoomID       RoomIdType `json:"roomId"`
	TargetUserID UserIdType `json:"targetUserId"`
	RequesterID  UserIdType `json:"requesterId"`
	Reason       string     `json:"reason,omitempty"`
}

// HandPayload is shared by raise_hand and lower_hand.
type HandPayload struct {
	RoomID RoomIdType `json:"roomId"`
	UserID UserIdType `json:"userId"`
}

// RecordingPayload is shared by recording_started and recording_stopped.
// Duration is only meaningful on stop.
type RecordingPayload struct {
	RoomID    RoomIdType `json:"roomId"`
	TeacherID UserIdType `json:"teacherId"`
	Duration  float64    `json:"duration,omitempty"`
}

// --- Server → client payloads ---

// WelcomePayload greets a joiner.
type WelcomePayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// RoomStatePayload is the full snapshot sent to a joiner.
type RoomStatePayload struct {
	Stream       *StreamState   `json:"stream"`
	Participants []*Participant `json:"participants"`
}

// MessageHistoryPayload carries the bounded chat history.
type MessageHistoryPayload struct {
	Messages []ChatMessage `json:"messages"`
}

// UserJoinedPayload announces a new participant to the rest of the room.
type UserJoinedPayload struct {
	UserID       UserIdType `json:"userId"`
	Username     string     `json:"username"`
	ConnectionID ConnIdType `json:"connectionId"`
	Role         RoleType   `json:"role"`
	DisplayName  string     `json:"displayName,omitempty"`
	Status       string     `json:"status,omitempty"`
}

// UserLeftPayload announces a departure.
type UserLeftPayload struct {
	UserID       UserIdType `json:"userId"`
	Username     string     `json:"username"`
	ConnectionID ConnIdType `json:"connectionId"`
}

// SignalRelayPayload is the unicast relay of an opaque signaling blob.
// The field matching the event name is set, mirroring the inbound shape.
type SignalRelayPayload struct {
	FromPeerID ConnIdType      `json:"fromPeerId"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

// MuteAllNoticePayload is the room-wide mute broadcast.
type MuteAllNoticePayload struct {
	RequestedBy UserIdType `json:"requestedBy"`
	Timestamp   string     `json:"timestamp"`
}

// MutedByTeacherPayload is the targeted mute notification.
type MutedByTeacherPayload struct {
	RequestedBy UserIdType `json:"requestedBy"`
	Reason      string     `json:"reason,omitempty"`
	Timestamp   string     `json:"timestamp"`
}

// KickedFromRoomPayload notifies the kicked participant.
type KickedFromRoomPayload struct {
	RoomID    RoomIdType `json:"roomId"`
	Reason    string     `json:"reason,omitempty"`
	KickedBy  UserIdType `json:"kickedBy"`
	Timestamp string     `json:"timestamp"`
}

// ParticipantKickedPayload notifies the remaining participants.
type ParticipantKickedPayload struct {
	UserID UserIdType `json:"userId"`
	Reason string     `json:"reason,omitempty"`
}

// HandRaisedPayload announces a raised hand.
type HandRaisedPayload struct {
	UserID    UserIdType `json:"userId"`
	Username  string     `json:"username"`
	Timestamp string     `json:"timestamp"`
}

// HandLoweredPayload announces a lowered hand.
type HandLoweredPayload struct {
	UserID    UserIdType `json:"userId"`
	Timestamp string     `json:"timestamp"`
}

// RecordingNoticePayload is shared by the recording broadcasts.
type RecordingNoticePayload struct {
	TeacherID UserIdType `json:"teacherId"`
	Duration  float64    `json:"duration,omitempty"`
	Timestamp string     `json:"timestamp"`
}

// RoomLifecyclePayload is shared by room_cleared and room_closed.
type RoomLifecyclePayload struct {
	RoomID    RoomIdType `json:"roomId"`
	Reason    string     `json:"reason"`
	Timestamp string     `json:"timestamp"`
}

// ServerShutdownPayload is broadcast to every connection on shutdown.
type ServerShutdownPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// JoinRoomErrorPayload rejects a join attempt without closing the
// connection.
type JoinRoomErrorPayload struct {
	Code          string        `json:"code"`
	Message       string        `json:"message"`
	LectureStatus LectureStatus `json:"lectureStatus,omitempty"`
	RoomID        RoomIdType    `json:"roomId"`
}

// ErrorPayload is the single-frame reply for validation, authorization and
// rate-limit failures.
type ErrorPayload struct {
	Message string `json:"message"`
}

// --- Shared Interfaces ---

// Endpoint is the transport capability the hub consumes: membership
// bookkeeping plus the two fan-out primitives. Sends are non-blocking; a
// connection that cannot keep up is closed by the endpoint itself.
type Endpoint interface {
	Join(conn ConnIdType, room RoomIdType)
	Leave(conn ConnIdType, room RoomIdType)
	IsMember(conn ConnIdType, room RoomIdType) bool
	SendToConnection(conn ConnIdType, frame Frame) bool
	BroadcastToRoom(room RoomIdType, frame Frame, exclude ...ConnIdType)
	CloseConnection(conn ConnIdType, reason string)
	CloseAll(reason string)
	Connections() []ConnIdType
}

// FrameHandler receives inbound frames and disconnects from the endpoint.
// Frames for one connection are delivered synchronously in arrival order.
type FrameHandler interface {
	HandleFrame(ctx context.Context, conn ConnIdType, frame Frame)
	HandleDisconnect(ctx context.Context, conn ConnIdType)
}
