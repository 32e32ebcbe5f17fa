package types

import (
	"errors"
	"fmt"
	"time"
)

// --- Core Domain Types ---

// RoleType defines the different roles a user can hold in a classroom.
type RoleType string

// UserIdType represents the stable identifier of an authenticated user.
type UserIdType string

// ConnIdType represents a unique identifier for a single transport session.
// It is assigned by the endpoint and is not stable across reconnects.
type ConnIdType string

// RoomIdType represents a unique identifier for a classroom room.
type RoomIdType string

// LectureIdType represents a unique identifier for a scheduled lecture.
type LectureIdType string

// Role constants define the permission hierarchy.
const (
	RoleTypeTeacher RoleType = "teacher"
	RoleTypeStudent RoleType = "student"
	RoleTypeAdmin   RoleType = "admin"
)

// CanStream reports whether the role may publish a stream or emit
// recording notifications.
func (r RoleType) CanStream() bool {
	return r == RoleTypeTeacher || r == RoleTypeAdmin
}

// CanScreenShare reports whether the role may share its screen.
func (r RoleType) CanScreenShare() bool {
	return r == RoleTypeTeacher || r == RoleTypeAdmin
}

// CanChat reports whether the role may send chat messages.
func (r RoleType) CanChat() bool {
	return true
}

// CanModerate reports whether the role may issue moderation commands.
func (r RoleType) CanModerate() bool {
	return r == RoleTypeTeacher || r == RoleTypeAdmin
}

// IsValid reports whether the role is one of the known constants.
func (r RoleType) IsValid() bool {
	switch r {
	case RoleTypeTeacher, RoleTypeStudent, RoleTypeAdmin:
		return true
	}
	return false
}

// User is the pre-authenticated identity supplied on join. The hub treats
// ID as the stable identity and Username as a display handle.
type User struct {
	ID          UserIdType `json:"id"`
	Username    string     `json:"username"`
	Role        RoleType   `json:"role"`
	DisplayName string     `json:"displayName,omitempty"`
	Email       string     `json:"email,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// Validate ensures a join payload carries a usable identity.
func (u User) Validate() error {
	if u.ID == "" {
		return errors.New("user id cannot be empty")
	}
	if u.Username == "" {
		return errors.New("username cannot be empty")
	}
	if !u.Role.IsValid() {
		return fmt.Errorf("unknown role %q", u.Role)
	}
	return nil
}

// Participant is the ephemeral per-(room, connection) record owned by the
// hub. Capability flags are derived from the role at join time and are
// never mutated afterwards.
type Participant struct {
	UserID       UserIdType `json:"userId"`
	Username     string     `json:"username"`
	Role         RoleType   `json:"role"`
	DisplayName  string     `json:"displayName,omitempty"`
	Status       string     `json:"status,omitempty"`
	ConnectionID ConnIdType `json:"connectionId"`
	JoinedAt     string     `json:"joinedAt"`

	CanStream      bool `json:"canStream"`
	CanScreenShare bool `json:"canScreenShare"`
	CanChat        bool `json:"canChat"`

	HandRaised   bool   `json:"handRaised"`
	HandRaisedAt string `json:"handRaisedAt,omitempty"`
}

// NewParticipant derives a participant record from a user identity and the
// connection it arrived on.
func NewParticipant(user User, conn ConnIdType, joinedAt time.Time) *Participant {
	return &Participant{
		UserID:         user.ID,
		Username:       user.Username,
		Role:           user.Role,
		DisplayName:    user.DisplayName,
		Status:         user.Status,
		ConnectionID:   conn,
		JoinedAt:       FormatTimestamp(joinedAt),
		CanStream:      user.Role.CanStream(),
		CanScreenShare: user.Role.CanScreenShare(),
		CanChat:        user.Role.CanChat(),
	}
}

// ChatMessage is one broadcast chat entry. Sequence is monotonic per room
// and survives history eviction.
type ChatMessage struct {
	MessageID string     `json:"messageId"`
	Sequence  int64      `json:"sequence"`
	UserID    UserIdType `json:"userId"`
	Username  string     `json:"username"`
	Content   string     `json:"content"`
	Timestamp string     `json:"timestamp"`
}

// maxChatContentLength bounds a single chat message.
const maxChatContentLength = 1000

// ValidateChatContent ensures chat content is safe to store and broadcast.
func ValidateChatContent(content string) error {
	if len(content) == 0 {
		return errors.New("chat content cannot be empty")
	}
	if len(content) > maxChatContentLength {
		return fmt.Errorf("chat content cannot exceed %d characters", maxChatContentLength)
	}
	return nil
}

// StreamQuality is the advertised quality of an active stream.
type StreamQuality string

const (
	StreamQualityLow    StreamQuality = "low"
	StreamQualityMedium StreamQuality = "medium"
	StreamQualityHigh   StreamQuality = "high"
)

// IsValid reports whether the quality is one of the known constants.
func (q StreamQuality) IsValid() bool {
	switch q {
	case StreamQualityLow, StreamQualityMedium, StreamQualityHigh:
		return true
	}
	return false
}

// StreamState describes the room's active stream, if any.
type StreamState struct {
	Active              bool          `json:"active"`
	StreamerDisplayName string        `json:"streamerDisplayName,omitempty"`
	Quality             StreamQuality `json:"quality,omitempty"`
}

// --- Lecture Lifecycle ---

// LectureStatus is the lifecycle state of a lecture.
type LectureStatus string

const (
	LectureStatusScheduled  LectureStatus = "scheduled"
	LectureStatusDelayed    LectureStatus = "delayed"
	LectureStatusInProgress LectureStatus = "in-progress"
	LectureStatusCompleted  LectureStatus = "completed"
	LectureStatusCancelled  LectureStatus = "cancelled"
)

// CanTransitionTo reports whether the lifecycle DAG permits moving from s
// to next. Completed and cancelled are terminal.
func (s LectureStatus) CanTransitionTo(next LectureStatus) bool {
	switch s {
	case LectureStatusScheduled:
		return next == LectureStatusDelayed || next == LectureStatusInProgress || next == LectureStatusCancelled
	case LectureStatusDelayed:
		return next == LectureStatusInProgress || next == LectureStatusCancelled
	case LectureStatusInProgress:
		return next == LectureStatusCompleted || next == LectureStatusCancelled
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s LectureStatus) IsTerminal() bool {
	return s == LectureStatusCompleted || s == LectureStatusCancelled
}

// IsValid reports whether the status is one of the known constants.
func (s LectureStatus) IsValid() bool {
	switch s {
	case LectureStatusScheduled, LectureStatusDelayed, LectureStatusInProgress,
		LectureStatusCompleted, LectureStatusCancelled:
		return true
	}
	return false
}

// RoomStatus is the persisted availability state of a room document.
type RoomStatus string

const (
	RoomStatusAvailable RoomStatus = "available"
	RoomStatusScheduled RoomStatus = "scheduled"
	RoomStatusOccupied  RoomStatus = "occupied"
)

// Lecture is the persistent lecture entity stored in the "events"
// collection. No live participant state is ever written to it.
type Lecture struct {
	ID              LectureIdType  `json:"id"`
	Name            string         `json:"name"`
	Date            string         `json:"date"`
	RoomID          RoomIdType     `json:"roomId"`
	TeacherID       UserIdType     `json:"teacherId"`
	CreatedBy       UserIdType     `json:"createdBy"`
	Status          LectureStatus  `json:"status"`
	Description     string         `json:"description,omitempty"`
	MaxParticipants int            `json:"maxParticipants,omitempty"`
	StartTime       string         `json:"startTime,omitempty"`
	EndTime         string         `json:"endTime,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       string         `json:"createdAt,omitempty"`
	LastModified    string         `json:"lastModified,omitempty"`
}

// Validate ensures a lecture document is complete enough to persist.
func (l Lecture) Validate() error {
	if l.ID == "" {
		return errors.New("lecture id cannot be empty")
	}
	if l.Name == "" {
		return errors.New("lecture name cannot be empty")
	}
	if l.RoomID == "" {
		return errors.New("lecture roomId cannot be empty")
	}
	if l.TeacherID == "" {
		return errors.New("lecture teacherId cannot be empty")
	}
	if !l.Status.IsValid() {
		return fmt.Errorf("unknown lecture status %q", l.Status)
	}
	return nil
}

// Room is the persistent room entity stored in the "rooms" collection.
type Room struct {
	ID             RoomIdType    `json:"id"`
	Name           string        `json:"name"`
	Capacity       int           `json:"capacity"`
	Status         RoomStatus    `json:"status"`
	Features       []string      `json:"features,omitempty"`
	CurrentLecture LectureIdType `json:"currentLecture,omitempty"`
	CreatedAt      string        `json:"createdAt,omitempty"`
	UpdatedAt      string        `json:"updatedAt,omitempty"`
	LastModified   string        `json:"lastModified,omitempty"`
}

// FormatTimestamp renders t in the wire timestamp format (RFC 3339 UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
