// Package lectures coordinates the durable lecture lifecycle with the
// live side of the system. Every mutation validates against the status
// DAG, persists through the document store first and only then touches
// the registry and the hub, so a storage failure never leaves ghost
// registrations or half-cleared rooms.
package lectures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/metrics"
	"github.com/lecturehall/classroom/backend/go/internal/v1/registry"
	"github.com/lecturehall/classroom/backend/go/internal/v1/store"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// Reasons passed to the hub when a lecture ends.
const (
	ReasonLectureCompleted = "lecture_completed"
	ReasonLectureCancelled = "lecture_cancelled"
)

var (
	ErrLectureNotFound = errors.New("lecture not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrAlreadyExists   = errors.New("already exists")

	// ErrInvalidStatusTransition is the sentinel wrapped by every
	// TransitionError; match it with errors.Is.
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// TransitionError reports a status change the lifecycle DAG forbids.
type TransitionError struct {
	From types.LectureStatus
	To   types.LectureStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("INVALID_STATUS_TRANSITION: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStatusTransition }

// RoomClearer is the single hub capability the coordinator needs.
type RoomClearer interface {
	ClearRoom(ctx context.Context, roomID types.RoomIdType, reason string)
}

// Coordinator owns lecture and room documents and drives registry and hub
// side effects on status transitions. Its mutex makes the
// read-validate-persist step atomic across concurrent mutations; reads go
// straight to the store.
type Coordinator struct {
	mu    sync.Mutex
	store *store.Store
	reg   *registry.Registry
	hub   RoomClearer
	clock clock.PassiveClock
}

func New(st *store.Store, reg *registry.Registry, hub RoomClearer) *Coordinator {
	return NewWithClock(st, reg, hub, clock.RealClock{})
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock(st *store.Store, reg *registry.Registry, hub RoomClearer, clk clock.PassiveClock) *Coordinator {
	return &Coordinator{store: st, reg: reg, hub: hub, clock: clk}
}

// CreateLecture validates and persists a new lecture, then stamps the
// room document as scheduled for it. A missing room document is created
// on the fly so a lecture never points at nothing.
func (c *Coordinator) CreateLecture(ctx context.Context, lecture types.Lecture) (types.Lecture, error) {
	if lecture.ID == "" {
		lecture.ID = types.LectureIdType(uuid.NewString())
	}
	if lecture.Status == "" {
		lecture.Status = types.LectureStatusScheduled
	}
	if err := lecture.Validate(); err != nil {
		return types.Lecture{}, err
	}
	lecture.CreatedAt = types.FormatTimestamp(c.clock.Now())

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store.FindOne(store.CollectionEvents, byID(string(lecture.ID))); exists {
		return types.Lecture{}, fmt.Errorf("lecture %s: %w", lecture.ID, ErrAlreadyExists)
	}

	doc, err := toDoc(lecture)
	if err != nil {
		return types.Lecture{}, err
	}
	if _, err := c.store.Insert(store.CollectionEvents, doc); err != nil {
		return types.Lecture{}, fmt.Errorf("persist lecture: %w", err)
	}

	if err := c.patchRoomLocked(lecture.RoomID, store.Document{
		"currentLecture": string(lecture.ID),
		"status":         string(types.RoomStatusScheduled),
	}); err != nil {
		return types.Lecture{}, err
	}

	logging.Info(ctx, "Lecture created",
		zap.String("lectureId", string(lecture.ID)),
		zap.String("roomId", string(lecture.RoomID)),
		zap.String("teacherId", string(lecture.TeacherID)))
	return lecture, nil
}

// UpdateLectureStatus moves a lecture along the lifecycle DAG. The new
// status is persisted before any side effect; if the write fails the
// registry and hub are left untouched. in-progress opens the room for
// joins, completed and cancelled clear it and tear the registration down.
func (c *Coordinator) UpdateLectureStatus(ctx context.Context, lectureID types.LectureIdType, next types.LectureStatus) (types.Lecture, error) {
	if !next.IsValid() {
		return types.Lecture{}, fmt.Errorf("unknown lecture status %q", next)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.store.FindOne(store.CollectionEvents, byID(string(lectureID)))
	if !ok {
		return types.Lecture{}, ErrLectureNotFound
	}
	current, err := lectureFromDoc(doc)
	if err != nil {
		return types.Lecture{}, err
	}

	if !current.Status.CanTransitionTo(next) {
		logging.Warn(ctx, "Rejected lecture status transition",
			zap.String("lectureId", string(lectureID)),
			zap.String("from", string(current.Status)),
			zap.String("to", string(next)))
		return types.Lecture{}, &TransitionError{From: current.Status, To: next}
	}

	now := types.FormatTimestamp(c.clock.Now())
	patch := store.Document{"status": string(next)}
	switch next {
	case types.LectureStatusInProgress:
		patch["startTime"] = now
	case types.LectureStatusCompleted:
		patch["endTime"] = now
	}

	updated, err := c.store.Update(store.CollectionEvents, byID(string(lectureID)), patch)
	if err != nil {
		return types.Lecture{}, fmt.Errorf("persist lecture status: %w", err)
	}

	switch next {
	case types.LectureStatusInProgress:
		c.reg.RegisterLecture(lectureID, current.RoomID, next)
		if err := c.patchRoomLocked(current.RoomID, store.Document{
			"status":         string(types.RoomStatusOccupied),
			"currentLecture": string(lectureID),
		}); err != nil {
			return types.Lecture{}, err
		}
	case types.LectureStatusCompleted, types.LectureStatusCancelled:
		c.reg.UpdateLectureStatus(lectureID, next)
		reason := ReasonLectureCompleted
		if next == types.LectureStatusCancelled {
			reason = ReasonLectureCancelled
		}
		c.hub.ClearRoom(ctx, current.RoomID, reason)
		c.reg.UnregisterLecture(lectureID)
		if err := c.patchRoomLocked(current.RoomID, store.Document{
			"status":         string(types.RoomStatusAvailable),
			"currentLecture": "",
		}); err != nil {
			return types.Lecture{}, err
		}
	default:
		c.reg.UpdateLectureStatus(lectureID, next)
	}

	metrics.LectureTransitions.WithLabelValues(string(next)).Inc()
	logging.Info(ctx, "Lecture status updated",
		zap.String("lectureId", string(lectureID)),
		zap.String("from", string(current.Status)),
		zap.String("to", string(next)))

	result, err := lectureFromDoc(updated)
	if err != nil {
		return types.Lecture{}, err
	}
	return result, nil
}

// CancelLecture is the cancellation convenience over UpdateLectureStatus.
func (c *Coordinator) CancelLecture(ctx context.Context, lectureID types.LectureIdType) (types.Lecture, error) {
	return c.UpdateLectureStatus(ctx, lectureID, types.LectureStatusCancelled)
}

// GetLecture reads one lecture document.
func (c *Coordinator) GetLecture(lectureID types.LectureIdType) (types.Lecture, error) {
	doc, ok := c.store.FindOne(store.CollectionEvents, byID(string(lectureID)))
	if !ok {
		return types.Lecture{}, ErrLectureNotFound
	}
	return lectureFromDoc(doc)
}

// ListLectures reads every lecture document.
func (c *Coordinator) ListLectures() ([]types.Lecture, error) {
	docs := c.store.Find(store.CollectionEvents, func(store.Document) bool { return true })
	out := make([]types.Lecture, 0, len(docs))
	for _, doc := range docs {
		lecture, err := lectureFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, lecture)
	}
	return out, nil
}

// CreateRoom persists a new room document.
func (c *Coordinator) CreateRoom(ctx context.Context, room types.Room) (types.Room, error) {
	if room.ID == "" {
		return types.Room{}, errors.New("room id cannot be empty")
	}
	if room.Name == "" {
		room.Name = string(room.ID)
	}
	if room.Status == "" {
		room.Status = types.RoomStatusAvailable
	}
	room.CreatedAt = types.FormatTimestamp(c.clock.Now())

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store.FindOne(store.CollectionRooms, byID(string(room.ID))); exists {
		return types.Room{}, fmt.Errorf("room %s: %w", room.ID, ErrAlreadyExists)
	}
	doc, err := toDoc(room)
	if err != nil {
		return types.Room{}, err
	}
	if _, err := c.store.Insert(store.CollectionRooms, doc); err != nil {
		return types.Room{}, fmt.Errorf("persist room: %w", err)
	}

	logging.Info(ctx, "Room created", zap.String("roomId", string(room.ID)))
	return room, nil
}

// GetRoom reads one room document.
func (c *Coordinator) GetRoom(roomID types.RoomIdType) (types.Room, error) {
	doc, ok := c.store.FindOne(store.CollectionRooms, byID(string(roomID)))
	if !ok {
		return types.Room{}, ErrRoomNotFound
	}
	var room types.Room
	if err := fromDoc(doc, &room); err != nil {
		return types.Room{}, err
	}
	return room, nil
}

// ResumeInProgressLectures re-registers lectures that were in progress
// when the process last stopped, so their rooms accept joins again after
// a restart. Returns the number of registrations restored.
func (c *Coordinator) ResumeInProgressLectures(ctx context.Context) int {
	docs := c.store.Find(store.CollectionEvents, func(d store.Document) bool {
		status, _ := d["status"].(string)
		return status == string(types.LectureStatusInProgress)
	})

	restored := 0
	for _, doc := range docs {
		lecture, err := lectureFromDoc(doc)
		if err != nil {
			logging.Warn(ctx, "Skipping unreadable lecture document", zap.Error(err))
			continue
		}
		c.reg.RegisterLecture(lecture.ID, lecture.RoomID, lecture.Status)
		restored++
	}
	if restored > 0 {
		logging.Info(ctx, "Restored lecture registrations", zap.Int("count", restored))
	}
	return restored
}

// patchRoomLocked merges the patch into the room document, creating a
// minimal document when none exists yet.
func (c *Coordinator) patchRoomLocked(roomID types.RoomIdType, patch store.Document) error {
	updated, err := c.store.Update(store.CollectionRooms, byID(string(roomID)), patch)
	if err != nil {
		return fmt.Errorf("persist room state: %w", err)
	}
	if updated != nil {
		return nil
	}

	doc := store.Document{
		"id":        string(roomID),
		"name":      string(roomID),
		"capacity":  0,
		"status":    string(types.RoomStatusAvailable),
		"createdAt": types.FormatTimestamp(c.clock.Now()),
	}
	for k, v := range patch {
		doc[k] = v
	}
	if _, err := c.store.Insert(store.CollectionRooms, doc); err != nil {
		return fmt.Errorf("persist room state: %w", err)
	}
	return nil
}

// byID matches documents on their "id" field.
func byID(id string) store.Predicate {
	return func(d store.Document) bool {
		v, _ := d["id"].(string)
		return v == id
	}
}

// toDoc converts a typed entity into the store's document form.
func toDoc(v any) (store.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// fromDoc converts a stored document back into a typed entity.
func fromDoc(doc store.Document, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func lectureFromDoc(doc store.Document) (types.Lecture, error) {
	var lecture types.Lecture
	if err := fromDoc(doc, &lecture); err != nil {
		return types.Lecture{}, err
	}
	return lecture, nil
}
