// Package registry tracks which lectures are live in which rooms. It is
// the hub's O(1) join gate: a room is joinable only while its mapped
// lecture is in progress. The event coordinator drives all mutations.
package registry

import (
	"sync"

	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

type entry struct {
	lectureID types.LectureIdType
	status    types.LectureStatus
}

// Registry is an in-memory bidirectional map between rooms and lectures.
// Each lecture maps to at most one room and each room to at most one
// lecture. A single RWMutex covers all operations.
type Registry struct {
	mu        sync.RWMutex
	byRoom    map[types.RoomIdType]entry
	roomOf    map[types.LectureIdType]types.RoomIdType
	// lastStatus survives unregistration so rejected joins can report
	// why the room went away (e.g. "completed").
	lastStatus map[types.RoomIdType]types.LectureStatus
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byRoom:     make(map[types.RoomIdType]entry),
		roomOf:     make(map[types.LectureIdType]types.RoomIdType),
		lastStatus: make(map[types.RoomIdType]types.LectureStatus),
	}
}

// RegisterLecture maps lectureID to roomID with the given status,
// displacing any previous mapping held by either key.
func (r *Registry) RegisterLecture(lectureID types.LectureIdType, roomID types.RoomIdType, status types.LectureStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevRoom, ok := r.roomOf[lectureID]; ok {
		delete(r.byRoom, prevRoom)
	}
	if prev, ok := r.byRoom[roomID]; ok {
		delete(r.roomOf, prev.lectureID)
	}

	r.byRoom[roomID] = entry{lectureID: lectureID, status: status}
	r.roomOf[lectureID] = roomID
	delete(r.lastStatus, roomID)
}

// UpdateLectureStatus changes the status of a mapped lecture. It reports
// false when the lecture is not currently registered.
func (r *Registry) UpdateLectureStatus(lectureID types.LectureIdType, status types.LectureStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.roomOf[lectureID]
	if !ok {
		return false
	}
	e := r.byRoom[roomID]
	e.status = status
	r.byRoom[roomID] = e
	return true
}

// UnregisterLecture removes the lecture's mapping and remembers its final
// status for the room, so later join attempts can surface it.
func (r *Registry) UnregisterLecture(lectureID types.LectureIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.roomOf[lectureID]
	if !ok {
		return
	}
	r.lastStatus[roomID] = r.byRoom[roomID].status
	delete(r.byRoom, roomID)
	delete(r.roomOf, lectureID)
}

// IsRoomAvailable reports whether the room has a mapped lecture whose
// status is exactly in-progress.
func (r *Registry) IsRoomAvailable(roomID types.RoomIdType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byRoom[roomID]
	return ok && e.status == types.LectureStatusInProgress
}

// StatusForRoom returns the status of the room's mapped lecture, falling
// back to the final status of the most recently unregistered one.
func (r *Registry) StatusForRoom(roomID types.RoomIdType) (types.LectureStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byRoom[roomID]; ok {
		return e.status, true
	}
	status, ok := r.lastStatus[roomID]
	return status, ok
}

// LectureForRoom returns the lecture currently mapped to roomID.
func (r *Registry) LectureForRoom(roomID types.RoomIdType) (types.LectureIdType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byRoom[roomID]
	return e.lectureID, ok
}
