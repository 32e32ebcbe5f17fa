package hub

import (
	"container/list"
	"sync"
	"time"

	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// room holds the live state of one classroom: the participant roster, the
// bounded chat history, the active stream and the activity clock used by
// the idle sweep.
//
// Concurrency Design:
// Each room is its own serialization domain. Every mutation and every
// fan-out for a room happens while holding mu, so the frames emitted for a
// room form a total order consistent with the order its inbound events
// were accepted. Rooms never lock each other; cross-room work goes through
// the hub, whose map mutex is only ever acquired while a room lock is
// already held, never the other way around.
//
// Once closed is set the room is dead: handlers that find it re-fetch from
// the hub map, which by then no longer carries this instance.
type room struct {
	id types.RoomIdType

	mu sync.Mutex

	participants map[types.ConnIdType]*types.Participant
	byUser       map[types.UserIdType]types.ConnIdType

	// messages holds types.ChatMessage values, oldest at the front.
	messages *list.List
	sequence int64

	stream       *types.StreamState
	streamerConn types.ConnIdType

	lastActivity time.Time
	closed       bool
}

func newRoom(id types.RoomIdType, now time.Time) *room {
	return &room{
		id:           id,
		participants: make(map[types.ConnIdType]*types.Participant),
		byUser:       make(map[types.UserIdType]types.ConnIdType),
		messages:     list.New(),
		lastActivity: now,
	}
}

// addParticipantLocked registers the participant under its connection and
// points the user index at that connection.
func (r *room) addParticipantLocked(p *types.Participant) {
	r.participants[p.ConnectionID] = p
	r.byUser[p.UserID] = p.ConnectionID
}

// removeParticipantLocked drops the participant for the connection and
// returns it. The user index entry is removed only if it still points at
// this connection, so a newer session of the same user survives.
func (r *room) removeParticipantLocked(conn types.ConnIdType) (*types.Participant, bool) {
	p, ok := r.participants[conn]
	if !ok {
		return nil, false
	}
	delete(r.participants, conn)
	if r.byUser[p.UserID] == conn {
		delete(r.byUser, p.UserID)
	}
	return p, true
}

// participantByUserLocked resolves a stable user id to its current
// participant record.
func (r *room) participantByUserLocked(userID types.UserIdType) (*types.Participant, bool) {
	conn, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	p, ok := r.participants[conn]
	return p, ok
}

// snapshotParticipantsLocked copies the roster for a room_state payload.
func (r *room) snapshotParticipantsLocked() []*types.Participant {
	out := make([]*types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// nextSequenceLocked hands out the next chat sequence number, starting at 1.
func (r *room) nextSequenceLocked() int64 {
	r.sequence++
	return r.sequence
}

// appendMessageLocked stores the message and evicts from the front until
// the history fits the limit again.
func (r *room) appendMessageLocked(msg types.ChatMessage, limit int) {
	r.messages.PushBack(msg)
	for r.messages.Len() > limit {
		r.messages.Remove(r.messages.Front())
	}
}

// historyLocked copies the bounded history, oldest first.
func (r *room) historyLocked() []types.ChatMessage {
	out := make([]types.ChatMessage, 0, r.messages.Len())
	for e := r.messages.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(types.ChatMessage))
	}
	return out
}

// clearStreamLocked drops the active stream if the given connection owns
// it and reports whether anything changed.
func (r *room) clearStreamLocked(conn types.ConnIdType) bool {
	if r.stream == nil || r.streamerConn != conn {
		return false
	}
	r.stream = nil
	r.streamerConn = ""
	return true
}

func (r *room) touchLocked(now time.Time) {
	r.lastActivity = now
}
