package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/lecturehall/classroom/backend/go/internal/v1/config"
	"github.com/lecturehall/classroom/backend/go/internal/v1/registry"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// mockEndpoint implements types.Endpoint and records everything the hub
// does with it. Broadcasts are expanded into per-connection deliveries so
// tests can assert the exact frame order each client observed.
type mockEndpoint struct {
	mu sync.Mutex

	members map[types.RoomIdType]map[types.ConnIdType]bool
	conns   map[types.ConnIdType]bool

	delivered  map[types.ConnIdType][]types.Frame
	broadcasts []broadcastCall
	closes     []closeCall
	closeAlls  []string

	rejectSends bool

	// onBroadcast, when set, runs after each broadcast is recorded,
	// outside the endpoint mutex. Tests use it to interleave hub calls
	// at a precise point mid-handler.
	onBroadcast func(room types.RoomIdType, frame types.Frame)
}

type broadcastCall struct {
	room    types.RoomIdType
	frame   types.Frame
	exclude []types.ConnIdType
}

type closeCall struct {
	conn   types.ConnIdType
	reason string
}

func newMockEndpoint() *mockEndpoint {
	return &mockEndpoint{
		members:   make(map[types.RoomIdType]map[types.ConnIdType]bool),
		conns:     make(map[types.ConnIdType]bool),
		delivered: make(map[types.ConnIdType][]types.Frame),
	}
}

// track registers a connection without joining it to a room, the way a
// freshly upgraded socket exists before its first join_room.
func (m *mockEndpoint) track(conn types.ConnIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn] = true
}

func (m *mockEndpoint) Join(conn types.ConnIdType, room types.RoomIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[room] == nil {
		m.members[room] = make(map[types.ConnIdType]bool)
	}
	m.members[room][conn] = true
	m.conns[conn] = true
}

func (m *mockEndpoint) Leave(conn types.ConnIdType, room types.RoomIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[room], conn)
}

func (m *mockEndpoint) IsMember(conn types.ConnIdType, room types.RoomIdType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[room][conn]
}

func (m *mockEndpoint) SendToConnection(conn types.ConnIdType, frame types.Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectSends {
		return false
	}
	m.delivered[conn] = append(m.delivered[conn], frame)
	return true
}

func (m *mockEndpoint) BroadcastToRoom(room types.RoomIdType, frame types.Frame, exclude ...types.ConnIdType) {
	m.mu.Lock()
	m.broadcasts = append(m.broadcasts, broadcastCall{room: room, frame: frame, exclude: exclude})

	skip := make(map[types.ConnIdType]bool, len(exclude))
	for _, conn := range exclude {
		skip[conn] = true
	}
	for conn := range m.members[room] {
		if skip[conn] {
			continue
		}
		m.delivered[conn] = append(m.delivered[conn], frame)
	}
	hook := m.onBroadcast
	m.mu.Unlock()

	if hook != nil {
		hook(room, frame)
	}
}

func (m *mockEndpoint) setOnBroadcast(hook func(room types.RoomIdType, frame types.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBroadcast = hook
}

func (m *mockEndpoint) CloseConnection(conn types.ConnIdType, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, closeCall{conn: conn, reason: reason})
}

func (m *mockEndpoint) CloseAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAlls = append(m.closeAlls, reason)
}

func (m *mockEndpoint) Connections() []types.ConnIdType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ConnIdType, 0, len(m.conns))
	for conn := range m.conns {
		out = append(out, conn)
	}
	return out
}

// framesFor returns every frame the connection received, in order.
func (m *mockEndpoint) framesFor(conn types.ConnIdType) []types.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Frame, len(m.delivered[conn]))
	copy(out, m.delivered[conn])
	return out
}

// eventsFor returns the event names the connection received, in order.
func (m *mockEndpoint) eventsFor(conn types.ConnIdType) []types.EventType {
	frames := m.framesFor(conn)
	out := make([]types.EventType, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

// countEvent counts how many frames of the given event a connection got.
func (m *mockEndpoint) countEvent(conn types.ConnIdType, event types.EventType) int {
	n := 0
	for _, f := range m.framesFor(conn) {
		if f.Event == event {
			n++
		}
	}
	return n
}

// lastFrame returns the most recent frame of the given event delivered to
// the connection, or false.
func (m *mockEndpoint) lastFrame(conn types.ConnIdType, event types.EventType) (types.Frame, bool) {
	frames := m.framesFor(conn)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i], true
		}
	}
	return types.Frame{}, false
}

func (m *mockEndpoint) closeCalls() []closeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]closeCall, len(m.closes))
	copy(out, m.closes)
	return out
}

func (m *mockEndpoint) broadcastCalls() []broadcastCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broadcastCall, len(m.broadcasts))
	copy(out, m.broadcasts)
	return out
}

// allowAllLimiter never drops a message.
type allowAllLimiter struct{}

func (allowAllLimiter) Allow(context.Context, types.UserIdType) bool { return true }

// budgetLimiter admits the first n messages per user and drops the rest.
type budgetLimiter struct {
	mu   sync.Mutex
	n    int
	seen map[types.UserIdType]int
}

func newBudgetLimiter(n int) *budgetLimiter {
	return &budgetLimiter{n: n, seen: make(map[types.UserIdType]int)}
}

func (l *budgetLimiter) Allow(_ context.Context, userID types.UserIdType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[userID]++
	return l.seen[userID] <= l.n
}

// --- shared fixtures ---

var testEpoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

type testHub struct {
	hub      *Hub
	endpoint *mockEndpoint
	registry *registry.Registry
	clock    *clocktesting.FakeClock
}

// newTestHub builds a hub on a fake clock with an in-progress lecture
// registered for room-1.
func newTestHub(t *testing.T, limiter Limiter) *testHub {
	t.Helper()
	ep := newMockEndpoint()
	reg := registry.New()
	reg.RegisterLecture("lec-1", "room-1", types.LectureStatusInProgress)
	clk := clocktesting.NewFakeClock(testEpoch)
	cfg := &config.Config{
		MessageHistoryLimit:   100,
		KickCloseDelay:        time.Second,
		RoomCleanupInterval:   5 * time.Minute,
		RoomInactiveThreshold: 30 * time.Minute,
	}
	return &testHub{
		hub:      NewWithClock(ep, reg, limiter, cfg, clk),
		endpoint: ep,
		registry: reg,
		clock:    clk,
	}
}

func teacherUser(id, name string) types.User {
	return types.User{ID: types.UserIdType(id), Username: name, Role: types.RoleTypeTeacher}
}

func studentUser(id, name string) types.User {
	return types.User{ID: types.UserIdType(id), Username: name, Role: types.RoleTypeStudent}
}

func mustFrame(t *testing.T, event types.EventType, payload any) types.Frame {
	t.Helper()
	f, err := types.NewFrame(event, payload)
	require.NoError(t, err)
	return f
}

// join drives a full join_room through HandleFrame.
func (th *testHub) join(t *testing.T, conn types.ConnIdType, roomID types.RoomIdType, user types.User) {
	t.Helper()
	th.hub.HandleFrame(context.Background(), conn, mustFrame(t, types.EventJoinRoom, types.JoinRoomPayload{
		RoomID: roomID,
		User:   user,
	}))
}

// send drives a send_message through HandleFrame using the stored sender
// identity.
func (th *testHub) send(t *testing.T, conn types.ConnIdType, roomID types.RoomIdType, content string) {
	t.Helper()
	th.hub.HandleFrame(context.Background(), conn, mustFrame(t, types.EventSendMessage, types.SendMessagePayload{
		RoomID:  roomID,
		Message: types.InboundMessage{Content: content},
	}))
}

// decodePayload unmarshals a frame payload into T.
func decodePayload[T any](t *testing.T, frame types.Frame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(frame.Payload, &out))
	return out
}
