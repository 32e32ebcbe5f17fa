package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

func TestJoinSendsWelcomeStateAndHistory(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	th.join(t, "conn-a", "room-1", teacherUser("u1", "alice"))

	events := th.endpoint.eventsFor("conn-a")
	require.Equal(t, []types.EventType{
		types.EventWelcome,
		types.EventRoomState,
		types.EventMessageHistory,
	}, events)

	assert.True(t, th.endpoint.IsMember("conn-a", "room-1"))

	welcome, ok := th.endpoint.lastFrame("conn-a", types.EventWelcome)
	require.True(t, ok)
	wp := decodePayload[types.WelcomePayload](t, welcome)
	assert.Equal(t, types.FormatTimestamp(testEpoch), wp.Timestamp)
	assert.Contains(t, wp.Message, "room-1")

	state, ok := th.endpoint.lastFrame("conn-a", types.EventRoomState)
	require.True(t, ok)
	sp := decodePayload[types.RoomStatePayload](t, state)
	require.Len(t, sp.Participants, 1)
	assert.Equal(t, types.UserIdType("u1"), sp.Participants[0].UserID)
	assert.Nil(t, sp.Stream)

	history, ok := th.endpoint.lastFrame("conn-a", types.EventMessageHistory)
	require.True(t, ok)
	hp := decodePayload[types.MessageHistoryPayload](t, history)
	assert.Empty(t, hp.Messages)
}

func TestLateJoinObservesFullRoster(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	th.join(t, "conn-a", "room-1", teacherUser("u1", "alice"))
	th.join(t, "conn-b", "room-1", studentUser("u2", "bob"))
	th.join(t, "conn-c", "room-1", studentUser("u3", "carol"))

	state, ok := th.endpoint.lastFrame("conn-c", types.EventRoomState)
	require.True(t, ok)
	sp := decodePayload[types.RoomStatePayload](t, state)
	names := make([]string, 0, len(sp.Participants))
	for _, p := range sp.Participants {
		names = append(names, p.Username)
	}
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, names)

	// alice saw both later joins, bob only carol's, carol none.
	assert.Equal(t, 2, th.endpoint.countEvent("conn-a", types.EventUserJoined))
	assert.Equal(t, 1, th.endpoint.countEvent("conn-b", types.EventUserJoined))
	assert.Equal(t, 0, th.endpoint.countEvent("conn-c", types.EventUserJoined))

	joined, ok := th.endpoint.lastFrame("conn-a", types.EventUserJoined)
	require.True(t, ok)
	jp := decodePayload[types.UserJoinedPayload](t, joined)
	assert.Equal(t, types.UserIdType("u3"), jp.UserID)
	assert.Equal(t, "carol", jp.Username)
	assert.Equal(t, types.ConnIdType("conn-c"), jp.ConnectionID)
	assert.Equal(t, types.RoleTypeStudent, jp.Role)
}

func TestJoinRejectedWithoutRegisteredLecture(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	th.join(t, "conn-a", "room-x", studentUser("u1", "alice"))

	reject, ok := th.endpoint.lastFrame("conn-a", types.EventJoinRoomError)
	require.True(t, ok)
	rp := decodePayload[types.JoinRoomErrorPayload](t, reject)
	assert.Equal(t, types.ErrCodeRoomUnavailable, rp.Code)
	assert.Equal(t, types.RoomIdType("room-x"), rp.RoomID)
	assert.Empty(t, rp.LectureStatus)

	assert.False(t, th.endpoint.IsMember("conn-a", "room-x"))
	assert.Empty(t, th.endpoint.broadcastCalls())
	assert.Nil(t, th.hub.lookupRoom("room-x"))
}

func TestJoinRejectedWhenLectureNotInProgress(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})
	th.registry.RegisterLecture("lec-2", "room-2", types.LectureStatusScheduled)

	th.join(t, "conn-a", "room-2", studentUser("u1", "alice"))

	reject, ok := th.endpoint.lastFrame("conn-a", types.EventJoinRoomError)
	require.True(t, ok)
	rp := decodePayload[types.JoinRoomErrorPayload](t, reject)
	assert.Equal(t, types.ErrCodeRoomUnavailable, rp.Code)
	assert.Equal(t, types.LectureStatusScheduled, rp.LectureStatus)
	assert.False(t, th.endpoint.IsMember("conn-a", "room-2"))
}

func TestJoinAfterLectureCompletedReportsLastStatus(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})
	th.join(t, "conn-a", "room-1", studentUser("u1", "alice"))

	// Coordinator path: status flips, room is cleared, lecture unregistered.
	th.registry.UpdateLectureStatus("lec-1", types.LectureStatusCompleted)
	th.hub.ClearRoom(context.Background(), "room-1", "lecture_completed")
	th.registry.UnregisterLecture("lec-1")

	th.join(t, "conn-b", "room-1", studentUser("u2", "bob"))

	reject, ok := th.endpoint.lastFrame("conn-b", types.EventJoinRoomError)
	require.True(t, ok)
	rp := decodePayload[types.JoinRoomErrorPayload](t, reject)
	assert.Equal(t, types.ErrCodeRoomUnavailable, rp.Code)
	assert.Equal(t, types.LectureStatusCompleted, rp.LectureStatus)
	assert.False(t, th.endpoint.IsMember("conn-b", "room-1"))
}

// A lecture can end in the window between the admission gate and the room
// critical section; the join must not resurrect the room when it does.
func TestJoinRejectedWhenLectureEndsMidJoin(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})
	th.registry.RegisterLecture("lec-2", "room-2", types.LectureStatusInProgress)

	th.join(t, "conn-a", "room-2", studentUser("u1", "alice"))

	// End room-1's lecture while the switch out of room-2 is mid-flight:
	// the user_left fan-out runs after handleJoin has passed the gate for
	// room-1 but before it admits the connection.
	th.endpoint.setOnBroadcast(func(room types.RoomIdType, frame types.Frame) {
		if room != "room-2" || frame.Event != types.EventUserLeft {
			return
		}
		th.registry.UpdateLectureStatus("lec-1", types.LectureStatusCompleted)
		th.hub.ClearRoom(context.Background(), "room-1", "lecture_completed")
		th.registry.UnregisterLecture("lec-1")
	})
	th.join(t, "conn-a", "room-1", studentUser("u1", "alice"))
	th.endpoint.setOnBroadcast(nil)

	reject, ok := th.endpoint.lastFrame("conn-a", types.EventJoinRoomError)
	require.True(t, ok)
	rp := decodePayload[types.JoinRoomErrorPayload](t, reject)
	assert.Equal(t, types.ErrCodeRoomUnavailable, rp.Code)
	assert.Equal(t, types.LectureStatusCompleted, rp.LectureStatus)

	// No ghost membership and no resurrected room.
	assert.False(t, th.endpoint.IsMember("conn-a", "room-1"))
	assert.False(t, th.endpoint.IsMember("conn-a", "room-2"))
	assert.Equal(t, 1, th.endpoint.countEvent("conn-a", types.EventWelcome))
	assert.Nil(t, th.hub.lookupRoom("room-1"))
}

func TestRejoinSameRoomDoesNotAnnounceTwice(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	th.join(t, "conn-a", "room-1", teacherUser("u1", "alice"))
	th.join(t, "conn-b", "room-1", studentUser("u2", "bob"))
	th.join(t, "conn-b", "room-1", studentUser("u2", "bob"))

	// Second join refreshes the snapshot without a second announcement.
	assert.Equal(t, 2, th.endpoint.countEvent("conn-b", types.EventWelcome))
	assert.Equal(t, 1, th.endpoint.countEvent("conn-a", types.EventUserJoined))

	state, ok := th.endpoint.lastFrame("conn-b", types.EventRoomState)
	require.True(t, ok)
	sp := decodePayload[types.RoomStatePayload](t, state)
	assert.Len(t, sp.Participants, 2)
}

func TestRejoinWithNewIdentityRetiresOld(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	th.join(t, "conn-a", "room-1", teacherUser("u1", "alice"))
	th.join(t, "conn-b", "room-1", studentUser("u2", "bob"))
	th.join(t, "conn-b", "room-1", studentUser("u3", "carol"))

	// alice sees bob leave and carol arrive on the same connection.
	left, ok := th.endpoint.lastFrame("conn-a", types.EventUserLeft)
	require.True(t, ok)
	lp := decodePayload[types.UserLeftPayload](t, left)
	assert.Equal(t, types.UserIdType("u2"), lp.UserID)
	assert.Equal(t, types.ConnIdType("conn-b"), lp.ConnectionID)

	joined, ok := th.endpoint.lastFrame("conn-a", types.EventUserJoined)
	require.True(t, ok)
	jp := decodePayload[types.UserJoinedPayload](t, joined)
	assert.Equal(t, types.UserIdType("u3"), jp.UserID)

	// The connection does not hear about its own retired identity.
	assert.Equal(t, 0, th.endpoint.countEvent("conn-b", types.EventUserLeft))

	state, ok := th.endpoint.lastFrame("conn-b", types.EventRoomState)
	require.True(t, ok)
	sp := decodePayload[types.RoomStatePayload](t, state)
	ids := make([]types.UserIdType, 0, len(sp.Participants))
	for _, p := range sp.Participants {
		ids = append(ids, p.UserID)
	}
	assert.ElementsMatch(t, []types.UserIdType{"u1", "u3"}, ids)

	// Moderating the departed identity no longer resolves to the socket.
	th.hub.HandleFrame(context.Background(), "conn-a", mustFrame(t, types.EventKickParticipant, types.KickParticipantPayload{
		RoomID:       "room-1",
		TargetUserID: "u2",
		RequesterID:  "u1",
	}))
	errFrame, ok := th.endpoint.lastFrame("conn-a", types.EventError)
	require.True(t, ok)
	ep := decodePayload[types.ErrorPayload](t, errFrame)
	assert.Contains(t, ep.Message, "participant not found")
	assert.Equal(t, 0, th.endpoint.countEvent("conn-b", types.EventKickedFromRoom))
	assert.True(t, th.endpoint.IsMember("conn-b", "room-1"))

	// The current identity is still kickable.
	th.hub.HandleFrame(context.Background(), "conn-a", mustFrame(t, types.EventKickParticipant, types.KickParticipantPayload{
		RoomID:       "room-1",
		TargetUserID: "u3",
		RequesterID:  "u1",
	}))
	assert.Equal(t, 1, th.endpoint.countEvent("conn-b", types.EventKickedFromRoom))
	assert.False(t, th.endpoint.IsMember("conn-b", "room-1"))
}

func TestJoinSwitchesRoom(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})
	th.registry.RegisterLecture("lec-2", "room-2", types.LectureStatusInProgress)

	th.join(t, "conn-a", "room-1", teacherUser("u1", "alice"))
	th.join(t, "conn-b", "room-1", studentUser("u2", "bob"))

	th.join(t, "conn-b", "room-2", studentUser("u2", "bob"))

	assert.False(t, th.endpoint.IsMember("conn-b", "room-1"))
	assert.True(t, th.endpoint.IsMember("conn-b", "room-2"))

	left, ok := th.endpoint.lastFrame("conn-a", types.EventUserLeft)
	require.True(t, ok)
	lp := decodePayload[types.UserLeftPayload](t, left)
	assert.Equal(t, types.UserIdType("u2"), lp.UserID)
}

func TestLeaveRoomBroadcastsUserLeft(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	th.join(t, "conn-a", "room-1", teacherUser("u1", "alice"))
	th.join(t, "conn-b", "room-1", studentUser("u2", "bob"))

	th.hub.HandleFrame(context.Background(), "conn-b", mustFrame(t, types.EventLeaveRoom, "room-1"))

	left, ok := th.endpoint.lastFrame("conn-a", types.EventUserLeft)
	require.True(t, ok)
	lp := decodePayload[types.UserLeftPayload](t, left)
	assert.Equal(t, types.UserIdType("u2"), lp.UserID)
	assert.Equal(t, "bob", lp.Username)
	assert.Equal(t, types.ConnIdType("conn-b"), lp.ConnectionID)

	// The leaver does not hear about its own departure.
	assert.Equal(t, 0, th.endpoint.countEvent("conn-b", types.EventUserLeft))
	assert.False(t, th.endpoint.IsMember("conn-b", "room-1"))

	// And is no longer a member for chat purposes.
	th.send(t, "conn-b", "room-1", "still here?")
	errFrame, ok := th.endpoint.lastFrame("conn-b", types.EventError)
	require.True(t, ok)
	ep := decodePayload[types.ErrorPayload](t, errFrame)
	assert.Contains(t, ep.Message, "not a member")
}

func TestDisconnectBroadcastsUserLeft(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	th.join(t, "conn-a", "room-1", teacherUser("u1", "alice"))
	th.join(t, "conn-b", "room-1", studentUser("u2", "bob"))

	th.hub.HandleDisconnect(context.Background(), "conn-b")

	assert.Equal(t, 1, th.endpoint.countEvent("conn-a", types.EventUserLeft))
	assert.False(t, th.endpoint.IsMember("conn-b", "room-1"))

	// A disconnect for a connection that never joined is a no-op.
	th.hub.HandleDisconnect(context.Background(), "conn-x")
	assert.Equal(t, 1, th.endpoint.countEvent("conn-a", types.EventUserLeft))
}

func TestStreamerDisconnectStopsStream(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	th.join(t, "conn-a", "room-1", teacherUser("u1", "alice"))
	th.join(t, "conn-b", "room-1", studentUser("u2", "bob"))

	th.hub.HandleFrame(context.Background(), "conn-a", mustFrame(t, types.EventStartStream, types.StartStreamPayload{
		RoomID:      "room-1",
		DisplayName: "Prof. Alice",
		Quality:     types.StreamQualityHigh,
	}))
	require.Equal(t, 1, th.endpoint.countEvent("conn-b", types.EventStreamStarted))

	th.hub.HandleDisconnect(context.Background(), "conn-a")

	events := th.endpoint.eventsFor("conn-b")
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, types.EventUserLeft, events[len(events)-2])
	assert.Equal(t, types.EventStreamStopped, events[len(events)-1])

	// A fresh joiner sees no active stream.
	th.join(t, "conn-c", "room-1", studentUser("u3", "carol"))
	state, ok := th.endpoint.lastFrame("conn-c", types.EventRoomState)
	require.True(t, ok)
	sp := decodePayload[types.RoomStatePayload](t, state)
	assert.Nil(t, sp.Stream)
}

func TestInvalidJoinPayloadIsRejected(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	th.hub.HandleFrame(context.Background(), "conn-a", types.Frame{
		Event:   types.EventJoinRoom,
		Payload: []byte(`{"roomId": 42}`),
	})

	errFrame, ok := th.endpoint.lastFrame("conn-a", types.EventError)
	require.True(t, ok)
	ep := decodePayload[types.ErrorPayload](t, errFrame)
	assert.Contains(t, ep.Message, "invalid join_room payload")
}

func TestJoinRequiresValidUser(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	tests := []struct {
		name string
		user types.User
		want string
	}{
		{"missing id", types.User{Username: "alice", Role: types.RoleTypeStudent}, "user id"},
		{"missing username", types.User{ID: "u1", Role: types.RoleTypeStudent}, "username"},
		{"bad role", types.User{ID: "u1", Username: "alice", Role: "janitor"}, "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := types.ConnIdType("conn-" + tt.name)
			th.hub.HandleFrame(context.Background(), conn, mustFrame(t, types.EventJoinRoom, types.JoinRoomPayload{
				RoomID: "room-1",
				User:   tt.user,
			}))
			errFrame, ok := th.endpoint.lastFrame(conn, types.EventError)
			require.True(t, ok)
			ep := decodePayload[types.ErrorPayload](t, errFrame)
			assert.Contains(t, ep.Message, tt.want)
			assert.False(t, th.endpoint.IsMember(conn, "room-1"))
		})
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	th := newTestHub(t, allowAllLimiter{})

	th.hub.HandleFrame(context.Background(), "conn-a", types.Frame{Event: "definitely_not_an_event"})

	assert.Empty(t, th.endpoint.framesFor("conn-a"))
}
