package hub

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/metrics"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// handleSignal relays one opaque SDP or ICE blob to a single peer. The
// hub never parses the blob and stores nothing; it only checks that both
// ends are members of the same room. Failures are dropped without a wire
// reply, since a signaling error frame would only confuse the negotiating
// clients.
//
// Both event spellings (offer and webrtc:offer) land here; the relayed
// frame always carries the canonical name.
func (h *Hub) handleSignal(ctx context.Context, conn types.ConnIdType, event types.EventType, raw json.RawMessage) {
	drop := func(why string) {
		metrics.SignalsRelayed.WithLabelValues(string(event), "dropped").Inc()
		logging.Warn(ctx, "Signal dropped",
			zap.String("event", string(event)),
			zap.String("from", string(conn)),
			zap.String("reason", why))
	}

	var p types.SignalPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.TargetPeerID == "" {
		drop("malformed payload")
		return
	}

	// answer and ice-candidate may omit roomId; the sender's own
	// membership resolves it.
	roomID := p.RoomID
	if roomID == "" {
		h.mu.Lock()
		roomID = h.roomOfConn[conn]
		h.mu.Unlock()
		if roomID == "" {
			drop("sender not in a room")
			return
		}
	}

	r := h.lookupRoom(roomID)
	if r == nil {
		drop("unknown room")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		drop("unknown room")
		return
	}
	if _, ok := r.participants[conn]; !ok {
		drop("sender not a member")
		return
	}
	if _, ok := r.participants[p.TargetPeerID]; !ok {
		drop("target not a member")
		return
	}

	relay := types.MustFrame(event, types.SignalRelayPayload{
		FromPeerID: conn,
		Offer:      p.Offer,
		Answer:     p.Answer,
		Candidate:  p.Candidate,
	})
	if !h.endpoint.SendToConnection(p.TargetPeerID, relay) {
		drop("target queue unavailable")
		return
	}
	r.touchLocked(h.clock.Now())
	metrics.SignalsRelayed.WithLabelValues(string(event), "relayed").Inc()
}
