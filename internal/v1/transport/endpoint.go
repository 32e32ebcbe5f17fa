// Package transport accepts WebSocket connections and bridges them to the
// room hub. It owns connection lifecycle and room membership bookkeeping;
// everything above the framing layer lives in the hub.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/metrics"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// Endpoint implements types.Endpoint on top of gorilla/websocket. It keeps
// the connection registry and the room membership sets; a single RWMutex
// protects both. Frame delivery into a connection goes through the
// client's bounded queue and never blocks.
type Endpoint struct {
	mu      sync.RWMutex
	clients map[types.ConnIdType]*Client
	rooms   map[types.RoomIdType]set.Set[types.ConnIdType]
	handler types.FrameHandler

	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewEndpoint creates an endpoint that accepts upgrades from the given
// origins. The frame handler is attached separately because the hub is
// constructed on top of the endpoint.
func NewEndpoint(allowedOrigins []string) *Endpoint {
	e := &Endpoint{
		clients:        make(map[types.ConnIdType]*Client),
		rooms:          make(map[types.RoomIdType]set.Set[types.ConnIdType]),
		allowedOrigins: allowedOrigins,
	}
	e.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	return e
}

// SetHandler attaches the frame handler that receives inbound frames and
// disconnects. Must be called before the endpoint accepts connections.
func (e *Endpoint) SetHandler(handler types.FrameHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// ServeWs upgrades the request to a WebSocket connection, registers the
// client and starts its pumps. Identity travels in the join_room payload,
// not on the HTTP request.
func (e *Endpoint) ServeWs(c *gin.Context) {
	if err := validateOrigin(c.Request, e.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler == nil {
		logging.Error(c.Request.Context(), "WebSocket endpoint has no frame handler attached")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service not ready"})
		return
	}

	conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	id := types.ConnIdType(uuid.NewString())
	client := newClient(conn, id, e)

	e.mu.Lock()
	e.clients[id] = client
	e.mu.Unlock()

	metrics.IncConnection()
	ctx := context.WithValue(c.Request.Context(), logging.ConnectionIDKey, string(id))
	logging.Info(ctx, "Client connected", zap.String("remoteAddr", c.Request.RemoteAddr))

	go client.writePump()
	go client.readPump(handler)
}

// Join adds the connection to the room's membership set.
func (e *Endpoint) Join(conn types.ConnIdType, room types.RoomIdType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	members, ok := e.rooms[room]
	if !ok {
		members = set.New[types.ConnIdType]()
		e.rooms[room] = members
	}
	members.Insert(conn)
}

// Leave removes the connection from the room's membership set.
func (e *Endpoint) Leave(conn types.ConnIdType, room types.RoomIdType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	members, ok := e.rooms[room]
	if !ok {
		return
	}
	members.Delete(conn)
	if members.Len() == 0 {
		delete(e.rooms, room)
	}
}

// IsMember reports whether the connection is joined to the room.
func (e *Endpoint) IsMember(conn types.ConnIdType, room types.RoomIdType) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	members, ok := e.rooms[room]
	return ok && members.Has(conn)
}

// SendToConnection enqueues the frame on a single connection. It reports
// false when the connection is unknown or its queue rejected the frame.
func (e *Endpoint) SendToConnection(conn types.ConnIdType, frame types.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal frame",
			zap.String("event", string(frame.Event)), zap.Error(err))
		return false
	}

	e.mu.RLock()
	client, ok := e.clients[conn]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	return client.Send(data)
}

// BroadcastToRoom enqueues the frame on every member of the room except
// the excluded connections. The frame is marshaled once and the byte
// slice shared across all queues.
func (e *Endpoint) BroadcastToRoom(room types.RoomIdType, frame types.Frame, exclude ...types.ConnIdType) {
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal frame",
			zap.String("event", string(frame.Event)), zap.Error(err))
		return
	}

	excluded := set.New(exclude...)

	e.mu.RLock()
	members, ok := e.rooms[room]
	if !ok {
		e.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, members.Len())
	for _, conn := range members.UnsortedList() {
		if excluded.Has(conn) {
			continue
		}
		if client, ok := e.clients[conn]; ok {
			targets = append(targets, client)
		}
	}
	e.mu.RUnlock()

	for _, client := range targets {
		client.Send(data)
	}
}

// CloseConnection closes a single connection with the given reason. The
// client's pumps unwind and deregister it.
func (e *Endpoint) CloseConnection(conn types.ConnIdType, reason string) {
	e.mu.RLock()
	client, ok := e.clients[conn]
	e.mu.RUnlock()
	if ok {
		client.Close(reason)
	}
}

// CloseAll closes every connection with the given reason. Queued frames
// are flushed before the close frame goes out.
func (e *Endpoint) CloseAll(reason string) {
	e.mu.RLock()
	clients := make([]*Client, 0, len(e.clients))
	for _, client := range e.clients {
		clients = append(clients, client)
	}
	e.mu.RUnlock()

	for _, client := range clients {
		client.Close(reason)
	}
}

// Connections returns a snapshot of all live connection ids.
func (e *Endpoint) Connections() []types.ConnIdType {
	e.mu.RLock()
	defer e.mu.RUnlock()

	conns := make([]types.ConnIdType, 0, len(e.clients))
	for id := range e.clients {
		conns = append(conns, id)
	}
	return conns
}

// dropClient removes a connection from the registry and every room after
// its read pump exits.
func (e *Endpoint) dropClient(conn types.ConnIdType) {
	e.mu.Lock()
	client, ok := e.clients[conn]
	delete(e.clients, conn)
	for room, members := range e.rooms {
		members.Delete(conn)
		if members.Len() == 0 {
			delete(e.rooms, room)
		}
	}
	e.mu.Unlock()

	if ok {
		client.Close("")
	}
}

// validateOrigin checks if the request origin is in the allowed list.
// Requests without an Origin header are rejected.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.Warn(context.Background(), "Missing origin header")
		return fmt.Errorf("origin header required")
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		// Scheme and host must both match; no prefix or subdomain games.
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}
