package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/metrics"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	// sendQueueSize bounds the per-connection outbound queue. A consumer
	// that falls this far behind is disconnected rather than allowed to
	// stall fan-out for the rest of the room.
	sendQueueSize = 256

	writeWait = 10 * time.Second
)

// CloseReasonSlowConsumer is the close reason delivered to connections
// whose send queue overflowed.
const CloseReasonSlowConsumer = "slow_consumer"

// Client owns one WebSocket connection: a read pump that delivers inbound
// frames to the handler in arrival order, and a write pump fed by a
// bounded queue. Enqueueing never blocks the caller.
type Client struct {
	conn     wsConnection
	id       types.ConnIdType
	endpoint *Endpoint

	mu          sync.RWMutex
	closed      bool
	closeReason string
	closeOnce   sync.Once

	send chan []byte
}

func newClient(conn wsConnection, id types.ConnIdType, endpoint *Endpoint) *Client {
	return &Client{
		conn:     conn,
		id:       id,
		endpoint: endpoint,
		send:     make(chan []byte, sendQueueSize),
	}
}

// ID returns the endpoint-assigned connection identifier. It is not
// stable across reconnects.
func (c *Client) ID() types.ConnIdType {
	return c.id
}

// Send enqueues one serialized frame without blocking. A full queue marks
// the connection as a slow consumer and closes it.
func (c *Client) Send(data []byte) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	// The queue can be closed between the check above and the send below;
	// recovery turns that race into a dropped frame.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closing connection",
				zap.String("connectionId", string(c.id)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		logging.Warn(context.Background(), "Send queue overflow, closing slow consumer",
			zap.String("connectionId", string(c.id)))
		c.Close(CloseReasonSlowConsumer)
		return false
	}
}

// Close marks the client closed and closes its send queue. The write pump
// drains whatever is buffered, delivers a close frame carrying reason,
// then closes the transport.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeReason = reason
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump delivers inbound frames to the handler synchronously, so the
// frames of one connection are processed in arrival order.
func (c *Client) readPump(handler types.FrameHandler) {
	defer func() {
		handler.HandleDisconnect(context.Background(), c.id)
		c.endpoint.dropClient(c.id)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "Discarding malformed frame",
				zap.String("connectionId", string(c.id)), zap.Error(err))
			c.sendError("invalid frame")
			continue
		}

		handler.HandleFrame(context.Background(), c.id, frame)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("connectionId", string(c.id)), zap.Error(err))
			return
		}
	}

	// Queue closed: everything buffered has been flushed, deliver the
	// close reason before tearing down.
	c.mu.RLock()
	reason := c.closeReason
	c.mu.RUnlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
}

func (c *Client) sendError(message string) {
	frame := types.MustFrame(types.EventError, types.ErrorPayload{Message: message})
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.Send(data)
}
