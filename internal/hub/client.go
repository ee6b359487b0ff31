package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// clientSendBuffer is the per-client outbound queue. A subscriber that stops
// reading has its events dropped rather than stalling the room.
const clientSendBuffer = 64

// Client is one WebSocket connection. Reads happen on the server's handler
// goroutine; writes are serialized through the out channel and a dedicated
// write loop.
type Client struct {
	// ID uniquely identifies the connection for its lifetime.
	ID string

	conn   *websocket.Conn
	logger *slog.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	verified bool
	producer bool
	session  string
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:     id,
		conn:   conn,
		logger: logger.With("client_id", id),
		out:    make(chan []byte, clientSendBuffer),
		done:   make(chan struct{}),
	}
}

// writeLoop drains the out channel onto the socket. It exits when the client
// closes or a write fails.
func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				c.logger.Debug("client write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// deliver queues a pre-encoded frame, dropping it when the client's buffer is
// full or the client is gone.
func (c *Client) deliver(msg []byte) {
	select {
	case <-c.done:
	case c.out <- msg:
	default:
		c.logger.Warn("dropping event for slow client")
	}
}

// send encodes and queues one event for this client.
func (c *Client) send(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.logger.Error("encoding event failed", "event", event, "error", err)
		return
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		c.logger.Error("encoding envelope failed", "event", event, "error", err)
		return
	}
	c.deliver(msg)
}

// sendError unicasts an error event.
func (c *Client) sendError(message string) {
	c.send(EventError, errorData{Message: message})
}

// close releases the client. Idempotent.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// setVerified marks the client as admin-authenticated.
func (c *Client) setVerified(v bool) {
	c.mu.Lock()
	c.verified = v
	if v {
		c.producer = true
	}
	c.mu.Unlock()
}

// isVerified reports whether the client passed admin authentication.
func (c *Client) isVerified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verified
}

// markProducer records that the client proved knowledge of a room secret and
// may push audio for its session.
func (c *Client) markProducer() {
	c.mu.Lock()
	c.producer = true
	c.mu.Unlock()
}

// isProducer reports whether the client may act as a producer.
func (c *Client) isProducer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producer
}

// setSession records the session the client most recently joined.
func (c *Client) setSession(sid string) {
	c.mu.Lock()
	c.session = sid
	c.mu.Unlock()
}

// currentSession returns the session the client most recently joined.
func (c *Client) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}
