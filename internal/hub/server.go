package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/streamlate/streamlate/internal/observe"
	"github.com/streamlate/streamlate/pkg/transcript"
)

// Error texts surfaced to clients.
const (
	msgUnauthorized      = "Unauthorized"
	msgSessionIDRequired = "Session ID is required"
	msgAudioRequired     = "Audio payload is required"
	msgMalformedEvent    = "Malformed event"
)

// Producer is the session-side surface the hub drives. Satisfied by
// session.Orchestrator.
type Producer interface {
	EnsureRealtime(ctx context.Context, sessionID string) error
	PushAudio(ctx context.Context, sessionID, audioB64 string) error
	HandleSync(ctx context.Context, sessionID string, seg transcript.Segment) error
}

// RoomAuthority resolves room records for secret verification. Satisfied by
// transcript.Durable.
type RoomAuthority interface {
	GetRoom(ctx context.Context, sessionID string) (*transcript.Room, error)
}

// ServerOption is a functional option for the Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerMetrics sets the metrics instance.
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAdminSecret sets the process-wide admin secret. Without one, admin
// verification always fails and only room secrets grant producer rights.
func WithAdminSecret(secret string) ServerOption {
	return func(s *Server) {
		s.adminSecret = secret
	}
}

// Server accepts WebSocket connections and dispatches the event protocol:
// room membership for subscribers, audio and sync ingestion for producers.
type Server struct {
	registry *Registry
	producer Producer
	rooms    RoomAuthority

	adminSecret string
	logger      *slog.Logger
	metrics     *observe.Metrics

	mu      sync.Mutex
	conns   map[*Client]*websocket.Conn
	closing bool
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a Server around the given registry, producer surface, and
// room authority.
func NewServer(registry *Registry, producer Producer, rooms RoomAuthority, opts ...ServerOption) *Server {
	s := &Server{
		registry: registry,
		producer: producer,
		rooms:    rooms,
		logger:   slog.Default(),
		conns:    make(map[*Client]*websocket.Conn),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s.logger)
	if !s.track(client, conn) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(client)
	s.metrics.ActiveConnections.Add(r.Context(), 1)
	defer s.metrics.ActiveConnections.Add(context.WithoutCancel(r.Context()), -1)

	ctx := r.Context()
	go client.writeLoop(ctx)

	defer func() {
		s.registry.LeaveAll(client)
		client.close()
		conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("client read failed", "client_id", client.ID, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			client.sendError(msgMalformedEvent)
			continue
		}
		s.dispatch(ctx, client, env)
	}
}

// track registers a live connection for shutdown. It reports false when the
// server is already closing.
func (s *Server) track(c *Client, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = conn
	return true
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close disconnects every accepted connection and refuses new ones. Accepted
// sockets are hijacked from the HTTP server, so [http.Server.Shutdown] never
// waits for them; Close runs alongside it during shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	conns := make(map[*Client]*websocket.Conn, len(s.conns))
	for c, conn := range s.conns {
		conns[c] = conn
	}
	s.mu.Unlock()

	for c, conn := range conns {
		c.close()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// dispatch routes one event. Handler failures are surfaced to the client as
// error events; nothing crosses back to the connection loop.
func (s *Server) dispatch(ctx context.Context, c *Client, env Envelope) {
	switch env.Event {
	case EventConnect:
		s.handleConnect(c, env.Data)
	case EventJoinSession:
		s.handleJoin(ctx, c, env.Data)
	case EventLeaveSession:
		s.handleLeave(c, env.Data)
	case EventSync:
		s.handleSync(ctx, c, env.Data)
	case EventRealtimeConnect:
		s.handleRealtimeConnect(ctx, c)
	case EventAudioBufferAppend:
		s.handleAudio(ctx, c, env.Data)
	default:
		s.logger.Debug("ignoring unknown event", "event", env.Event, "client_id", c.ID)
	}
}

func (s *Server) handleConnect(c *Client, data json.RawMessage) {
	var payload connectData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			c.sendError(msgMalformedEvent)
			return
		}
	}
	if payload.Auth.SecretKey != "" && s.secretsEqual(payload.Auth.SecretKey, s.adminSecret) {
		c.setVerified(true)
	}
	c.send(EventConnected, connectedData{Status: "connected", ClientID: c.ID})
}

func (s *Server) handleJoin(ctx context.Context, c *Client, data json.RawMessage) {
	var payload sessionData
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError(msgMalformedEvent)
		return
	}
	if payload.SessionID == "" {
		c.sendError(msgSessionIDRequired)
		return
	}

	if payload.SecretKey != "" {
		if !s.roomSecretMatches(ctx, payload.SessionID, payload.SecretKey) {
			c.sendError(msgUnauthorized)
			return
		}
		c.markProducer()
	}

	s.registry.Enter(payload.SessionID, c)
	c.setSession(payload.SessionID)
	c.send(EventJoined, sessionAck{SessionID: payload.SessionID})
}

func (s *Server) handleLeave(c *Client, data json.RawMessage) {
	var payload sessionData
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError(msgMalformedEvent)
		return
	}
	if payload.SessionID == "" {
		c.sendError(msgSessionIDRequired)
		return
	}
	s.registry.Leave(payload.SessionID, c)
	c.send(EventLeft, sessionAck{SessionID: payload.SessionID})
}

func (s *Server) handleSync(ctx context.Context, c *Client, data json.RawMessage) {
	var payload syncData
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError(msgMalformedEvent)
		return
	}
	if payload.ID == "" {
		c.sendError(msgSessionIDRequired)
		return
	}

	authorized := c.isVerified()
	if !authorized && payload.SecretKey != "" {
		authorized = s.roomSecretMatches(ctx, payload.ID, payload.SecretKey)
	}
	if !authorized {
		c.sendError(msgUnauthorized)
		return
	}

	seg := transcript.Segment{
		Partial:   payload.Partial,
		StartTime: payload.StartTime,
		EndTime:   payload.EndTime,
		Result: transcript.Result{
			Corrected:       payload.Result.Corrected,
			Translated:      payload.Result.Translated,
			SpecialKeywords: payload.Result.SpecialKeywords,
		},
	}
	if err := s.producer.HandleSync(ctx, payload.ID, seg); err != nil {
		s.logger.Error("sync ingestion failed", "session_id", payload.ID, "error", err)
		c.sendError("Sync failed")
	}
}

func (s *Server) handleRealtimeConnect(ctx context.Context, c *Client) {
	sid := c.currentSession()
	if sid == "" {
		c.sendError(msgSessionIDRequired)
		return
	}
	if !c.isProducer() {
		c.sendError(msgUnauthorized)
		return
	}
	if err := s.producer.EnsureRealtime(ctx, sid); err != nil {
		s.logger.Error("realtime connect failed", "session_id", sid, "error", err)
		c.sendError("Realtime connect failed")
	}
}

func (s *Server) handleAudio(ctx context.Context, c *Client, data json.RawMessage) {
	var payload audioData
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError(msgMalformedEvent)
		return
	}
	if payload.Audio == "" {
		c.sendError(msgAudioRequired)
		return
	}
	sid := c.currentSession()
	if sid == "" {
		c.sendError(msgSessionIDRequired)
		return
	}
	if !c.isProducer() {
		c.sendError(msgUnauthorized)
		return
	}
	if err := s.producer.PushAudio(ctx, sid, payload.Audio); err != nil {
		s.logger.Error("audio ingestion failed", "session_id", sid, "error", err)
	}
}

// roomSecretMatches verifies a supplied secret against the room record.
// Unknown rooms and lookup failures both fail closed.
func (s *Server) roomSecretMatches(ctx context.Context, sessionID, secret string) bool {
	room, err := s.rooms.GetRoom(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, transcript.ErrRoomNotFound) {
			s.logger.Error("room lookup failed", "session_id", sessionID, "error", err)
		}
		return false
	}
	return s.secretsEqual(secret, room.SecretKey)
}

// secretsEqual compares secrets in constant time; empty configured secrets
// never match.
func (s *Server) secretsEqual(supplied, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(configured)) == 1
}
