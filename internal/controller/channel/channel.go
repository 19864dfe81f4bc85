// Package channel accepts and supervises agent control channels. Each agent
// holds at most one WebSocket session, keyed by its system UUID. The
// handshake verifies the bearer token, requires an org tag, and refuses
// agents while the task broker is unreachable; accepted sessions get their
// durable inbox declared and their liveness recorded before any traffic
// flows.
//
// Inbound frames are agent responses: each is parsed and dispatched to the
// result-store handler registered for its type. Outbound traffic is limited
// to deferred-response acknowledgements and pings; tasks travel through the
// broker, never the channel.
package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/controller/auth"
	"github.com/bhive-io/bhive/internal/controller/metrics"
	"github.com/bhive-io/bhive/internal/wire"
)

const (
	// writeWait bounds a single write to the peer. A stalled agent is
	// disconnected rather than allowed to block the write pump.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong after a ping before the
	// session is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the agent has time to
	// reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. Snapshot listings are the largest
	// payload agents send.
	maxMessageSize = 8 << 20

	// sendBufferSize is the per-session outbound buffer.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket upgrade. Origin checks belong to
// the reverse proxy in front of the controller.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PresenceRecorder persists liveness transitions. Implemented by the result
// store.
type PresenceRecorder interface {
	MarkConnected(ctx context.Context, systemUUID, org string) error
	MarkDisconnected(ctx context.Context, systemUUID string) error
}

// InboxBroker provisions and tears down the durable task inbox backing each
// session. Implemented by the AMQP broker.
type InboxBroker interface {
	Ready() bool
	EnsureInbox(systemUUID string) error
	DeleteInbox(systemUUID string) error
}

// Hub owns the session registry.
type Hub struct {
	auth      *auth.Manager
	broker    InboxBroker
	presence  PresenceRecorder
	responses *wire.ResponseRegistry
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHub wires the handshake dependencies together.
func NewHub(authMgr *auth.Manager, brk InboxBroker, presence PresenceRecorder, responses *wire.ResponseRegistry, logger *zap.Logger) *Hub {
	return &Hub{
		auth:      authMgr,
		broker:    brk,
		presence:  presence,
		responses: responses,
		logger:    logger.Named("channel"),
		sessions:  make(map[string]*session),
	}
}

// session is one live agent connection. writePump is the sole writer to
// conn; gorilla connections do not allow concurrent writers.
type session struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	systemUUID string
	org        string
	logger     *zap.Logger

	closeOnce sync.Once
}

// Handle performs the channel handshake and, on success, blocks serving the
// session until the agent disconnects.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, systemUUID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("channel upgrade failed",
			zap.String("system_uuid", systemUUID),
			zap.Error(err),
		)
		return
	}

	token := r.URL.Query().Get("token")
	subject, err := h.auth.Verify(token)
	if err != nil || subject != systemUUID {
		h.logger.Warn("channel rejected: bad token",
			zap.String("system_uuid", systemUUID),
			zap.Error(err),
		)
		reject(conn, wire.CloseAuthFailure, "authentication failed")
		return
	}

	org := r.URL.Query().Get("org")
	if org == "" {
		h.logger.Warn("channel rejected: missing org", zap.String("system_uuid", systemUUID))
		reject(conn, wire.CloseAuthFailure, "org is required")
		return
	}

	if !h.broker.Ready() {
		h.logger.Error("channel rejected: broker unreachable", zap.String("system_uuid", systemUUID))
		reject(conn, wire.CloseBrokerDown, "task broker unavailable")
		return
	}
	if err := h.broker.EnsureInbox(systemUUID); err != nil {
		h.logger.Error("channel rejected: inbox declare failed",
			zap.String("system_uuid", systemUUID),
			zap.Error(err),
		)
		reject(conn, wire.CloseBrokerDown, "task broker unavailable")
		return
	}

	ctx := r.Context()
	if err := h.presence.MarkConnected(ctx, systemUUID, org); err != nil {
		h.logger.Error("failed to record connect transition",
			zap.String("system_uuid", systemUUID),
			zap.Error(err),
		)
	}

	s := &session{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		systemUUID: systemUUID,
		org:        org,
		logger: h.logger.With(
			zap.String("system_uuid", systemUUID),
			zap.String("org", org),
		),
	}
	h.register(s)
	s.logger.Info("control channel open")

	go s.writePump()
	s.readPump()
}

// register installs s as the agent's session, displacing any stale one left
// over from a connection the agent abandoned without a close frame.
func (h *Hub) register(s *session) {
	h.mu.Lock()
	old := h.sessions[s.systemUUID]
	h.sessions[s.systemUUID] = s
	h.mu.Unlock()

	if old != nil {
		old.logger.Warn("displacing stale session")
		old.close()
	} else {
		metrics.ConnectedAgents.Inc()
	}
}

// unregister tears the session out of the registry and records the
// disconnect. Skipped when s was already displaced by a newer session.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if h.sessions[s.systemUUID] != s {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.systemUUID)
	h.mu.Unlock()

	metrics.ConnectedAgents.Dec()

	if err := h.presence.MarkDisconnected(context.Background(), s.systemUUID); err != nil {
		s.logger.Error("failed to record disconnect transition", zap.Error(err))
	}
	if err := h.broker.DeleteInbox(s.systemUUID); err != nil {
		s.logger.Warn("failed to delete inbox", zap.Error(err))
	}
	s.logger.Info("control channel closed")
}

// IsConnected reports whether the agent holds an open session. The
// dispatcher gates every mutation on this.
func (h *Hub) IsConnected(systemUUID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[systemUUID]
	return ok
}

// ConnectedCount returns the number of open sessions.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every open session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// reject sends a close frame with the handshake failure code and drops the
// connection. The agent inspects the code to decide between re-auth and
// plain retry.
func reject(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.send) })
}

// readPump consumes agent responses until the connection dies. Every frame
// is dispatched to the result-store handler registered for its type.
func (s *session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.close()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("unexpected channel close", zap.Error(err))
			}
			return
		}
		s.dispatch(data)
	}
}

// dispatch routes one inbound response frame. Unknown types are logged and
// dropped; handler errors never tear down the channel.
func (s *session) dispatch(data []byte) {
	msgType, err := wire.TypeOf(data)
	if err != nil {
		s.logger.Error("dropping malformed response frame", zap.Error(err))
		return
	}

	handler := s.hub.responses.Lookup(msgType)
	if handler == nil {
		s.logger.Warn("no handler for response type, ignoring", zap.String("type", msgType))
		return
	}

	msg, err := wire.Decode(data)
	if err != nil {
		s.logger.Error("dropping undecodable response frame", zap.Error(err))
		return
	}

	if err := handler(context.Background(), s.systemUUID, msg, s.org); err != nil {
		s.logger.Error("response handler failed",
			zap.String("type", msgType),
			zap.Error(err),
		)
	}
}

// writePump forwards queued frames and keeps the connection alive with
// pings. It is the only goroutine writing to conn.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("channel write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("failed to set write deadline", zap.Error(err))
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping error", zap.Error(err))
				return
			}
		}
	}
}
