package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/gestix/livechat/internal/auth"
	"github.com/gestix/livechat/internal/chat"
	"github.com/gestix/livechat/internal/lobby"
	"github.com/gestix/livechat/internal/messaging"
	"github.com/gestix/livechat/internal/metrics"
	"github.com/gestix/livechat/internal/protocol"
	"github.com/gestix/livechat/internal/ratelimit"
)

// Config holds tunable parameters for the gateway server.
type Config struct {
	ListenAddr   string        // address to listen on, e.g. ":8080"
	ReadTimeout  time.Duration // per-frame read deadline; must exceed the heartbeat budget
	WriteTimeout time.Duration // per-frame write deadline
	Heartbeat    HeartbeatConfig
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		Heartbeat:    DefaultHeartbeatConfig(),
	}
}

// Bus is the outbound lifecycle event stream consumed by services outside
// the routing layer. All publishing is best effort.
type Bus interface {
	PublishRequestCreated(ev messaging.RequestEvent) error
	PublishRequestAccepted(ev messaging.SessionEvent) error
	PublishMessage(ev messaging.MessageEvent) error
}

// Deps are the collaborators the gateway dispatches to.
type Deps struct {
	Lobby    *lobby.Actor
	Sessions *chat.Registry
	Policy   *auth.Policy
	Gate     auth.Gate
	Limiter  *ratelimit.Limiter // optional; nil disables throttling
	Bus      Bus                // optional; nil disables event publishing
}

// Server terminates HTTP and WebSocket traffic and routes it to the lobby
// actor and the per-conversation session actors.
type Server struct {
	config     Config
	deps       Deps
	conns      *ConnManager
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a gateway server with the given configuration and
// collaborators.
func NewServer(config Config, deps Deps) *Server {
	return &Server{
		config: config,
		deps:   deps,
		conns:  NewConnManager(),
		done:   make(chan struct{}),
	}
}

// Handler returns the HTTP handler serving the control plane, the WebSocket
// upgrade endpoints, and the health and metrics endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/request", s.handleChatRequest)
	mux.HandleFunc("POST /chat/accept/{sessionId}", s.handleChatAccept)
	mux.HandleFunc("GET /chat/lobby", s.handleLobbyWS)
	mux.HandleFunc("GET /chat/session/{sessionId}", s.handleSessionWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	s.startHeartbeat(s.config.Heartbeat)

	log.Printf("gateway: listening on %s", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown performs a graceful shutdown: stop the HTTP listener, then close
// every active WebSocket connection so the read loops run their cleanup.
func (s *Server) Shutdown() error {
	log.Println("gateway: shutting down...")
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("gateway: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.conns.Remove(c.ID)
	}

	log.Printf("gateway: stopped, all connections closed")
	return nil
}

// ---------------------------------------------------------------------------
// HTTP control plane
// ---------------------------------------------------------------------------

type chatRequest struct {
	UserName   string `json:"userName"`
	Department string `json:"department"`
}

// handleChatRequest admits a visitor's chat request into the lobby queue.
// The authorization gate is consulted only for restricted departments, and a
// negative answer is a distinct 403, never a generic failure.
func (s *Server) handleChatRequest(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := chat.ValidateUserName(req.UserName); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_name", err.Error())
		return
	}
	if !s.deps.Policy.Known(req.Department) {
		writeError(w, http.StatusBadRequest, "unknown_department", "no such department")
		return
	}

	if s.deps.Limiter != nil {
		allowed, _ := s.deps.Limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleRequest)
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many chat requests")
			return
		}
	}

	if s.deps.Policy.Requires(req.Department) {
		ok, err := s.deps.Gate.IsAuthorized(r.Context(), req.UserName, req.Department)
		if err != nil {
			log.Printf("gateway: authorization check failed user=%q department=%s: %v",
				req.UserName, req.Department, err)
			writeError(w, http.StatusInternalServerError, "authorization_unavailable", "authorization check failed")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "not_authorized", "not authorized for this department")
			return
		}
	}

	entry := lobby.QueueEntry{
		SessionID:  uuid.New().String(),
		UserName:   req.UserName,
		Department: req.Department,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := s.deps.Lobby.Enqueue(r.Context(), entry); err != nil {
		log.Printf("gateway: enqueue session=%s failed: %v", entry.SessionID, err)
		writeError(w, http.StatusInternalServerError, "enqueue_failed", "request could not be queued")
		return
	}

	s.publishRequestCreated(entry)
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": entry.SessionID})
}

// handleChatAccept removes a queue entry on behalf of the accepting agent.
// Accepting an id that is no longer queued is a success no-op: two agents
// racing for the same request is expected, and the loser just sees 200.
func (s *Server) handleChatAccept(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing session id")
		return
	}

	removed, err := s.deps.Lobby.Dequeue(r.Context(), sessionID)
	if err != nil {
		log.Printf("gateway: accept session=%s failed: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "accept_failed", "request could not be accepted")
		return
	}

	// Only a dequeue that actually removed an entry is an accept worth
	// announcing; the no-op path would otherwise emit accepted events for
	// conversations that were never queued.
	if removed && s.deps.Bus != nil {
		if err := s.deps.Bus.PublishRequestAccepted(messaging.SessionEvent{
			SessionID: sessionID,
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			log.Printf("gateway: publish accepted session=%s: %v", sessionID, err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// ---------------------------------------------------------------------------
// WebSocket endpoints
// ---------------------------------------------------------------------------

// handleLobbyWS upgrades an agent connection and registers it with the lobby
// actor, which immediately sends one queue snapshot.
func (s *Server) handleLobbyWS(w http.ResponseWriter, r *http.Request) {
	agentName := r.URL.Query().Get("agentName")

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: lobby upgrade failed: %v", err)
		return
	}

	c := s.newConn(netConn)
	c.Name = agentName
	s.conns.Add(c)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	err = s.deps.Lobby.ConnectAgent(ctx, agentName, c)
	cancel()
	if err != nil {
		log.Printf("gateway: agent register failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	go s.lobbyReadLoop(c)
}

// handleSessionWS upgrades a participant connection and joins it to the
// session actor named in the path, creating the actor lazily if absent. The
// actor replays the full history before the connection sees any live traffic.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: session upgrade failed session=%s: %v", sessionID, err)
		return
	}

	c := s.newConn(netConn)
	c.SessionID = sessionID
	s.conns.Add(c)

	sess := s.deps.Sessions.Get(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = sess.Join(ctx, c)
	cancel()
	if err != nil {
		log.Printf("gateway: join failed session=%s conn=%s: %v", sessionID, c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	go s.sessionReadLoop(c, sess)
}

func (s *Server) newConn(netConn net.Conn) *Conn {
	now := time.Now()
	return &Conn{
		ID:           uuid.New().String(),
		Conn:         netConn,
		CreatedAt:    now,
		LastPing:     now,
		writeTimeout: s.config.WriteTimeout,
	}
}

// lobbyReadLoop drains an agent connection. Agents only receive queue
// updates; the only frames they send are keepalives.
func (s *Server) lobbyReadLoop(c *Conn) {
	defer func() {
		s.conns.Remove(c.ID)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.deps.Lobby.DisconnectAgent(ctx, c); err != nil {
			log.Printf("gateway: agent deregister conn=%s: %v", c.ID, err)
		}
	}()

	for {
		data, ok := s.readFrame(c)
		if !ok {
			return
		}
		if len(data) == 0 {
			continue
		}

		msgType, _, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.sendError(c, "parse_error", "invalid message format")
			continue
		}
		if msgType == protocol.TypePing {
			s.sendPong(c)
			continue
		}
		s.sendError(c, "unsupported_type", "lobby connections only accept ping")
	}
}

// sessionReadLoop drains a participant connection, relaying text messages to
// the session actor.
func (s *Server) sessionReadLoop(c *Conn, sess *chat.Session) {
	defer func() {
		s.conns.Remove(c.ID)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sess.Leave(ctx, c); err != nil {
			log.Printf("gateway: leave session=%s conn=%s: %v", c.SessionID, c.ID, err)
		}
	}()

	for {
		data, ok := s.readFrame(c)
		if !ok {
			return
		}
		if len(data) == 0 {
			continue
		}

		msgType, msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.sendError(c, "parse_error", "invalid message format")
			continue
		}

		switch msgType {
		case protocol.TypePing:
			s.sendPong(c)
		case protocol.TypeText:
			s.handleText(c, sess, msg.(protocol.Message))
		}
	}
}

// handleText validates, throttles, persists, and fans out one chat message.
func (s *Server) handleText(c *Conn, sess *chat.Session, m protocol.Message) {
	if err := chat.ValidateUserName(m.User); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.sendError(c, "invalid_message", err.Error())
		return
	}
	if err := chat.ValidateText(m.Text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.sendError(c, "invalid_message", err.Error())
		return
	}

	if s.deps.Limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		allowed, _ := s.deps.Limiter.Allow(ctx, c.ID, ratelimit.RuleMessage)
		cancel()
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			s.sendError(c, "rate_limited", "sending too fast")
			return
		}
	}

	msg := chat.Message{
		User:      m.User,
		Text:      m.Text,
		Timestamp: time.Now().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := sess.Send(ctx, msg)
	cancel()
	if err != nil {
		// The message was not durably recorded, so nobody saw it. Tell the
		// sender; retrying is the client's decision.
		log.Printf("gateway: send failed session=%s conn=%s: %v", c.SessionID, c.ID, err)
		s.sendError(c, "message_not_sent", "message could not be saved")
		return
	}

	if s.deps.Bus != nil {
		if err := s.deps.Bus.PublishMessage(messaging.MessageEvent{
			SessionID: c.SessionID,
			User:      msg.User,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
		}); err != nil {
			log.Printf("gateway: publish message session=%s: %v", c.SessionID, err)
		}
	}
}

// readFrame reads one WebSocket frame from the connection. It answers
// protocol-level pings, swallows other control frames, and reports the
// connection as finished on close frames, read errors, or a read deadline
// expiring (the client outlived its heartbeat budget).
func (s *Server) readFrame(c *Conn) ([]byte, bool) {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		return nil, false
	}

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			return nil, false
		case ws.OpPing:
			if err := c.writePong(nil); err != nil {
				return nil, false
			}
		}
		// Pong: nothing else to do.
		return nil, true
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, false
		}
	}
	return data, true
}

func (s *Server) publishRequestCreated(entry lobby.QueueEntry) {
	if s.deps.Bus == nil {
		return
	}
	if err := s.deps.Bus.PublishRequestCreated(messaging.RequestEvent{
		SessionID:  entry.SessionID,
		UserName:   entry.UserName,
		Department: entry.Department,
		Timestamp:  entry.Timestamp,
	}); err != nil {
		log.Printf("gateway: publish created session=%s: %v", entry.SessionID, err)
	}
}

func (s *Server) sendError(c *Conn, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("gateway: failed to build error message conn=%s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("gateway: failed to send error message conn=%s: %v", c.ID, err)
	}
}

func (s *Server) sendPong(c *Conn) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("gateway: failed to build pong conn=%s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("gateway: failed to send pong conn=%s: %v", c.ID, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// clientIP extracts the remote IP for rate limiting, without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
