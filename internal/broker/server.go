package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RWTH-EBC/PHOENAIX/internal/connection"
	"github.com/RWTH-EBC/PHOENAIX/internal/router"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config configures the broker.
type Config struct {
	Addr         string        // Listen address (e.g., :8883)
	ReadTimeout  time.Duration // Session dropped after this long without any frame or ping
	WriteTimeout time.Duration // Write deadline per frame
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8883",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Sessions   int   `json:"sessions"`
	Published  int64 `json:"published"`
	Delivered  int64 `json:"delivered"`
	Rejected   int64 `json:"rejected"`
	TotalConns int64 `json:"total_conns"`
}

// SessionInfo describes one connected client.
type SessionInfo struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Patterns    []string  `json:"patterns"`
	ConnectedAt time.Time `json:"connected_at"`
	Queued      int       `json:"queued"`
}

// Server is the websocket broker.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	httpSrv  *http.Server
	listener net.Listener
	wg       sync.WaitGroup

	published  atomic.Int64
	delivered  atomic.Int64
	rejected   atomic.Int64
	totalConns atomic.Int64
}

// session is one connected client.
type session struct {
	id          string
	clientID    string
	conn        *websocket.Conn
	out         *router.GrowableBuffer[[]byte]
	connectedAt time.Time

	mu       sync.RWMutex
	patterns map[string]struct{}
}

func (s *session) matches(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.patterns {
		if router.Match(p, topic) {
			return true
		}
	}
	return false
}

// New creates a broker.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "broker"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Handler returns the HTTP handler serving /ws, /health and /sessions.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", s.serveHealth)
	mux.HandleFunc("/sessions", s.serveSessions)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("broker server error", "error", err)
		}
	}()

	s.logger.Info("broker started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every session.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	// Hijacked websocket connections are not closed by Shutdown.
	for _, sess := range sessions {
		_ = sess.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("broker stop timed out")
	}

	s.logger.Info("broker stopped", "published", s.published.Load(), "delivered", s.delivered.Load())
	return err
}

// Stats returns runtime statistics.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.sessions)
	s.mu.RUnlock()
	return Stats{
		Sessions:   n,
		Published:  s.published.Load(),
		Delivered:  s.delivered.Load(),
		Rejected:   s.rejected.Load(),
		TotalConns: s.totalConns.Load(),
	}
}

// Sessions lists connected clients ordered by client id.
func (s *Server) Sessions() []SessionInfo {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.RLock()
		info := SessionInfo{
			ID:          sess.id,
			ClientID:    sess.clientID,
			ConnectedAt: sess.connectedAt,
			Queued:      sess.out.Len(),
		}
		for p := range sess.patterns {
			info.Patterns = append(info.Patterns, p)
		}
		sess.mu.RUnlock()
		sort.Strings(info.Patterns)
		out = append(out, info)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}

	sess := &session{
		id:          uuid.NewString(),
		clientID:    r.Header.Get(connection.ClientIDHeader),
		conn:        conn,
		out:         router.NewGrowableBuffer[[]byte](64),
		connectedAt: time.Now(),
		patterns:    make(map[string]struct{}),
	}
	logger := s.logger.With("session", sess.id, "client_id", sess.clientID)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.totalConns.Add(1)
	s.wg.Add(1)
	defer s.wg.Done()

	logger.Info("session opened", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(sess)
	}()

	s.readLoop(sess, logger)

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	sess.out.Close()
	_ = conn.Close()
	<-writerDone

	logger.Info("session closed")
}

func (s *Server) writeLoop(sess *session) {
	for {
		data, ok := sess.out.Receive()
		if !ok {
			return
		}
		_ = sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := sess.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			_ = sess.conn.Close()
			return
		}
	}
}

func (s *Server) readLoop(sess *session, logger *slog.Logger) {
	extend := func() { _ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)) }
	extend()
	sess.conn.SetPingHandler(func(data string) error {
		extend()
		return sess.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		extend()
		if msgType != websocket.BinaryMessage {
			s.rejected.Add(1)
			continue
		}

		f, err := connection.DecodeFrame(data)
		if err != nil {
			s.rejected.Add(1)
			logger.Warn("malformed frame", "error", err)
			continue
		}
		s.handleFrame(sess, f, logger)
	}
}

func (s *Server) handleFrame(sess *session, f connection.Frame, logger *slog.Logger) {
	var err error
	switch f.Op {
	case connection.OpSubscribe:
		if err = router.ValidatePattern(f.Pattern); err == nil {
			sess.mu.Lock()
			sess.patterns[f.Pattern] = struct{}{}
			sess.mu.Unlock()
			logger.Debug("subscribed", "pattern", f.Pattern)
		}

	case connection.OpUnsubscribe:
		sess.mu.Lock()
		delete(sess.patterns, f.Pattern)
		sess.mu.Unlock()

	case connection.OpPublish:
		if err = router.ValidateTopic(f.Topic); err == nil {
			s.publish(f.Topic, f.Payload)
		}

	default:
		err = fmt.Errorf("unsupported op %q", f.Op)
	}

	if err != nil {
		s.rejected.Add(1)
		logger.Warn("frame rejected", "op", f.Op, "error", err)
	}
	if f.ID == 0 {
		return
	}
	resp := connection.Frame{Op: connection.OpAck, ID: f.ID}
	if err != nil {
		resp = connection.Frame{Op: connection.OpError, ID: f.ID, Error: err.Error()}
	}
	s.enqueue(sess, resp)
}

// publish delivers one copy to every session with a matching pattern.
func (s *Server) publish(topic string, payload []byte) {
	s.published.Add(1)
	data, err := connection.EncodeFrame(connection.Frame{Op: connection.OpMessage, Topic: topic, Payload: payload})
	if err != nil {
		s.logger.Error("encode message", "topic", topic, "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.matches(topic) && sess.out.Send(data) {
			s.delivered.Add(1)
		}
	}
}

func (s *Server) enqueue(sess *session, f connection.Frame) {
	data, err := connection.EncodeFrame(f)
	if err != nil {
		s.logger.Error("encode response", "op", f.Op, "error", err)
		return
	}
	sess.out.Send(data)
}
