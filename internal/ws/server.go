package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stream-relay/backend/internal/config"
	"github.com/stream-relay/backend/internal/control"
	"github.com/stream-relay/backend/internal/frame"
	"github.com/stream-relay/backend/internal/logger"
	"github.com/stream-relay/backend/internal/metrics"
	"github.com/stream-relay/backend/internal/session"
)

type Server struct {
	stream         config.StreamConfig
	registry       *session.Registry
	dispatcher     *control.Dispatcher
	decoder        frame.Decoder
	sink           frame.Sink
	latest         *frame.Latest
	metrics        *metrics.Metrics
	log            logger.Logger
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu       sync.Mutex
	draining bool
	loops    sync.WaitGroup
}

// NewServer wires the stream endpoint. latest may be nil, in which case the
// frame endpoint always reports not found.
func NewServer(cfg *config.Config, registry *session.Registry, dispatcher *control.Dispatcher, decoder frame.Decoder, sink frame.Sink, latest *frame.Latest, m *metrics.Metrics, log logger.Logger) *Server {
	s := &Server{
		stream:         cfg.Stream,
		registry:       registry,
		dispatcher:     dispatcher,
		decoder:        decoder,
		sink:           sink,
		latest:         latest,
		metrics:        m,
		log:            log.With(logger.F("component", "ws")),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
}

// handleRoot accepts streams on the bare address, as clients dial
// ws://host:port without a path.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" && websocket.IsWebSocketUpgrade(r) {
		s.handleWS(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.loops.Done()

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", logger.F("remote", r.RemoteAddr), logger.Err(err))
		return
	}
	if s.stream.MaxMessageSize > 0 {
		wsConn.SetReadLimit(s.stream.MaxMessageSize)
	}

	conn := newConn(wsConn, s.stream.SendQueue, s.stream.WriteTimeout)
	sess, err := s.registry.Open(conn, session.Info{
		ConnID:     uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		s.log.Warn("rejecting stream", logger.F("remote", r.RemoteAddr), logger.Err(err))
		_ = conn.Close()
		return
	}

	s.ingest(sess, conn)
}

// admit counts a new ingestion loop unless the server is draining.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.loops.Add(1)
	return true
}

// ingest reads frames from one stream until it ends, then tears the
// session down. Teardown runs once whichever way the loop exits.
func (s *Server) ingest(sess *session.Session, conn *Conn) {
	log := s.log.With(logger.F("id", sess.ID), logger.F("conn_id", sess.ConnID))
	s.metrics.SessionsOpened.Inc()
	s.metrics.ActiveSessions.Inc()
	log.Info("client connected", logger.F("remote", sess.RemoteAddr))

	var seq uint64
	defer func() {
		s.registry.Unregister(sess.ID)
		_ = conn.Close()
		s.metrics.ActiveSessions.Dec()
		s.metrics.SessionsClosed.Inc()
		s.metrics.SessionDuration.Observe(time.Since(sess.ConnectedAt).Seconds())
		if r, ok := s.sink.(frame.Releaser); ok {
			r.Release(sess.ID)
		}
		log.Info("client disconnected", logger.F("frames", seq))
	}()

	for {
		if s.stream.ReadTimeout > 0 {
			_ = conn.ws.SetReadDeadline(time.Now().Add(s.stream.ReadTimeout))
		}
		mt, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("stream ended", logger.Err(err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		s.metrics.FramesReceived.Inc()
		s.metrics.FrameSize.Observe(float64(len(data)))

		f, err := s.decoder.Decode(data)
		if err != nil {
			s.metrics.FramesDropped.WithLabelValues("decode").Inc()
			log.Debug("skipping undecodable frame", logger.F("bytes", len(data)), logger.Err(err))
			continue
		}
		seq++
		f.Seq = seq

		live := s.registry.IfLive(sess.ID, func() {
			s.sink.Consume(sess.ID, f)
		})
		if !live {
			s.metrics.FramesDropped.WithLabelValues("closed").Inc()
			return
		}
		s.metrics.FramesForwarded.Inc()
	}
}

// Drain stops admitting streams and closes every live session. It
// returns how many sessions were closed.
func (s *Server) Drain() int {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	return s.registry.CloseAll()
}

// Wait blocks until every ingestion loop has returned or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := s.registry.Sessions()
	writeJSON(w, http.StatusOK, SessionsPayload{Count: len(sessions), Sessions: sessions})
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse: /api/sessions/{id}/{start|stop|frame}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		writeJSON(w, http.StatusNotFound, ErrorPayload{Error: "not found"})
		return
	}

	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		writeJSON(w, http.StatusBadRequest, ErrorPayload{Error: "invalid session id"})
		return
	}

	switch parts[1] {
	case "frame":
		s.handleFrame(w, r, id)
	case "start", "stop":
		cmd, _ := session.ParseCommand(parts[1])
		s.handleCommand(w, r, id, cmd)
	default:
		writeJSON(w, http.StatusNotFound, ErrorPayload{Error: "not found"})
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, id string, cmd session.Command) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	found := s.dispatcher.Dispatch(id, cmd) == control.Found
	status := http.StatusOK
	if !found {
		status = http.StatusNotFound
	}
	writeJSON(w, status, DispatchPayload{ID: id, Command: cmd, Found: found})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var (
		f  *frame.Frame
		ok bool
	)
	if s.latest != nil {
		f, ok = s.latest.Get(id)
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorPayload{Error: "no frame for " + id})
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", f.ReceivedAt.UTC().Format(http.TimeFormat))
	_, _ = w.Write(f.Data)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// SecurityHeaders sets conservative headers on every HTTP response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
