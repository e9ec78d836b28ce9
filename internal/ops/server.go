// Package ops serves the operator HTTP endpoints: health, metrics, status,
// replay and a live event stream.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mentionbot/internal/bus"
	"mentionbot/internal/metrics"
	"mentionbot/internal/pipeline"
)

const (
	maxBodySize     = 1 << 16
	checkTimeout    = 5 * time.Second
	eventBufferSize = 64
	writeTimeout    = 10 * time.Second
)

// Pipeline is the part of the pipeline the ops server drives.
type Pipeline interface {
	Status() pipeline.Status
	RunCycle(ctx context.Context) (pipeline.CycleReport, error)
	ForceReprocess(ctx context.Context, mentionID string) (bool, error)
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Config struct {
	Host string
	Port int
	// Token guards the POST endpoints when set.
	Token    string
	Pipeline Pipeline
	Bus      *bus.EventBus
	Metrics  *metrics.Recorder
	Checks   map[string]Check
	Logger   *slog.Logger
}

type Server struct {
	addr     string
	token    string
	pipeline Pipeline
	events   *bus.EventBus
	metrics  *metrics.Recorder
	checks   map[string]Check
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan bus.Event
}

func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		token:    cfg.Token,
		pipeline: cfg.Pipeline,
		events:   cfg.Bus,
		metrics:  cfg.Metrics,
		checks:   cfg.Checks,
		logger:   cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]chan bus.Event),
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /replay", s.requireToken(s.handleReplay))
	mux.HandleFunc("POST /cycle", s.requireToken(s.handleCycle))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.events != nil {
		mux.HandleFunc("GET /events", s.handleEvents)
	}
	return mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("ops server starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	}
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": results})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "pipeline not running"})
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

type replayRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "pipeline not running"})
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		var req replayRequest
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err == nil && len(body) > 0 {
			err = json.Unmarshal(body, &req)
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		id = req.ID
	}
	id = strings.TrimSpace(id)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mention id is required"})
		return
	}

	present, err := s.pipeline.ForceReprocess(r.Context(), id)
	if err != nil {
		s.logger.Warn("replay failed", "mention", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "was_processed": present})
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "pipeline not running"})
		return
	}
	report, err := s.pipeline.RunCycle(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrCycleInFlight):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "report": report})
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// handleEvents streams bus events as JSON text frames. ?since=RFC3339
// replays history first. Slow clients lose events rather than stalling the
// pipeline.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		since = t
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	ch := make(chan bus.Event, eventBufferSize)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()

	var backlog []bus.Event
	if !since.IsZero() {
		backlog = s.events.Replay("*", since)
	}
	handlerID := s.events.On("*", func(e bus.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	s.logger.Info("event stream client connected", "remote", r.RemoteAddr)

	defer func() {
		s.events.Off("*", handlerID)
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("event stream client disconnected", "remote", r.RemoteAddr)
	}()

	// Reader detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, e := range backlog {
		if err := writeEvent(conn, e); err != nil {
			return
		}
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-ch:
			if err := writeEvent(conn, e); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream write failed", "err", err)
				}
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e bus.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(e)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
