// Package opsserver serves the operational endpoints of a running consumer: Prometheus
// metrics, aggregated health and a JSON status document.
package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redbco/hana-cdc/internal/consumer"
	"github.com/redbco/hana-cdc/internal/health"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/logger"
)

const recentEntries = 50

// StatusSource reports per-table lag.
type StatusSource interface {
	GetStatus(ctx context.Context) ([]cdc.TableLag, error)
}

// StatsSource reports consumer loop progress.
type StatsSource interface {
	Stats() consumer.Stats
}

// Server is the ops HTTP server.
type Server struct {
	clientID string
	status   StatusSource
	loop     StatsSource
	health   *health.Checker
	logger   *logger.Logger

	mu     sync.Mutex
	recent []logger.LogEntry
}

// New creates a server. loop may be nil when no consumer loop runs in the process.
func New(clientID string, status StatusSource, loop StatsSource, checker *health.Checker, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if checker == nil {
		checker = health.NewChecker()
	}
	return &Server{
		clientID: clientID,
		status:   status,
		loop:     loop,
		health:   checker,
		logger:   log.WithComponent("opsserver"),
	}
}

// Handler returns the chi router.
//
//	GET /metrics  Prometheus exposition
//	GET /healthz  aggregated health, 503 when unhealthy
//	GET /status   per-table lag, loop progress and recent warnings
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.health.ServeHTTP)
	r.Get("/status", s.getStatus)
	return r
}

// Collect keeps the most recent warnings and errors logged through log until ctx is done.
func (s *Server) Collect(ctx context.Context, log *logger.Logger) {
	entries := log.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-entries:
			s.record(entry)
		}
	}
}

func (s *Server) record(entry logger.LogEntry) {
	if entry.Level != "WARN" && entry.Level != "ERROR" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, entry)
	if len(s.recent) > recentEntries {
		s.recent = s.recent[len(s.recent)-recentEntries:]
	}
}

// Recent returns the retained warnings and errors, oldest first.
func (s *Server) Recent() []logger.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logger.LogEntry(nil), s.recent...)
}

type logLine struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type statusResponse struct {
	ClientID string          `json:"client_id"`
	Health   health.Status   `json:"health"`
	Tables   []cdc.TableLag  `json:"tables"`
	Loop     *consumer.Stats `json:"loop,omitempty"`
	Recent   []logLine       `json:"recent"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		ClientID: s.clientID,
		Health:   s.health.GetOverallStatus(),
		Tables:   []cdc.TableLag{},
		Recent:   []logLine{},
	}

	code := http.StatusOK
	if s.status != nil {
		tables, err := s.status.GetStatus(r.Context())
		if err != nil {
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		} else if tables != nil {
			resp.Tables = tables
		}
	}
	if s.loop != nil {
		stats := s.loop.Stats()
		resp.Loop = &stats
	}
	for _, e := range s.Recent() {
		resp.Recent = append(resp.Recent, logLine{Time: e.Time, Level: e.Level, Message: e.Message, Fields: e.Fields})
	}

	writeJSON(w, code, resp)
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening on %s", ln.Addr())
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
