// Package admin exposes fanoutsql's operational HTTP surface: health,
// Prometheus metrics, the current backend list, and a few runtime stats.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fanoutsql/fanoutsql/internal/backend"
	"github.com/fanoutsql/fanoutsql/internal/dispatch"
	"github.com/fanoutsql/fanoutsql/internal/metrics"
)

// Server is the admin HTTP server.
type Server struct {
	registry   *backend.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Collector
	startTime  time.Time
	httpServer *http.Server
	log        *slog.Logger
}

// New creates an admin server. Call Start to bind and serve.
func New(registry *backend.Registry, dispatcher *dispatch.Dispatcher, m *metrics.Collector, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{registry: registry, dispatcher: dispatcher, metrics: m, startTime: time.Now(), log: log}
}

// Start binds addr and serves in the background until Stop is called.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/backends", s.backends).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin server error", "error", err)
		}
	}()
	s.log.Info("admin server listening", "addr", addr)
	return nil
}

// Stop closes the admin server's listener and any open connections
// immediately, without waiting for in-flight requests.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "no backends configured"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) backends(w http.ResponseWriter, r *http.Request) {
	list := s.registry.Backends()
	out := make([]string, len(list))
	for i, b := range list {
		out[i] = b.String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime_seconds":    time.Since(s.startTime).Seconds(),
		"backends":          s.registry.Count(),
		"queries_in_flight": s.dispatcher.Querying(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
