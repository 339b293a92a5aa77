// Package ops serves the agent's operator endpoints over HTTP: Prometheus
// metrics on /metrics, aggregated service health on /health and a JSON
// diagnostics document on /debug/status. The listener is observability
// surface only; event and snapshot consumers attach to the broadcast hub,
// never here.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bobbyswhip/x402c/log"
	"github.com/bobbyswhip/x402c/metrics"
)

const shutdownTimeout = 5 * time.Second

// Config configures the operations server.
type Config struct {
	// Addr is the TCP listen address, for example ":9464".
	Addr string
	// Namespace overrides the metric name prefix. Empty keeps the
	// exporter default.
	Namespace string
	// Version is stamped into the diagnostics document.
	Version string
	// Health supplies the per-service breakdown. Nil reduces /health to
	// bare process liveness.
	Health *HealthChecker
	// System backs the diagnostics document. Nil allocates a fresh one,
	// which serves runtime stats with zeroed agent callbacks.
	System *metrics.SystemMetrics
	// Registry is the metric registry to export. Nil means the default
	// registry the standard metrics live in.
	Registry *metrics.Registry
}

// Server is the operations HTTP listener.
type Server struct {
	cfg      Config
	logger   *log.Logger
	exporter *metrics.PrometheusExporter
	system   *metrics.SystemMetrics
	handler  http.Handler

	mu       sync.Mutex
	started  bool
	stopped  bool
	listener net.Listener
	srv      *http.Server
}

// New wires the handler tree. The standard rate meters are registered on
// the exporter; additional collectors can be added before Start.
func New(cfg Config, logger *log.Logger) *Server {
	registry := cfg.Registry
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	system := cfg.System
	if system == nil {
		system = metrics.NewSystemMetrics()
	}
	promCfg := metrics.DefaultPrometheusConfig()
	if cfg.Namespace != "" {
		promCfg.Namespace = cfg.Namespace
	}
	exporter := metrics.NewPrometheusExporter(registry, promCfg)
	exporter.RegisterCollector("meters", StandardMeters())

	s := &Server{
		cfg:      cfg,
		logger:   logger.Module("ops"),
		exporter: exporter,
		system:   system,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/debug/status", s.handleStatus)
	s.handler = mux
	return s
}

// RegisterCollector adds a named custom collector to the scrape.
func (s *Server) RegisterCollector(name string, c metrics.CustomCollector) {
	s.exporter.RegisterCollector(name, c)
}

// Start binds the listen address and serves until Stop. The bind error
// surfaces here; serve errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("ops: already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}
	s.listener = ln
	s.srv = &http.Server{Handler: s.handler}
	s.started = true

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", "err", err)
		}
	}(s.srv)

	s.logger.Info("ops server listening", "addr", ln.Addr())
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	srv := s.srv
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("ops server shutdown", "err", err)
	}
	s.logger.Info("ops server stopped")
}

// Addr returns the bound listen address, useful when started on port 0.
// Empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report := s.healthReport()
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) healthReport() *HealthReport {
	if s.cfg.Health != nil {
		return s.cfg.Health.CheckAll()
	}
	// No checkers wired: the endpoint degenerates to process liveness.
	return &HealthReport{
		Status:        StatusHealthy,
		CheckedAt:     time.Now().Unix(),
		UptimeSeconds: int64(s.system.UptimeSeconds()),
	}
}

// statusDocument is the /debug/status payload.
type statusDocument struct {
	Version   string          `json:"version,omitempty"`
	GoVersion string          `json:"goVersion"`
	System    json.RawMessage `json:"system"`
	Health    *HealthReport   `json:"health,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	system, err := s.system.ExportJSON()
	if err != nil {
		http.Error(w, "metrics collection failed", http.StatusInternalServerError)
		return
	}
	doc := statusDocument{
		Version:   s.cfg.Version,
		GoVersion: metrics.GoVersion(),
		System:    system,
	}
	if s.cfg.Health != nil {
		doc.Health = s.cfg.Health.CheckAll()
	}
	writeJSON(w, http.StatusOK, doc)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
