package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const statusHealthy = "healthy"

// ServerConfig holds the ops endpoint configuration.
type ServerConfig struct {
	Port        int
	MetricsPath string
	HealthPath  string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}
}

// Check is one component's health verdict. Status is "healthy" or
// anything else, which counts as failing.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker produces a Check on demand.
type HealthChecker func() Check

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Server serves the prometheus scrape endpoint plus health, readiness
// and liveness probes on one port.
type Server struct {
	cfg       ServerConfig
	srv       *http.Server
	logger    *slog.Logger
	startTime time.Time

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
		checkers:  make(map[string]HealthChecker),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthPath, s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/live", s.handleLive)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// RegisterHealthCheck adds a named component check, e.g. the broker
// connection or the persistence backlog. Re-registering a name
// replaces the previous checker.
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	s.checkers[name] = checker
	s.mu.Unlock()
}

// Start begins serving in the background. Listen errors are logged,
// not returned; the bot keeps trading without its ops endpoint.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server",
		"port", s.cfg.Port,
		"metrics_path", s.cfg.MetricsPath,
	)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "err", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.srv.Shutdown(ctx)
}

// Uptime reports how long the server has been up.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// runChecks snapshots the registered checkers and runs them outside
// the lock, so a slow check cannot block registration.
func (s *Server) runChecks() (map[string]Check, bool) {
	s.mu.RLock()
	snapshot := make(map[string]HealthChecker, len(s.checkers))
	for name, c := range s.checkers {
		snapshot[name] = c
	}
	s.mu.RUnlock()

	results := make(map[string]Check, len(snapshot))
	ok := true
	for name, checker := range snapshot {
		c := checker()
		results[name] = c
		if c.Status != statusHealthy {
			ok = false
		}
	}
	return results, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	checks, ok := s.runChecks()

	overall := statusHealthy
	if !ok {
		overall = "unhealthy"
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(HealthStatus{
		Status:    overall,
		Timestamp: time.Now(),
		Uptime:    s.Uptime().String(),
		Checks:    checks,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if _, ok := s.runChecks(); !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}
