// Package gateway assembles the HTTP-facing surface of the system onto a
// single server: bridge routes for request forwarding, the websocket relay
// endpoint, a health endpoint and optional Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DuyTran1503/websocketio/bridge"
	"github.com/DuyTran1503/websocketio/errors"
	"github.com/DuyTran1503/websocketio/health"
	"github.com/DuyTran1503/websocketio/metric"
	"github.com/DuyTran1503/websocketio/relay"
)

// Config holds the assembly settings. Bridge and relay carry their own
// configuration; this covers only what the shared server needs.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// RelayPath is where the websocket relay is mounted (default "/ws").
	RelayPath string

	// HealthPath is where the health report is served (default "/health").
	HealthPath string

	// MetricsPath is where Prometheus metrics are served when a registry
	// is provided (default "/metrics").
	MetricsPath string

	// ShutdownTimeout bounds graceful shutdown (default 10s).
	ShutdownTimeout time.Duration
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "gateway", "Validate",
			fmt.Sprintf("invalid port %d", c.Port))
	}
	if c.RelayPath == "" {
		c.RelayPath = "/ws"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Server is the composed HTTP server. It owns the relay lifecycle: Start
// starts the relay's bus subscription before accepting connections, and
// Stop drains both.
type Server struct {
	config  Config
	bridge  *bridge.Bridge
	relay   *relay.Relay
	monitor *health.Monitor
	logger  *slog.Logger

	registry *metric.MetricsRegistry

	mu         sync.Mutex
	httpServer *http.Server
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealthMonitor sets the monitor backing the health endpoint.
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(s *Server) {
		s.monitor = monitor
	}
}

// WithMetricsRegistry mounts Prometheus metrics on the main mux at the
// configured metrics path.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(s *Server) {
		s.registry = registry
	}
}

// New creates the assembled server. The bridge and relay must already be
// constructed; relay may be nil when the deployment serves HTTP only.
func New(config Config, br *bridge.Bridge, rl *relay.Relay, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if br == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "gateway", "New",
			"bridge is required")
	}

	s := &Server{
		config:  config,
		bridge:  br,
		relay:   rl,
		monitor: health.NewMonitor(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Monitor returns the health monitor so callers can report component status.
func (s *Server) Monitor() *health.Monitor {
	return s.monitor
}

// buildMux assembles all handlers onto one mux.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.bridge.RegisterHTTPHandlers(mux)
	if s.relay != nil {
		mux.Handle(s.config.RelayPath, s.relay)
	}
	mux.HandleFunc(s.config.HealthPath, s.handleHealth)
	if s.registry != nil {
		mux.Handle(s.config.MetricsPath, promhttp.HandlerFor(
			s.registry.PrometheusRegistry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
	}
	return mux
}

// Start starts the relay and serves HTTP. It blocks until Stop is called
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "gateway", "Start",
			"server already running")
	}

	mux := s.buildMux()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.httpServer
	s.mu.Unlock()

	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			return errors.Wrap(err, "gateway", "Start", "start relay")
		}
	}
	s.monitor.UpdateHealthy("gateway", fmt.Sprintf("listening on :%d", s.config.Port))

	s.logger.Info("gateway listening",
		"port", s.config.Port,
		"relay_path", s.config.RelayPath,
		"routes", len(s.bridge.Routes()))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.monitor.Update("gateway", health.FromError("gateway", err))
		return errors.WrapFatal(err, "gateway", "Start",
			fmt.Sprintf("serve on port %d", s.config.Port))
	}
	return nil
}

// Stop shuts the server down gracefully: stop accepting connections, then
// stop the relay so in-flight deliveries drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	shutdownErr := server.Shutdown(ctx)

	if s.relay != nil {
		if err := s.relay.Stop(s.config.ShutdownTimeout); err != nil {
			s.logger.Warn("relay stop failed", "error", err)
		}
	}

	if shutdownErr != nil {
		return errors.WrapTransient(shutdownErr, "gateway", "Stop", "http shutdown")
	}
	return nil
}

// healthReport is the JSON body served by the health endpoint.
type healthReport struct {
	Status     string          `json:"status"`
	Message    string          `json:"message,omitempty"`
	Components []health.Status `json:"components,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	aggregate := s.monitor.AggregateHealth("gateway")

	report := healthReport{
		Status:     aggregate.Status,
		Message:    aggregate.Message,
		Components: aggregate.SubStatuses,
	}

	w.Header().Set("Content-Type", "application/json")
	if aggregate.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Warn("health report encode failed", "error", err)
	}
}
