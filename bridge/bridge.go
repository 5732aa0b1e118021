// Package bridge forwards HTTP calls onto the message bus. Each configured
// route maps a URL prefix to a backend service's request subject: the
// bridge builds a request envelope from the HTTP call, performs a bus
// request with a fixed timeout and maps the reply envelope verbatim onto
// the HTTP response.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/DuyTran1503/websocketio/envelope"
	"github.com/DuyTran1503/websocketio/errors"
	"github.com/DuyTran1503/websocketio/metric"
)

// DefaultTimeout is the fixed deadline for a bus request. A backend that
// never replies surfaces as a 500 to the caller once this elapses.
const DefaultTimeout = 5000 * time.Millisecond

// DefaultMaxRequestSize limits inbound bodies to 1MB.
const DefaultMaxRequestSize int64 = 1024 * 1024

// Bus is the subset of the bus client the bridge needs.
type Bus interface {
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
}

// TokenVerifier resolves a bearer token to a caller identity.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Route maps a URL prefix to a request subject. The prefix is stripped
// from the path before it enters the envelope.
type Route struct {
	Prefix  string `json:"prefix"`
	Subject string `json:"subject"`
}

// Config holds bridge configuration.
type Config struct {
	Routes         []Route       `json:"routes"`
	Timeout        time.Duration `json:"timeout"`
	MaxRequestSize int64         `json:"maxRequestSize"`
	EnableCORS     bool          `json:"enableCors"`
	CORSOrigins    []string      `json:"corsOrigins"`
}

// Validate checks the route table. Prefixes must be non-empty, rooted and
// unique; subjects must be non-empty.
func (c *Config) Validate() error {
	if len(c.Routes) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "Validate",
			"at least one route is required")
	}

	seen := make(map[string]bool, len(c.Routes))
	for _, route := range c.Routes {
		if route.Prefix == "" || !strings.HasPrefix(route.Prefix, "/") {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Bridge", "Validate",
				fmt.Sprintf("route prefix %q must start with /", route.Prefix))
		}
		if route.Subject == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Bridge", "Validate",
				fmt.Sprintf("route %s has no subject", route.Prefix))
		}
		if seen[route.Prefix] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Bridge", "Validate",
				fmt.Sprintf("duplicate route prefix %s", route.Prefix))
		}
		seen[route.Prefix] = true
	}
	return nil
}

// Bridge forwards HTTP requests to bus subjects.
type Bridge struct {
	config   Config
	routes   []Route // sorted longest prefix first
	bus      Bus
	verifier TokenVerifier
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics enables per-request metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

// WithTokenVerifier enables caller identity resolution. A request carrying
// a bearer token is resolved before forwarding; an invalid token is
// rejected with 401 and never forwarded as anonymous. Requests without a
// token pass through anonymous and the backend decides.
func WithTokenVerifier(verifier TokenVerifier) Option {
	return func(b *Bridge) {
		b.verifier = verifier
	}
}

// New creates a bridge from configuration.
func New(config Config, bus Bus, opts ...Option) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Bridge", "New", "bus client is required")
	}

	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultMaxRequestSize
	}

	routes := make([]Route, len(config.Routes))
	copy(routes, config.Routes)
	sort.Slice(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})

	b := &Bridge{
		config: config,
		routes: routes,
		bus:    bus,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Routes returns the configured routes in match order.
func (b *Bridge) Routes() []Route {
	routes := make([]Route, len(b.routes))
	copy(routes, b.routes)
	return routes
}

// RegisterHTTPHandlers mounts each route's prefix on the mux.
func (b *Bridge) RegisterHTTPHandlers(mux *http.ServeMux) {
	for _, route := range b.routes {
		prefix := strings.TrimSuffix(route.Prefix, "/")
		mux.Handle(prefix+"/", b)
		mux.Handle(prefix, b)
	}
}

// ServeHTTP forwards the request to the longest matching route.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := getOrGenerateRequestID(r)
	w.Header().Set("X-Request-ID", requestID)

	if b.config.EnableCORS {
		b.applyCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	route, ok := b.match(r.URL.Path)
	if !ok {
		b.writeError(w, http.StatusNotFound, "not found")
		return
	}

	start := time.Now()
	status := b.forward(w, r, route, requestID)
	if b.metrics != nil {
		b.metrics.RecordBridgeRequest(route.Subject, fmt.Sprintf("%d", status), time.Since(start))
	}
}

// match finds the longest route prefix covering the path.
func (b *Bridge) match(path string) (Route, bool) {
	for _, route := range b.routes {
		prefix := strings.TrimSuffix(route.Prefix, "/")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return route, true
		}
	}
	return Route{}, false
}

// forward builds the envelope, performs the bus request and writes the
// response. It returns the HTTP status written.
func (b *Bridge) forward(w http.ResponseWriter, r *http.Request, route Route, requestID string) int {
	defer r.Body.Close()

	// Read body with size limit + 1 to detect overflow
	bodyReader := io.LimitReader(r.Body, b.config.MaxRequestSize+1)
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		return b.writeError(w, http.StatusBadRequest, "failed to read request body")
	}
	if int64(len(body)) > b.config.MaxRequestSize {
		return b.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", b.config.MaxRequestSize))
	}

	userID, err := b.resolveIdentity(r)
	if err != nil {
		b.logger.Warn("token verification failed",
			"request_id", requestID,
			"path", r.URL.Path,
			"error", err)
		return b.writeError(w, http.StatusUnauthorized, "invalid or expired token")
	}

	req := &envelope.Request{
		Method: r.Method,
		Path:   stripPrefix(r.URL.Path, route.Prefix),
		Query:  flattenQuery(r.URL.Query()),
		UserID: userID,
	}
	if len(body) > 0 {
		req.Body = body
	}

	payload, err := envelope.EncodeRequest(req)
	if err != nil {
		b.logger.Error("request envelope encode failed",
			"request_id", requestID,
			"error", err)
		return b.writeError(w, http.StatusInternalServerError, "internal server error")
	}

	ctx, cancel := context.WithTimeout(r.Context(), b.config.Timeout)
	defer cancel()

	replyData, err := b.bus.Request(ctx, route.Subject, payload, b.config.Timeout)
	if err != nil {
		// Timeout and transport failures both collapse to a generic 500:
		// the caller never sees internal timeout mechanics.
		b.logger.Error("bus request failed",
			"request_id", requestID,
			"subject", route.Subject,
			"method", r.Method,
			"path", req.Path,
			"error", err)
		return b.writeError(w, http.StatusInternalServerError, "internal server error")
	}

	reply, err := envelope.DecodeReply(replyData)
	if err != nil {
		b.logger.Error("reply envelope decode failed",
			"request_id", requestID,
			"subject", route.Subject,
			"error", err)
		return b.writeError(w, http.StatusInternalServerError, "internal server error")
	}

	// Status and payload mirror the reply envelope verbatim
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Status)
	if len(reply.Payload) > 0 {
		if _, err := w.Write(reply.Payload); err != nil {
			b.logger.Error("response write failed", "request_id", requestID, "error", err)
		}
	}
	return reply.Status
}

// resolveIdentity verifies the bearer token if one is present. Absence of
// a token means an anonymous call; a bad token is a rejection, never
// silently anonymous.
func (b *Bridge) resolveIdentity(r *http.Request) (string, error) {
	if b.verifier == nil {
		return "", nil
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", nil
	}

	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		return "", errors.WrapInvalid(errors.ErrTokenInvalid, "Bridge", "resolveIdentity",
			"authorization header is not a bearer token")
	}

	return b.verifier.Verify(token)
}

// applyCORS applies CORS headers to the response
func (b *Bridge) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := false
	for _, allowedOrigin := range b.config.CORSOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}

	if allowed {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}
}

// writeError writes an error response and returns the status for metrics.
func (b *Bridge) writeError(w http.ResponseWriter, statusCode int, message string) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	data, _ := json.Marshal(envelope.ErrorPayload{Error: message})
	w.Write(data)
	return statusCode
}

// stripPrefix removes the route prefix from the path, keeping a leading /.
func stripPrefix(path, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	stripped := strings.TrimPrefix(path, prefix)
	if stripped == "" {
		return "/"
	}
	return stripped
}

// flattenQuery keeps the first value of each query parameter.
func flattenQuery(values map[string][]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	query := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			query[key] = vals[0]
		}
	}
	return query
}

// getOrGenerateRequestID extracts request ID from headers or generates a
// new one for tracing across the gateway and bus services
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
