// Package endpoint runs inside each backend service. It subscribes to the
// service's request subject, dispatches each request envelope to a handler
// registered for the exact (method, path) pair and sends back exactly one
// reply envelope per inbound message.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/DuyTran1503/websocketio/envelope"
	"github.com/DuyTran1503/websocketio/errors"
	"github.com/DuyTran1503/websocketio/metric"
)

// Bus is the subset of the bus client an endpoint needs.
type Bus interface {
	SubscribeRequests(ctx context.Context, subject, queue string, handler func(context.Context, []byte) []byte) error
}

// HandlerFunc processes one decoded request. A returned error is logged
// locally and converted to a generic 500 reply; it never crosses the bus.
type HandlerFunc func(ctx context.Context, req *envelope.Request) (*envelope.Reply, error)

// Endpoint dispatches request envelopes from a subject to registered handlers.
type Endpoint struct {
	subject string
	queue   string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	started  bool
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics enables per-request metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(e *Endpoint) {
		e.metrics = metrics
	}
}

// New creates an endpoint for the given request subject. The queue group
// name ensures each request goes to one instance when several run.
func New(subject, queue string, opts ...Option) (*Endpoint, error) {
	if subject == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Endpoint", "New", "subject is required")
	}
	if queue == "" {
		queue = strings.ReplaceAll(subject, ".", "-")
	}

	e := &Endpoint{
		subject:  subject,
		queue:    queue,
		logger:   slog.Default(),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// routeKey builds the dispatch key. Matching is exact: no wildcards, no
// prefix matching.
func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// Handle registers a handler for the exact (method, path) pair. Duplicate
// registration is a programming error and fails fast.
func (e *Endpoint) Handle(method, path string, handler HandlerFunc) error {
	if method == "" || path == "" || handler == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Endpoint", "Handle",
			"method, path and handler are required")
	}

	key := routeKey(method, path)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Endpoint", "Handle",
			"cannot register handlers after start")
	}
	if _, exists := e.handlers[key]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateHandler, "Endpoint", "Handle",
			fmt.Sprintf("handler already registered for %s", key))
	}

	e.handlers[key] = handler
	return nil
}

// Start subscribes to the request subject. Handlers must be registered
// before calling Start.
func (e *Endpoint) Start(ctx context.Context, bus Bus) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Endpoint", "Start", "already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := bus.SubscribeRequests(ctx, e.subject, e.queue, e.dispatch); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return errors.WrapTransient(err, "Endpoint", "Start",
			fmt.Sprintf("subscribe to %s", e.subject))
	}

	e.logger.Info("endpoint started",
		"subject", e.subject,
		"queue", e.queue,
		"routes", len(e.handlers))
	return nil
}

// dispatch handles one inbound message and always returns reply bytes:
// exactly one reply per message, never zero, never more than one.
func (e *Endpoint) dispatch(ctx context.Context, data []byte) []byte {
	req, err := envelope.DecodeRequest(data)
	if err != nil {
		e.logger.Error("request envelope decode failed",
			"subject", e.subject,
			"error", err)
		return e.encode("", "", envelope.InternalError())
	}

	e.mu.RLock()
	handler, ok := e.handlers[routeKey(req.Method, req.Path)]
	e.mu.RUnlock()

	if !ok {
		e.logger.Warn("no handler for request",
			"subject", e.subject,
			"method", req.Method,
			"path", req.Path)
		return e.encode(req.Method, req.Path, envelope.NotFound())
	}

	reply := e.invoke(ctx, handler, req)
	return e.encode(req.Method, req.Path, reply)
}

// invoke runs the handler, converting errors and panics into a generic
// 500 reply with the cause logged locally.
func (e *Endpoint) invoke(ctx context.Context, handler HandlerFunc, req *envelope.Request) (reply *envelope.Reply) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked",
				"subject", e.subject,
				"method", req.Method,
				"path", req.Path,
				"panic", r)
			reply = envelope.InternalError()
		}
	}()

	reply, err := handler(ctx, req)
	if err != nil {
		e.logger.Error("handler failed",
			"subject", e.subject,
			"method", req.Method,
			"path", req.Path,
			"error", err)
		return envelope.InternalError()
	}
	if reply == nil {
		e.logger.Error("handler returned no reply",
			"subject", e.subject,
			"method", req.Method,
			"path", req.Path)
		return envelope.InternalError()
	}
	return reply
}

// encode serializes the reply, falling back to a minimal 500 body if the
// reply itself cannot be marshaled.
func (e *Endpoint) encode(method, path string, reply *envelope.Reply) []byte {
	if e.metrics != nil && method != "" {
		e.metrics.RecordEndpointRequest(method, path, fmt.Sprintf("%d", reply.Status))
	}

	data, err := envelope.EncodeReply(reply)
	if err != nil {
		e.logger.Error("reply encode failed", "subject", e.subject, "error", err)
		return []byte(`{"status":500,"payload":{"error":"internal server error"}}`)
	}
	return data
}
