// Package relay bridges WebSocket connections and the message bus. Each
// connection authenticates with a bearer token during the handshake and
// joins a group keyed by its identity. A single bus subscription feeds
// broadcast events to the relay, which delivers each event to the sessions
// whose identity matches the event's sender or recipient. Messages sent by
// a connection are stamped with the connection's identity and republished
// on the outbound subject, so a client can never spoof its sender.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/DuyTran1503/websocketio/envelope"
	"github.com/DuyTran1503/websocketio/errors"
	"github.com/DuyTran1503/websocketio/metric"
	"github.com/DuyTran1503/websocketio/pkg/worker"
)

// Bus is the subset of the bus client the relay needs.
type Bus interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
	Publish(ctx context.Context, subject string, data []byte) error
}

// TokenVerifier resolves a bearer token to a connection identity.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Config holds relay configuration.
type Config struct {
	// BroadcastSubject is the bus subject carrying events for delivery to
	// connections (e.g. message.new).
	BroadcastSubject string `json:"broadcastSubject"`
	// OutboundSubject is where client messages are republished for
	// backend workers (e.g. message.send).
	OutboundSubject string `json:"outboundSubject"`

	// InboundRate caps client messages per second per connection; 0
	// disables the limit. Excess messages are dropped, not queued.
	InboundRate  float64 `json:"inboundRate"`
	InboundBurst int     `json:"inboundBurst"`

	SendQueueSize  int           `json:"sendQueueSize"`
	Workers        int           `json:"workers"`
	WorkerQueue    int           `json:"workerQueue"`
	PingInterval   time.Duration `json:"pingInterval"`
	PongWait       time.Duration `json:"pongWait"`
	WriteWait      time.Duration `json:"writeWait"`
	MaxMessageSize int64         `json:"maxMessageSize"`
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.BroadcastSubject == "" || c.OutboundSubject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Relay", "Validate",
			"broadcast and outbound subjects are required")
	}
	if c.InboundRate < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Relay", "Validate",
			"inbound rate cannot be negative")
	}
	if c.InboundRate > 0 && c.InboundBurst <= 0 {
		c.InboundBurst = int(c.InboundRate)
		if c.InboundBurst < 1 {
			c.InboundBurst = 1
		}
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 32
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.WorkerQueue <= 0 {
		c.WorkerQueue = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	return nil
}

// inboundMessage is one client message queued for processing.
type inboundMessage struct {
	identity string
	data     []byte
}

// Relay owns the WebSocket surface and the broadcast subscription.
type Relay struct {
	config       Config
	bus          Bus
	verifier     TokenVerifier
	logger       *slog.Logger
	metrics      *metric.Metrics
	poolRegistry *metric.MetricsRegistry

	upgrader websocket.Upgrader
	groups   *groupRegistry
	pool     *worker.Pool[inboundMessage]

	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	running     bool
	stopped     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics enables connection and delivery metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(r *Relay) {
		r.metrics = metrics
	}
}

// WithMetricsRegistry wires the inbound worker pool's own metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(r *Relay) {
		r.poolRegistry = registry
	}
}

// New creates a relay. The verifier is required: unauthenticated
// connections are never accepted.
func New(config Config, bus Bus, verifier TokenVerifier, opts ...Option) (*Relay, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Relay", "New", "bus client is required")
	}
	if verifier == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Relay", "New", "token verifier is required")
	}

	r := &Relay{
		config:   config,
		bus:      bus,
		verifier: verifier,
		logger:   slog.Default(),
		groups:   newGroupRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	var poolOpts []worker.Option[inboundMessage]
	if r.poolRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[inboundMessage](r.poolRegistry, "relay_inbound"))
	}
	r.pool = worker.NewPool(config.Workers, config.WorkerQueue, r.processInbound, poolOpts...)

	return r, nil
}

// Start subscribes to the broadcast subject and starts the inbound worker
// pool. Exactly one broadcast subscription is created per relay instance.
func (r *Relay) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Relay", "Start", "already started")
	}
	if r.stopped {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Relay", "Start",
			"relay cannot be restarted after stop")
	}
	r.running = true
	r.shutdown = make(chan struct{})
	r.mu.Unlock()

	if err := r.pool.Start(ctx); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return errors.Wrap(err, "Relay", "Start", "start worker pool")
	}

	if err := r.bus.Subscribe(ctx, r.config.BroadcastSubject, r.handleBroadcast); err != nil {
		_ = r.pool.Stop(time.Second)
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return errors.WrapTransient(err, "Relay", "Start",
			fmt.Sprintf("subscribe to %s", r.config.BroadcastSubject))
	}

	r.logger.Info("relay started",
		"broadcast_subject", r.config.BroadcastSubject,
		"outbound_subject", r.config.OutboundSubject)
	return nil
}

// Stop closes all sessions and stops the worker pool.
func (r *Relay) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.stopped = true
	close(r.shutdown)
	r.mu.Unlock()

	r.groups.closeAll()
	if r.metrics != nil {
		r.metrics.SetRelayConnections(0)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("relay goroutines did not exit within timeout")
	}

	return r.pool.Stop(timeout)
}

// Connections returns the number of live sessions.
func (r *Relay) Connections() int {
	return r.groups.count()
}

// ServeHTTP upgrades an authenticated request to a WebSocket session.
// Authentication happens before the upgrade: a missing or invalid token is
// rejected with 401 and never treated as an anonymous connection.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	identity, err := r.authenticate(req)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordRelayAuthFailure()
		}
		r.logger.Warn("websocket handshake rejected",
			"remote", req.RemoteAddr,
			"error", err)
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	var limiter *rate.Limiter
	if r.config.InboundRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.config.InboundRate), r.config.InboundBurst)
	}

	s := newSession(conn, identity, r.config.SendQueueSize, limiter)
	if !r.groups.add(s) {
		// Stop won the race between the running check and registration.
		s.close()
		return
	}
	if r.metrics != nil {
		r.metrics.SetRelayConnections(float64(r.groups.count()))
	}
	r.logger.Info("connection joined", "identity", identity)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		s.writePump(r.config.PingInterval, r.config.WriteWait)
	}()
	go func() {
		defer r.wg.Done()
		r.readLoop(s)
	}()
}

// authenticate extracts and verifies the handshake token. The token comes
// from the Authorization header or, for browser clients that cannot set
// headers on WebSocket requests, the token query parameter.
func (r *Relay) authenticate(req *http.Request) (string, error) {
	token := ""
	if auth := req.Header.Get("Authorization"); auth != "" {
		token = strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			return "", errors.WrapInvalid(errors.ErrTokenInvalid, "Relay", "authenticate",
				"authorization header is not a bearer token")
		}
	} else {
		token = req.URL.Query().Get("token")
	}

	if token == "" {
		return "", errors.WrapInvalid(errors.ErrUnauthenticated, "Relay", "authenticate",
			"no token in handshake")
	}

	return r.verifier.Verify(token)
}

// readLoop consumes messages from one connection until it closes, feeding
// them to the worker pool for stamping and republication.
func (r *Relay) readLoop(s *session) {
	defer r.disconnect(s)

	s.conn.SetReadLimit(r.config.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(r.config.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now())
		return s.conn.SetReadDeadline(time.Now().Add(r.config.PongWait))
	})

	for {
		select {
		case <-r.shutdown:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			if r.metrics != nil {
				r.metrics.RecordRelayEventDropped()
			}
			r.logger.Warn("inbound message rate limited", "identity", s.identity)
			continue
		}

		if err := r.pool.Submit(inboundMessage{identity: s.identity, data: data}); err != nil {
			if r.metrics != nil {
				r.metrics.RecordRelayEventDropped()
			}
			r.logger.Warn("inbound message dropped",
				"identity", s.identity,
				"error", err)
		}
	}
}

// disconnect tears down a session and its group membership.
func (r *Relay) disconnect(s *session) {
	r.groups.remove(s)
	s.close()
	if r.metrics != nil {
		r.metrics.SetRelayConnections(float64(r.groups.count()))
	}
	r.logger.Info("connection left", "identity", s.identity)
}

// processInbound stamps a client message with the connection's identity
// and republishes it on the outbound subject. Whatever sender the client
// supplied is discarded.
func (r *Relay) processInbound(ctx context.Context, msg inboundMessage) error {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(msg.data, &body); err != nil {
		return errors.WrapInvalid(errors.ErrParsingFailed, "Relay", "processInbound",
			fmt.Sprintf("malformed client message from %s", msg.identity))
	}

	recipientID := ""
	if raw, ok := body["recipientId"]; ok {
		_ = json.Unmarshal(raw, &recipientID)
	}

	// Routing fields live on the event itself, not in the body
	delete(body, "senderId")
	delete(body, "recipientId")

	bodyData, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "Relay", "processInbound", "marshal body")
	}

	event := &envelope.Event{
		SenderID:    msg.identity,
		RecipientID: recipientID,
		Body:        bodyData,
	}
	data, err := envelope.EncodeEvent(event)
	if err != nil {
		return err
	}

	if err := r.bus.Publish(ctx, r.config.OutboundSubject, data); err != nil {
		return errors.WrapTransient(err, "Relay", "processInbound",
			fmt.Sprintf("publish to %s", r.config.OutboundSubject))
	}
	return nil
}

// handleBroadcast delivers one bus event to the sessions whose identity
// matches the event's sender or recipient. A session matching both (self
// message) receives the event once.
func (r *Relay) handleBroadcast(_ context.Context, data []byte) {
	event, err := envelope.DecodeEvent(data)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordRelayEventDropped()
		}
		r.logger.Error("broadcast event decode failed", "error", err)
		return
	}

	for _, s := range r.groups.sessionsFor(event.SenderID, event.RecipientID) {
		role := "recipient"
		if s.identity == event.SenderID {
			role = "sender"
		}
		if s.enqueue(data) {
			if r.metrics != nil {
				r.metrics.RecordRelayEventDelivered(role)
			}
		} else {
			if r.metrics != nil {
				r.metrics.RecordRelayEventDropped()
			}
			r.logger.Warn("event dropped for slow consumer", "identity", s.identity)
		}
	}
}
