// Package config loads and validates application configuration from a
// JSON file, with environment variable overrides for deployment-specific
// values and secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/DuyTran1503/websocketio/errors"
)

// NATSConfig holds bus connection settings.
type NATSConfig struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// RouteConfig maps a URL prefix to a request subject.
type RouteConfig struct {
	Prefix  string `json:"prefix"`
	Subject string `json:"subject"`
}

// GatewayConfig holds the HTTP gateway settings.
type GatewayConfig struct {
	Port           int           `json:"port"`
	Routes         []RouteConfig `json:"routes"`
	RequestTimeout Duration      `json:"requestTimeout,omitempty"`
	MaxRequestSize int64         `json:"maxRequestSize,omitempty"`
	EnableCORS     bool          `json:"enableCors,omitempty"`
	CORSOrigins    []string      `json:"corsOrigins,omitempty"`
}

// RelayConfig holds the websocket relay settings.
type RelayConfig struct {
	Path             string `json:"path"`
	BroadcastSubject string `json:"broadcastSubject"`
	OutboundSubject  string `json:"outboundSubject"`
	SendQueueSize    int    `json:"sendQueueSize,omitempty"`
	Workers          int    `json:"workers,omitempty"`

	// InboundRate caps client messages per second per connection; 0
	// disables the limit.
	InboundRate  float64 `json:"inboundRate,omitempty"`
	InboundBurst int     `json:"inboundBurst,omitempty"`
}

// AuthConfig holds the auth backend settings.
type AuthConfig struct {
	RequestSubject string   `json:"requestSubject"`
	QueueGroup     string   `json:"queueGroup,omitempty"`
	TokenSecret    string   `json:"tokenSecret"`
	TokenTTL       Duration `json:"tokenTTL,omitempty"`
	Storage        string   `json:"storage,omitempty"` // memory or kv
	KVBucket       string   `json:"kvBucket,omitempty"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Config is the complete application configuration.
type Config struct {
	NATS    NATSConfig    `json:"nats"`
	Gateway GatewayConfig `json:"gateway"`
	Relay   RelayConfig   `json:"relay"`
	Auth    AuthConfig    `json:"auth"`
	Metrics MetricsConfig `json:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "websocketio",
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Routes: []RouteConfig{
				{Prefix: "/api/auth", Subject: "auth.request"},
				{Prefix: "/api/messages", Subject: "message.request"},
			},
			RequestTimeout: Duration(5 * time.Second),
			EnableCORS:     true,
			CORSOrigins:    []string{"*"},
		},
		Relay: RelayConfig{
			Path:             "/ws",
			BroadcastSubject: "message.new",
			OutboundSubject:  "message.send",
		},
		Auth: AuthConfig{
			RequestSubject: "auth.request",
			QueueGroup:     "auth",
			Storage:        "memory",
			KVBucket:       "users",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load reads configuration from an optional JSON file, applies environment
// overrides and validates the result. An empty path means defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load",
				fmt.Sprintf("read config file %s", path))
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load",
				fmt.Sprintf("parse config file %s", path))
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables. Secrets
// should come from the environment, not the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("NATS_USERNAME"); v != "" {
		c.NATS.Username = v
	}
	if v := os.Getenv("NATS_PASSWORD"); v != "" {
		c.NATS.Password = v
	}
	if v := os.Getenv("NATS_TOKEN"); v != "" {
		c.NATS.Token = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
	if v := os.Getenv("AUTH_STORAGE"); v != "" {
		c.Auth.Storage = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"nats.url is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("gateway.port %d out of range", c.Gateway.Port))
	}
	if len(c.Gateway.Routes) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"gateway.routes must not be empty")
	}
	if c.Relay.Path == "" || c.Relay.BroadcastSubject == "" || c.Relay.OutboundSubject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"relay path and subjects are required")
	}
	if c.Auth.RequestSubject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"auth.requestSubject is required")
	}
	if c.Auth.Storage != "" && c.Auth.Storage != "memory" && c.Auth.Storage != "kv" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("auth.storage %q must be memory or kv", c.Auth.Storage))
	}
	if c.Auth.Storage == "kv" && c.Auth.KVBucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"auth.kvBucket is required for kv storage")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
	}
	return nil
}

// Duration is a time.Duration that unmarshals from JSON strings like "5s"
// as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalJSON accepts both "5s" and 5000000000.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalJSON renders the duration in the "5s" string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
