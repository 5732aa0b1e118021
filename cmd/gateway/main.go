// Package main implements the gateway entry point. The gateway exposes
// HTTP routes that forward to bus workers and a WebSocket endpoint that
// relays events between connected clients and the bus.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DuyTran1503/websocketio/bridge"
	"github.com/DuyTran1503/websocketio/config"
	"github.com/DuyTran1503/websocketio/gateway"
	"github.com/DuyTran1503/websocketio/health"
	"github.com/DuyTran1503/websocketio/metric"
	"github.com/DuyTran1503/websocketio/natsclient"
	"github.com/DuyTran1503/websocketio/pkg/token"
	"github.com/DuyTran1503/websocketio/relay"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "gateway"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	if cfg.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.tokenSecret is required (set JWT_SECRET)")
	}

	tokens, err := buildTokenManager(cfg)
	if err != nil {
		return fmt.Errorf("create token manager: %w", err)
	}

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	ctx := context.Background()
	busClient, err := connectBus(ctx, cfg, registry, monitor)
	if err != nil {
		return err
	}
	defer busClient.Close(ctx)

	server, err := buildServer(cfg, busClient, tokens, registry, monitor, cliCfg.ShutdownTimeout)
	if err != nil {
		return err
	}

	return runWithSignalHandling(ctx, server)
}

// buildTokenManager creates the verifier shared by bridge and relay.
func buildTokenManager(cfg *config.Config) (*token.Manager, error) {
	opts := []token.Option{}
	if cfg.Auth.TokenTTL > 0 {
		opts = append(opts, token.WithTTL(cfg.Auth.TokenTTL.Std()))
	}
	return token.NewManager(cfg.Auth.TokenSecret, opts...)
}

// connectBus creates the bus client, connects and waits until ready. Bus
// health changes feed the gateway's health monitor.
func connectBus(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMetrics(registry.CoreMetrics()),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.UpdateHealthy("bus", "connected")
			} else {
				monitor.UpdateUnhealthy("bus", "connection lost")
			}
		}),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	busClient, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bus client: %w", err)
	}

	slog.Info("Connecting to bus", "name", cfg.NATS.Name)
	if err := busClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := busClient.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("bus connection timeout: %w", err)
	}

	monitor.UpdateHealthy("bus", "connected")
	return busClient, nil
}

// buildServer assembles the bridge, relay and HTTP server from config.
func buildServer(
	cfg *config.Config,
	busClient *natsclient.Client,
	tokens *token.Manager,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
	shutdownTimeout time.Duration,
) (*gateway.Server, error) {
	routes := make([]bridge.Route, 0, len(cfg.Gateway.Routes))
	for _, route := range cfg.Gateway.Routes {
		routes = append(routes, bridge.Route{Prefix: route.Prefix, Subject: route.Subject})
	}

	br, err := bridge.New(bridge.Config{
		Routes:         routes,
		Timeout:        cfg.Gateway.RequestTimeout.Std(),
		MaxRequestSize: cfg.Gateway.MaxRequestSize,
		EnableCORS:     cfg.Gateway.EnableCORS,
		CORSOrigins:    cfg.Gateway.CORSOrigins,
	}, busClient,
		bridge.WithMetrics(registry.CoreMetrics()),
		bridge.WithTokenVerifier(tokens),
	)
	if err != nil {
		return nil, fmt.Errorf("create bridge: %w", err)
	}

	rl, err := relay.New(relay.Config{
		BroadcastSubject: cfg.Relay.BroadcastSubject,
		OutboundSubject:  cfg.Relay.OutboundSubject,
		SendQueueSize:    cfg.Relay.SendQueueSize,
		Workers:          cfg.Relay.Workers,
		InboundRate:      cfg.Relay.InboundRate,
		InboundBurst:     cfg.Relay.InboundBurst,
	}, busClient, tokens,
		relay.WithMetrics(registry.CoreMetrics()),
		relay.WithMetricsRegistry(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("create relay: %w", err)
	}

	gatewayOpts := []gateway.Option{gateway.WithHealthMonitor(monitor)}
	if cfg.Metrics.Enabled {
		gatewayOpts = append(gatewayOpts, gateway.WithMetricsRegistry(registry))
	}

	server, err := gateway.New(gateway.Config{
		Port:            cfg.Gateway.Port,
		RelayPath:       cfg.Relay.Path,
		MetricsPath:     cfg.Metrics.Path,
		ShutdownTimeout: shutdownTimeout,
	}, br, rl, gatewayOpts...)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	return server, nil
}

// runWithSignalHandling serves until SIGINT/SIGTERM, then shuts down.
func runWithSignalHandling(ctx context.Context, server *gateway.Server) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	g, gctx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Received shutdown signal")
		return server.Stop()
	})

	slog.Info("Gateway started")
	if err := g.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("Gateway shutdown complete")
	return nil
}
