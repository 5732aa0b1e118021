// Package main implements the auth service entry point. The service
// answers auth.request messages from the gateway: registration, login and
// profile lookup backed by an in-memory or JetStream KV user store.
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

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/DuyTran1503/websocketio/authservice"
	"github.com/DuyTran1503/websocketio/config"
	"github.com/DuyTran1503/websocketio/endpoint"
	"github.com/DuyTran1503/websocketio/metric"
	"github.com/DuyTran1503/websocketio/natsclient"
	"github.com/DuyTran1503/websocketio/pkg/token"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "authservice"
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

	tokenOpts := []token.Option{}
	if cfg.Auth.TokenTTL > 0 {
		tokenOpts = append(tokenOpts, token.WithTTL(cfg.Auth.TokenTTL.Std()))
	}
	tokens, err := token.NewManager(cfg.Auth.TokenSecret, tokenOpts...)
	if err != nil {
		return fmt.Errorf("create token manager: %w", err)
	}

	registry := metric.NewMetricsRegistry()

	ctx := context.Background()
	busClient, err := connectBus(ctx, cfg, registry)
	if err != nil {
		return err
	}
	defer busClient.Close(ctx)

	store, err := buildStore(ctx, cfg, busClient)
	if err != nil {
		return err
	}

	svc, err := authservice.NewService(store, tokens)
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}

	ep, err := endpoint.New(cfg.Auth.RequestSubject, cfg.Auth.QueueGroup,
		endpoint.WithMetrics(registry.CoreMetrics()))
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	if err := svc.RegisterRoutes(ep); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	return runWithSignalHandling(ctx, cfg, ep, busClient, registry)
}

// connectBus creates the bus client, connects and waits until ready.
func connectBus(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithMetrics(registry.CoreMetrics()),
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

	slog.Info("Connecting to bus", "subject", cfg.Auth.RequestSubject)
	if err := busClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := busClient.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("bus connection timeout: %w", err)
	}

	return busClient, nil
}

// buildStore selects the user store from config: in-memory for single
// instance deployments, JetStream KV when replicas share state.
func buildStore(ctx context.Context, cfg *config.Config, busClient *natsclient.Client) (authservice.Store, error) {
	if cfg.Auth.Storage != "kv" {
		slog.Info("Using in-memory user store")
		return authservice.NewMemoryStore(), nil
	}

	bucket, err := busClient.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Auth.KVBucket,
		Description: "user accounts and uniqueness indexes",
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Auth.KVBucket, err)
	}

	slog.Info("Using JetStream KV user store", "bucket", cfg.Auth.KVBucket)
	return authservice.NewKVStore(busClient.NewKVStore(bucket)), nil
}

// runWithSignalHandling starts the endpoint and metrics server, then
// serves until SIGINT/SIGTERM.
func runWithSignalHandling(
	ctx context.Context,
	cfg *config.Config,
	ep *endpoint.Endpoint,
	busClient *natsclient.Client,
	registry *metric.MetricsRegistry,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := ep.Start(signalCtx, busClient); err != nil {
		return fmt.Errorf("start endpoint: %w", err)
	}
	slog.Info("Auth service started", "subject", cfg.Auth.RequestSubject, "queue", cfg.Auth.QueueGroup)

	g, gctx := errgroup.WithContext(signalCtx)

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		g.Go(func() error {
			return metricsServer.Start()
		})
		slog.Info("Metrics server started", "address", metricsServer.Address())
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Received shutdown signal")
		if metricsServer != nil {
			return metricsServer.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("Auth service shutdown complete")
	return nil
}
