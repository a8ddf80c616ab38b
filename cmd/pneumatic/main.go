// Package main implements the entry point for the Pneumatic fan-out core:
// the WebSocket gateway, ingestion pipeline, broadcast bus, presence
// tracker and their operational endpoints, wired over a shared NATS
// transport when one is configured and degrading to local-only fan-out
// when not.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jingxuan97/Pneumatic/auth"
	"github.com/Jingxuan97/Pneumatic/broadcast"
	"github.com/Jingxuan97/Pneumatic/config"
	"github.com/Jingxuan97/Pneumatic/gateway"
	"github.com/Jingxuan97/Pneumatic/health"
	"github.com/Jingxuan97/Pneumatic/ingest"
	"github.com/Jingxuan97/Pneumatic/metric"
	"github.com/Jingxuan97/Pneumatic/natsclient"
	"github.com/Jingxuan97/Pneumatic/presence"
	"github.com/Jingxuan97/Pneumatic/ratelimit"
	"github.com/Jingxuan97/Pneumatic/registry"
	"github.com/Jingxuan97/Pneumatic/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "pneumatic"
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
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting Pneumatic (chat fan-out core)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	monitor := health.NewMonitor()
	metricsRegistry := metric.NewRegistry()
	metrics := metricsRegistry.Metrics()

	// Shared transport. Failure to connect is a degradation, not a fatal
	// error: the process keeps serving its local connections.
	natsClient, transport, presenceKV := setupTransport(signalCtx, cfg, logger, monitor)
	if natsClient != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			_ = natsClient.Close(closeCtx)
		}()
	}

	tracker := presence.New(presenceKV, logger,
		presence.WithTTL(cfg.PresenceTTL()),
		presence.WithMetrics(metrics))

	messageStore, err := store.Open(cfg.BadgerDir, logger)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() { _ = messageStore.Close() }()
	monitor.Update("store", messageStore.Health())

	members := store.NewMemoryMembership()
	for conversationID, identities := range cfg.Memberships {
		for _, identity := range identities {
			members.AddMember(conversationID, identity)
		}
	}

	reg := registry.New()
	busOpts := []broadcast.Option{
		broadcast.WithLogger(logger),
		broadcast.WithMetrics(metrics),
		broadcast.WithHealthMonitor(monitor),
		broadcast.WithOnIdentityOffline(func(identity string) {
			tracker.MarkOffline(ctx, identity)
		}),
	}
	if transport != nil {
		busOpts = append(busOpts, broadcast.WithTransport(transport))
	}
	bus := broadcast.New(reg, busOpts...)
	if err := bus.Start(signalCtx); err != nil {
		return fmt.Errorf("start broadcast bus: %w", err)
	}
	defer func() { _ = bus.Stop(5 * time.Second) }()

	pipeline := ingest.New(messageStore, members, bus,
		ingest.WithLogger(logger),
		ingest.WithMetrics(metrics),
		ingest.WithMaxContentBytes(cfg.MaxContentBytes),
	)

	limiter := ratelimit.New(
		ratelimit.WithLimits(cfg.RateLimitPerMinute, cfg.RateLimitPerHour),
		ratelimit.WithExemptClasses(cfg.RateLimitExempt...),
	)

	verifier, err := setupVerifier(cfg)
	if err != nil {
		return err
	}

	gatewayServer := gateway.NewServer(gateway.Deps{
		Registry: reg,
		Bus:      bus,
		Pipeline: pipeline,
		Presence: tracker,
		Limiter:  limiter,
		Members:  members,
		Verifier: verifier,
	},
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithPingInterval(cfg.PingInterval()),
		gateway.WithSendQueueSize(cfg.SendQueueSize),
	)

	opsServer := metric.NewServer(cfg.MetricsAddr, metricsRegistry, monitor)

	return serve(signalCtx, cfg, cliCfg.ShutdownTimeout, gatewayServer, opsServer)
}

// setupTransport connects the shared NATS transport and provisions the
// presence bucket. Any failure falls back to local-only operation with
// an in-process presence KV.
func setupTransport(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	monitor *health.Monitor,
) (*natsclient.Client, broadcast.Transport, presence.KV) {
	if cfg.NATSURL == "" {
		slog.Info("No transport configured, running local-only")
		monitor.UpdateHealthy("transport", "local-only, no transport configured")
		return nil, nil, presence.NewMemoryKV()
	}

	client, err := natsclient.NewClient(cfg.NATSURL,
		natsclient.WithLogger(logger),
		natsclient.WithClientName(appName),
	)
	if err != nil {
		slog.Warn("Transport client rejected configuration, running local-only", "error", err)
		monitor.UpdateDegraded("transport", "misconfigured, local-only fanout")
		return nil, nil, presence.NewMemoryKV()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		slog.Warn("Transport unreachable at startup, running degraded", "error", err)
		monitor.UpdateDegraded("transport", "unreachable at startup, local-only fanout")
		return client, client, presence.NewMemoryKV()
	}
	monitor.Update("transport", client.Health())

	kv, err := client.PresenceBucket(ctx, cfg.PresenceBucket, cfg.PresenceTTL())
	if err != nil {
		slog.Warn("Presence bucket unavailable, using in-process presence", "error", err)
		return client, client, presence.NewMemoryKV()
	}

	return client, client, kv
}

func setupVerifier(cfg *config.Config) (auth.TokenVerifier, error) {
	secret := cfg.JWTSecret()
	if len(secret) == 0 {
		return nil, fmt.Errorf("no signing secret in %s; refusing to serve unauthenticated", cfg.JWTSecretEnv)
	}

	opts := []auth.JWTOption{}
	if cfg.JWTIssuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
	}
	verifier, err := auth.NewJWTVerifier(secret, opts...)
	if err != nil {
		return nil, fmt.Errorf("create token verifier: %w", err)
	}
	return verifier, nil
}

// serve runs the listeners until a signal arrives, then shuts both down
// gracefully.
func serve(
	signalCtx context.Context,
	cfg *config.Config,
	shutdownTimeout time.Duration,
	gatewayServer *gateway.Server,
	opsServer *metric.Server,
) error {
	g, gctx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		slog.Info("Gateway listening", "addr", cfg.ListenAddr)
		return gatewayServer.Start(cfg.ListenAddr)
	})
	g.Go(func() error {
		slog.Info("Operations endpoint listening", "addr", cfg.MetricsAddr)
		return opsServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := gatewayServer.Stop(shutdownCtx); err != nil {
			slog.Error("Gateway shutdown error", "error", err)
		}
		if err := opsServer.Stop(shutdownCtx); err != nil {
			slog.Error("Operations endpoint shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	slog.Info("Pneumatic shutdown complete")
	return nil
}
