package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/dashboard"
	"github.com/zsiec/playcore/internal/fetch"
	"github.com/zsiec/playcore/internal/health"
	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/loop"
	"github.com/zsiec/playcore/internal/player"
	"github.com/zsiec/playcore/internal/registry"
	"github.com/zsiec/playcore/internal/server"
	"github.com/zsiec/playcore/pkg/version"
)

const healthCheckInterval = 10 * time.Second

func main() {
	var (
		configPath    string
		showVersion   bool
		showDashboard bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults are used when empty)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showDashboard, "dashboard", false, "Show a live terminal dashboard of the sessions")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// The dashboard owns the terminal.
	if showDashboard && (cfg.Logging.Output == "stdout" || cfg.Logging.Output == "stderr") {
		cfg.Logging.Output = "playcore.log"
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithField("version", version.GetInfo().Short()).Info("Starting playcore")
	log.WithField("config_path", configPath).Debug("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, showDashboard); err != nil {
		log.WithError(err).Fatal("playcore failed")
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, showDashboard bool) error {
	base := logger.NewLogrusAdapter(logrus.NewEntry(log))

	transport, err := fetch.NewHTTPTransport(cfg.Transport, base)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer transport.Close()

	reg, healthMgr, err := setupRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	// The loop outlives the other components so sessions can be stopped on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	eventLoop := loop.New(0, base)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = eventLoop.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	manager := player.NewManager(player.Config{
		Loop:           eventLoop,
		Settings:       config.NewSettings(cfg.Streaming),
		Transport:      transport,
		RequestTimeout: cfg.Transport.RequestTimeout,
		Logger:         base,
	})

	publisher := registry.NewPublisher(reg, registry.NewInstanceID(), cfg.Registry.HeartbeatInterval, base)
	manager.SetPublisher(publisher)
	g.Go(func() error { return publisher.Run(gctx) })

	for _, sc := range cfg.Sessions {
		if err := manager.Add(gctx, sc); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("failed to start session %s: %w", sc.ID, err)
		}
	}
	log.WithField("sessions", manager.Len()).Info("Sessions started")

	healthMgr.Register(health.NewSessionChecker(manager, health.DefaultStaleAfter))
	g.Go(func() error {
		healthMgr.StartPeriodicChecks(gctx, healthCheckInterval)
		return nil
	})

	if cfg.Server.Enabled {
		srv := server.New(&cfg.Server, log, healthMgr, manager, reg)
		g.Go(func() error { return srv.Start(gctx) })
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics, log) })
	}

	if showDashboard {
		g.Go(func() error {
			err := dashboard.Run(gctx, manager, dashboard.Options{
				StableBufferTime: cfg.Streaming.Buffer.StableBufferTime,
			})
			// Quitting the dashboard stops the process.
			cancel()
			return err
		})
	}

	<-gctx.Done()
	log.Info("Stopping sessions")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := manager.StopAll(stopCtx); err != nil {
		log.WithError(err).Warn("Failed to stop every session")
	}

	return g.Wait()
}

// setupRegistry picks the registry backend and the health checks it needs.
func setupRegistry(ctx context.Context, cfg *config.Config, log *logrus.Logger) (registry.Registry, *health.Manager, error) {
	healthMgr := health.NewManager(log)

	if cfg.Registry.Backend != "redis" {
		log.Info("Using in-memory session registry")
		return registry.NewMemoryRegistry(cfg.Registry.TTL), healthMgr, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addresses[0],
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.WithField("addr", cfg.Redis.Addresses[0]).Info("Connected to Redis")

	healthMgr.Register(health.NewRedisChecker(client))
	return registry.NewRedisRegistry(client, log, cfg.Registry.KeyPrefix, cfg.Registry.TTL), healthMgr, nil
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, log *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.WithField("addr", srv.Addr).Info("Starting metrics server")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
