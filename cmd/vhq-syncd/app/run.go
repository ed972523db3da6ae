package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/venuehq/sync-engine/internal/api"
	"github.com/venuehq/sync-engine/internal/apiclient"
	"github.com/venuehq/sync-engine/internal/cache"
	"github.com/venuehq/sync-engine/internal/config"
	"github.com/venuehq/sync-engine/internal/engine"
	"github.com/venuehq/sync-engine/internal/health"
	"github.com/venuehq/sync-engine/internal/logger"
	"github.com/venuehq/sync-engine/internal/queue"
	"github.com/venuehq/sync-engine/internal/ratelimit"
	"github.com/venuehq/sync-engine/internal/reconcile"
	"github.com/venuehq/sync-engine/internal/store"
	"github.com/venuehq/sync-engine/internal/telemetry"
	"github.com/venuehq/sync-engine/internal/versions"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync engine daemon",
	Long: `Start the sync engine daemon.

The daemon requires a configuration file (--config) that specifies:
- the backend API base URL
- the durable storage backend (file or sqlite) and its path
- the synchronized domains and their staleness tolerances

See examples/ directory for sample configurations.`,
	RunE: runDaemon,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	runCmd.Flags().String("address", "127.0.0.1:8321", "Address the local status API listens on")
	runCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", runCmd.Flags().Lookup("address")); err != nil {
		fmt.Printf("Error binding address flag: %v\n", err)
	}
	if err := viper.BindPFlag("config", runCmd.Flags().Lookup("config")); err != nil {
		fmt.Printf("Error binding config flag: %v\n", err)
	}

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		fmt.Printf("Error marking config flag as required: %v\n", err)
	}
}

func runDaemon(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	defer logger.Sync()

	address := viper.GetString("address")
	configPath := viper.GetString("config")

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Infof("Loaded configuration from %s (backend: %s, %d domains)",
		configPath, cfg.API.BaseURL, len(cfg.Domains))

	meterProvider, err := telemetry.NewMeterProvider("vhq-syncd", versions.GetVersionInfo().Version)
	if err != nil {
		logger.Warnf("Failed to initialize metrics, continuing without: %v", err)
	}
	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		logger.Warnf("Failed to create sync metrics: %v", err)
	}
	queueMetrics, err := telemetry.NewQueueMetrics(meterProvider)
	if err != nil {
		logger.Warnf("Failed to create queue metrics: %v", err)
	}

	st, err := store.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to open durable store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Errorf("Failed to close store: %v", err)
		}
	}()

	snapshots := cache.New(st)

	monitor := health.NewMonitor(health.Config{
		FailureThreshold:  cfg.FailureThreshold(),
		SuspensionWindow:  cfg.SuspensionWindow(),
		EnforceSuspension: cfg.EnforceSuspension(),
	}, st)

	limiter := ratelimit.NewLimiter(cfg.RateLimitAttempts(), cfg.RateLimitWindow())

	// The session starts active; a 401 storm from the backend forces logout
	// and stops sync passes until the daemon restarts with fresh credentials.
	var sessionActive atomic.Bool
	sessionActive.Store(true)
	client := apiclient.NewDefaultClient(cfg.API.BaseURL, cfg.APITimeout(), monitor,
		apiclient.WithLogoutCallback(func() {
			sessionActive.Store(false)
			logger.Warnf("Session invalidated by the backend; sync is paused until restart")
		}),
	)

	q, err := queue.NewQueue(ctx, st)
	if err != nil {
		return fmt.Errorf("failed to restore command queue: %w", err)
	}
	errorLog := queue.NewErrorLog()

	// The processor reads connectivity through the engine; eng is assigned
	// before any drain pass can run.
	var eng *engine.Engine
	processor := queue.NewProcessor(q, client, errorLog,
		cfg.MaxRetries(), cfg.RetryDelay(),
		func() bool { return eng != nil && eng.Online() },
		queue.WithQueueMetrics(queueMetrics),
	)

	domains := make([]reconcile.Domain, 0, len(cfg.Domains))
	for _, d := range cfg.Domains {
		domains = append(domains, reconcile.Domain{
			Name: d.Name,
			Path: d.Path,
			TTL:  cfg.DomainTTL(d.Name),
		})
	}

	reconciler := reconcile.New(snapshots, client,
		cfg.FullSyncLookback(), cfg.FullSyncHorizon(),
		reconcile.WithSyncMetrics(syncMetrics),
		reconcile.WithTracer(otel.Tracer("vhq-syncd")),
	)

	eng = engine.New(snapshots, reconciler, q, processor, errorLog, monitor, limiter,
		domains, sessionActive.Load, cfg.MinSyncInterval(), cfg.QueueDrainInterval())

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	go func() {
		if err := eng.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("Engine loop failed: %v", err)
		}
	}()

	router := api.NewServer(eng,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infof("Local API listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start local API server: %v", err)
		}
	}()

	// Kick off the first sync pass now that everything is wired
	eng.NotifyAppForegrounded()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("Shutting down...")

	engineCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Infof("Shutdown complete")
	return nil
}
