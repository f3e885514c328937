package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/mariia-hub/booksy-sync/internal/api"
	v0 "github.com/mariia-hub/booksy-sync/internal/api/v0"
	"github.com/mariia-hub/booksy-sync/internal/audit"
	"github.com/mariia-hub/booksy-sync/internal/auth"
	"github.com/mariia-hub/booksy-sync/internal/availability"
	"github.com/mariia-hub/booksy-sync/internal/booking"
	"github.com/mariia-hub/booksy-sync/internal/booksy"
	"github.com/mariia-hub/booksy-sync/internal/config"
	"github.com/mariia-hub/booksy-sync/internal/conflict"
	"github.com/mariia-hub/booksy-sync/internal/consent"
	"github.com/mariia-hub/booksy-sync/internal/db"
	"github.com/mariia-hub/booksy-sync/internal/health"
	"github.com/mariia-hub/booksy-sync/internal/queue"
	pkgsync "github.com/mariia-hub/booksy-sync/internal/sync"
	"github.com/mariia-hub/booksy-sync/internal/sync/coordinator"
	"github.com/mariia-hub/booksy-sync/internal/sync/state"
	"github.com/mariia-hub/booksy-sync/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync engine",
	Long: `Start the sync engine: the per-provider cycle loops, the operation
queue workers, and the HTTP API (admin conflict endpoints, sync status,
audit queries, and the Booksy webhook receiver).

The server requires a configuration file (--config) that lists the
providers to sync, the hub and Booksy endpoints, and the database
connection. See examples/ for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second

	defaultRequestTimeout = 10 * time.Second
	retentionInterval     = 24 * time.Hour
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")
	configPath := viper.GetString("config")

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", configPath,
		"providers", len(cfg.Providers))

	if cfg.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	meterProvider, err := telemetry.NewMeterProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		if sdk, ok := meterProvider.(*sdkmetric.MeterProvider); ok {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sdk.Shutdown(shutdownCtx); err != nil {
				slog.Error("Failed to shut down meter provider", "error", err)
			}
		}
	}()

	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	queueMetrics, err := telemetry.NewQueueMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create queue metrics: %w", err)
	}
	conflictMetrics, err := telemetry.NewConflictMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create conflict metrics: %w", err)
	}

	// Storage layers.
	auditLog := audit.NewDBLog(pool)
	entities := state.NewService(pool)
	idmap := booksy.NewIDMap(pool)
	conflicts := conflict.NewStore(pool)
	windows := availability.NewStore(pool)
	cycles := pkgsync.NewCycleStore(pool)
	queueStore := queue.NewStore(pool, auditLog,
		queue.WithRetryPolicy(retryPolicy(cfg.Queue)))

	// Remote and hub clients.
	apiKey, err := cfg.Booksy.GetAPIKey()
	if err != nil {
		return err
	}
	remote := booksy.NewClient(cfg.Booksy.BaseURL, apiKey,
		booksy.WithTimeout(config.Duration(cfg.Booksy.RequestTimeout, defaultRequestTimeout)),
		booksy.WithRateLimit(cfg.Booksy.RateLimit))
	hub := booking.NewClient(cfg.Hub.BaseURL,
		config.Duration(cfg.Hub.RequestTimeout, defaultRequestTimeout))

	// Consent gate, optionally backed by Redis.
	gateOpts := []consent.GateOption{
		consent.WithCacheTTL(config.Duration(cfg.Consent.CacheTTL, 0)),
	}
	if cfg.Consent.Redis != nil {
		password, err := cfg.Consent.Redis.GetPassword()
		if err != nil {
			return err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Consent.Redis.Addr,
			DB:       cfg.Consent.Redis.DB,
			Password: password,
		})
		defer func() {
			if err := client.Close(); err != nil {
				slog.Error("Failed to close Redis client", "error", err)
			}
		}()
		gateOpts = append(gateOpts, consent.WithCache(consent.NewRedisCache(client)))
	}
	gate := consent.NewGate(consent.NewDBStore(pool), gateOpts...)

	// Conflict resolution and availability reconciliation.
	resolver := conflict.NewResolver(conflicts, queueStore, gate, auditLog,
		conflict.WithResolverMetrics(conflictMetrics))
	reconciler := availability.NewReconciler(windows, conflicts, auditLog,
		availability.WithBuffer(time.Duration(cfg.Availability.BufferMinutes)*time.Minute))

	// Health monitoring. The rate tracker is fed by dispatcher push outcomes.
	remoteRate := health.NewRateTracker(0)
	monitor := health.NewMonitor(queueStore, conflicts, cycles, remoteRate, cfg.Alerts)

	providerBusinesses := make(map[string]string, len(cfg.Providers))
	businessProviders := make(map[string]string, len(cfg.Providers))
	for _, provider := range cfg.Providers {
		providerBusinesses[provider.ID] = provider.BusinessID
		businessProviders[provider.BusinessID] = provider.ID
	}

	dispatcher := pkgsync.NewDispatcher(entities, remote, idmap, hub, gate, conflicts,
		auditLog, providerBusinesses,
		pkgsync.WithDispatcherMetrics(syncMetrics),
		pkgsync.WithRemoteObserver(remoteRate))

	manager := pkgsync.NewManager(providerBusinesses, hub, remote, entities,
		gate, queueStore, conflicts, resolver, reconciler, windows, cycles, auditLog,
		pkgsync.WithManagerMetrics(syncMetrics))

	syncCoordinator := coordinator.New(manager, cfg.Providers)

	// Queue worker pool paced against the remote rate budget.
	workers := queue.NewPool(queueStore, dispatcher,
		queue.WithWorkers(cfg.Queue.Workers),
		queue.WithLease(config.Duration(cfg.Queue.LeaseDuration, 0)),
		queue.WithPollInterval(config.Duration(cfg.Queue.PollInterval, 0)),
		queue.WithBudget(remote.Budget()),
		queue.WithMetrics(queueMetrics))

	// Webhook receiver.
	webhookSecret, err := cfg.Booksy.GetWebhookSecret()
	if err != nil {
		return err
	}
	verifier, err := booksy.NewWebhookVerifier(webhookSecret)
	if err != nil {
		return fmt.Errorf("failed to create webhook verifier: %w", err)
	}
	webhook := v0.NewWebhook(verifier, entities, queueStore, auditLog,
		syncCoordinator, businessProviders)

	routes := v0.NewRoutes(conflicts, resolver, cycles, monitor, windows, auditLog, syncCoordinator)

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware,
		),
	}
	if cfg.AdminAuth != nil {
		secret, err := cfg.AdminAuth.GetSecret()
		if err != nil {
			return err
		}
		adminAuth, err := auth.NewMiddleware([]byte(secret), auth.WithRealm(cfg.AdminAuth.Realm))
		if err != nil {
			return fmt.Errorf("failed to create admin auth middleware: %w", err)
		}
		serverOpts = append(serverOpts, api.WithAdminAuth(adminAuth.Handler))
	} else {
		slog.Warn("Admin API authentication is disabled")
	}

	router := api.NewServer(routes, webhook, serverOpts...)

	// Background loops: cycle coordinator, queue workers, audit pruning.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go func() {
		if err := syncCoordinator.Start(bgCtx); err != nil {
			slog.Error("Sync coordinator failed", "error", err)
		}
	}()
	go workers.Run(bgCtx)
	if cfg.Audit.RetentionDays > 0 {
		providerIDs := make([]string, 0, len(cfg.Providers))
		for _, provider := range cfg.Providers {
			providerIDs = append(providerIDs, provider.ID)
		}
		go retentionLoop(bgCtx, auditLog, entities, providerIDs,
			time.Duration(cfg.Audit.RetentionDays)*24*time.Hour)
	}

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down...")

	if err := syncCoordinator.Stop(); err != nil {
		slog.Error("Failed to stop sync coordinator", "error", err)
	}
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Shutdown complete")
	return nil
}

// retryPolicy maps queue config onto the store's backoff policy, keeping
// defaults for anything unset.
func retryPolicy(cfg config.QueueConfig) queue.RetryPolicy {
	policy := queue.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	policy.Base = config.Duration(cfg.BaseBackoff, policy.Base)
	policy.Max = config.Duration(cfg.MaxBackoff, policy.Max)
	return policy
}

// retentionLoop enforces the compliance window once a day: audit entries
// past it are deleted, and converged entities untouched for the whole
// window are archived out of the active set.
func retentionLoop(ctx context.Context, log audit.Log, entities state.Service, providerIDs []string, retention time.Duration) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := log.Prune(ctx, retention)
			if err != nil {
				slog.Error("Failed to prune audit log", "error", err)
			} else if pruned > 0 {
				slog.Info("Pruned audit entries", "count", pruned)
			}

			archived, err := state.ArchiveConverged(ctx, entities, providerIDs, retention, time.Now())
			if err != nil {
				slog.Error("Failed to archive converged entities", "error", err)
				continue
			}
			if archived > 0 {
				slog.Info("Archived converged entities", "count", archived)
			}
		}
	}
}
