package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/voicelane/voicelane/internal/api/router"
	"github.com/voicelane/voicelane/internal/balance"
	"github.com/voicelane/voicelane/internal/billing"
	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/internal/campaign"
	appconfig "github.com/voicelane/voicelane/internal/config"
	"github.com/voicelane/voicelane/internal/contacts"
	"github.com/voicelane/voicelane/internal/http/handlers"
	"github.com/voicelane/voicelane/internal/observability/metrics"
	"github.com/voicelane/voicelane/internal/provider"
	"github.com/voicelane/voicelane/internal/tenants"
	"github.com/voicelane/voicelane/internal/warmup"
	"github.com/voicelane/voicelane/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voicelane API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	containerID := containerIdentity()
	logger.Info("container identity assigned", "container_id", containerID)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("postgres unreachable", "error", err)
		os.Exit(1)
	}

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	// Metrics registry with runtime collectors; served on /metrics.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	registry, err := buildDrivers(cfg, logger)
	if err != nil {
		logger.Error("voice provider setup failed", "error", err)
		os.Exit(1)
	}

	// Stores.
	callStore := calls.NewStore(pool)
	contactStore := contacts.NewStore(pool)
	campaignStore := campaign.NewStore(pool)
	tenantStore := tenants.NewStore(pool)
	billingStore := billing.NewStore(pool)

	admission := calls.NewAdmission(pool, calls.AdmissionConfig{
		GlobalMaxCalls: cfg.GlobalMaxCalls,
		RetryDelay:     cfg.AdmissionRetryDelay,
		Timeout:        cfg.AdmissionTimeout,
	}, logger)

	stream := balance.NewStream(rdb, containerID, logger)
	go func() {
		if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("balance stream stopped", "error", err)
		}
	}()

	engine := billing.NewEngine(pool, billingStore, tenantStore, stream, cfg.IncomingAggregationTime, logger)

	warmer := warmup.NewClient(warmup.Config{
		Timeout: cfg.WarmupTimeout,
		Retries: cfg.WarmupRetries,
	}, logger)

	ctrl := campaign.NewController(campaignStore, contactStore, tenantStore, engine,
		containerID, cfg.EstimatedCallDuration, logger)
	beater := campaign.NewBeater(campaignStore, containerID, cfg.HeartbeatInterval, logger)
	runner := campaign.NewRunner(campaignStore, ctrl, tenantStore, contactStore, callStore,
		admission, registry, warmer, beater, m, campaign.RunnerConfig{
			MaxCallsPerMinute:  cfg.MaxCallsPerMinute,
			SubsequentCallWait: cfg.SubsequentCallWait,
			DefaultTenantCap:   cfg.DefaultMaxConcurrent,
			WarmupDisabled:     cfg.WarmupDisabled,
		}, logger)
	manager := campaign.NewManager(ctx, runner, logger)
	ctrl.SetSpawner(manager)

	scheduler := campaign.NewScheduler(campaignStore, ctrl, cfg.SchedulerInterval, logger)
	go scheduler.Run(ctx)

	supervisor := campaign.NewSupervisor(campaignStore, manager, callStore, containerID,
		campaign.SupervisorConfig{
			OrphanThreshold:    cfg.OrphanThreshold,
			StaleCallThreshold: cfg.StaleCallThreshold,
			ShutdownGrace:      cfg.ShutdownGrace,
		}, logger)
	go supervisor.Run(ctx)

	// Handlers.
	webhookHandler := handlers.NewWebhookHandler(registry, callStore, campaignStore, engine, m, logger)
	campaignHandler := handlers.NewCampaignHandler(ctrl, campaignStore, callStore, warmer, logger)
	tenantHandler := handlers.NewTenantHandler(billingStore, engine, logger)
	testCallHandler := handlers.NewTestCallHandler(admission, registry, callStore, cfg.DefaultMaxConcurrent, logger)
	balanceHandler := balance.NewHandler(stream, tenantStore, logger)

	r := router.New(&router.Config{
		Logger:               logger,
		Webhooks:             webhookHandler,
		Campaigns:            campaignHandler,
		Tenants:              tenantHandler,
		TestCall:             testCallHandler,
		BalanceStream:        balanceHandler,
		MetricsHandler:       promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		CORSAllowedOrigins:   cfg.CORSAllowedOrigins,
		WebhookRatePerSecond: cfg.WebhookRatePerSecond,
		WebhookBurst:         cfg.WebhookBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop the dial loops, then release heartbeats so a peer can adopt
	// whatever did not finish inside the grace window.
	cancel()
	supervisor.Shutdown(manager.Wait)

	logger.Info("server stopped")
}

// buildDrivers registers a driver per configured credential set and pins
// the default from VOICE_PROVIDER unless it is "auto".
func buildDrivers(cfg *appconfig.Config, logger *logging.Logger) (*provider.Registry, error) {
	var drivers []provider.Driver
	if cfg.PlivoAuthID != "" && cfg.PlivoAuthToken != "" {
		drivers = append(drivers, provider.NewPlivoDriver(cfg.PlivoAuthID, cfg.PlivoAuthToken, cfg.PublicBaseURL, logger))
	}
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		drivers = append(drivers, provider.NewTwilioDriver(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.PublicBaseURL, logger))
	}
	if len(drivers) == 0 {
		return nil, errors.New("no voice provider credentials configured")
	}
	var defaultName provider.Name
	if cfg.VoiceProvider != "" && cfg.VoiceProvider != "auto" {
		defaultName = provider.Name(cfg.VoiceProvider)
	}
	return provider.NewRegistry(defaultName, drivers...), nil
}

// containerIdentity builds the heartbeat owner id. Hostname keeps it
// readable in the DB; the uuid suffix keeps restarts distinct.
func containerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "voicelane"
	}
	return host + "-" + strings.Split(uuid.NewString(), "-")[0]
}
