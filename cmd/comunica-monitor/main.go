// Package main wires together the monitor service binary.
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

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/api"
	"github.com/advtrack/comunica-monitor/internal/clock/system"
	"github.com/advtrack/comunica-monitor/internal/config"
	"github.com/advtrack/comunica-monitor/internal/dispatcher"
	"github.com/advtrack/comunica-monitor/internal/id/uuid"
	"github.com/advtrack/comunica-monitor/internal/logging"
	"github.com/advtrack/comunica-monitor/internal/metrics"
	"github.com/advtrack/comunica-monitor/internal/monitor"
	"github.com/advtrack/comunica-monitor/internal/notify"
	"github.com/advtrack/comunica-monitor/internal/policy/ratelimit"
	"github.com/advtrack/comunica-monitor/internal/proxy"
	memorypublisher "github.com/advtrack/comunica-monitor/internal/publisher/memory"
	pubsubpublisher "github.com/advtrack/comunica-monitor/internal/publisher/pubsub"
	queuememory "github.com/advtrack/comunica-monitor/internal/queue/memory"
	"github.com/advtrack/comunica-monitor/internal/retention"
	"github.com/advtrack/comunica-monitor/internal/scheduler"
	"github.com/advtrack/comunica-monitor/internal/scrape"
	"github.com/advtrack/comunica-monitor/internal/storage/gcs"
	memorystorage "github.com/advtrack/comunica-monitor/internal/storage/memory"
	"github.com/advtrack/comunica-monitor/internal/storage/postgres"
	"github.com/advtrack/comunica-monitor/internal/worker"
)

// stores groups the persistence interfaces so the memory and postgres
// backends can be swapped as one unit.
type stores struct {
	subs    monitor.SubscriptionStore
	records monitor.RecordStore
	runs    monitor.RunStore
	proxies monitor.ProxyStore
	alerts  monitor.AlertStore
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	st, cleanup, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer cleanup()

	snapshots, err := buildSnapshotStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("snapshot store init failed", zap.Error(err))
	}

	publisher, pubCleanup, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer pubCleanup()

	queue := queuememory.NewQueue(cfg.Scrape.QueueDepth)

	pool := proxy.NewPool(st.proxies, st.alerts, queue, clock, idGen, proxy.Config{
		FailureThreshold:      cfg.Proxy.FailureThreshold,
		ProvisionReplacements: cfg.Proxy.ProvisionerURL != "",
	}, logger.Named("proxy"))

	prober := proxy.NewProber(st.proxies, clock, proxy.ProberConfig{
		ProbeURL:  cfg.Proxy.ProbeURL,
		UserAgent: cfg.Target.UserAgent,
	}, logger.Named("prober"))

	var provisioner monitor.Provisioner
	if cfg.Proxy.ProvisionerURL != "" {
		provisioner = proxy.NewHTTPProvisioner(cfg.Proxy.ProvisionerURL, cfg.Proxy.ProvisionerKey, 0)
	}

	session := scrape.NewSession(pool, st.alerts, snapshots, clock, idGen, scrape.SessionConfig{
		TargetURL:        cfg.Target.URL,
		APIPath:          cfg.Target.APIPath,
		UserAgent:        cfg.Target.UserAgent,
		SessionTimeout:   cfg.SessionTimeout(),
		SettleDelay:      time.Duration(cfg.Scrape.SettleDelaySec) * time.Second,
		MaxAPIPages:      cfg.Scrape.MaxAPIPages,
		MaxFallbackPages: cfg.Scrape.MaxFallbackPages,
	}, logger.Named("scrape"))

	scraper := scrape.NewBlockScheduler(session, scrape.BlockSchedulerConfig{
		WindowMonths: cfg.Scrape.BlockWindowMonths,
		DelayMin:     time.Duration(cfg.Scrape.BlockDelayMinSec) * time.Second,
		DelayMax:     time.Duration(cfg.Scrape.BlockDelayMaxSec) * time.Second,
	}, logger.Named("blocks"))

	limiter := ratelimit.New(ratelimit.Config{
		SessionsPerMinute: cfg.Scrape.SessionsPerMinute,
	})

	notifier := notify.NewNotifier(nil, st.records, st.alerts, clock, idGen, notify.Config{
		Secret:         cfg.Delivery.Secret,
		PerRecordDelay: time.Duration(cfg.Delivery.PerRecordDelayMs) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.Delivery.RequestTimeoutSec) * time.Second,
	}, logger.Named("notify"))

	enforcer := retention.NewEnforcer(st.records, cfg.Sync.RetentionKeepCount, logger.Named("retention"))

	workerCfg := worker.Config{
		Topic:        cfg.PubSub.TopicName,
		MaxAttempts:  cfg.Scrape.MaxAttempts,
		RetryBase:    time.Duration(cfg.Scrape.RetryBaseSec) * time.Second,
		RetryMax:     time.Duration(cfg.Scrape.RetryMaxSec) * time.Second,
		PendingBatch: cfg.Delivery.PendingBatch,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Scrape.Workers; i++ {
		workers = append(workers, worker.New(
			queue,
			st.subs,
			st.runs,
			st.records,
			scraper,
			notifier,
			enforcer,
			publisher,
			provisioner,
			limiter,
			clock,
			idGen,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	sched := scheduler.New(st.subs, st.runs, st.proxies, st.alerts, queue, prober, enforcer, clock, idGen, scheduler.Config{
		SyncCheck:      time.Duration(cfg.Sync.CheckEverySec) * time.Second,
		SyncEvery:      time.Duration(cfg.Sync.SyncEveryHours) * time.Hour,
		LookbackYears:  cfg.Sync.LookbackYears,
		ProbeEvery:     time.Duration(cfg.Proxy.ProbeEverySec) * time.Second,
		AlertRetention: time.Duration(cfg.Sync.AlertRetentionDays) * 24 * time.Hour,
	}, logger.Named("scheduler"))

	apiServer := api.NewServer(
		st.subs, st.runs, st.records, st.proxies, st.alerts,
		dispatch, idGen, clock, cfg, logger.Named("api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("scheduler started")
		sched.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
}

// buildStores selects the postgres backend when a DSN is configured and the
// in-memory one otherwise.
func buildStores(ctx context.Context, cfg config.Config) (stores, func(), error) {
	if cfg.DB.DSN == "" {
		return stores{
			subs:    memorystorage.NewSubscriptionStore(),
			records: memorystorage.NewRecordStore(),
			runs:    memorystorage.NewRunStore(),
			proxies: memorystorage.NewProxyStore(),
			alerts:  memorystorage.NewAlertStore(),
		}, func() {}, nil
	}
	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return stores{}, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return stores{
		subs:    postgres.NewSubscriptionStore(pool),
		records: postgres.NewRecordStore(pool),
		runs:    postgres.NewRunStore(pool),
		proxies: postgres.NewProxyStore(pool),
		alerts:  postgres.NewAlertStore(pool),
	}, pool.Close, nil
}

func buildSnapshotStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (monitor.SnapshotStore, error) {
	if cfg.Storage.GCSBucket == "" {
		logger.Info("snapshot storage in memory, set storage.gcs_bucket for persistence")
		return memorystorage.NewSnapshotStore(), nil
	}
	client, err := gcsclient.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	store, err := gcs.New(client, gcs.Config{
		Bucket: cfg.Storage.GCSBucket,
		Prefix: cfg.Storage.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (monitor.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Info("completion events kept in memory, set pubsub.project_id to publish")
		return memorypublisher.New(), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	return pub, func() {
		pub.Close()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}, nil
}
