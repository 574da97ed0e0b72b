// Package scheduler drives the periodic maintenance loops: queuing due
// subscription syncs, resetting proxy usage counters, probing idle endpoints
// and pruning stale alerts.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// EndpointProber re-checks endpoints that stopped working.
type EndpointProber interface {
	ProbeAll(ctx context.Context)
}

// RetentionSweeper trims every case of a subscription to the keep bound.
type RetentionSweeper interface {
	EnforceSubscription(ctx context.Context, subscriptionID string) (int, error)
}

// Config controls the scheduler cadences.
type Config struct {
	// SyncCheck is how often due subscriptions are polled for.
	SyncCheck time.Duration
	// SyncEvery is how old a subscription's last sync must be to become due.
	SyncEvery time.Duration
	// LookbackYears is how far back each queued run reaches.
	LookbackYears int
	// ProbeEvery is the endpoint probe cadence. Zero disables probing.
	ProbeEvery time.Duration
	// AlertRetention is how long resolved alerts are kept.
	AlertRetention time.Duration
	// ScrapePriority and ResendPriority order queued work.
	ScrapePriority int
	ResendPriority int
}

func (c *Config) applyDefaults() {
	if c.SyncCheck <= 0 {
		c.SyncCheck = time.Minute
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = 24 * time.Hour
	}
	if c.LookbackYears <= 0 {
		c.LookbackYears = 5
	}
	if c.AlertRetention <= 0 {
		c.AlertRetention = 30 * 24 * time.Hour
	}
	if c.ScrapePriority == 0 {
		c.ScrapePriority = 5
	}
	if c.ResendPriority == 0 {
		c.ResendPriority = 3
	}
}

// Scheduler runs the periodic loops until its context finishes.
type Scheduler struct {
	subs    monitor.SubscriptionStore
	runs    monitor.RunStore
	proxies monitor.ProxyStore
	alerts  monitor.AlertStore
	queue   monitor.Queue
	prober  EndpointProber
	sweeper RetentionSweeper
	clock   monitor.Clock
	idGen   monitor.IDGenerator
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(
	subs monitor.SubscriptionStore,
	runs monitor.RunStore,
	proxies monitor.ProxyStore,
	alerts monitor.AlertStore,
	queue monitor.Queue,
	prober EndpointProber,
	sweeper RetentionSweeper,
	clock monitor.Clock,
	idGen monitor.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		subs:    subs,
		runs:    runs,
		proxies: proxies,
		alerts:  alerts,
		queue:   queue,
		prober:  prober,
		sweeper: sweeper,
		clock:   clock,
		idGen:   idGen,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks, firing each loop on its own cadence until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	syncTicker := time.NewTicker(s.cfg.SyncCheck)
	defer syncTicker.Stop()
	hourTicker := time.NewTicker(time.Hour)
	defer hourTicker.Stop()

	var probeC <-chan time.Time
	if s.prober != nil && s.cfg.ProbeEvery > 0 {
		probeTicker := time.NewTicker(s.cfg.ProbeEvery)
		defer probeTicker.Stop()
		probeC = probeTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			if err := s.QueueDueSubscriptions(ctx); err != nil {
				s.logger.Error("due subscription sweep failed", zap.Error(err))
			}
		case <-hourTicker.C:
			s.hourlyMaintenance(ctx)
		case <-probeC:
			s.prober.ProbeAll(ctx)
		}
	}
}

// QueueDueSubscriptions creates a pending run for every subscription whose
// last sync is older than the sync period, plus a lower priority resend task
// to retry undelivered records.
func (s *Scheduler) QueueDueSubscriptions(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.subs.ListDue(ctx, now.Add(-s.cfg.SyncEvery))
	if err != nil {
		return fmt.Errorf("list due subscriptions: %w", err)
	}

	for _, sub := range due {
		if !sub.Active || !sub.SyncEnabled {
			continue
		}
		if err := s.QueueSync(ctx, sub); err != nil {
			s.logger.Error("sync queue failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		s.queueResend(ctx, sub)
	}
	return nil
}

// QueueSync creates pending runs over the lookback range and enqueues a
// scrape task per run. A subscription with court filters gets one run per
// court so each query carries its filter; without filters a single unfiltered
// run covers everything.
func (s *Scheduler) QueueSync(ctx context.Context, sub monitor.Subscription) error {
	courts := sub.CourtFilters
	if len(courts) == 0 {
		courts = []string{""}
	}
	for _, court := range courts {
		if err := s.queueSyncRun(ctx, sub, court); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) queueSyncRun(ctx context.Context, sub monitor.Subscription, courtCode string) error {
	now := s.clock.Now()
	runID, err := s.idGen.NewID()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	taskID, err := s.idGen.NewID()
	if err != nil {
		return fmt.Errorf("task id: %w", err)
	}

	run := monitor.ScrapeRun{
		ID:             runID,
		SubscriptionID: sub.ID,
		StartDate:      now.AddDate(-s.cfg.LookbackYears, 0, 0),
		EndDate:        now,
		CourtCode:      courtCode,
		Status:         monitor.RunStatusPending,
		CreatedAt:      now,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	err = s.queue.Enqueue(ctx, monitor.Task{
		ID:        taskID,
		Kind:      monitor.TaskScrape,
		Priority:  s.cfg.ScrapePriority,
		Payload:   monitor.TaskPayload{RunID: run.ID, SubscriptionID: sub.ID},
		Submitted: now.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("enqueue scrape: %w", err)
	}

	s.logger.Info("sync queued",
		zap.String("subscription_id", sub.ID),
		zap.String("run_id", run.ID),
		zap.String("court_code", courtCode),
		zap.Time("start", run.StartDate),
		zap.Time("end", run.EndDate),
	)
	return nil
}

func (s *Scheduler) queueResend(ctx context.Context, sub monitor.Subscription) {
	if sub.CallbackURL == "" {
		return
	}
	taskID, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("resend task id failed", zap.Error(err))
		return
	}
	err = s.queue.Enqueue(ctx, monitor.Task{
		ID:        taskID,
		Kind:      monitor.TaskResend,
		Priority:  s.cfg.ResendPriority,
		Payload:   monitor.TaskPayload{SubscriptionID: sub.ID},
		Submitted: s.clock.Now().UnixNano(),
	})
	if err != nil {
		s.logger.Error("resend enqueue failed", zap.String("subscription_id", sub.ID), zap.Error(err))
	}
}

func (s *Scheduler) hourlyMaintenance(ctx context.Context) {
	if err := s.proxies.ResetHourlyCounters(ctx); err != nil {
		s.logger.Error("hourly counter reset failed", zap.Error(err))
	}

	cutoff := s.clock.Now().Add(-s.cfg.AlertRetention)
	pruned, err := s.alerts.PruneResolved(ctx, cutoff)
	if err != nil {
		s.logger.Error("alert prune failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		s.logger.Info("resolved alerts pruned", zap.Int("count", pruned))
	}

	s.sweepRetention(ctx)
}

// sweepRetention re-enforces the per-case bound across every active
// subscription, catching cases a lowered keep count or a missed trim left
// over the limit.
func (s *Scheduler) sweepRetention(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	subs, err := s.subs.ListDue(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("retention sweep subscription list failed", zap.Error(err))
		return
	}
	total := 0
	for _, sub := range subs {
		deleted, err := s.sweeper.EnforceSubscription(ctx, sub.ID)
		if err != nil {
			s.logger.Warn("retention sweep failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		total += deleted
	}
	if total > 0 {
		s.logger.Info("retention sweep trimmed records", zap.Int("deleted", total))
	}
}
