// Package worker implements the scrape pipeline execution loop.
package worker

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/metrics"
	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// RetentionEnforcer trims a case down to the configured keep count.
type RetentionEnforcer interface {
	EnforceCase(ctx context.Context, subscriptionID, caseNumber string) (int, error)
}

// StartLimiter gates session starts.
type StartLimiter interface {
	Wait(ctx context.Context) error
}

// Config controls Worker behavior.
type Config struct {
	// Topic is the completion event topic. Empty disables publishing.
	Topic string
	// MaxAttempts bounds scrape retries. An attempt that fails below the bound
	// schedules a fresh run.
	MaxAttempts int
	// RetryBase and RetryMax bound the exponential backoff between attempts.
	RetryBase time.Duration
	RetryMax  time.Duration
	// PendingBatch is how many undelivered records a resend sweep picks up.
	PendingBatch int
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Minute
	}
	if c.PendingBatch < 1 {
		c.PendingBatch = 100
	}
}

// Worker consumes queued tasks and executes the scrape pipeline.
type Worker struct {
	queue       monitor.Queue
	subs        monitor.SubscriptionStore
	runs        monitor.RunStore
	records     monitor.RecordStore
	scraper     monitor.Scraper
	notifier    monitor.Notifier
	retention   RetentionEnforcer
	publisher   monitor.Publisher
	provisioner monitor.Provisioner
	limiter     StartLimiter
	clock       monitor.Clock
	idGen       monitor.IDGenerator
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Worker.
func New(
	queue monitor.Queue,
	subs monitor.SubscriptionStore,
	runs monitor.RunStore,
	records monitor.RecordStore,
	scraper monitor.Scraper,
	notifier monitor.Notifier,
	retention RetentionEnforcer,
	publisher monitor.Publisher,
	provisioner monitor.Provisioner,
	limiter StartLimiter,
	clock monitor.Clock,
	idGen monitor.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	cfg.applyDefaults()
	return &Worker{
		queue:       queue,
		subs:        subs,
		runs:        runs,
		records:     records,
		scraper:     scraper,
		notifier:    notifier,
		retention:   retention,
		publisher:   publisher,
		provisioner: provisioner,
		limiter:     limiter,
		clock:       clock,
		idGen:       idGen,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", task.ID), zap.String("kind", string(task.Kind)))

		metrics.IncActiveWorkers()
		w.processTask(ctx, task)
		metrics.DecActiveWorkers()
	}
}

func (w *Worker) processTask(ctx context.Context, task monitor.Task) {
	switch task.Kind {
	case monitor.TaskScrape:
		w.processScrape(ctx, task)
	case monitor.TaskProxyReplace:
		w.processProxyReplace(ctx, task)
	case monitor.TaskResend:
		w.processResend(ctx, task)
	default:
		w.logger.Error("unknown task kind", zap.String("task_id", task.ID), zap.String("kind", string(task.Kind)))
	}
}

func (w *Worker) processScrape(ctx context.Context, task monitor.Task) {
	run, err := w.runs.Get(ctx, task.Payload.RunID)
	if err != nil {
		w.logger.Error("run load failed", zap.String("run_id", task.Payload.RunID), zap.Error(err))
		return
	}
	sub, err := w.subs.Get(ctx, run.SubscriptionID)
	if err != nil {
		w.finishRun(ctx, run, monitor.RunStatusError, fmt.Sprintf("subscription load: %v", err))
		return
	}

	started := w.clock.Now()
	run.Status = monitor.RunStatusRunning
	run.StartedAt = &started
	run.Attempt = task.Attempt
	if err := w.runs.Update(ctx, run); err != nil {
		w.logger.Error("run status update failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			w.finishRun(ctx, run, monitor.RunStatusError, err.Error())
			return
		}
	}

	result, scrapeErr := w.scraper.Scrape(ctx, monitor.ScrapeRequest{
		LawyerName: sub.Name,
		Start:      run.StartDate,
		End:        run.EndDate,
		CourtCode:  run.CourtCode,
	})
	run.Telemetry = result.Telemetry
	run.BlockErrors = result.BlockErrors
	run.SnapshotURI = result.SnapshotURI
	run.Found = len(result.Records)
	if result.Telemetry.CaptchaDetected {
		metrics.ObserveCaptcha()
	}

	if scrapeErr != nil {
		w.finishRun(ctx, run, monitor.RunStatusError, scrapeErr.Error())
		w.maybeRetry(ctx, run, task)
		return
	}

	inserted := w.insertRecords(ctx, sub, result.Records)
	run.New = len(inserted)

	if len(inserted) > 0 {
		report := w.notifier.Deliver(ctx, sub, inserted)
		w.observeDelivery(report)
	}

	w.updateSubscription(ctx, sub, len(inserted))
	w.finishRun(ctx, run, monitor.RunStatusDone, "")
}

// insertRecords persists records whose case and content are not already known,
// trimming each touched case afterwards. A per-record failure skips that record
// and continues.
func (w *Worker) insertRecords(ctx context.Context, sub monitor.Subscription, scraped []monitor.ScrapedRecord) []monitor.PublicationRecord {
	var inserted []monitor.PublicationRecord
	touched := make(map[string]struct{})

	for _, rec := range scraped {
		known, err := w.records.CaseExists(ctx, sub.ID, rec.CaseNumber)
		if err != nil {
			w.logger.Error("case lookup failed", zap.String("case_number", rec.CaseNumber), zap.Error(err))
			continue
		}
		if known {
			dup, err := w.isDuplicate(ctx, sub.ID, rec)
			if err != nil {
				w.logger.Error("duplicate check failed", zap.String("case_number", rec.CaseNumber), zap.Error(err))
				continue
			}
			if dup {
				continue
			}
		}

		id, err := w.idGen.NewID()
		if err != nil {
			w.logger.Error("id generation failed", zap.Error(err))
			continue
		}
		record := monitor.PublicationRecord{
			ID:                id,
			SubscriptionID:    sub.ID,
			CaseNumber:        rec.CaseNumber,
			CourtCode:         rec.CourtCode,
			PublicationDate:   rec.PublicationDate,
			CommunicationType: rec.CommunicationType,
			RawText:           rec.RawText,
			CleanText:         rec.CleanText,
			Fields:            rec.Fields,
			DeliveryStatus:    monitor.DeliveryNew,
			InsertedAt:        w.clock.Now(),
		}
		if err := w.records.Insert(ctx, record); err != nil {
			w.logger.Error("record insert failed", zap.String("case_number", rec.CaseNumber), zap.Error(err))
			continue
		}
		inserted = append(inserted, record)
		touched[rec.CaseNumber] = struct{}{}
	}

	for caseNumber := range touched {
		deleted, err := w.retention.EnforceCase(ctx, sub.ID, caseNumber)
		if err != nil {
			w.logger.Warn("retention trim failed", zap.String("case_number", caseNumber), zap.Error(err))
			continue
		}
		metrics.ObserveRetention(deleted)
	}
	return inserted
}

// isDuplicate reports whether an equivalent publication is already stored for
// the case.
func (w *Worker) isDuplicate(ctx context.Context, subscriptionID string, rec monitor.ScrapedRecord) (bool, error) {
	existing, err := w.records.ListByCase(ctx, subscriptionID, rec.CaseNumber)
	if err != nil {
		return false, fmt.Errorf("list case records: %w", err)
	}
	for _, have := range existing {
		if have.PublicationDate.Equal(rec.PublicationDate) &&
			have.CommunicationType == rec.CommunicationType &&
			have.CleanText == rec.CleanText {
			return true, nil
		}
	}
	return false, nil
}

func (w *Worker) updateSubscription(ctx context.Context, sub monitor.Subscription, inserted int) {
	now := w.clock.Now()
	sub.LastSyncAt = &now
	sub.TotalRecords += int64(inserted)
	if sub.NewLawyer {
		// First successful sync covers the historical range.
		sub.NewLawyer = false
		sub.TotalHistory = sub.TotalRecords
	}
	if err := w.subs.Update(ctx, sub); err != nil {
		w.logger.Error("subscription update failed", zap.String("subscription_id", sub.ID), zap.Error(err))
	}
}

func (w *Worker) finishRun(ctx context.Context, run monitor.ScrapeRun, status monitor.RunStatus, errText string) {
	now := w.clock.Now()
	run.Status = status
	run.ErrorText = errText
	run.FinishedAt = &now
	if err := w.runs.Update(ctx, run); err != nil {
		w.logger.Error("final run update failed", zap.String("run_id", run.ID), zap.Error(err))
	}

	duration := time.Duration(0)
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt)
	}
	metrics.ObserveRun(string(status), run.Found, run.New, duration)
	w.publishCompletion(ctx, run)

	w.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("subscription_id", run.SubscriptionID),
		zap.String("status", string(status)),
		zap.Int("found", run.Found),
		zap.Int("new", run.New),
	)
}

func (w *Worker) publishCompletion(ctx context.Context, run monitor.ScrapeRun) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"run_id":          run.ID,
		"subscription_id": run.SubscriptionID,
		"status":          string(run.Status),
		"found":           run.Found,
		"new":             run.New,
		"timestamp":       w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("completion publish failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// maybeRetry schedules a fresh run when the failed attempt is below the bound.
// Finished runs are terminal, so the retry gets its own run row.
func (w *Worker) maybeRetry(ctx context.Context, failed monitor.ScrapeRun, task monitor.Task) {
	if task.Attempt+1 >= w.cfg.MaxAttempts {
		w.logger.Warn("retries exhausted", zap.String("run_id", failed.ID), zap.Int("attempts", task.Attempt+1))
		return
	}

	id, err := w.idGen.NewID()
	if err != nil {
		w.logger.Error("retry id generation failed", zap.Error(err))
		return
	}
	taskID, err := w.idGen.NewID()
	if err != nil {
		w.logger.Error("retry id generation failed", zap.Error(err))
		return
	}

	retry := monitor.ScrapeRun{
		ID:             id,
		SubscriptionID: failed.SubscriptionID,
		StartDate:      failed.StartDate,
		EndDate:        failed.EndDate,
		CourtCode:      failed.CourtCode,
		Status:         monitor.RunStatusPending,
		Attempt:        task.Attempt + 1,
		CreatedAt:      w.clock.Now(),
	}
	if err := w.runs.Create(ctx, retry); err != nil {
		w.logger.Error("retry run create failed", zap.String("run_id", failed.ID), zap.Error(err))
		return
	}

	delay := w.backoff(task.Attempt + 1)
	w.logger.Info("retry scheduled",
		zap.String("failed_run_id", failed.ID),
		zap.String("retry_run_id", retry.ID),
		zap.Duration("delay", delay),
	)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		err := w.queue.Enqueue(ctx, monitor.Task{
			ID:        taskID,
			Kind:      monitor.TaskScrape,
			Priority:  task.Priority,
			Attempt:   task.Attempt + 1,
			Payload:   monitor.TaskPayload{RunID: retry.ID, SubscriptionID: retry.SubscriptionID},
			Submitted: w.clock.Now().UnixNano(),
		})
		if err != nil {
			w.logger.Error("retry enqueue failed", zap.String("run_id", retry.ID), zap.Error(err))
		}
	}()
}

// backoff returns the exponential delay for the given attempt with up to 50%
// random jitter.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.cfg.RetryBase
	for i := 1; i < attempt && delay < w.cfg.RetryMax; i++ {
		delay *= 2
	}
	if delay > w.cfg.RetryMax {
		delay = w.cfg.RetryMax
	}
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(delay/2)+1)); err == nil {
		delay += time.Duration(n.Int64())
	}
	return delay
}

func (w *Worker) processProxyReplace(ctx context.Context, task monitor.Task) {
	if w.provisioner == nil {
		w.logger.Warn("no provisioner configured", zap.String("proxy_id", task.Payload.ProxyID))
		return
	}
	metrics.ObserveProxyBurn()
	if err := w.provisioner.Replace(ctx, task.Payload.ProxyID); err != nil {
		w.logger.Error("proxy replacement failed", zap.String("proxy_id", task.Payload.ProxyID), zap.Error(err))
		return
	}
	w.logger.Info("proxy replacement requested", zap.String("proxy_id", task.Payload.ProxyID))
}

func (w *Worker) processResend(ctx context.Context, task monitor.Task) {
	sub, err := w.subs.Get(ctx, task.Payload.SubscriptionID)
	if err != nil {
		w.logger.Error("subscription load failed", zap.String("subscription_id", task.Payload.SubscriptionID), zap.Error(err))
		return
	}
	pending, err := w.records.ListPendingDelivery(ctx, sub.ID, w.cfg.PendingBatch)
	if err != nil {
		w.logger.Error("pending record list failed", zap.String("subscription_id", sub.ID), zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	report := w.notifier.Deliver(ctx, sub, pending)
	w.observeDelivery(report)
	w.logger.Info("pending records resent",
		zap.String("subscription_id", sub.ID),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
	)
}

func (w *Worker) observeDelivery(report monitor.DeliveryReport) {
	for i := 0; i < report.Sent; i++ {
		metrics.ObserveDelivery("sent")
	}
	for i := 0; i < report.Failed; i++ {
		metrics.ObserveDelivery("error")
	}
	if report.Skipped {
		metrics.ObserveDelivery("skipped")
	}
}
