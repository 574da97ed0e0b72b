// Package notify delivers publication records to subscription callbacks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// Config controls callback delivery behavior.
type Config struct {
	// Secret, when set, is sent on every callback as X-Callback-Secret so the
	// receiver can authenticate the sender.
	Secret string
	// PerRecordDelay is the pause between consecutive record posts, keeping
	// bursts off the receiving end.
	PerRecordDelay time.Duration
	// RequestTimeout bounds each individual callback POST.
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PerRecordDelay <= 0 {
		c.PerRecordDelay = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Notifier posts records one at a time to the subscription's callback URL,
// tracks per-record delivery state in the record store and persists one
// aggregate run-log entry per batch in the alert store.
type Notifier struct {
	client  *http.Client
	records monitor.RecordStore
	alerts  monitor.AlertStore
	clock   monitor.Clock
	idGen   monitor.IDGenerator
	logger  *zap.Logger
	cfg     Config
}

// NewNotifier constructs a Notifier. A nil client gets a default one with the
// configured timeout.
func NewNotifier(
	client *http.Client,
	records monitor.RecordStore,
	alerts monitor.AlertStore,
	clock monitor.Clock,
	idGen monitor.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Notifier {
	cfg.applyDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Notifier{
		client:  client,
		records: records,
		alerts:  alerts,
		clock:   clock,
		idGen:   idGen,
		logger:  logger,
		cfg:     cfg,
	}
}

// callbackPayload is the wire shape of one delivered record.
type callbackPayload struct {
	SubscriptionID string                    `json:"subscription_id"`
	ExternalID     string                    `json:"external_id,omitempty"`
	LawyerName     string                    `json:"lawyer_name"`
	Record         monitor.PublicationRecord `json:"record"`
}

// Deliver posts each record to the subscription's callback, sequentially and
// in order. Records are marked sent or errored individually; one failure never
// stops the rest of the batch. Without a callback URL the batch is skipped and
// its records are marked ignored so the resend sweep stops picking them up.
func (n *Notifier) Deliver(ctx context.Context, sub monitor.Subscription, records []monitor.PublicationRecord) monitor.DeliveryReport {
	report := monitor.DeliveryReport{}
	if sub.CallbackURL == "" {
		report.Skipped = true
		now := n.clock.Now()
		for _, rec := range records {
			if err := n.records.SetDeliveryStatus(ctx, rec.ID, monitor.DeliveryIgnored, "", now); err != nil {
				n.logger.Error("record delivery status update failed", zap.String("record_id", rec.ID), zap.Error(err))
			}
		}
		n.logger.Info("no callback url, skipping delivery",
			zap.String("subscription_id", sub.ID),
			zap.Int("records", len(records)),
		)
		return report
	}

	for i, rec := range records {
		if i > 0 {
			if !n.pause(ctx) {
				report.Errors = append(report.Errors, "delivery canceled")
				return report
			}
		}
		report.Attempted++

		err := n.post(ctx, sub, rec)
		now := n.clock.Now()
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
			n.logger.Warn("callback delivery failed",
				zap.String("subscription_id", sub.ID),
				zap.String("record_id", rec.ID),
				zap.Error(err),
			)
			if serr := n.records.SetDeliveryStatus(ctx, rec.ID, monitor.DeliveryError, err.Error(), now); serr != nil {
				n.logger.Error("record delivery status update failed", zap.String("record_id", rec.ID), zap.Error(serr))
			}
			continue
		}

		report.Sent++
		if serr := n.records.SetDeliveryStatus(ctx, rec.ID, monitor.DeliverySent, "", now); serr != nil {
			n.logger.Error("record delivery status update failed", zap.String("record_id", rec.ID), zap.Error(serr))
		}
	}

	n.logger.Info("delivery batch finished",
		zap.String("subscription_id", sub.ID),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
	)
	n.persistReport(ctx, sub, report)
	return report
}

// persistReport appends the aggregate batch outcome, error list included, as
// an alert entry so delivery history survives process restarts.
func (n *Notifier) persistReport(ctx context.Context, sub monitor.Subscription, report monitor.DeliveryReport) {
	if n.alerts == nil {
		return
	}
	id, err := n.idGen.NewID()
	if err != nil {
		n.logger.Error("delivery log id failed", zap.Error(err))
		return
	}
	severity := monitor.SeverityInfo
	if report.Failed > 0 {
		severity = monitor.SeverityError
	}
	message := fmt.Sprintf("attempted %d, sent %d, failed %d", report.Attempted, report.Sent, report.Failed)
	if len(report.Errors) > 0 {
		message += "; " + strings.Join(report.Errors, "; ")
	}
	alert := monitor.Alert{
		ID:             id,
		Severity:       severity,
		Category:       "delivery",
		Title:          "delivery batch finished",
		Message:        message,
		SubscriptionID: sub.ID,
		CreatedAt:      n.clock.Now(),
	}
	if err := n.alerts.Append(ctx, alert); err != nil {
		n.logger.Error("delivery log append failed", zap.String("subscription_id", sub.ID), zap.Error(err))
	}
}

func (n *Notifier) post(ctx context.Context, sub monitor.Subscription, rec monitor.PublicationRecord) error {
	body, err := json.Marshal(callbackPayload{
		SubscriptionID: sub.ID,
		ExternalID:     sub.ExternalID,
		LawyerName:     sub.Name,
		Record:         rec,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Secret != "" {
		req.Header.Set("X-Callback-Secret", n.cfg.Secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) pause(ctx context.Context) bool {
	timer := time.NewTimer(n.cfg.PerRecordDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
