package proxy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// Pool selects and tracks proxy endpoints. All counter mutations go through
// the store's atomic operations; the pool itself holds no endpoint state.
type Pool struct {
	store     monitor.ProxyStore
	alerts    monitor.AlertStore
	queue     monitor.Queue
	clock     monitor.Clock
	idGen     monitor.IDGenerator
	logger    *zap.Logger
	threshold int
	provision bool
}

// Config controls pool behavior.
type Config struct {
	// FailureThreshold is the consecutive generic-failure count that forces
	// replacement.
	FailureThreshold int
	// ProvisionReplacements enables fire-and-forget replacement tasks when an
	// endpoint is burned. Requires a provisioner-handling worker downstream.
	ProvisionReplacements bool
}

// NewPool constructs a Pool.
func NewPool(
	store monitor.ProxyStore,
	alerts monitor.AlertStore,
	queue monitor.Queue,
	clock monitor.Clock,
	idGen monitor.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	return &Pool{
		store:     store,
		alerts:    alerts,
		queue:     queue,
		clock:     clock,
		idGen:     idGen,
		logger:    logger,
		threshold: cfg.FailureThreshold,
		provision: cfg.ProvisionReplacements,
	}
}

// Acquire hands out the idlest working endpoint, or ErrNoProxyAvailable when
// none qualifies. Selection and counter increment are one atomic store
// operation so two sessions cannot be handed the same "most idle" candidate.
func (p *Pool) Acquire(ctx context.Context) (monitor.ProxyEndpoint, error) {
	endpoint, err := p.store.AcquireNext(ctx, p.clock.Now())
	if err != nil {
		if errors.Is(err, monitor.ErrNoProxyAvailable) {
			p.logger.Warn("no proxy available, proceeding direct")
			return monitor.ProxyEndpoint{}, monitor.ErrNoProxyAvailable
		}
		return monitor.ProxyEndpoint{}, fmt.Errorf("acquire proxy: %w", err)
	}
	p.logger.Debug("proxy acquired",
		zap.String("proxy_id", endpoint.ID),
		zap.Int("hourly_use", endpoint.HourlyUseCount),
	)
	return endpoint, nil
}

// ReportFailure records a failed use of the endpoint. errText and pageContent
// are classified independently; either tripping a block signal marks the
// endpoint blocked-by-target.
func (p *Pool) ReportFailure(ctx context.Context, endpointID, errText, pageContent string) {
	cls := Classify(errText)
	if !cls.Blocked {
		cls = Classify(pageContent)
	}

	count, err := p.store.RecordFailure(ctx, endpointID, cls.Blocked, errText, p.clock.Now())
	if err != nil {
		p.logger.Error("record proxy failure", zap.String("proxy_id", endpointID), zap.Error(err))
		return
	}

	switch {
	case cls.Blocked:
		p.logger.Warn("proxy blocked by target",
			zap.String("proxy_id", endpointID),
			zap.String("signal", cls.Reason),
		)
		p.burnEndpoint(ctx, endpointID, monitor.SeverityCritical,
			"proxy blocked by target",
			fmt.Sprintf("block signal %q detected: %s", cls.Reason, errText),
		)
	case count >= p.threshold:
		p.logger.Warn("proxy failure threshold reached",
			zap.String("proxy_id", endpointID),
			zap.Int("failures", count),
		)
		p.burnEndpoint(ctx, endpointID, monitor.SeverityError,
			"proxy needs replacement",
			fmt.Sprintf("%d consecutive failures, last: %s", count, errText),
		)
	}
}

// ReportSuccess clears the endpoint's failure state.
func (p *Pool) ReportSuccess(ctx context.Context, endpointID string) {
	if err := p.store.RecordSuccess(ctx, endpointID, p.clock.Now()); err != nil {
		p.logger.Error("record proxy success", zap.String("proxy_id", endpointID), zap.Error(err))
	}
}

func (p *Pool) burnEndpoint(ctx context.Context, endpointID string, severity monitor.AlertSeverity, title, message string) {
	if err := p.store.MarkNeedsReplacement(ctx, endpointID); err != nil {
		p.logger.Error("mark needs replacement", zap.String("proxy_id", endpointID), zap.Error(err))
	}
	p.raiseAlert(ctx, endpointID, severity, title, message)
	p.requestReplacement(ctx, endpointID)
}

func (p *Pool) raiseAlert(ctx context.Context, endpointID string, severity monitor.AlertSeverity, title, message string) {
	id, err := p.idGen.NewID()
	if err != nil {
		p.logger.Error("alert id generation failed", zap.Error(err))
		return
	}
	alert := monitor.Alert{
		ID:        id,
		Severity:  severity,
		Category:  "proxy",
		Title:     title,
		Message:   message,
		ProxyID:   endpointID,
		CreatedAt: p.clock.Now(),
	}
	if err := p.alerts.Append(ctx, alert); err != nil {
		p.logger.Error("append alert failed", zap.Error(err))
	}
}

// requestReplacement submits a detached replacement task. Failure here only
// degrades remediation speed and is never surfaced to the scraping caller.
func (p *Pool) requestReplacement(ctx context.Context, endpointID string) {
	if !p.provision {
		return
	}
	id, err := p.idGen.NewID()
	if err != nil {
		p.logger.Error("replacement task id generation failed", zap.Error(err))
		return
	}
	task := monitor.Task{
		ID:        id,
		Kind:      monitor.TaskProxyReplace,
		Payload:   monitor.TaskPayload{ProxyID: endpointID},
		Submitted: p.clock.Now().Unix(),
	}
	if err := p.queue.Enqueue(ctx, task); err != nil {
		p.logger.Error("enqueue replacement task failed",
			zap.String("proxy_id", endpointID),
			zap.Error(err),
		)
	}
}
