package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

// Prober health-checks endpoints that dropped out of rotation, restoring
// working=true before the pool re-serves them.
type Prober struct {
	store     monitor.ProxyStore
	clock     monitor.Clock
	logger    *zap.Logger
	probeURL  string
	userAgent string
	timeout   time.Duration
}

// ProberConfig controls probe behavior.
type ProberConfig struct {
	ProbeURL  string
	UserAgent string
	Timeout   time.Duration
}

// NewProber constructs a Prober.
func NewProber(store monitor.ProxyStore, clock monitor.Clock, cfg ProberConfig, logger *zap.Logger) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Prober{
		store:     store,
		clock:     clock,
		logger:    logger,
		probeURL:  cfg.ProbeURL,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
	}
}

// ProbeAll checks every active endpoint currently marked not working.
// Blocked-by-target endpoints stay out of rotation until replaced.
func (p *Prober) ProbeAll(ctx context.Context) {
	endpoints, err := p.store.List(ctx)
	if err != nil {
		p.logger.Error("list proxies for probe", zap.Error(err))
		return
	}
	for _, endpoint := range endpoints {
		if ctx.Err() != nil {
			return
		}
		if !endpoint.Active || endpoint.Working || endpoint.BlockedByTarget {
			continue
		}
		healthy := p.probe(endpoint)
		if err := p.store.SetWorking(ctx, endpoint.ID, healthy, p.clock.Now()); err != nil {
			p.logger.Error("update probe result", zap.String("proxy_id", endpoint.ID), zap.Error(err))
			continue
		}
		p.logger.Info("proxy probed",
			zap.String("proxy_id", endpoint.ID),
			zap.Bool("healthy", healthy),
		)
	}
}

// probe fetches the target status page through the endpoint.
func (p *Prober) probe(endpoint monitor.ProxyEndpoint) bool {
	c := colly.NewCollector(colly.UserAgent(p.userAgent))
	c.SetRequestTimeout(p.timeout)
	if err := c.SetProxy(endpoint.URL()); err != nil {
		p.logger.Warn("set probe proxy", zap.String("proxy_id", endpoint.ID), zap.Error(err))
		return false
	}

	var (
		ok       bool
		probeErr error
	)
	c.OnResponse(func(r *colly.Response) {
		ok = r.StatusCode >= 200 && r.StatusCode < 400
	})
	c.OnError(func(_ *colly.Response, err error) {
		probeErr = err
	})

	if err := c.Visit(p.probeURL); err != nil {
		probeErr = fmt.Errorf("probe visit: %w", err)
	}
	if probeErr != nil {
		p.logger.Debug("probe failed",
			zap.String("proxy_id", endpoint.ID),
			zap.Error(probeErr),
		)
		return false
	}
	return ok
}
