package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/cnj"
	"github.com/advtrack/comunica-monitor/internal/extract"
	"github.com/advtrack/comunica-monitor/internal/monitor"
	"github.com/advtrack/comunica-monitor/internal/proxy"
)

// proxyPool is the slice of the pool the session needs.
type proxyPool interface {
	Acquire(ctx context.Context) (monitor.ProxyEndpoint, error)
	ReportFailure(ctx context.Context, endpointID, errText, pageContent string)
	ReportSuccess(ctx context.Context, endpointID string)
}

// defaultNextPageSelectors is the ordered list of strategies for locating the
// SPA's next-page control. First selector that exists, is visible and is not
// disabled wins.
var defaultNextPageSelectors = []string{
	`button[aria-label="Próxima página"]`,
	`button.mat-mdc-paginator-navigation-next`,
	`button.mat-paginator-navigation-next`,
	`li.pagination-next a`,
	`a[rel="next"]`,
}

// disableServiceWorkers runs before any page script. The target is a SPA
// whose service worker and cache would otherwise mask the real network calls.
const disableServiceWorkers = `
if (navigator.serviceWorker) {
	navigator.serviceWorker.register = () => Promise.reject(new Error('disabled'));
}
if (window.caches) {
	window.caches.open = () => Promise.reject(new Error('disabled'));
}`

// SessionConfig controls one-session behavior.
type SessionConfig struct {
	TargetURL         string
	APIPath           string
	UserAgent         string
	SessionTimeout    time.Duration
	SettleDelay       time.Duration
	MaxAPIPages       int
	MaxFallbackPages  int
	NextPageSelectors []string
}

func (c *SessionConfig) applyDefaults() {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 5 * time.Minute
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 5 * time.Second
	}
	if c.MaxAPIPages <= 0 {
		c.MaxAPIPages = 50
	}
	if c.MaxFallbackPages <= 0 {
		c.MaxFallbackPages = 100
	}
	if len(c.NextPageSelectors) == 0 {
		c.NextPageSelectors = defaultNextPageSelectors
	}
}

// Session executes one bounded-date-range query against the target site.
type Session struct {
	pool      proxyPool
	alerts    monitor.AlertStore
	snapshots monitor.SnapshotStore
	clock     monitor.Clock
	idGen     monitor.IDGenerator
	logger    *zap.Logger
	cfg       SessionConfig
}

// NewSession constructs a Session.
func NewSession(
	pool proxyPool,
	alerts monitor.AlertStore,
	snapshots monitor.SnapshotStore,
	clock monitor.Clock,
	idGen monitor.IDGenerator,
	cfg SessionConfig,
	logger *zap.Logger,
) *Session {
	cfg.applyDefaults()
	return &Session{
		pool:      pool,
		alerts:    alerts,
		snapshots: snapshots,
		clock:     clock,
		idGen:     idGen,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run drives one query for the request's date range. The browser context is
// torn down on every path; errors propagate after proxy reporting and
// alerting so the caller owns retry policy.
func (s *Session) Run(ctx context.Context, req monitor.ScrapeRequest) (monitor.ScrapeResult, error) {
	endpoint, err := s.pool.Acquire(ctx)
	usingProxy := err == nil
	if err != nil && !errors.Is(err, monitor.ErrNoProxyAvailable) {
		s.logger.Warn("proxy acquisition failed, proceeding direct", zap.Error(err))
	}

	result := monitor.ScrapeResult{}
	if usingProxy {
		result.Telemetry.ProxyID = endpoint.ID
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if usingProxy {
		opts = append(opts, chromedp.ProxyServer(endpoint.URL()))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.SessionTimeout)
	defer cancel()

	icept := newInterceptor(s.cfg.APIPath)
	icept.listen(taskCtx)
	if usingProxy && endpoint.Username != "" {
		s.handleProxyAuth(taskCtx, endpoint)
	}

	if err := s.navigate(taskCtx, req, usingProxy && endpoint.Username != ""); err != nil {
		return s.fail(ctx, taskCtx, &result, endpoint, usingProxy, icept, fmt.Errorf("navigate: %w", err))
	}
	result.Telemetry.PagesNavigated = 1

	var records []monitor.ScrapedRecord
	if icept.captured() > 0 {
		result.Telemetry.APIIntercepted = true
		records, err = s.collectAPI(taskCtx, icept, &result.Telemetry)
	} else {
		s.logger.Warn("no api responses intercepted, using html fallback",
			zap.String("lawyer", req.LawyerName),
		)
		records, err = s.collectFallback(taskCtx, &result.Telemetry)
	}
	if err != nil {
		return s.fail(ctx, taskCtx, &result, endpoint, usingProxy, icept, err)
	}

	result.Telemetry.CaptchaDetected = icept.captchaDetected()
	result.Records = Dedupe(records)

	if usingProxy {
		s.pool.ReportSuccess(ctx, endpoint.ID)
	}
	s.logger.Info("scrape session finished",
		zap.String("lawyer", req.LawyerName),
		zap.Int("records", len(result.Records)),
		zap.Int("pages", result.Telemetry.PagesNavigated),
		zap.Bool("api_intercepted", result.Telemetry.APIIntercepted),
	)
	return result, nil
}

func (s *Session) navigate(ctx context.Context, req monitor.ScrapeRequest, authProxied bool) error {
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if err := network.SetCacheDisabled(true).Do(ctx); err != nil {
				return fmt.Errorf("disable cache: %w", err)
			}
			if s.cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(disableServiceWorkers).Do(ctx); err != nil {
				return fmt.Errorf("install init script: %w", err)
			}
			if authProxied {
				if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
					return fmt.Errorf("enable fetch domain: %w", err)
				}
			}
			return nil
		}),
		chromedp.Navigate(s.queryURL(req)),
		// The SPA exposes no ready event; a fixed grace period is the only
		// settle signal available.
		chromedp.Sleep(s.cfg.SettleDelay),
	}
	return chromedp.Run(ctx, actions...)
}

// handleProxyAuth answers the browser's proxy credential challenges.
func (s *Session) handleProxyAuth(ctx context.Context, endpoint monitor.ProxyEndpoint) {
	chromedp.ListenTarget(ctx, func(ev any) {
		c := chromedp.FromContext(ctx)
		if c == nil {
			return
		}
		execCtx := cdp.WithExecutor(ctx, c.Target)
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: endpoint.Username,
					Password: endpoint.Password,
				}
				if err := fetch.ContinueWithAuth(e.RequestID, resp).Do(execCtx); err != nil {
					s.logger.Debug("proxy auth continue failed", zap.Error(err))
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				if err := fetch.ContinueRequest(e.RequestID).Do(execCtx); err != nil {
					s.logger.Debug("request continue failed", zap.Error(err))
				}
			}()
		}
	})
}

func (s *Session) queryURL(req monitor.ScrapeRequest) string {
	params := url.Values{}
	params.Set("nomeAdvogado", req.LawyerName)
	params.Set("dataDisponibilizacaoInicio", req.Start.Format("2006-01-02"))
	params.Set("dataDisponibilizacaoFim", req.End.Format("2006-01-02"))
	if req.CourtCode != "" {
		params.Set("siglaTribunal", req.CourtCode)
	}
	return s.cfg.TargetURL + "?" + params.Encode()
}

// collectAPI extracts records from intercepted payloads, paginating while the
// decision table says more pages exist.
func (s *Session) collectAPI(ctx context.Context, icept *interceptor, telemetry *monitor.RunTelemetry) ([]monitor.ScrapedRecord, error) {
	records, totalPages := s.parseBodies(icept.drain())
	if totalPages > s.cfg.MaxAPIPages {
		s.logger.Warn("page count exceeds cap", zap.Int("total_pages", totalPages))
		totalPages = s.cfg.MaxAPIPages
	}

	for pageNum := 2; pageNum <= totalPages; pageNum++ {
		clicked, err := s.clickNext(ctx)
		if err != nil {
			return records, fmt.Errorf("paginate to page %d: %w", pageNum, err)
		}
		if !clicked {
			s.logger.Warn("next-page control not found", zap.Int("page", pageNum))
			break
		}
		if err := chromedp.Run(ctx, chromedp.Sleep(s.cfg.SettleDelay)); err != nil {
			return records, fmt.Errorf("settle on page %d: %w", pageNum, err)
		}
		telemetry.PagesNavigated++

		pageRecords, _ := s.parseBodies(icept.drain())
		records = append(records, pageRecords...)
	}
	return records, nil
}

func (s *Session) parseBodies(bodies [][]byte) ([]monitor.ScrapedRecord, int) {
	var records []monitor.ScrapedRecord
	totalPages := 1
	for _, body := range bodies {
		parsed, err := extract.ParsePayload(body)
		if err != nil {
			s.logger.Debug("unparseable api payload", zap.Error(err))
			continue
		}
		if count := parsed.PageCount(); count > totalPages {
			totalPages = count
		}
		records = append(records, parsed.Records()...)
	}
	return records, totalPages
}

// clickNext tries each selector strategy in order, clicking the first control
// that exists, is visible and is not disabled.
func (s *Session) clickNext(ctx context.Context) (bool, error) {
	selectors, err := json.Marshal(s.cfg.NextPageSelectors)
	if err != nil {
		return false, fmt.Errorf("marshal selectors: %w", err)
	}
	script := fmt.Sprintf(`(() => {
	for (const sel of %s) {
		const el = document.querySelector(sel);
		if (!el) continue;
		if (el.disabled || el.classList.contains('disabled')) continue;
		if (el.offsetParent === null) continue;
		el.click();
		return true;
	}
	return false;
})()`, selectors)

	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return false, fmt.Errorf("click next page: %w", err)
	}
	return clicked, nil
}

// fail runs the shared error path: snapshot, classification, proxy report,
// alert, and propagation. The browser context is closed by Run's defers.
func (s *Session) fail(
	ctx context.Context,
	taskCtx context.Context,
	result *monitor.ScrapeResult,
	endpoint monitor.ProxyEndpoint,
	usingProxy bool,
	icept *interceptor,
	cause error,
) (monitor.ScrapeResult, error) {
	pageHTML := s.captureHTML(taskCtx)
	result.SnapshotURI = s.storeSnapshot(ctx, pageHTML)

	if icept != nil {
		result.Telemetry.CaptchaDetected = icept.captchaDetected()
	}

	cls := proxy.Classify(cause.Error())
	if !cls.Blocked {
		cls = proxy.Classify(pageHTML)
	}
	result.Telemetry.BlockDetected = cls.Blocked

	if usingProxy {
		s.pool.ReportFailure(ctx, endpoint.ID, cause.Error(), pageHTML)
	}
	s.raiseAlert(ctx, cls, cause)

	s.logger.Error("scrape session failed",
		zap.Bool("blocked", cls.Blocked),
		zap.String("snapshot_uri", result.SnapshotURI),
		zap.Error(cause),
	)
	return *result, cause
}

// captureHTML is best effort; the page may already be gone.
func (s *Session) captureHTML(taskCtx context.Context) string {
	snapCtx, cancel := context.WithTimeout(taskCtx, 5*time.Second)
	defer cancel()
	var html string
	if err := chromedp.Run(snapCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return ""
	}
	return html
}

func (s *Session) storeSnapshot(ctx context.Context, html string) string {
	if s.snapshots == nil || html == "" {
		return ""
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return ""
	}
	path := fmt.Sprintf("snapshots/%s/%s.html", s.clock.Now().UTC().Format("2006-01-02"), id)
	uri, err := s.snapshots.Put(ctx, path, "text/html; charset=utf-8", []byte(html))
	if err != nil {
		s.logger.Warn("store failure snapshot", zap.Error(err))
		return ""
	}
	return uri
}

func (s *Session) raiseAlert(ctx context.Context, cls proxy.Classification, cause error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return
	}
	severity := monitor.SeverityError
	title := "scrape session failed"
	if cls.Blocked {
		severity = monitor.SeverityCritical
		title = "scrape session blocked by target"
	}
	alert := monitor.Alert{
		ID:        id,
		Severity:  severity,
		Category:  "scrape",
		Title:     title,
		Message:   cause.Error(),
		CreatedAt: s.clock.Now(),
	}
	if err := s.alerts.Append(ctx, alert); err != nil {
		s.logger.Error("append scrape alert", zap.Error(err))
	}
}

// Dedupe keeps the first occurrence per normalized case number.
func Dedupe(records []monitor.ScrapedRecord) []monitor.ScrapedRecord {
	seen := make(map[string]struct{}, len(records))
	out := records[:0:0]
	for _, rec := range records {
		key := cnj.Normalize(rec.CaseNumber)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	return out
}
