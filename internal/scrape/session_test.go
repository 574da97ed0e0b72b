package scrape

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

type fakeAlertStore struct {
	monitor.AlertStore

	mu       sync.Mutex
	appended []monitor.Alert
}

func (f *fakeAlertStore) Append(_ context.Context, alert monitor.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, alert)
	return nil
}

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "id-1", nil }

func newFailTestSession(alerts *fakeAlertStore) *Session {
	return NewSession(nil, alerts, nil, fixedClock{now: time.Date(2026, time.August, 31, 9, 0, 0, 0, time.UTC)},
		staticIDs{}, SessionConfig{TargetURL: "https://example.org"}, zap.NewNop())
}

func TestFailCarriesCaptchaFlagFromInterceptor(t *testing.T) {
	t.Parallel()

	icept := newInterceptor("/api/v1/comunicacao")
	icept.captchaSeen = true

	alerts := &fakeAlertStore{}
	s := newFailTestSession(alerts)

	var result monitor.ScrapeResult
	cause := errors.New("navigate: page load timed out")
	_, err := s.fail(context.Background(), context.Background(), &result, monitor.ProxyEndpoint{}, false, icept, cause)

	require.ErrorIs(t, err, cause)
	require.True(t, result.Telemetry.CaptchaDetected)
	require.Len(t, alerts.appended, 1)
}

func TestFailFlagsBlockAndRaisesCriticalAlert(t *testing.T) {
	t.Parallel()

	alerts := &fakeAlertStore{}
	s := newFailTestSession(alerts)

	var result monitor.ScrapeResult
	_, err := s.fail(context.Background(), context.Background(), &result, monitor.ProxyEndpoint{}, false,
		newInterceptor("/api/v1/comunicacao"), errors.New("status 403 forbidden"))

	require.Error(t, err)
	require.False(t, result.Telemetry.CaptchaDetected)
	require.True(t, result.Telemetry.BlockDetected)
	require.Len(t, alerts.appended, 1)
	require.Equal(t, monitor.SeverityCritical, alerts.appended[0].Severity)
}
