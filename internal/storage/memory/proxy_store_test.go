package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

func activeEndpoint(id string, hourlyUse int) monitor.ProxyEndpoint {
	return monitor.ProxyEndpoint{
		ID:             id,
		Host:           "10.0.0.1",
		Port:           8080,
		Protocol:       "http",
		Active:         true,
		Working:        true,
		HourlyUseCount: hourlyUse,
	}
}

func TestAcquireNextPrefersLeastUsed(t *testing.T) {
	t.Parallel()

	store := NewProxyStore(
		activeEndpoint("busy", 10),
		activeEndpoint("idle", 1),
	)
	now := time.Date(2026, time.August, 31, 9, 0, 0, 0, time.UTC)

	endpoint, err := store.AcquireNext(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, "idle", endpoint.ID)
	require.Equal(t, 2, endpoint.HourlyUseCount)
	require.NotNil(t, endpoint.LastUsedAt)
}

func TestAcquireNextSkipsUnusableEndpoints(t *testing.T) {
	t.Parallel()

	blocked := activeEndpoint("blocked", 0)
	blocked.BlockedByTarget = true
	burned := activeEndpoint("burned", 0)
	burned.NeedsReplacement = true
	dead := activeEndpoint("dead", 0)
	dead.Working = false

	store := NewProxyStore(blocked, burned, dead)
	_, err := store.AcquireNext(context.Background(), time.Now())
	require.ErrorIs(t, err, monitor.ErrNoProxyAvailable)
}

func TestRecordFailureAndSuccessRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewProxyStore(activeEndpoint("p1", 0))
	now := time.Date(2026, time.August, 31, 9, 0, 0, 0, time.UTC)

	count, err := store.RecordFailure(context.Background(), "p1", true, "403 forbidden", now)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	endpoint, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.False(t, endpoint.Working)
	require.True(t, endpoint.BlockedByTarget)
	require.Equal(t, "403 forbidden", endpoint.LastError)

	require.NoError(t, store.RecordSuccess(context.Background(), "p1", now.Add(time.Hour)))
	endpoint, err = store.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, endpoint.Working)
	require.False(t, endpoint.BlockedByTarget)
	require.Zero(t, endpoint.FailureCount)
}

func TestResetHourlyCounters(t *testing.T) {
	t.Parallel()

	store := NewProxyStore(activeEndpoint("p1", 7), activeEndpoint("p2", 3))
	require.NoError(t, store.ResetHourlyCounters(context.Background()))

	endpoints, err := store.List(context.Background())
	require.NoError(t, err)
	for _, endpoint := range endpoints {
		require.Zero(t, endpoint.HourlyUseCount)
	}
}
