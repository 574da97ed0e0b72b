package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/advtrack/comunica-monitor/internal/monitor"
)

var proxyRowColumns = []string{
	"id", "host", "port", "username", "password", "protocol", "active", "working",
	"failure_count", "hourly_use_count", "blocked_by_target", "blocked_at",
	"needs_replacement", "last_error", "last_used_at", "last_checked_at",
}

func TestAcquireNextReturnsLeastUsedEndpoint(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1756600000, 0).UTC()
	mock.ExpectQuery("UPDATE proxy_endpoints").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows(proxyRowColumns).AddRow(
			"proxy-1", "10.0.0.1", 8080, "user", "pass", "http", true, true,
			0, 3, false, (*time.Time)(nil),
			false, "", &now, &now,
		))

	store := NewProxyStore(mock)
	endpoint, err := store.AcquireNext(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, "proxy-1", endpoint.ID)
	require.Equal(t, 3, endpoint.HourlyUseCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireNextNoCandidate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1756600000, 0).UTC()
	mock.ExpectQuery("UPDATE proxy_endpoints").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows(proxyRowColumns))

	store := NewProxyStore(mock)
	_, err = store.AcquireNext(context.Background(), now)
	require.ErrorIs(t, err, monitor.ErrNoProxyAvailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureReturnsNewCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1756600000, 0).UTC()
	mock.ExpectQuery("UPDATE proxy_endpoints").
		WithArgs("proxy-1", "403 forbidden", true, now).
		WillReturnRows(pgxmock.NewRows([]string{"failure_count"}).AddRow(5))

	store := NewProxyStore(mock)
	count, err := store.RecordFailure(context.Background(), "proxy-1", true, "403 forbidden", now)
	require.NoError(t, err)
	require.Equal(t, 5, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSuccessClearsFailureState(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1756600000, 0).UTC()
	mock.ExpectExec("UPDATE proxy_endpoints").
		WithArgs("proxy-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewProxyStore(mock)
	require.NoError(t, store.RecordSuccess(context.Background(), "proxy-1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetHourlyCounters(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE proxy_endpoints SET hourly_use_count = 0").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	store := NewProxyStore(mock)
	require.NoError(t, store.ResetHourlyCounters(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
