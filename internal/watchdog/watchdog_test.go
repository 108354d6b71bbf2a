package watchdog

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/rawlclub/matchengine/internal/kv"
	"github.com/rawlclub/matchengine/internal/registry"
	"github.com/rawlclub/matchengine/internal/runner"
)

func newMockRegistry(t *testing.T) (*registry.Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return registry.NewFromDB(sqlx.NewDb(db, "postgres")), mock
}

var lockedCols = []string{
	"id", "game_id", "format", "fighter_a", "fighter_b", "winner_id", "status", "match_type",
	"has_pool", "match_hash", "adapter_version", "round_history", "replay_ref", "onchain_id",
	"side_a_total", "side_b_total", "cancel_reason", "created_at", "starts_at", "locked_at",
	"resolved_at", "cancelled_at",
}

// driverValue is a readability alias for the long, mixed-type column list a
// locked-match row needs.
type driverValue = driver.Value

func lockedRow(id string, lockedAt time.Time) []driverValue {
	return []driverValue{
		id, "sfiii3n", 3, "fa", "fb", nil, registry.MatchLocked, registry.MatchTypeRanked,
		true, nil, "1.0.0", nil, nil, nil,
		0.0, 0.0, nil, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour), lockedAt,
		nil, nil,
	}
}

func TestTick_KillsNeverStartedMatch(t *testing.T) {
	reg, mock := newMockRegistry(t)
	store := kv.NewFake() // no heartbeat key ever written

	mock.ExpectQuery("SELECT \\* FROM matches WHERE status").WillReturnRows(
		sqlmock.NewRows(lockedCols).AddRow(lockedRow("m1", time.Now().Add(-3*runner.HeartbeatTTL))...))
	mock.ExpectExec("UPDATE matches SET").WillReturnResult(sqlmock.NewResult(0, 1))

	wd := New(Config{Registry: reg, KV: store})
	require.NoError(t, wd.Tick(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTick_KillsMatchWithStaleHeartbeatValue(t *testing.T) {
	reg, mock := newMockRegistry(t)
	store := kv.NewFake()
	staleValue := time.Now().Add(-2 * runner.HeartbeatTTL).Format(time.RFC3339)
	require.NoError(t, store.Set(context.Background(), runner.HeartbeatKey("m2"), staleValue, time.Hour))

	mock.ExpectQuery("SELECT \\* FROM matches WHERE status").WillReturnRows(
		sqlmock.NewRows(lockedCols).AddRow(lockedRow("m2", time.Now().Add(-time.Hour))...))
	mock.ExpectExec("UPDATE matches SET").WillReturnResult(sqlmock.NewResult(0, 1))

	wd := New(Config{Registry: reg, KV: store})
	require.NoError(t, wd.Tick(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTick_SkipsMatchWithFreshHeartbeat(t *testing.T) {
	reg, mock := newMockRegistry(t)
	store := kv.NewFake()
	freshValue := time.Now().Format(time.RFC3339)
	require.NoError(t, store.Set(context.Background(), runner.HeartbeatKey("m3"), freshValue, time.Hour))

	mock.ExpectQuery("SELECT \\* FROM matches WHERE status").WillReturnRows(
		sqlmock.NewRows(lockedCols).AddRow(lockedRow("m3", time.Now().Add(-time.Hour))...))

	wd := New(Config{Registry: reg, KV: store})
	require.NoError(t, wd.Tick(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTick_SkipsFreshlyLockedMatchWithinGrace(t *testing.T) {
	reg, mock := newMockRegistry(t)
	store := kv.NewFake() // no heartbeat key yet, but lock just happened

	mock.ExpectQuery("SELECT \\* FROM matches WHERE status").WillReturnRows(
		sqlmock.NewRows(lockedCols).AddRow(lockedRow("m4", time.Now())...))

	wd := New(Config{Registry: reg, KV: store})
	require.NoError(t, wd.Tick(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
