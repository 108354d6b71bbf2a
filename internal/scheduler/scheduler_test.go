package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/rawlclub/matchengine/internal/kv"
	"github.com/rawlclub/matchengine/internal/ledger"
	"github.com/rawlclub/matchengine/internal/matchmaker"
	"github.com/rawlclub/matchengine/internal/queue"
	"github.com/rawlclub/matchengine/internal/registry"
)

func newMockRegistry(t *testing.T) (*registry.Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return registry.NewFromDB(sqlx.NewDb(db, "postgres")), mock
}

func okLedger(t *testing.T) *ledger.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req["id"], "result": nil})
	}))
	t.Cleanup(srv.Close)
	c, err := ledger.New(ledger.Config{RPCURL: srv.URL, CallTimeout: 2 * time.Second, MaxRetries: 1})
	require.NoError(t, err)
	return c
}

func TestTick_PairsAndOpensMatch(t *testing.T) {
	reg, mock := newMockRegistry(t)
	store := kv.NewFake()
	mm := matchmaker.New(store)
	q := queue.New(queue.Config{KV: store})
	led := okLedger(t)

	ctx := context.Background()
	require.NoError(t, mm.Enqueue(ctx, "fa", "sfiii3n", "ownerA", 1200))
	require.NoError(t, mm.Enqueue(ctx, "fb", "sfiii3n", "ownerB", 1210))

	fighterCols := []string{"id", "owner", "game_id", "character", "model_ref", "elo", "division", "wins", "losses", "status", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT \\* FROM fighters").WillReturnRows(
		sqlmock.NewRows(fighterCols).AddRow("fa", "ownerA", "sfiii3n", "ryu", "models/a.bin", 1200.0, "Silver", 0, 0, registry.FighterReady, time.Now(), time.Now()))
	mock.ExpectQuery("SELECT \\* FROM fighters").WillReturnRows(
		sqlmock.NewRows(fighterCols).AddRow("fb", "ownerB", "sfiii3n", "ken", "models/b.bin", 1210.0, "Silver", 0, 0, registry.FighterReady, time.Now(), time.Now()))
	mock.ExpectExec("INSERT INTO matches").WillReturnResult(sqlmock.NewResult(1, 1))

	s := New(Config{Registry: reg, Matchmaker: mm, Queue: q, Ledger: led, PreMatchBetWindow: 100 * time.Millisecond})
	require.NoError(t, s.Tick(ctx))
	require.NoError(t, mock.ExpectationsWereMet())

	games, err := mm.ActiveGames(ctx)
	require.NoError(t, err)
	require.Empty(t, games, "both fighters should have been paired off")
}

func TestTick_WidensWindowWhenNoPairFound(t *testing.T) {
	reg, _ := newMockRegistry(t)
	store := kv.NewFake()
	mm := matchmaker.New(store)
	q := queue.New(queue.Config{KV: store})
	led := okLedger(t)

	ctx := context.Background()
	require.NoError(t, mm.Enqueue(ctx, "fa", "sfiii3n", "ownerA", 1200))

	s := New(Config{Registry: reg, Matchmaker: mm, Queue: q, Ledger: led})
	require.NoError(t, s.Tick(ctx))

	games, err := mm.ActiveGames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"sfiii3n"}, games)
}

func TestPromoterTick_RoutesDueJobs(t *testing.T) {
	store := kv.NewFake()
	q := queue.New(queue.Config{KV: store})
	ctx := context.Background()

	require.NoError(t, q.EnqueueDeferred(ctx, queue.Job{ID: "m1", Payload: "m1"}, -time.Second))

	p := NewPromoter(q, nil)
	require.NoError(t, p.Tick(ctx))

	_, ok, err := q.Claim(ctx, queue.TierRanked)
	require.NoError(t, err)
	require.True(t, ok)
}
