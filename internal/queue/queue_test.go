package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawlclub/matchengine/internal/kv"
)

func newQueue() (*Queue, kv.Store) {
	fake := kv.NewFake()
	return New(Config{KV: fake}), fake
}

func TestEnqueueDeferredThenPromoteRoutesByTier(t *testing.T) {
	q, store := newQueue()
	ctx := context.Background()

	ranked := Job{ID: "j1", Payload: "match-1", Calibration: false}
	cal := Job{ID: "j2", Payload: "match-2", Calibration: true}

	require.NoError(t, q.EnqueueDeferred(ctx, ranked, -time.Second)) // already due
	require.NoError(t, q.EnqueueDeferred(ctx, cal, -time.Second))

	routed, err := q.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, routed)

	rankedLen, err := store.LRange(ctx, queueKey(TierRanked), 0, -1)
	require.NoError(t, err)
	assert.Len(t, rankedLen, 1)

	calLen, err := store.LRange(ctx, queueKey(TierCal), 0, -1)
	require.NoError(t, err)
	assert.Len(t, calLen, 1)

	// jobs hash and ready set are drained.
	card, err := store.ZCard(ctx, readyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), card)
}

func TestPromoteSkipsNotYetDueJobs(t *testing.T) {
	q, _ := newQueue()
	ctx := context.Background()

	future := Job{ID: "future", Payload: "p", Calibration: false}
	require.NoError(t, q.EnqueueDeferred(ctx, future, time.Hour))

	routed, err := q.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, routed)
}

func TestEnqueueImmediateBypassesReady(t *testing.T) {
	q, store := newQueue()
	ctx := context.Background()

	job := Job{ID: "imm", Payload: "p", Calibration: true}
	require.NoError(t, q.EnqueueImmediate(ctx, job))

	items, err := store.LRange(ctx, queueKey(TierCal), 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	card, err := store.ZCard(ctx, readyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), card)
}

func TestClaimMovesHeadToProcessingAndReportsEmpty(t *testing.T) {
	q, store := newQueue()
	ctx := context.Background()

	require.NoError(t, q.EnqueueImmediate(ctx, Job{ID: "a", Payload: "pa"}))

	payload, ok, err := q.Claim(ctx, TierRanked)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, payload, "\"id\":\"a\"")

	processing, err := store.LRange(ctx, processingKey(TierRanked), 0, -1)
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	_, ok, err = q.Claim(ctx, TierRanked)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimAnyPrefersRankedOverCalibration(t *testing.T) {
	q, _ := newQueue()
	ctx := context.Background()

	require.NoError(t, q.EnqueueImmediate(ctx, Job{ID: "cal-1", Payload: "c", Calibration: true}))
	require.NoError(t, q.EnqueueImmediate(ctx, Job{ID: "rank-1", Payload: "r", Calibration: false}))

	_, tier, ok, err := q.ClaimAny(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TierRanked, tier)

	_, tier, ok, err = q.ClaimAny(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TierCal, tier)

	_, _, ok, err = q.ClaimAny(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAckRemovesFromProcessing(t *testing.T) {
	q, store := newQueue()
	ctx := context.Background()

	require.NoError(t, q.EnqueueImmediate(ctx, Job{ID: "a", Payload: "pa"}))
	payload, ok, err := q.Claim(ctx, TierRanked)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Ack(ctx, TierRanked, payload))

	processing, err := store.LRange(ctx, processingKey(TierRanked), 0, -1)
	require.NoError(t, err)
	assert.Empty(t, processing)
}

func TestRecoverProcessingMovesEverythingBackInOrder(t *testing.T) {
	q, store := newQueue()
	ctx := context.Background()

	require.NoError(t, q.EnqueueImmediate(ctx, Job{ID: "a", Payload: "pa"}))
	require.NoError(t, q.EnqueueImmediate(ctx, Job{ID: "b", Payload: "pb"}))
	_, _, err := q.Claim(ctx, TierRanked)
	_ = err
	_, _, err2 := q.Claim(ctx, TierRanked)
	_ = err2

	require.NoError(t, q.RecoverProcessing(ctx))

	recovered, err := store.LRange(ctx, queueKey(TierRanked), 0, -1)
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	assert.Contains(t, recovered[0], "\"id\":\"a\"")
	assert.Contains(t, recovered[1], "\"id\":\"b\"")

	remaining, err := store.LRange(ctx, processingKey(TierRanked), 0, -1)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
