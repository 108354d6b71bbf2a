package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeStringsAndTTL(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	_, err := f.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.Set(ctx, "k", "v", 0))
	v, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, f.Set(ctx, "ttl", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, err = f.Get(ctx, "ttl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFakeHash(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.HSet(ctx, "h", "a", "1"))
	require.NoError(t, f.HSet(ctx, "h", "b", "2"))

	all, err := f.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, f.HDel(ctx, "h", "a"))
	_, err = f.HGet(ctx, "h", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFakeSortedSetRangeOrdering(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.ZAdd(ctx, "z", 300, "c"))
	require.NoError(t, f.ZAdd(ctx, "z", 100, "a"))
	require.NoError(t, f.ZAdd(ctx, "z", 200, "b"))

	members, err := f.ZRangeByScore(ctx, "z", 0, 1000, 0)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{members[0].Member, members[1].Member, members[2].Member})

	card, err := f.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.EqualValues(t, 3, card)

	score, err := f.ZScore(ctx, "z", "b")
	require.NoError(t, err)
	assert.Equal(t, 200.0, score)
}

func TestFakeZPopByScoreIsAtomicAndOrdered(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.ZAdd(ctx, "ready", 10, "job-a"))
	require.NoError(t, f.ZAdd(ctx, "ready", 20, "job-b"))
	require.NoError(t, f.ZAdd(ctx, "ready", 30, "job-c"))

	popped, err := f.ZPopByScore(ctx, "ready", 20, 0)
	require.NoError(t, err)
	require.Len(t, popped, 2)
	assert.Equal(t, "job-a", popped[0].Member)
	assert.Equal(t, "job-b", popped[1].Member)

	card, err := f.ZCard(ctx, "ready")
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)

	popped, err = f.ZPopByScore(ctx, "ready", 20, 0)
	require.NoError(t, err)
	assert.Empty(t, popped)
}

func TestFakeZRemIfPresentAllRequiresBothMembers(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.ZAdd(ctx, "game:sf2ce", 1500, "fighter-1"))

	ok, err := f.ZRemIfPresentAll(ctx, "game:sf2ce", "fighter-1", "fighter-2")
	require.NoError(t, err)
	assert.False(t, ok, "pairing must not remove fighter-1 when fighter-2 is absent")

	card, err := f.ZCard(ctx, "game:sf2ce")
	require.NoError(t, err)
	assert.EqualValues(t, 1, card, "fighter-1 must still be queued after a failed pair attempt")

	require.NoError(t, f.ZAdd(ctx, "game:sf2ce", 1510, "fighter-2"))
	ok, err = f.ZRemIfPresentAll(ctx, "game:sf2ce", "fighter-1", "fighter-2")
	require.NoError(t, err)
	assert.True(t, ok)

	card, err = f.ZCard(ctx, "game:sf2ce")
	require.NoError(t, err)
	assert.EqualValues(t, 0, card)
}

func TestFakeListsAndAtomicLMove(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.RPush(ctx, "queue.ranked", "job-1", "job-2"))

	moved, err := f.LMove(ctx, "queue.ranked", "processing.ranked", true, false)
	require.NoError(t, err)
	assert.Equal(t, "job-1", moved)

	remaining, err := f.LRange(ctx, "queue.ranked", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-2"}, remaining)

	processing, err := f.LRange(ctx, "processing.ranked", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, processing)

	require.NoError(t, f.LRem(ctx, "processing.ranked", "job-1"))
	processing, err = f.LRange(ctx, "processing.ranked", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, processing)
}

func TestFakeLMoveOnEmptySourceReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	_, err := f.LMove(ctx, "queue.cal", "processing.cal", true, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFakeStreamXAddXRead(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	id1, err := f.XAdd(ctx, "match:frames", 0, map[string]interface{}{"frame": "1"})
	require.NoError(t, err)
	_, err = f.XAdd(ctx, "match:frames", 0, map[string]interface{}{"frame": "2"})
	require.NoError(t, err)

	entries, err := f.XRead(ctx, "match:frames", id1, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2", entries[0].Values["frame"])

	all, err := f.XRead(ctx, "match:frames", "", 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFakeStreamMaxLenTrims(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	for i := 0; i < 5; i++ {
		_, err := f.XAdd(ctx, "s", 3, map[string]interface{}{"i": i})
		require.NoError(t, err)
	}
	all, err := f.XRead(ctx, "s", "", 0, 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFakeSetNXLockSemantics(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	ok, err := f.SetNX(ctx, "lock:model:abc", "holder-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.SetNX(ctx, "lock:model:abc", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second SetNX must not steal an unexpired lock")
}

func TestFakeIncrWithTTLPreservesWindow(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	n, err := f.IncrWithTTL(ctx, "rate:wallet:0xabc", 50*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	time.Sleep(10 * time.Millisecond)

	n, err = f.IncrWithTTL(ctx, "rate:wallet:0xabc", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "the window's original TTL must not be reset by a later increment")

	time.Sleep(60 * time.Millisecond)
	_, err = f.Get(ctx, "rate:wallet:0xabc")
	assert.ErrorIs(t, err, ErrNotFound, "the counter must still expire on its original window")
}

func TestFakeEvalUnsupported(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_, err := f.Eval(ctx, "return 1", nil)
	assert.Error(t, err)
}

var _ Store = (*Fake)(nil)
var _ Store = (*RedisStore)(nil)
