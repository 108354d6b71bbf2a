// Package kv defines the shared key-value/stream/queue primitives used by
// every other component: the emulation queue's ready-set and FIFO lists,
// the matchmaker's per-game sorted sets, heartbeat keys, live video/data
// streams, the odds cache, the model-normalization distributed lock, and
// sliding-window rate-limit counters.
//
// Store is an interface so production code runs against Redis
// (internal/kv.RedisStore) while unit tests run against an in-memory fake
// (internal/kv.Fake) with identical semantics.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/HGet/ZScore when the key or field is absent.
var ErrNotFound = errors.New("kv: not found")

// errUnsupportedEval is returned by Fake.Eval: the fake has no Lua runtime,
// so production code paths that need a scripted atomic step use
// ZPopByScore/ZRemIfPresentAll/IncrWithTTL instead, implemented natively by
// both stores.
var errUnsupportedEval = errors.New("kv: Eval is not supported by the fake store")

// StreamEntry is one record read from a stream.
type StreamEntry struct {
	ID     string
	Values map[string]interface{}
}

// ZMember is one sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the full set of primitives spec.md §6.4 requires.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Hashes
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, error)
	ZScanKeys(ctx context.Context, pattern string) ([]string, error)

	// ZPopByScore atomically reads and removes up to limit members scored
	// at most max, in ascending score order. It backs promote(): jobs whose
	// scheduled time has arrived move from the ready set into a queue tier
	// in one step, so no other promoter replica can double-promote them.
	ZPopByScore(ctx context.Context, key string, max float64, limit int64) ([]ZMember, error)

	// ZRemIfPresentAll atomically removes every given member from key, but
	// only if all of them are still present; otherwise it removes nothing
	// and reports false. It backs the matchmaker's pairing step, where two
	// fighters must be pulled off the queue together or not at all.
	ZRemIfPresentAll(ctx context.Context, key string, members ...string) (bool, error)

	// Lists
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	RPop(ctx context.Context, key string) (string, error)
	LMove(ctx context.Context, source, dest string, fromLeft, toLeft bool) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, value string) error

	// Streams
	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error)
	XRead(ctx context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEntry, error)

	// Locks & counters
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Eval runs a server-side atomic script across multiple keys. promote()
	// and the matchmaker's atomic pair-remove go through ZPopByScore and
	// ZRemIfPresentAll instead; Fake returns an error for every Eval call.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}
