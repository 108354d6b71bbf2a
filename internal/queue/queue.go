// Package queue is the two-tier Emulation Queue: ranked matches are
// enqueued with a delay equal to their betting window, calibration jobs
// run immediately, and the worker pool always drains ranked ahead of
// calibration.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rawlclub/matchengine/internal/kv"
)

// Tier names match the KV key suffixes (`queue.ranked`, `processing.cal`, ...).
const (
	TierRanked = "ranked"
	TierCal    = "cal"
)

const (
	readyKey = "ready"
	jobsKey  = "jobs"
	// defaultPromoteBatch caps how many due jobs a single promote() call
	// routes, so one slow promoter tick can't starve its peers.
	defaultPromoteBatch = 200
)

// Job is the opaque unit of work the queue carries: enough to reconstruct
// a Match Runner invocation plus the tier-routing flag.
type Job struct {
	ID          string `json:"id"`
	Payload     string `json:"payload"`
	Calibration bool   `json:"calibration"`
}

func queueKey(tier string) string      { return "queue." + tier }
func processingKey(tier string) string { return "processing." + tier }

// Queue is the Emulation Queue, backed by a kv.Store.
type Queue struct {
	kv           kv.Store
	promoteBatch int64
}

// Config configures the queue's tuning knobs.
type Config struct {
	KV           kv.Store
	PromoteBatch int64 // default 200
}

// New constructs a Queue.
func New(cfg Config) *Queue {
	batch := cfg.PromoteBatch
	if batch <= 0 {
		batch = defaultPromoteBatch
	}
	return &Queue{kv: cfg.KV, promoteBatch: batch}
}

// EnqueueDeferred writes the job payload to the `jobs` hash and schedules
// it in `ready` at now+delay. promote() later routes it to its tier.
func (q *Queue) EnqueueDeferred(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := q.kv.HSet(ctx, jobsKey, job.ID, string(payload)); err != nil {
		return fmt.Errorf("store deferred job %s: %w", job.ID, err)
	}
	runAt := float64(time.Now().Add(delay).Unix())
	if err := q.kv.ZAdd(ctx, readyKey, runAt, job.ID); err != nil {
		return fmt.Errorf("schedule deferred job %s: %w", job.ID, err)
	}
	return nil
}

// EnqueueImmediate pushes a job directly onto its tier's active queue,
// skipping the deferred `ready` set entirely.
func (q *Queue) EnqueueImmediate(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	tier := TierRanked
	if job.Calibration {
		tier = TierCal
	}
	if err := q.kv.RPush(ctx, queueKey(tier), string(payload)); err != nil {
		return fmt.Errorf("enqueue immediate job %s: %w", job.ID, err)
	}
	return nil
}

// Promote atomically pops every `ready` entry due by now (capped at
// promoteBatch) and routes each to its tier's active queue. ZPopByScore's
// atomic read+remove means two concurrent promoter replicas never
// double-route the same job.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	due, err := q.kv.ZPopByScore(ctx, readyKey, float64(time.Now().Unix()), q.promoteBatch)
	if err != nil {
		return 0, fmt.Errorf("pop due jobs: %w", err)
	}

	routed := 0
	for _, m := range due {
		raw, err := q.kv.HGet(ctx, jobsKey, m.Member)
		if err == kv.ErrNotFound {
			// Already consumed by a prior (possibly crashed mid-route)
			// promote() call; nothing left to route.
			continue
		}
		if err != nil {
			return routed, fmt.Errorf("load job %s: %w", m.Member, err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return routed, fmt.Errorf("unmarshal job %s: %w", m.Member, err)
		}

		tier := TierRanked
		if job.Calibration {
			tier = TierCal
		}
		if err := q.kv.RPush(ctx, queueKey(tier), raw); err != nil {
			return routed, fmt.Errorf("route job %s: %w", m.Member, err)
		}
		if err := q.kv.HDel(ctx, jobsKey, m.Member); err != nil {
			return routed, fmt.Errorf("clean up routed job %s: %w", m.Member, err)
		}
		routed++
	}
	return routed, nil
}

// Claim atomically moves the head of queue.tier to the tail of
// processing.tier and returns its payload. It returns ("", false, nil)
// when the tier is empty.
func (q *Queue) Claim(ctx context.Context, tier string) (string, bool, error) {
	payload, err := q.kv.LMove(ctx, queueKey(tier), processingKey(tier), true, false)
	if err == kv.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("claim from %s: %w", tier, err)
	}
	return payload, true, nil
}

// ClaimAny drains `queue.ranked` before `queue.cal`: calibration only runs
// when there is no ranked work waiting.
func (q *Queue) ClaimAny(ctx context.Context) (payload string, tier string, ok bool, err error) {
	for _, t := range []string{TierRanked, TierCal} {
		payload, ok, err = q.Claim(ctx, t)
		if err != nil {
			return "", "", false, err
		}
		if ok {
			return payload, t, true, nil
		}
	}
	return "", "", false, nil
}

// Ack removes a claimed payload from processing.tier once the worker has
// finished (successfully or not) with it.
func (q *Queue) Ack(ctx context.Context, tier, payload string) error {
	if err := q.kv.LRem(ctx, processingKey(tier), payload); err != nil {
		return fmt.Errorf("ack %s job: %w", tier, err)
	}
	return nil
}

// RecoverProcessing moves every item left in processing.* back onto its
// queue.*, for a worker pool restarting after a crash mid-claim.
func (q *Queue) RecoverProcessing(ctx context.Context) error {
	for _, tier := range []string{TierRanked, TierCal} {
		for {
			_, err := q.kv.LMove(ctx, processingKey(tier), queueKey(tier), true, false)
			if err == kv.ErrNotFound {
				break
			}
			if err != nil {
				return fmt.Errorf("recover processing.%s: %w", tier, err)
			}
		}
	}
	return nil
}
