// Package reconciler keeps local bet records eventually consistent with
// ledger state under partial failure, and forces locked matches that got
// stuck past their timeout window off the books.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawlclub/matchengine/internal/ledger"
	"github.com/rawlclub/matchengine/internal/registry"
	"github.com/rawlclub/matchengine/internal/telemetry"
)

const defaultBatchSize = 50

// Config configures a Reconciler.
type Config struct {
	Registry *registry.Registry
	Ledger   *ledger.Client
	Log      *logrus.Entry

	BatchSize         int           // default 50
	StalePendingAfter time.Duration // default 1h
	StaleLockedAfter  time.Duration // default 30m
}

// Reconciler runs the bet reconciliation and stale-match timeout ticks.
type Reconciler struct {
	reg    *registry.Registry
	ledger *ledger.Client
	log    *logrus.Entry

	batchSize         int
	stalePendingAfter time.Duration
	staleLockedAfter  time.Duration
}

// New constructs a Reconciler.
func New(cfg Config) *Reconciler {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	stalePending := cfg.StalePendingAfter
	if stalePending <= 0 {
		stalePending = time.Hour
	}
	staleLocked := cfg.StaleLockedAfter
	if staleLocked <= 0 {
		staleLocked = 30 * time.Minute
	}
	return &Reconciler{
		reg: cfg.Registry, ledger: cfg.Ledger, log: log.WithField("component", "reconciler"),
		batchSize: batch, stalePendingAfter: stalePending, staleLockedAfter: staleLocked,
	}
}

// ReconcileBets runs phase A (finished-match cleanup) then phase B
// (stale-pending expiry). It is the function wired to the 60s reconciler
// tick.
func (r *Reconciler) ReconcileBets(ctx context.Context) error {
	if err := r.phaseA(ctx); err != nil {
		return fmt.Errorf("reconciler phase A: %w", err)
	}
	if err := r.phaseB(ctx); err != nil {
		return fmt.Errorf("reconciler phase B: %w", err)
	}
	return nil
}

// phaseA reconciles confirmed bets on matches that have already finished:
// if the ledger still has a record of the bet, it was settled, so the
// local row moves to claimed (resolved match) or refunded (cancelled
// match). An RPC error leaves the bet untouched for the next cycle.
func (r *Reconciler) phaseA(ctx context.Context) error {
	bets, err := r.reg.ListConfirmedBetsForFinishedMatches(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("list confirmed bets for finished matches: %w", err)
	}

	processed, succeeded, failed := 0, 0, 0
	for _, b := range bets {
		processed++
		match, err := r.reg.GetMatch(ctx, b.MatchID)
		if err != nil {
			failed++
			r.log.WithField("bet_id", b.ID).WithError(err).Warn("phase A: load match")
			continue
		}

		exists, err := r.ledger.BetExists(ctx, b.MatchID, b.Wallet)
		if err != nil {
			// RPC failure: never mutate, retry next cycle.
			failed++
			r.log.WithField("bet_id", b.ID).WithError(err).Warn("phase A: ledger bet lookup failed")
			continue
		}
		if !exists {
			// Not yet settled on-chain; leave confirmed for a later cycle.
			continue
		}

		status := registry.BetClaimed
		if match.Status == registry.MatchCancelled {
			status = registry.BetRefunded
		}
		if err := r.reg.UpdateBetStatus(ctx, b.ID, status); err != nil {
			failed++
			r.log.WithField("bet_id", b.ID).WithError(err).Warn("phase A: update bet status")
			continue
		}
		succeeded++
		telemetry.BetsReconciled.WithLabelValues(status).Inc()
	}
	r.log.WithField("processed", processed).WithField("succeeded", succeeded).WithField("failed", failed).
		Debug("phase A complete")
	return nil
}

// phaseB expires pending bets the ledger has no record of after
// StalePendingAfter, and promotes the rest (the ledger confirms them, our
// local confirmation webhook/event simply hasn't arrived yet) to confirmed.
func (r *Reconciler) phaseB(ctx context.Context) error {
	cutoff := time.Now().Add(-r.stalePendingAfter)
	bets, err := r.reg.ListStalePendingBets(ctx, cutoff, r.batchSize)
	if err != nil {
		return fmt.Errorf("list stale pending bets: %w", err)
	}

	processed, succeeded, failed := 0, 0, 0
	for _, b := range bets {
		processed++
		exists, err := r.ledger.BetExists(ctx, b.MatchID, b.Wallet)
		if err != nil {
			failed++
			r.log.WithField("bet_id", b.ID).WithError(err).Warn("phase B: ledger bet lookup failed")
			continue
		}

		status := registry.BetExpired
		if exists {
			status = registry.BetConfirmed
		}
		if err := r.reg.UpdateBetStatus(ctx, b.ID, status); err != nil {
			failed++
			r.log.WithField("bet_id", b.ID).WithError(err).Warn("phase B: update bet status")
			continue
		}
		succeeded++
		telemetry.BetsReconciled.WithLabelValues(status).Inc()
	}
	r.log.WithField("processed", processed).WithField("succeeded", succeeded).WithField("failed", failed).
		Debug("phase B complete")
	return nil
}

// TimeoutStaleMatches submits a permissionless ledger timeout for every
// match that has been locked longer than StaleLockedAfter, moving it to
// cancelled with reason=timeout on success.
func (r *Reconciler) TimeoutStaleMatches(ctx context.Context) error {
	cutoff := time.Now().Add(-r.staleLockedAfter)
	matches, err := r.reg.ListStaleLockedMatches(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale locked matches: %w", err)
	}

	for _, m := range matches {
		log := r.log.WithField("match_id", m.ID)
		if err := r.ledger.TimeoutMatch(ctx, m.ID); err != nil {
			log.WithError(err).Warn("ledger timeout call failed, will retry next cycle")
			continue
		}

		err = r.reg.CASMatchStatus(ctx, m.ID, registry.MatchLocked, registry.MatchCancelled,
			map[string]interface{}{"cancel_reason": "timeout", "cancelled_at": time.Now()})
		var conflict *registry.ErrStatusConflict
		if errors.As(err, &conflict) {
			continue // already moved on by the runner or the watchdog
		}
		if err != nil {
			log.WithError(err).Error("cas cancel after ledger timeout")
			continue
		}
		telemetry.MatchCancelReasons.WithLabelValues("timeout").Inc()
	}
	return nil
}
