// Package watchdog is the heartbeat liveness checker: every tick it walks
// every locked match and cancels, permissionlessly, any whose Match Runner
// has stopped refreshing its heartbeat key or never started one at all.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawlclub/matchengine/internal/kv"
	"github.com/rawlclub/matchengine/internal/ledger"
	"github.com/rawlclub/matchengine/internal/registry"
	"github.com/rawlclub/matchengine/internal/runner"
	"github.com/rawlclub/matchengine/internal/telemetry"
)

// Reason tags recorded on the match row and the WatchdogKills counter.
const (
	ReasonNeverStarted   = "engine_never_started"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
)

// neverStartedGrace is how long a locked match is given to write its first
// heartbeat before an absent key counts as engine_never_started.
const neverStartedGrace = 2 * runner.HeartbeatTTL

// Watchdog is a single run of the heartbeat check, wired into
// internal/worker.Group by the caller.
type Watchdog struct {
	reg    *registry.Registry
	kv     kv.Store
	ledger *ledger.Client
	log    *logrus.Entry
}

// Config configures a Watchdog.
type Config struct {
	Registry *registry.Registry
	KV       kv.Store
	Ledger   *ledger.Client
	Log      *logrus.Entry
}

// New constructs a Watchdog.
func New(cfg Config) *Watchdog {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Watchdog{reg: cfg.Registry, kv: cfg.KV, ledger: cfg.Ledger, log: log.WithField("component", "watchdog")}
}

// Tick checks every locked match's heartbeat and cancels the dead ones. It
// is the function passed to internal/worker.Group.AddFunc.
func (w *Watchdog) Tick(ctx context.Context) error {
	matches, err := w.reg.ListLockedMatches(ctx)
	if err != nil {
		return fmt.Errorf("watchdog: list locked matches: %w", err)
	}

	for _, m := range matches {
		reason, dead := w.isDead(ctx, &m)
		if !dead {
			continue
		}
		if err := w.kill(ctx, &m, reason); err != nil {
			w.log.WithField("match_id", m.ID).WithError(err).Error("kill stale match")
		}
	}
	return nil
}

func (w *Watchdog) isDead(ctx context.Context, m *registry.Match) (string, bool) {
	lockedAt := m.CreatedAt
	if m.LockedAt.Valid {
		lockedAt = m.LockedAt.Time
	}

	value, err := w.kv.Get(ctx, runner.HeartbeatKey(m.ID))
	if errors.Is(err, kv.ErrNotFound) {
		if time.Since(lockedAt) > neverStartedGrace {
			return ReasonNeverStarted, true
		}
		return "", false
	}
	if err != nil {
		w.log.WithField("match_id", m.ID).WithError(err).Warn("heartbeat lookup failed, skipping this tick")
		return "", false
	}

	last, err := time.Parse(time.RFC3339, value)
	if err != nil {
		w.log.WithField("match_id", m.ID).WithError(err).Warn("heartbeat value unparseable, treating as stale")
		return ReasonHeartbeatTimeout, true
	}
	if time.Since(last) > runner.HeartbeatTTL {
		return ReasonHeartbeatTimeout, true
	}
	return "", false
}

func (w *Watchdog) kill(ctx context.Context, m *registry.Match, reason string) error {
	log := w.log.WithField("match_id", m.ID).WithField("reason", reason)
	log.Warn("killing stale match")

	if w.ledger != nil {
		if err := w.ledger.CancelMatch(ctx, m.ID); err != nil {
			log.WithError(err).Warn("ledger cancel failed, proceeding with registry cancel")
		}
	}

	err := w.reg.CASMatchStatus(ctx, m.ID, registry.MatchLocked, registry.MatchCancelled,
		map[string]interface{}{"cancel_reason": reason, "cancelled_at": time.Now()})
	var conflict *registry.ErrStatusConflict
	if errors.As(err, &conflict) {
		// Another loop (the Match Runner itself finishing, or a second
		// watchdog tick racing this one) already moved the match on.
		return nil
	}
	if err != nil {
		return fmt.Errorf("cas cancel: %w", err)
	}

	telemetry.WatchdogKills.WithLabelValues(reason).Inc()
	telemetry.MatchCancelReasons.WithLabelValues(reason).Inc()
	return nil
}
