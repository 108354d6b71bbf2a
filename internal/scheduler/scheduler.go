// Package scheduler runs the two ticks that turn queued fighters into
// running matches: the scheduler tick pairs fighters and opens matches,
// the promoter tick routes deferred jobs onto the active Emulation Queue.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rawlclub/matchengine/internal/adapter"
	"github.com/rawlclub/matchengine/internal/ledger"
	"github.com/rawlclub/matchengine/internal/matchmaker"
	"github.com/rawlclub/matchengine/internal/queue"
	"github.com/rawlclub/matchengine/internal/registry"
	"github.com/rawlclub/matchengine/internal/telemetry"
)

// Config configures a Scheduler.
type Config struct {
	Registry          *registry.Registry
	Matchmaker        *matchmaker.Matchmaker
	Queue             *queue.Queue
	Ledger            *ledger.Client
	Log               *logrus.Entry
	PreMatchBetWindow time.Duration // default 120s
}

// Scheduler pairs fighters and promotes deferred jobs.
type Scheduler struct {
	reg    *registry.Registry
	mm     *matchmaker.Matchmaker
	queue  *queue.Queue
	ledger *ledger.Client
	log    *logrus.Entry

	preMatchBetWindow time.Duration
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	window := cfg.PreMatchBetWindow
	if window <= 0 {
		window = 120 * time.Second
	}
	return &Scheduler{
		reg: cfg.Registry, mm: cfg.Matchmaker, queue: cfg.Queue, ledger: cfg.Ledger,
		log: log.WithField("component", "scheduler"), preMatchBetWindow: window,
	}
}

// Tick runs one scheduler pass: pair every active game, open a match for
// each successful pairing, widen the search window for games that
// produced none. Wired to the 30s scheduler tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	games, err := s.mm.ActiveGames(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list active games: %w", err)
	}

	for _, gameID := range games {
		paired := false
		for {
			fighterA, fighterB, ok, err := s.mm.TryPair(ctx, gameID)
			if err != nil {
				s.log.WithField("game_id", gameID).WithError(err).Error("try pair")
				break
			}
			if !ok {
				break
			}
			paired = true
			if err := s.openMatch(ctx, gameID, fighterA, fighterB); err != nil {
				s.log.WithField("game_id", gameID).WithError(err).Error("open match")
			}
		}
		if !paired {
			if err := s.mm.WidenWindows(ctx, gameID); err != nil {
				s.log.WithField("game_id", gameID).WithError(err).Error("widen windows")
			}
		}
	}
	return nil
}

// openMatch validates a freshly paired fighter pair is still usable,
// inserts the Match row, registers it on the ledger, and enqueues its
// deferred emulation job.
func (s *Scheduler) openMatch(ctx context.Context, gameID, fighterAID, fighterBID string) error {
	log := s.log.WithField("game_id", gameID).WithField("fighter_a", fighterAID).WithField("fighter_b", fighterBID)

	a, err := s.reg.GetFighter(ctx, fighterAID)
	if err != nil {
		return fmt.Errorf("load fighter A: %w", err)
	}
	b, err := s.reg.GetFighter(ctx, fighterBID)
	if err != nil {
		return fmt.Errorf("load fighter B: %w", err)
	}
	if a.Status != registry.FighterReady || b.Status != registry.FighterReady || a.GameID != gameID || b.GameID != gameID {
		log.Warn("pair no longer valid, dropping")
		return nil
	}

	gameAdapter, err := adapter.New(gameID)
	if err != nil {
		return fmt.Errorf("resolve adapter: %w", err)
	}

	matchID := uuid.New().String()
	startsAt := time.Now().Add(s.preMatchBetWindow)
	match := &registry.Match{
		ID: matchID, GameID: gameID, Format: 3,
		FighterA: fighterAID, FighterB: fighterBID,
		Status: registry.MatchOpen, MatchType: registry.MatchTypeRanked, HasPool: true,
		AdapterVersion: gameAdapter.AdapterVersion(),
		CreatedAt:      time.Now(), StartsAt: startsAt,
	}
	if err := s.reg.CreateMatch(ctx, match); err != nil {
		return fmt.Errorf("create match: %w", err)
	}

	const minBet = 0.1
	if err := s.ledger.CreateMatch(ctx, matchID, fighterAID, fighterBID, minBet, int(s.preMatchBetWindow.Seconds())); err != nil {
		log.WithError(err).Warn("ledger createMatch failed, cancelling")
		casErr := s.reg.CASMatchStatus(ctx, matchID, registry.MatchOpen, registry.MatchCancelled,
			map[string]interface{}{"cancel_reason": "ledger_create_failed", "cancelled_at": time.Now()})
		if casErr != nil {
			log.WithError(casErr).Error("cas cancel after ledger failure")
		}
		telemetry.MatchCancelReasons.WithLabelValues("ledger_create_failed").Inc()
		return nil
	}

	job := queue.Job{ID: matchID, Payload: matchID, Calibration: false}
	if err := s.queue.EnqueueDeferred(ctx, job, s.preMatchBetWindow); err != nil {
		return fmt.Errorf("enqueue deferred job: %w", err)
	}

	telemetry.MatchesScheduled.Inc()
	log.WithField("match_id", matchID).Info("match scheduled")
	return nil
}

// Promoter is the promoter loop: it routes due deferred jobs onto the
// active Emulation Queue every tick.
type Promoter struct {
	queue *queue.Queue
	log   *logrus.Entry
}

// NewPromoter constructs a Promoter.
func NewPromoter(q *queue.Queue, log *logrus.Entry) *Promoter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Promoter{queue: q, log: log.WithField("component", "promoter")}
}

// Tick promotes every job currently due. Wired to the 5s promoter tick.
func (p *Promoter) Tick(ctx context.Context) error {
	routed, err := p.queue.Promote(ctx)
	if err != nil {
		return fmt.Errorf("promoter: %w", err)
	}
	if routed > 0 {
		telemetry.PromotedJobs.Add(float64(routed))
		p.log.WithField("routed", routed).Debug("promoted jobs")
	}
	return nil
}
