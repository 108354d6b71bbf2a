// Package ledgerevents is the Event Listener: a long-lived loop that
// tracks a monotonically increasing block cursor, fetches new contract
// logs in bounded chunks, and applies them as the authoritative mirror of
// ledger state onto the Registry and KV.
package ledgerevents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rawlclub/matchengine/internal/canonical"
	"github.com/rawlclub/matchengine/internal/kv"
	"github.com/rawlclub/matchengine/internal/ledger"
	"github.com/rawlclub/matchengine/internal/registry"
)

// cursorKey is the KV key the last-processed block number is persisted
// under between restarts.
const cursorKey = "ledgerevents:cursor"

// oddsTTL bounds how long a published odds snapshot lives if the match
// never updates again.
const oddsTTL = 5 * time.Minute

// LedgerSource is the subset of ledger.Client the listener reads from.
type LedgerSource interface {
	BlockHeight(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.RawEvent, error)
}

// Config configures the listener's polling and catch-up behavior.
type Config struct {
	Ledger        LedgerSource
	KV            kv.Store
	Registry      *registry.Registry
	PollInterval  time.Duration // default 2s
	MaxBlockRange uint64        // default 500
	MaxCatchup    uint64        // default 100000
	MinBackoff    time.Duration // default 1s
	MaxBackoff    time.Duration // default 30s
	Log           *logrus.Entry
}

// Listener is the Event Listener loop.
type Listener struct {
	cfg    Config
	log    *logrus.Entry
	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Listener, applying spec defaults for any zero-valued
// tuning fields.
func New(cfg Config) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 500
	}
	if cfg.MaxCatchup == 0 {
		cfg.MaxCatchup = 100000
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Listener{
		cfg: cfg,
		log: log.WithField("component", "ledgerevents"),
	}
}

// Start runs the listener's poll loop in its own goroutine.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish its current
// iteration.
func (l *Listener) Stop() {
	l.mu.Lock()
	stopCh := l.stopCh
	doneCh := l.doneCh
	l.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.doneCh)

	cursor := l.loadCursor(ctx)
	backoff := l.cfg.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-time.After(l.cfg.PollInterval):
		}

		head, err := l.cfg.Ledger.BlockHeight(ctx)
		if err != nil {
			l.log.WithError(err).Warn("block height fetch failed, backing off")
			backoff = l.sleepBackoff(ctx, backoff)
			continue
		}

		if cursor == 0 {
			cursor = head
			l.saveCursor(ctx, cursor)
			backoff = l.cfg.MinBackoff
			continue
		}

		if head <= cursor {
			backoff = l.cfg.MinBackoff
			continue
		}

		if head-cursor > l.cfg.MaxCatchup {
			l.log.WithFields(logrus.Fields{"cursor": cursor, "head": head}).
				Warn("ledger head too far ahead, skipping straight to head")
			cursor = head
			l.saveCursor(ctx, cursor)
			backoff = l.cfg.MinBackoff
			continue
		}

		failed := false
		for from := cursor + 1; from <= head; from += l.cfg.MaxBlockRange {
			to := from + l.cfg.MaxBlockRange - 1
			if to > head {
				to = head
			}

			events, err := l.cfg.Ledger.GetLogs(ctx, from, to)
			if err != nil {
				l.log.WithError(err).WithFields(logrus.Fields{"from": from, "to": to}).
					Warn("get logs failed, will retry this range")
				failed = true
				break
			}

			for _, e := range events {
				l.dispatch(ctx, e)
			}

			cursor = to
			l.saveCursor(ctx, cursor)
		}

		if failed {
			backoff = l.sleepBackoff(ctx, backoff)
			continue
		}
		backoff = l.cfg.MinBackoff
	}
}

// sleepBackoff waits out the current backoff window (or until stop/cancel)
// and returns the next, doubled and capped, window.
func (l *Listener) sleepBackoff(ctx context.Context, current time.Duration) time.Duration {
	select {
	case <-ctx.Done():
	case <-l.stopCh:
	case <-time.After(current):
	}
	next := current * 2
	if next > l.cfg.MaxBackoff {
		next = l.cfg.MaxBackoff
	}
	return next
}

func (l *Listener) loadCursor(ctx context.Context) uint64 {
	raw, err := l.cfg.KV.Get(ctx, cursorKey)
	if err != nil {
		return 0
	}
	var cursor uint64
	if _, err := fmt.Sscanf(raw, "%d", &cursor); err != nil {
		return 0
	}
	return cursor
}

func (l *Listener) saveCursor(ctx context.Context, cursor uint64) {
	if err := l.cfg.KV.Set(ctx, cursorKey, fmt.Sprintf("%d", cursor), 0); err != nil {
		l.log.WithError(err).Error("persist cursor failed")
	}
}

// dispatch applies a single event's state transition. Each handler is
// independent and logs rather than aborts the batch on failure, since a
// lost ledger event would otherwise stall the cursor forever.
func (l *Listener) dispatch(ctx context.Context, e ledger.RawEvent) {
	var err error
	switch e.Name {
	case "BetPlaced":
		err = l.onBetPlaced(ctx, e.Data)
	case "MatchLocked":
		err = l.onMatchLocked(ctx, e.Data)
	case "MatchResolved":
		err = l.onMatchResolved(ctx, e.Data)
	case "MatchCancelled":
		err = l.onMatchCancelled(ctx, e.Data)
	case "PayoutClaimed":
		err = l.onPayoutClaimed(ctx, e.Data)
	case "BetRefunded":
		err = l.onBetRefunded(ctx, e.Data)
	case "NoWinnersRefunded":
		err = l.onNoWinnersRefunded(ctx, e.Data)
	default:
		l.log.WithField("event", e.Name).Debug("ignoring unrecognized event")
		return
	}
	if err != nil {
		l.log.WithError(err).WithField("event", e.Name).Error("event handler failed")
	}
}

func (l *Listener) onBetPlaced(ctx context.Context, raw json.RawMessage) error {
	var data ledger.BetPlacedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshal BetPlaced: %w", err)
	}
	matchID, err := canonical.ParseHexMatchID(data.MatchID)
	if err != nil {
		return err
	}
	side, err := canonical.SideToBetSide(data.Side)
	if err != nil {
		return err
	}

	bet := &registry.Bet{
		ID:        uuid.New().String(),
		MatchID:   matchID,
		Wallet:    data.Bettor,
		Side:      side,
		Amount:    data.Amount,
		Status:    registry.BetConfirmed,
		CreatedAt: time.Now(),
	}
	if err := l.cfg.Registry.UpsertConfirmedBet(ctx, bet); err != nil {
		return err
	}

	m, err := l.cfg.Registry.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	sideA, sideB := m.SideATotal, m.SideBTotal
	if side == "A" {
		sideA += data.Amount
	} else {
		sideB += data.Amount
	}
	if err := l.cfg.Registry.UpdateMatchSideTotals(ctx, matchID, sideA, sideB); err != nil {
		return err
	}

	return l.publishOdds(ctx, data.MatchID, sideA, sideB)
}

func (l *Listener) publishOdds(ctx context.Context, matchHex string, sideA, sideB float64) error {
	payload, err := json.Marshal(ledger.Pool{SideATotal: sideA, SideBTotal: sideB})
	if err != nil {
		return fmt.Errorf("marshal odds payload: %w", err)
	}
	return l.cfg.KV.Set(ctx, fmt.Sprintf("odds.%s", matchHex), string(payload), oddsTTL)
}

func (l *Listener) onMatchLocked(ctx context.Context, raw json.RawMessage) error {
	var data ledger.MatchLockedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshal MatchLocked: %w", err)
	}
	matchID, err := canonical.ParseHexMatchID(data.MatchID)
	if err != nil {
		return err
	}
	return l.casIgnoringConflict(ctx, matchID, registry.MatchOpen, registry.MatchLocked,
		map[string]interface{}{"locked_at": time.Now()})
}

func (l *Listener) onMatchResolved(ctx context.Context, raw json.RawMessage) error {
	var data ledger.MatchResolvedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshal MatchResolved: %w", err)
	}
	matchID, err := canonical.ParseHexMatchID(data.MatchID)
	if err != nil {
		return err
	}
	winner, err := canonical.SideToWinner(data.Winner)
	if err != nil {
		return err
	}

	m, err := l.cfg.Registry.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	winnerFighterID := m.FighterA
	if winner == "P2" {
		winnerFighterID = m.FighterB
	}

	if err := l.cfg.Registry.UpdateMatchSideTotals(ctx, matchID, data.SideATotal, data.SideBTotal); err != nil {
		return err
	}

	set := map[string]interface{}{
		"resolved_at": time.Now(),
		"winner_id":   winnerFighterID,
	}
	if err := l.cfg.Registry.CASMatchStatus(ctx, matchID, registry.MatchLocked, registry.MatchResolved, set); err != nil {
		if _, ok := err.(*registry.ErrStatusConflict); ok {
			return l.casIgnoringConflict(ctx, matchID, registry.MatchPendingResolution, registry.MatchResolved, set)
		}
		return err
	}
	return nil
}

func (l *Listener) onMatchCancelled(ctx context.Context, raw json.RawMessage) error {
	var data ledger.MatchCancelledData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshal MatchCancelled: %w", err)
	}
	matchID, err := canonical.ParseHexMatchID(data.MatchID)
	if err != nil {
		return err
	}
	set := map[string]interface{}{"cancelled_at": time.Now()}
	if err := l.cfg.Registry.CASMatchStatus(ctx, matchID, registry.MatchOpen, registry.MatchCancelled, set); err != nil {
		if _, ok := err.(*registry.ErrStatusConflict); ok {
			return l.casIgnoringConflict(ctx, matchID, registry.MatchLocked, registry.MatchCancelled, set)
		}
		return err
	}
	return nil
}

// casIgnoringConflict attempts a CAS transition and treats a status
// conflict as a no-op: another writer already moved the row past
// fromStatus, which is expected when the Match Runner and this listener
// race on the same transition.
func (l *Listener) casIgnoringConflict(ctx context.Context, matchID, fromStatus, toStatus string, set map[string]interface{}) error {
	err := l.cfg.Registry.CASMatchStatus(ctx, matchID, fromStatus, toStatus, set)
	if err == nil {
		return nil
	}
	if _, ok := err.(*registry.ErrStatusConflict); ok {
		l.log.WithFields(logrus.Fields{"match_id": matchID, "from": fromStatus, "to": toStatus}).
			Debug("status already advanced past expected transition, skipping")
		return nil
	}
	return err
}

func (l *Listener) onPayoutClaimed(ctx context.Context, raw json.RawMessage) error {
	var data ledger.PayoutClaimedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshal PayoutClaimed: %w", err)
	}
	matchID, err := canonical.ParseHexMatchID(data.MatchID)
	if err != nil {
		return err
	}
	bet, err := l.cfg.Registry.GetBet(ctx, matchID, data.Bettor)
	if err != nil {
		return err
	}
	return l.cfg.Registry.UpdateBetStatus(ctx, bet.ID, registry.BetClaimed)
}

func (l *Listener) onBetRefunded(ctx context.Context, raw json.RawMessage) error {
	var data ledger.BetRefundedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshal BetRefunded: %w", err)
	}
	matchID, err := canonical.ParseHexMatchID(data.MatchID)
	if err != nil {
		return err
	}
	bet, err := l.cfg.Registry.GetBet(ctx, matchID, data.Bettor)
	if err != nil {
		return err
	}
	return l.cfg.Registry.UpdateBetStatus(ctx, bet.ID, registry.BetRefunded)
}

func (l *Listener) onNoWinnersRefunded(ctx context.Context, raw json.RawMessage) error {
	var data ledger.NoWinnersRefundedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshal NoWinnersRefunded: %w", err)
	}
	matchID, err := canonical.ParseHexMatchID(data.MatchID)
	if err != nil {
		return err
	}
	bets, err := l.cfg.Registry.ListBetsByMatch(ctx, matchID)
	if err != nil {
		return err
	}
	for _, b := range bets {
		if b.Status != registry.BetConfirmed {
			continue
		}
		if err := l.cfg.Registry.UpdateBetStatus(ctx, b.ID, registry.BetRefunded); err != nil {
			l.log.WithError(err).WithField("bet_id", b.ID).Error("refund bet failed")
		}
	}
	return nil
}
