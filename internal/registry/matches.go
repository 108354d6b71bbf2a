package registry

import (
	"context"
	"fmt"
	"time"
)

// CreateMatch inserts a new Match row in status=open.
func (r *Registry) CreateMatch(ctx context.Context, m *Match) error {
	const q = `
INSERT INTO matches (id, game_id, format, fighter_a, fighter_b, status, match_type, has_pool, adapter_version, created_at, starts_at)
VALUES (:id, :game_id, :format, :fighter_a, :fighter_b, :status, :match_type, :has_pool, :adapter_version, :created_at, :starts_at)`
	_, err := r.db.NamedExecContext(ctx, q, m)
	if err != nil {
		return fmt.Errorf("create match: %w", err)
	}
	return nil
}

// GetMatch fetches a match by id.
func (r *Registry) GetMatch(ctx context.Context, id string) (*Match, error) {
	var m Match
	if err := r.db.GetContext(ctx, &m, `SELECT * FROM matches WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("get match %s: %w", id, err)
	}
	return &m, nil
}

// ListLockedMatches returns every match currently in locked status, used by
// the heartbeat watchdog and the stale-match timeout loop.
func (r *Registry) ListLockedMatches(ctx context.Context) ([]Match, error) {
	var matches []Match
	err := r.db.SelectContext(ctx, &matches, `SELECT * FROM matches WHERE status = $1`, MatchLocked)
	if err != nil {
		return nil, fmt.Errorf("list locked matches: %w", err)
	}
	return matches, nil
}

// ListStaleLockedMatches returns locked matches whose coalesce(locked_at,
// created_at) is older than olderThan, for the stale-match timeout loop.
func (r *Registry) ListStaleLockedMatches(ctx context.Context, olderThan time.Time) ([]Match, error) {
	const q = `
SELECT * FROM matches
WHERE status = $1 AND coalesce(locked_at, created_at) < $2`
	var matches []Match
	if err := r.db.SelectContext(ctx, &matches, q, MatchLocked, olderThan); err != nil {
		return nil, fmt.Errorf("list stale locked matches: %w", err)
	}
	return matches, nil
}

// casSettableColumns is the allow-list of Match columns CASMatchStatus will
// write besides status itself. Every call site today passes a static map
// literal, but the column names still flow into the query string via
// fmt.Sprintf rather than a placeholder, so an unrecognized key is rejected
// outright instead of being trusted.
var casSettableColumns = map[string]bool{
	"locked_at":     true,
	"cancel_reason": true,
	"cancelled_at":  true,
	"winner_id":     true,
	"match_hash":    true,
	"round_history": true,
	"resolved_at":   true,
	"replay_ref":    true,
}

// CASMatchStatus performs a conditional status transition: the update only
// applies if the row is currently in fromStatus, so the Match Runner, Event
// Listener, Watchdog, and Timeout loop can race on the same row without
// clobbering each other. set contains the additional columns to write
// alongside status (e.g. locked_at, cancel_reason) — every key must be in
// casSettableColumns.
func (r *Registry) CASMatchStatus(ctx context.Context, id, fromStatus, toStatus string, set map[string]interface{}) error {
	cols := []string{"status = :to_status"}
	args := map[string]interface{}{
		"id":         id,
		"from_status": fromStatus,
		"to_status":   toStatus,
	}
	for k, v := range set {
		if !casSettableColumns[k] {
			return fmt.Errorf("cas match status: column %q is not in the settable allow-list", k)
		}
		cols = append(cols, fmt.Sprintf("%s = :%s", k, k))
		args[k] = v
	}
	q := fmt.Sprintf(`UPDATE matches SET %s WHERE id = :id AND status = :from_status`, joinCols(cols))

	res, err := r.db.NamedExecContext(ctx, q, args)
	if err != nil {
		return fmt.Errorf("cas match status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas match status rows affected: %w", err)
	}
	if n == 0 {
		return &ErrStatusConflict{Table: "matches", ID: id, ExpectStatus: fromStatus}
	}
	return nil
}

// UpdateMatchSideTotals overwrites the authoritative side totals, used by
// the Event Listener on BetPlaced/MatchResolved events.
func (r *Registry) UpdateMatchSideTotals(ctx context.Context, id string, sideA, sideB float64) error {
	const q = `UPDATE matches SET side_a_total = $1, side_b_total = $2 WHERE id = $3`
	_, err := r.db.ExecContext(ctx, q, sideA, sideB, id)
	if err != nil {
		return fmt.Errorf("update match side totals: %w", err)
	}
	return nil
}

func joinCols(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}
