package registry

import (
	"context"
	"fmt"
)

// CreateFighter inserts a new fighter in status=validating.
func (r *Registry) CreateFighter(ctx context.Context, f *Fighter) error {
	const q = `
INSERT INTO fighters (id, owner, game_id, character, model_ref, elo, division, wins, losses, status, created_at, updated_at)
VALUES (:id, :owner, :game_id, :character, :model_ref, :elo, :division, :wins, :losses, :status, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, q, f)
	if err != nil {
		return fmt.Errorf("create fighter: %w", err)
	}
	return nil
}

// GetFighter fetches a fighter by id.
func (r *Registry) GetFighter(ctx context.Context, id string) (*Fighter, error) {
	var f Fighter
	if err := r.db.GetContext(ctx, &f, `SELECT * FROM fighters WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("get fighter %s: %w", id, err)
	}
	return &f, nil
}

// UpdateFighterStatus moves a fighter through
// validating -> calibrating -> ready/calibration_failed, or to rejected.
func (r *Registry) UpdateFighterStatus(ctx context.Context, id, status string) error {
	const q = `UPDATE fighters SET status = $1, updated_at = now() WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, q, status, id); err != nil {
		return fmt.Errorf("update fighter status: %w", err)
	}
	return nil
}

// ListFightersByStatus returns every fighter currently in the given status,
// used by the calibration service to resume fighters left mid-calibration
// by a crashed process (their rounds are still queued, but a restart needs
// to know which fighters are still awaiting a verdict).
func (r *Registry) ListFightersByStatus(ctx context.Context, status string) ([]Fighter, error) {
	var rows []Fighter
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM fighters WHERE status = $1`, status); err != nil {
		return nil, fmt.Errorf("list fighters by status %s: %w", status, err)
	}
	return rows, nil
}

// ApplyEloResult updates a fighter's Elo rating and win/loss tally after a
// resolved match.
func (r *Registry) ApplyEloResult(ctx context.Context, id string, newElo float64, won bool) error {
	q := `UPDATE fighters SET elo = $1, updated_at = now()`
	if won {
		q += `, wins = wins + 1`
	} else {
		q += `, losses = losses + 1`
	}
	q += ` WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, q, newElo, id); err != nil {
		return fmt.Errorf("apply elo result: %w", err)
	}
	return nil
}

// UpdateFighterDivision overwrites a fighter's informational division
// bucket. Division is derived from Elo (internal/elo.Division) and never
// itself authoritative, so it is written as a plain update rather than
// folded into ApplyEloResult's CAS-free path.
func (r *Registry) UpdateFighterDivision(ctx context.Context, id, division string) error {
	const q = `UPDATE fighters SET division = $1, updated_at = now() WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, q, division, id); err != nil {
		return fmt.Errorf("update fighter division: %w", err)
	}
	return nil
}

// CountRatedMatches returns how many resolved matches a fighter has played,
// used to pick the K=40/K=20 Elo factor.
func (r *Registry) CountRatedMatches(ctx context.Context, fighterID string) (int, error) {
	const q = `
SELECT count(*) FROM matches
WHERE status = $1 AND (fighter_a = $2 OR fighter_b = $2)`
	var n int
	if err := r.db.GetContext(ctx, &n, q, MatchResolved, fighterID); err != nil {
		return 0, fmt.Errorf("count rated matches: %w", err)
	}
	return n, nil
}
