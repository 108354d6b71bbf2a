package registry

import (
	"context"
	"fmt"
)

// CreateCalibrationMatch inserts a new calibration round result. Rows are
// immutable once written: there is no UpdateCalibrationMatch.
func (r *Registry) CreateCalibrationMatch(ctx context.Context, c *CalibrationMatch) error {
	const q = `
INSERT INTO calibration_matches (id, fighter_id, reference_elo, result, elo_change, attempt, error, created_at)
VALUES (:id, :fighter_id, :reference_elo, :result, :elo_change, :attempt, :error, :created_at)`
	_, err := r.db.NamedExecContext(ctx, q, c)
	if err != nil {
		return fmt.Errorf("create calibration match: %w", err)
	}
	return nil
}

// ListCalibrationMatches returns every calibration round for a fighter, in
// attempt order.
func (r *Registry) ListCalibrationMatches(ctx context.Context, fighterID string) ([]CalibrationMatch, error) {
	const q = `SELECT * FROM calibration_matches WHERE fighter_id = $1 ORDER BY attempt ASC`
	var rows []CalibrationMatch
	if err := r.db.SelectContext(ctx, &rows, q, fighterID); err != nil {
		return nil, fmt.Errorf("list calibration matches: %w", err)
	}
	return rows, nil
}
