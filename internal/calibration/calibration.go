// Package calibration submits a newly-validated fighter through its fixed
// sequence of reference-opponent rounds: spec.md's data model names
// CalibrationMatch but the distilled component list never operationalizes
// it (SPEC_FULL.md §C.2). Grounded on original_source's
// db/models/calibration_match.py lifecycle (validating -> calibrating ->
// ready/calibration_failed) and driven through the same Emulation Queue
// calibration tier (§4.1) the Match Runner's worker pool already claims
// from, so a calibration round is just another immediate, no-betting-window
// job rather than a separate execution path.
package calibration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rawlclub/matchengine/internal/queue"
	"github.com/rawlclub/matchengine/internal/registry"
)

// Round is the opaque calibration task envelope carried as a Job's Payload
// when Job.Calibration is true. internal/runner.RunCalibrationRound decodes
// this same shape.
type Round struct {
	FighterID string `json:"fighterId"`
	Attempt   int    `json:"attempt"`
}

// Config configures a Service.
type Config struct {
	Registry *registry.Registry
	Queue    *queue.Queue
	Log      *logrus.Entry
	Rounds   int // default 5, fixed number of reference-opponent rounds
}

// Service submits fighters into calibration and enqueues their rounds.
type Service struct {
	reg    *registry.Registry
	queue  *queue.Queue
	log    *logrus.Entry
	rounds int
}

// New constructs a Service.
func New(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	rounds := cfg.Rounds
	if rounds <= 0 {
		rounds = 5
	}
	return &Service{reg: cfg.Registry, queue: cfg.Queue, log: log.WithField("component", "calibration"), rounds: rounds}
}

// Submit moves a fighter from validating to calibrating and enqueues its
// whole fixed round sequence onto the calibration tier immediately — none
// of these jobs carry a betting window, so there is nothing to defer.
// Rounds run in whatever order the worker pool claims them; each round is
// independent and only ever touches the fighter named in its own payload.
func (s *Service) Submit(ctx context.Context, fighterID string) error {
	if err := s.reg.UpdateFighterStatus(ctx, fighterID, registry.FighterCalibrating); err != nil {
		return fmt.Errorf("calibration: mark %s calibrating: %w", fighterID, err)
	}

	for attempt := 1; attempt <= s.rounds; attempt++ {
		if err := s.enqueueRound(ctx, fighterID, attempt); err != nil {
			return err
		}
	}

	s.log.WithField("fighter_id", fighterID).WithField("rounds", s.rounds).Info("fighter submitted for calibration")
	return nil
}

func (s *Service) enqueueRound(ctx context.Context, fighterID string, attempt int) error {
	payload, err := json.Marshal(Round{FighterID: fighterID, Attempt: attempt})
	if err != nil {
		return fmt.Errorf("calibration: marshal round %d for %s: %w", attempt, fighterID, err)
	}
	job := queue.Job{ID: uuid.New().String(), Payload: string(payload), Calibration: true}
	if err := s.queue.EnqueueImmediate(ctx, job); err != nil {
		return fmt.Errorf("calibration: enqueue round %d for %s: %w", attempt, fighterID, err)
	}
	return nil
}

// Recover re-enqueues the remaining rounds for every fighter a crashed
// process left in status=calibrating: their CalibrationMatch rows record
// how many rounds already completed, so recovery resumes at the next
// attempt rather than repeating rounds that already have a verdict. Called
// once at startup, before the worker pool starts claiming jobs.
func (s *Service) Recover(ctx context.Context) error {
	fighters, err := s.reg.ListFightersByStatus(ctx, registry.FighterCalibrating)
	if err != nil {
		return fmt.Errorf("calibration: list calibrating fighters: %w", err)
	}

	for _, f := range fighters {
		completed, err := s.reg.ListCalibrationMatches(ctx, f.ID)
		if err != nil {
			return fmt.Errorf("calibration: list rounds for %s: %w", f.ID, err)
		}
		next := len(completed) + 1
		if next > s.rounds {
			continue
		}
		for attempt := next; attempt <= s.rounds; attempt++ {
			if err := s.enqueueRound(ctx, f.ID, attempt); err != nil {
				return err
			}
		}
		s.log.WithField("fighter_id", f.ID).WithField("resumed_at", next).Info("resumed fighter calibration after restart")
	}
	return nil
}
