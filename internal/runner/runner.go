// Package runner implements the Match Runner: the per-match child process
// that loads both fighters' models, drives the emulator frame by frame,
// delegates round/match termination to the game's Adapter, and resolves
// the match on both the registry and the ledger once a winner is decided.
//
// Grounded on the teacher's worker lifecycle shape (start, do work inside a
// bounded loop, always release resources on the way out, report a typed
// outcome) as infrastructure/service/runner.go models it for a marble
// service, adapted here to a single match's run rather than a whole
// process's run.
package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rawlclub/matchengine/internal/adapter"
	"github.com/rawlclub/matchengine/internal/calibration"
	"github.com/rawlclub/matchengine/internal/canonical"
	"github.com/rawlclub/matchengine/internal/contentstore"
	"github.com/rawlclub/matchengine/internal/elo"
	"github.com/rawlclub/matchengine/internal/kv"
	"github.com/rawlclub/matchengine/internal/ledger"
	"github.com/rawlclub/matchengine/internal/registry"
	"github.com/rawlclub/matchengine/internal/validator"
)

// HeartbeatTTL is the staleness threshold the watchdog compares the
// heartbeat value's own timestamp against; the runner refreshes well
// inside this window.
const HeartbeatTTL = 60 * time.Second

// heartbeatKVTTL is the KV key's own expiry, kept well past HeartbeatTTL so
// the key's *presence* survives long enough for the watchdog to tell
// "present but stale" (value-timestamp comparison) apart from "genuinely
// never written" (key absent) — collapsing both into one signal would
// misclassify a match that ran fine for a while then died as
// engine_never_started.
const heartbeatKVTTL = 10 * HeartbeatTTL

// HeartbeatKey returns the KV key the runner refreshes every tick and the
// watchdog polls for staleness.
func HeartbeatKey(matchID string) string { return heartbeatKey(matchID) }

func heartbeatKey(matchID string) string { return "heartbeat." + matchID }

// Replay artifact keys. A resolved match uploads four objects: the three
// replay files under one shared base key, plus the hash payload kept
// under its own prefix — the same bytes canonical.ComputeMatchHash hashed,
// so the two concerns (what bytes were hashed, what the replay looked
// like) never share a key. Grounded on replay_recorder.py's upload_to_s3
// file list plus match_runner.py's separate hashes/{match_id}.json put.
func replayBaseKey(matchID string) string { return "replays/" + matchID }
func mjpegKey(matchID string) string      { return replayBaseKey(matchID) + ".mjpeg" }
func statesKey(matchID string) string     { return replayBaseKey(matchID) + ".json" }
func idxKey(matchID string) string        { return replayBaseKey(matchID) + ".idx" }
func hashPayloadKey(matchID string) string { return "hashes/" + matchID + ".json" }

// ErrMaxFramesExceeded signals the frame loop hit its safety cap without
// the adapter ever deciding a winner. RunMatch treats this as an immediate
// cancellation, never a tiebreak: a match that runs away is evidence of a
// stuck engine or a pathological model, not a genuine draw.
var ErrMaxFramesExceeded = errors.New("runner: match exceeded max frames")

// ErrNoWinner signals the emulator ended the episode (terminated or
// truncated) without the adapter ever reporting a match winner, and the
// final recorded round was not itself a draw — so there is nothing for
// the tiebreaker cascade to resolve either.
var ErrNoWinner = errors.New("runner: match terminated without a decided winner")

// Publisher fans a running match's frames out to live viewers. Kept as a
// narrow interface here so the runner never imports the stream hub's
// websocket machinery directly.
type Publisher interface {
	PublishFrame(ctx context.Context, matchID string, seq int, frame Frame) error
	PublishEOS(ctx context.Context, matchID string, reason string) error
}

// Config wires the Match Runner's dependencies.
type Config struct {
	Registry     *registry.Registry
	Ledger       *ledger.Client
	KV           kv.Store
	ContentStore *contentstore.Store
	Models       *ModelCache
	NewEmulator  EmulatorFactory
	LoadModel    ModelLoader
	Publisher    Publisher
	Log          *logrus.Entry

	MaxMatchFrames    int
	FrameSkip         int
	HeartbeatInterval time.Duration

	// StreamingFPS and DataHz set the batch pacing budget (FrameSkip /
	// StreamingFPS seconds per batch) and the state-record interval
	// (StreamingFPS / DataHz frames). StreamingFPS left at 0 disables
	// pacing, and either left at 0 records a state on every frame, which
	// unit tests generally want.
	StreamingFPS int
	DataHz       int

	// CalibrationReferenceModelRef and CalibrationReferenceElo describe the
	// fixed reference opponent every calibration round is played against.
	// CalibrationRounds is the fixed sequence length a fighter's attempt
	// count is checked against to decide when calibration is complete.
	CalibrationReferenceModelRef string
	CalibrationReferenceElo      float64
	CalibrationRounds            int
}

// Runner executes exactly one match's full lifecycle per RunMatch call. A
// Runner instance is reused across matches (its dependencies are all
// shared, stateless clients); per-match state lives entirely on the stack
// of RunMatch.
type Runner struct {
	cfg Config
	log *logrus.Entry
}

// New constructs a Runner, filling in default tuning knobs.
func New(cfg Config) *Runner {
	if cfg.MaxMatchFrames <= 0 {
		cfg.MaxMatchFrames = 100_000
	}
	if cfg.FrameSkip <= 0 {
		cfg.FrameSkip = 4
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.NewEmulator == nil {
		cfg.NewEmulator = noopFactory
	}
	if cfg.LoadModel == nil {
		cfg.LoadModel = noopModelLoader
	}
	if cfg.CalibrationReferenceElo <= 0 {
		cfg.CalibrationReferenceElo = 1200
	}
	if cfg.CalibrationRounds <= 0 {
		cfg.CalibrationRounds = 5
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{cfg: cfg, log: log.WithField("component", "runner")}
}

// outcome is the frame loop's result, carried into resolve() to finish the
// match on the registry and ledger.
type outcome struct {
	winner        string
	matchHash     string
	rounds        []map[string]interface{}
	actions       []map[string]interface{}
	replayPayload []byte
	recorder      *Recorder
}

// RunMatch executes one locked match end to end. It never returns an error
// for a recoverable emulator/adapter failure: those cancel the match (on
// the ledger and in the registry) and return nil so the worker pool's child
// lifecycle stays simple. RunMatch's error return is reserved for failures
// in the surrounding orchestration (registry/ledger unreachable before the
// match could even start) that the caller must itself retry or escalate.
func (r *Runner) RunMatch(ctx context.Context, matchID string) error {
	log := r.log.WithField("match_id", matchID)

	match, err := r.cfg.Registry.GetMatch(ctx, matchID)
	if err != nil {
		return fmt.Errorf("load match %s: %w", matchID, err)
	}
	fighterA, err := r.cfg.Registry.GetFighter(ctx, match.FighterA)
	if err != nil {
		return fmt.Errorf("load fighter A %s: %w", match.FighterA, err)
	}
	fighterB, err := r.cfg.Registry.GetFighter(ctx, match.FighterB)
	if err != nil {
		return fmt.Errorf("load fighter B %s: %w", match.FighterB, err)
	}

	gameAdapter, err := adapter.New(match.GameID)
	if err != nil {
		// No enumerated tag names "no adapter registered for this game";
		// classified under engine_exception per DESIGN.md's note on
		// reusing that bucket for pre-lock setup failures the closed
		// tag set has no dedicated entry for.
		log.WithError(err).Error("no adapter for game")
		return r.cancel(ctx, log, match, "engine_exception")
	}

	modelAPath, err := r.cfg.Models.Load(ctx, fighterA.ModelRef)
	if err != nil {
		log.WithError(err).Error("load fighter A model")
		return r.cancel(ctx, log, match, "engine_exception")
	}
	modelBPath, err := r.cfg.Models.Load(ctx, fighterB.ModelRef)
	if err != nil {
		log.WithError(err).Error("load fighter B model")
		return r.cancel(ctx, log, match, "engine_exception")
	}

	modelA, err := r.cfg.LoadModel(ctx, modelAPath)
	if err != nil {
		log.WithError(err).Error("load fighter A model weights")
		return r.cancel(ctx, log, match, "engine_exception")
	}
	modelB, err := r.cfg.LoadModel(ctx, modelBPath)
	if err != nil {
		log.WithError(err).Error("load fighter B model weights")
		return r.cancel(ctx, log, match, "engine_exception")
	}

	emu, err := r.cfg.NewEmulator(ctx, match.GameID, modelAPath, modelBPath)
	if err != nil {
		log.WithError(err).Error("start emulator")
		return r.cancel(ctx, log, match, "engine_never_started")
	}
	defer func() {
		if cerr := emu.Close(); cerr != nil {
			log.WithError(cerr).Warn("emulator close failed")
		}
	}()

	// Pre-lock validation: probe one frame before committing the ledger
	// lock, so a misconfigured adapter/model pairing never burns a betting
	// window the players can't get back. No model has predicted an action
	// yet, so the probe carries an empty one.
	probe, err := emu.Step(ctx, ActionPair{})
	if err != nil {
		log.WithError(err).Error("probe frame")
		return r.cancel(ctx, log, match, "validation_failed")
	}
	if err := gameAdapter.ValidateInfo(probe.Info); err != nil {
		log.WithError(err).Error("adapter pre-lock validation")
		return r.cancel(ctx, log, match, "validation_failed")
	}

	if err := r.cfg.Ledger.LockMatch(ctx, matchID); err != nil {
		log.WithError(err).Error("ledger lock")
		return r.cancel(ctx, log, match, "engine_exception")
	}
	if err := r.cfg.Registry.CASMatchStatus(ctx, matchID, registry.MatchOpen, registry.MatchLocked,
		map[string]interface{}{"locked_at": time.Now()}); err != nil {
		// Another writer (Watchdog/Timeout loop) already moved this match
		// out of open; the ledger lock we just placed is now orphaned, but
		// that is the permissionless Timeout loop's problem to clean up,
		// not ours — we bail out without touching this match further.
		return fmt.Errorf("cas lock match %s: %w", matchID, err)
	}

	if err := r.refreshHeartbeat(ctx, matchID); err != nil {
		log.WithError(err).Warn("initial heartbeat write failed")
	}

	out, runErr := r.frameLoop(ctx, log, match, emu, gameAdapter, modelA, modelB, probe)
	if runErr != nil {
		switch {
		case errors.Is(runErr, ErrMaxFramesExceeded):
			log.WithError(runErr).Error("match exceeded max frames")
			return r.cancel(ctx, log, match, "max_frames_exceeded")
		case errors.Is(runErr, ErrNoWinner):
			log.WithError(runErr).Error("match terminated without a winner")
			return r.cancel(ctx, log, match, "terminated_no_winner")
		default:
			log.WithError(runErr).Error("frame loop failed")
			return r.cancel(ctx, log, match, "engine_exception")
		}
	}

	return r.resolve(ctx, log, match, fighterA, fighterB, out)
}

// frameLoop drives the emulator two levels deep: an outer batch loop that
// runs inference once per batch, and an inner loop that steps the
// emulator FrameSkip times with that single batch's chosen action. Per
// step, it validates the info payload, publishes the frame, records the
// replay, and checks round/match completion, the episode-termination
// signal, and the frame-count safety cap — in that order, so a frame that
// decides the match or ends the episode is acted on even when it is also
// the frame that reaches the cap.
func (r *Runner) frameLoop(ctx context.Context, log *logrus.Entry, match *registry.Match, emu Emulator, gameAdapter adapter.Adapter, modelA, modelB Model, initial Frame) (*outcome, error) {
	fieldValidator := validator.New(match.ID, gameAdapter.RequiredFields(), log)
	rec := NewRecorder()

	obsA := newPlayerObserver(modelA)
	obsB := newPlayerObserver(modelB)

	var rounds []map[string]interface{}
	var actions []map[string]interface{}
	lastRoundAppended := -1
	roundDecided := false
	lastHeartbeat := time.Now()
	dataInterval := dataPublishInterval(r.cfg.StreamingFPS, r.cfg.DataHz)

	decidedMatchWinner := ""
	seq := 0
	frameCount := 0
	current := initial

batches:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		batchStart := time.Now()

		observationA, err := obsA.observe(current.Image, false)
		if err != nil {
			return nil, fmt.Errorf("build P1 observation: %w", err)
		}
		// P2's observation is a horizontal flip of the rendered frame.
		observationB, err := obsB.observe(current.Image, true)
		if err != nil {
			return nil, fmt.Errorf("build P2 observation: %w", err)
		}

		actionA, err := modelA.Predict(ctx, observationA)
		if err != nil {
			return nil, fmt.Errorf("model A predict: %w", err)
		}
		actionB, err := modelB.Predict(ctx, observationB)
		if err != nil {
			return nil, fmt.Errorf("model B predict: %w", err)
		}
		// P2's action has its declared left/right bits swapped before
		// stepping the emulator — a second, independent mirroring from
		// the observation flip above. Both must be applied; neither
		// alone is correct.
		mirroredB := Action(gameAdapter.MirrorAction([]bool(actionB)))

		for skip := 0; skip < r.cfg.FrameSkip; skip++ {
			frameCount++

			frame, err := emu.Step(ctx, ActionPair{P1: actionA, P2: mirroredB})
			if err != nil {
				return nil, fmt.Errorf("emulator step %d: %w", frameCount, err)
			}
			current = frame

			// Post-lock field validation is logged-only, never fatal: a
			// sustained sensor dropout is evidence worth keeping, not
			// grounds to cancel a match whose betting pool is already
			// locked.
			if verr := fieldValidator.CheckFrame(frame.Info); verr != nil {
				log.WithError(verr).Warn("field validation threshold crossed")
			}

			state := gameAdapter.ExtractState(frame.Info)

			if r.cfg.Publisher != nil {
				if perr := r.cfg.Publisher.PublishFrame(ctx, match.ID, seq, frame); perr != nil {
					log.WithError(perr).Warn("publish frame failed")
				}
			}
			seq++

			var recordedState map[string]interface{}
			if frameCount%dataInterval == 0 {
				recordedState = stateToMap(match.ID, state)
			}
			rec.WriteFrame(frame.Image, recordedState)

			actions = append(actions, map[string]interface{}{
				"frame":     frameCount,
				"p1_action": []bool(actionA),
				"p2_action": []bool(mirroredB),
			})

			roundWinner := gameAdapter.IsRoundOver(frame.Info, state)
			if roundWinner != "" {
				if !roundDecided || state.RoundNumber > lastRoundAppended {
					rounds = append(rounds, map[string]interface{}{
						"winner":    roundWinner,
						"p1_health": state.P1Health,
						"p2_health": state.P2Health,
					})
					lastRoundAppended = state.RoundNumber
					roundDecided = true
				}
			} else {
				roundDecided = false
			}

			if mw := gameAdapter.IsMatchOver(frame.Info, toRoundResults(rounds), state, match.Format); mw != "" {
				decidedMatchWinner = mw
				break batches
			}

			if frame.Done {
				break batches
			}

			if frameCount >= r.cfg.MaxMatchFrames {
				return nil, ErrMaxFramesExceeded
			}
		}

		if time.Since(lastHeartbeat) >= r.cfg.HeartbeatInterval {
			if herr := r.refreshHeartbeat(ctx, match.ID); herr != nil {
				log.WithError(herr).Warn("heartbeat refresh failed")
			}
			lastHeartbeat = time.Now()
		}

		if r.cfg.StreamingFPS > 0 {
			budget := time.Duration(float64(r.cfg.FrameSkip) / float64(r.cfg.StreamingFPS) * float64(time.Second))
			if elapsed := time.Since(batchStart); elapsed < budget {
				time.Sleep(budget - elapsed)
			}
		}
	}

	rec.Close()

	if decidedMatchWinner == "" {
		// The engine ended the episode without the adapter ever deciding
		// a winner. Only a genuine draw on the last recorded round gives
		// the tiebreaker cascade something to resolve; anything else is
		// a match that just never finished.
		if len(rounds) > 0 && rounds[len(rounds)-1]["winner"] == "DRAW" {
			decidedMatchWinner = canonical.ResolveTiebreaker(rounds, match.ID)
		} else {
			return nil, ErrNoWinner
		}
	}

	payload, hash, err := canonical.ComputeMatchHash(match.ID, decidedMatchWinner, rounds, actions, gameAdapter.AdapterVersion())
	if err != nil {
		return nil, fmt.Errorf("compute match hash: %w", err)
	}

	return &outcome{
		winner:        decidedMatchWinner,
		matchHash:     hash,
		rounds:        rounds,
		actions:       actions,
		replayPayload: payload,
		recorder:      rec,
	}, nil
}

// stateToMap mirrors the original's asdict(state) plus match_id/status,
// the shape a replay's sparse state records and (eventually) the data
// channel publish both carry.
func stateToMap(matchID string, s adapter.State) map[string]interface{} {
	return map[string]interface{}{
		"match_id":     matchID,
		"status":       "live",
		"p1_health":    s.P1Health,
		"p2_health":    s.P2Health,
		"round_number": s.RoundNumber,
		"timer":        s.Timer,
		"stage_side":   s.StageSide,
		"combo_count":  s.ComboCount,
	}
}

// dataPublishInterval is the frame-count modulus a state record gets
// captured on, derived from the target streaming fps and data-channel hz.
// A non-positive input disables pacing entirely, so tests that leave
// these unset still record a state on every frame.
func dataPublishInterval(streamingFPS, dataHz int) int {
	if streamingFPS <= 0 || dataHz <= 0 {
		return 1
	}
	n := streamingFPS / dataHz
	if n <= 0 {
		return 1
	}
	return n
}

func toRoundResults(rounds []map[string]interface{}) []adapter.RoundResult {
	out := make([]adapter.RoundResult, 0, len(rounds))
	for _, r := range rounds {
		winner, _ := r["winner"].(string)
		p1, _ := r["p1_health"].(float64)
		p2, _ := r["p2_health"].(float64)
		out = append(out, adapter.RoundResult{Winner: winner, P1Health: p1, P2Health: p2})
	}
	return out
}

func (r *Runner) refreshHeartbeat(ctx context.Context, matchID string) error {
	return r.cfg.KV.Set(ctx, heartbeatKey(matchID), time.Now().Format(time.RFC3339), heartbeatKVTTL)
}

// cancel is the exception-handling path: cancel on the ledger (best
// effort), CAS the registry row to cancelled, and publish an EOS sentinel
// so any connected viewer knows the stream has ended. It intentionally
// tolerates an ErrStatusConflict: some other writer already moved the row
// past whatever status we last observed, which means the match is already
// being wound down by someone else.
//
// reason must be one of spec.md §7's enumerated cancel-reason tags
// (validation_failed, engine_exception, engine_never_started,
// heartbeat_timeout, max_frames_exceeded, terminated_no_winner, timeout,
// invalid_winner) — callers log the underlying error themselves before
// calling cancel so the full detail still reaches the logs without being
// embedded in cancel_reason, which external tooling aggregates on.
func (r *Runner) cancel(ctx context.Context, log *logrus.Entry, match *registry.Match, reason string) error {
	log.WithField("reason", reason).Warn("cancelling match")
	if err := r.cfg.Ledger.CancelMatch(ctx, match.ID); err != nil {
		log.WithError(err).Error("ledger cancel failed")
	}
	err := r.cfg.Registry.CASMatchStatus(ctx, match.ID, match.Status, registry.MatchCancelled,
		map[string]interface{}{"cancel_reason": reason, "cancelled_at": time.Now()})
	if err != nil {
		if _, ok := err.(*registry.ErrStatusConflict); !ok {
			return fmt.Errorf("cas cancel match %s: %w", match.ID, err)
		}
	}
	if r.cfg.Publisher != nil {
		if perr := r.cfg.Publisher.PublishEOS(ctx, match.ID, reason); perr != nil {
			log.WithError(perr).Warn("publish EOS after cancel failed")
		}
	}
	return nil
}

// resolve uploads the hash payload and the three-file replay artifact,
// resolves the match on the ledger, CASes the registry row to resolved,
// and applies the Elo update. Any upload failure does not abort
// resolution: the match still resolves on-chain and in the registry (with
// replay_ref left unset if the replay bundle failed), and the failed
// bytes are dead-lettered into failed_uploads for the content-store drain
// worker to retry later.
func (r *Runner) resolve(ctx context.Context, log *logrus.Entry, match *registry.Match, fighterA, fighterB *registry.Fighter, out *outcome) error {
	if r.cfg.ContentStore != nil {
		key := hashPayloadKey(match.ID)
		if err := r.cfg.ContentStore.Put(ctx, key, out.replayPayload, "application/json"); err != nil {
			r.deadLetter(ctx, log, match.ID, key, out.replayPayload, err)
		}
	}

	replayRef := ""
	if r.cfg.ContentStore != nil && out.recorder != nil {
		mjpeg, states, idx, err := out.recorder.Artifacts()
		if err != nil {
			log.WithError(err).Error("build replay artifacts failed")
		} else {
			files := []struct {
				key         string
				data        []byte
				contentType string
			}{
				{mjpegKey(match.ID), mjpeg, "video/x-motion-jpeg"},
				{statesKey(match.ID), states, "application/json"},
				{idxKey(match.ID), idx, "application/octet-stream"},
			}
			allOK := true
			for _, f := range files {
				if perr := r.cfg.ContentStore.Put(ctx, f.key, f.data, f.contentType); perr != nil {
					allOK = false
					r.deadLetter(ctx, log, match.ID, f.key, f.data, perr)
				}
			}
			if allOK {
				replayRef = replayBaseKey(match.ID)
			}
		}
	}

	if err := r.cfg.Ledger.ResolveMatch(ctx, match.ID, out.winner); err != nil {
		return fmt.Errorf("ledger resolve match %s: %w", match.ID, err)
	}

	roundHistory, err := json.Marshal(out.rounds)
	if err != nil {
		return fmt.Errorf("marshal round history: %w", err)
	}

	winnerID := fighterA.ID
	winnerFighter, loserFighter := fighterA, fighterB
	if out.winner == "P2" {
		winnerID = fighterB.ID
		winnerFighter, loserFighter = fighterB, fighterA
	}

	set := map[string]interface{}{
		"winner_id":     winnerID,
		"match_hash":    out.matchHash,
		"round_history": roundHistory,
		"resolved_at":   time.Now(),
	}
	if replayRef != "" {
		set["replay_ref"] = replayRef
	}

	if err := r.cfg.Registry.CASMatchStatus(ctx, match.ID, registry.MatchLocked, registry.MatchResolved, set); err != nil {
		return fmt.Errorf("cas resolve match %s: %w", match.ID, err)
	}

	if err := r.applyElo(ctx, log, winnerFighter, loserFighter); err != nil {
		log.WithError(err).Error("elo update failed")
	}

	if r.cfg.Publisher != nil {
		if perr := r.cfg.Publisher.PublishEOS(ctx, match.ID, "resolved"); perr != nil {
			log.WithError(perr).Warn("publish EOS after resolve failed")
		}
	}
	return nil
}

// deadLetter records one failed content-store upload for the drain
// worker to retry, logging the failure so it's visible before that
// retry ever happens.
func (r *Runner) deadLetter(ctx context.Context, log *logrus.Entry, matchID, key string, payload []byte, uploadErr error) {
	log.WithError(uploadErr).WithField("key", key).Error("content store upload failed, dead-lettering")
	failed := &registry.FailedUpload{
		ID:         uuid.New().String(),
		MatchID:    matchID,
		Key:        key,
		Payload:    payload,
		RetryCount: 0,
		LastError:  uploadErr.Error(),
		Status:     registry.UploadFailed,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if ferr := r.cfg.Registry.CreateFailedUpload(ctx, failed); ferr != nil {
		log.WithError(ferr).Error("failed to record dead-lettered upload")
	}
}

// RunCalibrationRound executes one round of a fighter's fixed calibration
// sequence against the configured reference opponent: load the fighter's
// model and the reference's, run the match to a decision the same way
// RunMatch does (minus the ledger lock and betting pool — calibration never
// has either), and record the verdict as an immutable CalibrationMatch row.
// A round error marks the fighter calibration_failed and stops there rather
// than continuing the sequence; a clean result nudges the fighter's
// provisional Elo and, on the fixed sequence's last attempt, promotes the
// fighter to ready.
func (r *Runner) RunCalibrationRound(ctx context.Context, payload string) error {
	var round calibration.Round
	if err := json.Unmarshal([]byte(payload), &round); err != nil {
		return fmt.Errorf("unmarshal calibration round payload: %w", err)
	}
	log := r.log.WithField("fighter_id", round.FighterID).WithField("attempt", round.Attempt)

	fighter, err := r.cfg.Registry.GetFighter(ctx, round.FighterID)
	if err != nil {
		return fmt.Errorf("load fighter %s: %w", round.FighterID, err)
	}
	if fighter.Status != registry.FighterCalibrating {
		// Already decided (ready/calibration_failed) by an earlier round in
		// this same sequence, or by a race with another worker; this round
		// is a no-op.
		log.WithField("status", fighter.Status).Debug("fighter no longer calibrating, skipping round")
		return nil
	}

	gameAdapter, err := adapter.New(fighter.GameID)
	if err != nil {
		log.WithError(err).Error("no adapter for game")
		return r.failCalibration(ctx, log, round, "engine_exception")
	}

	fighterModelPath, err := r.cfg.Models.Load(ctx, fighter.ModelRef)
	if err != nil {
		log.WithError(err).Error("load fighter model")
		return r.failCalibration(ctx, log, round, "engine_exception")
	}
	referenceModelPath, err := r.cfg.Models.Load(ctx, r.cfg.CalibrationReferenceModelRef)
	if err != nil {
		log.WithError(err).Error("load reference model")
		return r.failCalibration(ctx, log, round, "engine_exception")
	}

	fighterModel, err := r.cfg.LoadModel(ctx, fighterModelPath)
	if err != nil {
		log.WithError(err).Error("load fighter model weights")
		return r.failCalibration(ctx, log, round, "engine_exception")
	}
	referenceModel, err := r.cfg.LoadModel(ctx, referenceModelPath)
	if err != nil {
		log.WithError(err).Error("load reference model weights")
		return r.failCalibration(ctx, log, round, "engine_exception")
	}

	emu, err := r.cfg.NewEmulator(ctx, fighter.GameID, fighterModelPath, referenceModelPath)
	if err != nil {
		log.WithError(err).Error("start emulator")
		return r.failCalibration(ctx, log, round, "engine_never_started")
	}
	defer func() {
		if cerr := emu.Close(); cerr != nil {
			log.WithError(cerr).Warn("emulator close failed")
		}
	}()

	probe, err := emu.Step(ctx, ActionPair{})
	if err != nil {
		log.WithError(err).Error("probe frame")
		return r.failCalibration(ctx, log, round, "validation_failed")
	}
	if err := gameAdapter.ValidateInfo(probe.Info); err != nil {
		log.WithError(err).Error("adapter pre-lock validation")
		return r.failCalibration(ctx, log, round, "validation_failed")
	}

	// Each calibration attempt is its own single-round decision, not a
	// best-of series: the fixed attempt sequence is what accumulates
	// evidence about the fighter's strength, not any one round's format.
	calibMatch := &registry.Match{ID: fmt.Sprintf("calibration-%s-%d", round.FighterID, round.Attempt), Format: 1}
	out, err := r.frameLoop(ctx, log, calibMatch, emu, gameAdapter, fighterModel, referenceModel, probe)
	if err != nil {
		log.WithError(err).Error("frame loop")
		return r.failCalibration(ctx, log, round, "engine_exception")
	}

	won := out.winner == "P1"
	eloChange := elo.NewRating(fighter.Elo, r.cfg.CalibrationReferenceElo, won, round.Attempt-1) - fighter.Elo
	result := "loss"
	if won {
		result = "win"
	}

	if err := r.recordCalibrationRound(ctx, round, r.cfg.CalibrationReferenceElo, result, eloChange, ""); err != nil {
		return err
	}
	if err := r.cfg.Registry.ApplyEloResult(ctx, fighter.ID, fighter.Elo+eloChange, won); err != nil {
		log.WithError(err).Error("apply calibration elo result failed")
	}
	if err := r.cfg.Registry.UpdateFighterDivision(ctx, fighter.ID, elo.Division(fighter.Elo+eloChange)); err != nil {
		log.WithError(err).Error("update calibration division failed")
	}

	if round.Attempt >= r.cfg.CalibrationRounds {
		if err := r.cfg.Registry.UpdateFighterStatus(ctx, fighter.ID, registry.FighterReady); err != nil {
			return fmt.Errorf("promote fighter %s to ready: %w", fighter.ID, err)
		}
		log.Info("fighter completed calibration, promoted to ready")
	}
	return nil
}

// failCalibration records the errored round and moves the fighter straight
// to calibration_failed: a calibration round that can't run at all is not
// something more rounds would fix. reason reuses the same closed
// enumerated tag set cancel() writes into Match.cancel_reason, for the
// same aggregation reason; callers log the underlying error themselves
// beforehand.
func (r *Runner) failCalibration(ctx context.Context, log *logrus.Entry, round calibration.Round, reason string) error {
	log.WithField("reason", reason).Warn("calibration round failed")
	if err := r.recordCalibrationRound(ctx, round, r.cfg.CalibrationReferenceElo, "error", 0, reason); err != nil {
		return err
	}
	if err := r.cfg.Registry.UpdateFighterStatus(ctx, round.FighterID, registry.FighterCalibrationFailed); err != nil {
		return fmt.Errorf("mark fighter %s calibration_failed: %w", round.FighterID, err)
	}
	return nil
}

func (r *Runner) recordCalibrationRound(ctx context.Context, round calibration.Round, referenceElo float64, result string, eloChange float64, errText string) error {
	row := &registry.CalibrationMatch{
		ID:           uuid.New().String(),
		FighterID:    round.FighterID,
		ReferenceElo: referenceElo,
		Result:       result,
		EloChange:    eloChange,
		Attempt:      round.Attempt,
		CreatedAt:    time.Now(),
	}
	if errText != "" {
		row.Error = sql.NullString{String: errText, Valid: true}
	}
	if err := r.cfg.Registry.CreateCalibrationMatch(ctx, row); err != nil {
		return fmt.Errorf("record calibration round %d for %s: %w", round.Attempt, round.FighterID, err)
	}
	return nil
}

// applyElo computes and persists both fighters' post-match rating and
// division. resolve() calls it for every resolved match whatever its
// match_type; the scheduler only opens matches between fighters already in
// ready status, so a fighter still in calibration does not reach here.
func (r *Runner) applyElo(ctx context.Context, log *logrus.Entry, winner, loser *registry.Fighter) error {
	winnerMatches, err := r.cfg.Registry.CountRatedMatches(ctx, winner.ID)
	if err != nil {
		return fmt.Errorf("count rated matches for winner %s: %w", winner.ID, err)
	}
	loserMatches, err := r.cfg.Registry.CountRatedMatches(ctx, loser.ID)
	if err != nil {
		return fmt.Errorf("count rated matches for loser %s: %w", loser.ID, err)
	}

	result := elo.Apply(winner.Elo, winnerMatches, loser.Elo, loserMatches)

	if err := r.cfg.Registry.ApplyEloResult(ctx, winner.ID, result.WinnerElo, true); err != nil {
		return fmt.Errorf("apply elo to winner %s: %w", winner.ID, err)
	}
	if err := r.cfg.Registry.ApplyEloResult(ctx, loser.ID, result.LoserElo, false); err != nil {
		return fmt.Errorf("apply elo to loser %s: %w", loser.ID, err)
	}
	if err := r.cfg.Registry.UpdateFighterDivision(ctx, winner.ID, result.WinnerDivision); err != nil {
		return fmt.Errorf("update winner division %s: %w", winner.ID, err)
	}
	if err := r.cfg.Registry.UpdateFighterDivision(ctx, loser.ID, result.LoserDivision); err != nil {
		return fmt.Errorf("update loser division %s: %w", loser.ID, err)
	}
	return nil
}
