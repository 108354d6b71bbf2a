// Package adapter implements the per-game normalization and
// termination-logic module spec.md §4.7 describes: a tagged-variant set
// keyed by gameId, each declaring its required info fields, P2 mirror
// button indices, and round/match completion rules.
//
// Grounded on original_source's packages/backend/src/rawl/game_adapters
// (base.py's GameAdapter ABC, sf2ce.py/sfiii3n.py/tektagt.py's concrete
// variants), with field presence lookups via tidwall/gjson the way the
// teacher's services/datafeeds package reads nested JSON fields.
package adapter

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// State is the normalized per-frame snapshot every adapter extracts from
// the emulator's raw info map: healths normalized to [0,1].
type State struct {
	P1Health    float64
	P2Health    float64
	RoundNumber int
	Timer       int
	StageSide   int
	ComboCount  int

	// Team variants (tektagt-style) additionally populate these; they
	// are zero-valued/empty for 1v1 adapters.
	P1TeamHealth []float64
	P2TeamHealth []float64
}

// ValidationError lists, per player, which required info fields were
// missing on a frame. It is fatal pre-lock and logged-only post-lock
// (spec.md §7 item 2).
type ValidationError struct {
	GameID  string
	Missing map[string][]string
}

func (e *ValidationError) Error() string {
	players := make([]string, 0, len(e.Missing))
	for p := range e.Missing {
		players = append(players, p)
	}
	sort.Strings(players)
	msg := fmt.Sprintf("adapter validation failed for %s. missing fields —", e.GameID)
	for _, p := range players {
		msg += fmt.Sprintf(" %s: %v;", p, e.Missing[p])
	}
	return msg
}

// DirectionalIndices names the action-bit positions an adapter's P2
// mirror swaps, keyed "left"/"right". An adapter with no entries has no
// directional mirroring to do; MirrorAction is then the identity.
type DirectionalIndices struct {
	Left  int
	Right int
}

// Adapter is the per-game interface spec.md §4.7 requires. Implementations
// carry no mutable state except where a delta tracker (sf2ce-style round
// detection) genuinely needs per-match memory; that tracker lives on a
// fresh adapter instance created per match by New, never shared
// across matches.
type Adapter interface {
	GameID() string
	AdapterVersion() string
	RequiredFields() []string
	HasRoundTimer() bool
	Directional() (DirectionalIndices, bool)

	// ValidateInfo checks every required field is present for both
	// players, returning a *ValidationError listing what's missing.
	ValidateInfo(info []byte) error

	// ExtractState normalizes the raw info payload.
	ExtractState(info []byte) State

	// IsRoundOver returns "P1", "P2", "DRAW", or "" (no decision yet).
	IsRoundOver(info []byte, state State) string

	// IsMatchOver returns "P1", "P2", or "" given the rounds completed
	// so far and the configured best-of format.
	IsMatchOver(info []byte, roundHistory []RoundResult, state State, matchFormat int) string

	// MirrorAction swaps the declared left/right action bits for P2's
	// mirrored observation. Idempotent and a no-op on non-directional
	// adapters.
	MirrorAction(action []bool) []bool
}

// RoundResult is one completed round, as appended to a match's
// roundHistory.
type RoundResult struct {
	Winner   string  `json:"winner"`
	P1Health float64 `json:"p1_health"`
	P2Health float64 `json:"p2_health"`
}

// fieldsPresent reports, for a single player's info sub-object, which of
// requiredFields are absent.
func fieldsPresent(info []byte, player string, requiredFields []string) []string {
	var missing []string
	base := gjson.GetBytes(info, player)
	for _, f := range requiredFields {
		if !base.Get(f).Exists() {
			missing = append(missing, f)
		}
	}
	return missing
}

// validateCommon is the shared ValidateInfo body every adapter delegates
// to with its own required-field list.
func validateCommon(gameID string, info []byte, requiredFields []string) error {
	missing := map[string][]string{}
	for _, player := range []string{"P1", "P2"} {
		if m := fieldsPresent(info, player, requiredFields); len(m) > 0 {
			missing[player] = m
		}
	}
	if len(missing) > 0 {
		return &ValidationError{GameID: gameID, Missing: missing}
	}
	return nil
}

func mirrorWithIndices(action []bool, idx DirectionalIndices) []bool {
	out := make([]bool, len(action))
	copy(out, action)
	if idx.Left < len(out) && idx.Right < len(out) {
		out[idx.Left], out[idx.Right] = out[idx.Right], out[idx.Left]
	}
	return out
}

// winsNeeded is the standard best-of-N threshold: first to ceil(format/2).
func winsNeeded(matchFormat int) int {
	return matchFormat/2 + 1
}

// countWins tallies P1/P2 round wins out of a roundHistory.
func countWins(roundHistory []RoundResult) (p1, p2 int) {
	for _, r := range roundHistory {
		switch r.Winner {
		case "P1":
			p1++
		case "P2":
			p2++
		}
	}
	return p1, p2
}

