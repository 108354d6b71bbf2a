package adapter

import "github.com/tidwall/gjson"

// SF2CE is the Street Fighter II: Special Champion Edition (Genesis)
// adapter. Round detection tracks the delta in each side's round_wins
// counter rather than health, because this engine's health field stays
// at -1 for roughly 600 transition frames between rounds — a health
// check would either double-fire or hang. Grounded on sf2ce.py.
//
// The win-delta tracker is per-match mutable state, the one exception
// spec.md §9 allows adapters: a fresh SF2CE is constructed per match by
// New, so no state leaks between matches.
type SF2CE struct {
	adapterVersion string
	maxHealth      float64
	directional    DirectionalIndices

	prevP1Wins int
	prevP2Wins int
}

// NewSF2CE constructs a fresh win-delta tracker for one match.
func NewSF2CE() *SF2CE {
	return &SF2CE{
		adapterVersion: "1.0.0",
		maxHealth:      176,
		directional:    DirectionalIndices{Left: 6, Right: 7},
	}
}

func (a *SF2CE) GameID() string           { return "sf2ce" }
func (a *SF2CE) AdapterVersion() string   { return a.adapterVersion }
func (a *SF2CE) HasRoundTimer() bool      { return false }
func (a *SF2CE) RequiredFields() []string { return []string{"health", "round_wins"} }

func (a *SF2CE) Directional() (DirectionalIndices, bool) { return a.directional, true }

func (a *SF2CE) ValidateInfo(info []byte) error {
	return validateCommon(a.GameID(), info, a.RequiredFields())
}

func (a *SF2CE) ExtractState(info []byte) State {
	p1 := gjson.GetBytes(info, "P1")
	p2 := gjson.GetBytes(info, "P2")
	return State{
		P1Health:    normalizeHealth(p1.Get("health").Float(), a.maxHealth),
		P2Health:    normalizeHealth(p2.Get("health").Float(), a.maxHealth),
		RoundNumber: int(gjson.GetBytes(info, "round").Int()),
		Timer:       int(gjson.GetBytes(info, "timer").Int()),
		StageSide:   int(p1.Get("stage_side").Int()),
		ComboCount:  int(p1.Get("combo_count").Int()),
	}
}

// IsRoundOver fires exactly once per round_wins increment, on either
// side, skipping the long post-round transition window entirely.
func (a *SF2CE) IsRoundOver(info []byte, _ State) string {
	p1Wins := int(gjson.GetBytes(info, "P1.round_wins").Int())
	p2Wins := int(gjson.GetBytes(info, "P2.round_wins").Int())

	if p1Wins > a.prevP1Wins {
		a.prevP1Wins = p1Wins
		return "P1"
	}
	if p2Wins > a.prevP2Wins {
		a.prevP2Wins = p2Wins
		return "P2"
	}
	return ""
}

func (a *SF2CE) IsMatchOver(_ []byte, roundHistory []RoundResult, _ State, matchFormat int) string {
	p1Wins, p2Wins := countWins(roundHistory)
	need := winsNeeded(matchFormat)
	switch {
	case p1Wins >= need:
		return "P1"
	case p2Wins >= need:
		return "P2"
	default:
		return ""
	}
}

func (a *SF2CE) MirrorAction(action []bool) []bool {
	return mirrorWithIndices(action, a.directional)
}
