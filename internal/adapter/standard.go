package adapter

import "github.com/tidwall/gjson"

// Standard is the default 1v1 adapter: health-ratio round detection with
// a timeout fallback to whoever has more health, and standard best-of-N
// match completion. Grounded on sfiii3n.py, which original_source uses
// unmodified for several games beyond its own (3rd Strike's adapter is
// the "no special case" baseline the others diverge from).
type Standard struct {
	gameID         string
	adapterVersion string
	maxHealth      float64
	hasRoundTimer  bool
	directional    *DirectionalIndices
}

// NewStandard constructs a health-ratio adapter for a game whose info
// map reports plain health/timer/stage_side fields.
func NewStandard(gameID, adapterVersion string, maxHealth float64, directional *DirectionalIndices) *Standard {
	return &Standard{
		gameID:         gameID,
		adapterVersion: adapterVersion,
		maxHealth:      maxHealth,
		hasRoundTimer:  true,
		directional:    directional,
	}
}

func (a *Standard) GameID() string         { return a.gameID }
func (a *Standard) AdapterVersion() string { return a.adapterVersion }
func (a *Standard) HasRoundTimer() bool    { return a.hasRoundTimer }
func (a *Standard) RequiredFields() []string {
	return []string{"health", "round", "timer", "stage_side"}
}

func (a *Standard) Directional() (DirectionalIndices, bool) {
	if a.directional == nil {
		return DirectionalIndices{}, false
	}
	return *a.directional, true
}

func (a *Standard) ValidateInfo(info []byte) error {
	return validateCommon(a.gameID, info, a.RequiredFields())
}

func (a *Standard) ExtractState(info []byte) State {
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

func (a *Standard) IsRoundOver(info []byte, state State) string {
	switch {
	case state.P1Health <= 0 && state.P2Health <= 0:
		return "DRAW"
	case state.P1Health <= 0:
		return "P2"
	case state.P2Health <= 0:
		return "P1"
	}
	if state.Timer <= 0 {
		switch {
		case state.P1Health > state.P2Health:
			return "P1"
		case state.P2Health > state.P1Health:
			return "P2"
		default:
			return "DRAW"
		}
	}
	return ""
}

func (a *Standard) IsMatchOver(_ []byte, roundHistory []RoundResult, _ State, matchFormat int) string {
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

func (a *Standard) MirrorAction(action []bool) []bool {
	idx, ok := a.Directional()
	if !ok {
		out := make([]bool, len(action))
		copy(out, action)
		return out
	}
	return mirrorWithIndices(action, idx)
}

func normalizeHealth(raw, max float64) float64 {
	if max <= 0 {
		return 0
	}
	n := raw / max
	if n < 0 {
		return 0
	}
	return n
}
