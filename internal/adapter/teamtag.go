package adapter

import (
	"strconv"

	"github.com/tidwall/gjson"
)

// Squad is a fixed-size team-elimination adapter (King of Fighters 98
// style 3v3): each "round" is really one character's elimination, and the
// match itself ends the moment one side has no characters left standing
// — matchFormat is accepted for interface consistency but ignored, per
// spec.md §4.7. Grounded on kof98.py.
type Squad struct {
	gameID         string
	adapterVersion string
	teamSize       int
	maxHealth      float64
	directional    DirectionalIndices
}

// NewSquad constructs a team-elimination adapter for a fixed squad size.
func NewSquad(gameID string, teamSize int, maxHealth float64) *Squad {
	return &Squad{
		gameID:         gameID,
		adapterVersion: "1.0.0",
		teamSize:       teamSize,
		maxHealth:      maxHealth,
		directional:    DirectionalIndices{Left: 6, Right: 7},
	}
}

func (a *Squad) GameID() string         { return a.gameID }
func (a *Squad) AdapterVersion() string { return a.adapterVersion }
func (a *Squad) HasRoundTimer() bool    { return true }
func (a *Squad) RequiredFields() []string {
	fields := []string{"health", "active_character", "stage_side"}
	for i := 0; i < a.teamSize; i++ {
		fields = append(fields, teamHealthKey(i))
	}
	return fields
}

func (a *Squad) Directional() (DirectionalIndices, bool) { return a.directional, true }

func (a *Squad) ValidateInfo(info []byte) error {
	return validateCommon(a.GameID(), info, a.RequiredFields())
}

func (a *Squad) extractTeamHealth(info []byte, player string) []float64 {
	team := make([]float64, a.teamSize)
	p := gjson.GetBytes(info, player)
	for i := 0; i < a.teamSize; i++ {
		team[i] = normalizeHealth(p.Get(teamHealthKey(i)).Float(), a.maxHealth)
	}
	return team
}

func (a *Squad) ExtractState(info []byte) State {
	p1 := gjson.GetBytes(info, "P1")
	p2 := gjson.GetBytes(info, "P2")
	p1Team := a.extractTeamHealth(info, "P1")
	p2Team := a.extractTeamHealth(info, "P2")
	p1Active := int(p1.Get("active_character").Int())
	p2Active := int(p2.Get("active_character").Int())

	p1Health := 0.0
	if p1Active < len(p1Team) {
		p1Health = p1Team[p1Active]
	}
	p2Health := 0.0
	if p2Active < len(p2Team) {
		p2Health = p2Team[p2Active]
	}

	return State{
		P1Health:     p1Health,
		P2Health:     p2Health,
		RoundNumber:  int(gjson.GetBytes(info, "round").Int()),
		Timer:        int(gjson.GetBytes(info, "timer").Int()),
		StageSide:    int(p1.Get("stage_side").Int()),
		ComboCount:   int(p1.Get("combo_count").Int()),
		P1TeamHealth: p1Team,
		P2TeamHealth: p2Team,
	}
}

// IsRoundOver fires on each individual character KO (or a simultaneous
// double-KO draw) using the currently active characters' health.
func (a *Squad) IsRoundOver(_ []byte, state State) string {
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

// IsMatchOver ends the match when one side has zero characters left
// alive, independent of roundHistory/matchFormat.
func (a *Squad) IsMatchOver(_ []byte, _ []RoundResult, state State, _ int) string {
	p1Alive := countAlive(state.P1TeamHealth)
	p2Alive := countAlive(state.P2TeamHealth)
	switch {
	case p2Alive == 0:
		return "P1"
	case p1Alive == 0:
		return "P2"
	default:
		return ""
	}
}

func (a *Squad) MirrorAction(action []bool) []bool {
	return mirrorWithIndices(action, a.directional)
}

func countAlive(healths []float64) int {
	n := 0
	for _, h := range healths {
		if h > 0 {
			n++
		}
	}
	return n
}

func teamHealthKey(i int) string {
	return "char_" + strconv.Itoa(i) + "_health"
}
