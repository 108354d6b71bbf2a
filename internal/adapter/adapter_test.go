package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestNew_UnknownGame(t *testing.T) {
	_, err := New("no-such-game")
	require.Error(t, err)
	var uge *UnknownGameError
	assert.ErrorAs(t, err, &uge)
}

func TestStandard_ValidateInfo(t *testing.T) {
	a := NewStandard("sfiii3n", "1.0.0", 176, nil)

	ok := raw(t, map[string]interface{}{
		"P1": map[string]interface{}{"health": 100, "round": 1, "timer": 99, "stage_side": 0},
		"P2": map[string]interface{}{"health": 100, "round": 1, "timer": 99, "stage_side": 1},
		"round": 1, "timer": 99,
	})
	assert.NoError(t, a.ValidateInfo(ok))

	missing := raw(t, map[string]interface{}{
		"P1": map[string]interface{}{"stage_side": 0},
		"P2": map[string]interface{}{"health": 100, "stage_side": 1},
		"round": 1, "timer": 99,
	})
	err := a.ValidateInfo(missing)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Missing["P1"], "health")
	assert.Contains(t, verr.Missing["P1"], "timer")
}

func TestStandard_IsRoundOver(t *testing.T) {
	a := NewStandard("sfiii3n", "1.0.0", 176, nil)

	info := raw(t, map[string]interface{}{
		"P1": map[string]interface{}{"health": 0, "stage_side": 0},
		"P2": map[string]interface{}{"health": 50, "stage_side": 1},
		"round": 1, "timer": 50,
	})
	state := a.ExtractState(info)
	assert.Equal(t, "P2", a.IsRoundOver(info, state))

	draw := raw(t, map[string]interface{}{
		"P1": map[string]interface{}{"health": 0, "stage_side": 0},
		"P2": map[string]interface{}{"health": 0, "stage_side": 1},
		"round": 1, "timer": 50,
	})
	drawState := a.ExtractState(draw)
	assert.Equal(t, "DRAW", a.IsRoundOver(draw, drawState))

	live := raw(t, map[string]interface{}{
		"P1": map[string]interface{}{"health": 80, "stage_side": 0},
		"P2": map[string]interface{}{"health": 80, "stage_side": 1},
		"round": 1, "timer": 50,
	})
	liveState := a.ExtractState(live)
	assert.Equal(t, "", a.IsRoundOver(live, liveState))
}

func TestStandard_MirrorAction_Idempotent(t *testing.T) {
	a := NewStandard("umk3", "1.0.0", 166, nil)
	action := []bool{false, true, false, false, false, false, true, false}
	out := a.MirrorAction(action)
	assert.Equal(t, action, out, "non-directional adapter mirror must be identity")
}

func TestSF2CE_RoundWinsDelta(t *testing.T) {
	a := NewSF2CE()

	frame1 := raw(t, map[string]interface{}{
		"P1": map[string]interface{}{"health": -1, "round_wins": 1, "stage_side": 0},
		"P2": map[string]interface{}{"health": -1, "round_wins": 0, "stage_side": 1},
	})
	assert.Equal(t, "P1", a.IsRoundOver(frame1, State{}))

	// Health still at -1 for the transition window: no further decision
	// is fired on an unchanged round_wins count.
	stillTransition := raw(t, map[string]interface{}{
		"P1": map[string]interface{}{"health": -1, "round_wins": 1, "stage_side": 0},
		"P2": map[string]interface{}{"health": -1, "round_wins": 0, "stage_side": 1},
	})
	assert.Equal(t, "", a.IsRoundOver(stillTransition, State{}))

	p2Wins := raw(t, map[string]interface{}{
		"P1": map[string]interface{}{"health": -1, "round_wins": 1, "stage_side": 0},
		"P2": map[string]interface{}{"health": -1, "round_wins": 1, "stage_side": 1},
	})
	assert.Equal(t, "P2", a.IsRoundOver(p2Wins, State{}))
}

func TestSF2CE_MirrorSwapsDirectionalBits(t *testing.T) {
	a := NewSF2CE()
	action := make([]bool, 8)
	action[6] = true // left pressed
	out := a.MirrorAction(action)
	assert.False(t, out[6])
	assert.True(t, out[7])
}

func TestSquad_MatchOverIgnoresFormat(t *testing.T) {
	a := NewSquad("kof98", 3, 103)

	state := State{P1TeamHealth: []float64{0, 0, 0.2}, P2TeamHealth: []float64{0.1, 0.2, 0.3}}
	// matchFormat=5 passed but irrelevant: P1 still has one alive character.
	assert.Equal(t, "", a.IsMatchOver(nil, nil, state, 5))

	allDead := State{P1TeamHealth: []float64{0.5, 0.2, 0.1}, P2TeamHealth: []float64{0, 0, 0}}
	assert.Equal(t, "P1", a.IsMatchOver(nil, nil, allDead, 1))
}

func TestSquad_SimultaneousKOIsDraw(t *testing.T) {
	a := NewSquad("kof98", 3, 103)
	state := State{P1Health: 0, P2Health: 0, Timer: 50}
	assert.Equal(t, "DRAW", a.IsRoundOver(nil, state))
}
