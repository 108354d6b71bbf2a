package elo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func assertNotInDelta(t *testing.T, expected, actual, delta float64) {
	t.Helper()
	assert.Greater(t, math.Abs(expected-actual), delta)
}

func TestKFactor(t *testing.T) {
	assert.Equal(t, KCalibration, KFactor(1200, 0))
	assert.Equal(t, KCalibration, KFactor(1200, 9))
	assert.Equal(t, KEstablished, KFactor(1200, 10))
	assert.Equal(t, KEstablished, KFactor(1200, 50))
	assert.Equal(t, KEstablished, KFactor(EliteThreshold, 50))
	assert.Equal(t, KElite, KFactor(EliteThreshold+1, 50))
	// Elite-tier qualification needs match experience too: a fresh
	// fighter who happens to start above EliteThreshold is still
	// calibration-volatile.
	assert.Equal(t, KCalibration, KFactor(EliteThreshold+1, 0))
}

func TestExpectedScore(t *testing.T) {
	assert.InDelta(t, 0.5, ExpectedScore(1200, 1200), 1e-9)

	higher := ExpectedScore(1250, 1200)
	lower := ExpectedScore(1200, 1250)
	assert.Greater(t, higher, 0.5)
	assert.Less(t, lower, 0.5)
	assert.InDelta(t, 1.0, higher+lower, 1e-9)
}

func TestNewRating_UpsetWinGainsMoreThanHalfK(t *testing.T) {
	// Lower-rated fighter (1200) beats higher-rated (1250): the upset
	// gain must exceed flat K/2 since expected score was below 0.5.
	winnerNew := NewRating(1200, 1250, true, 3)
	assert.Greater(t, winnerNew-1200, KCalibration/2)

	loserNew := NewRating(1250, 1200, false, 3)
	assert.Greater(t, 1250-loserNew, KCalibration/2)
}

func TestNewRating_Floor(t *testing.T) {
	rating := NewRating(RatingFloor+1, 2000, false, 50)
	assert.GreaterOrEqual(t, rating, RatingFloor)
}

func TestDivision(t *testing.T) {
	cases := []struct {
		rating float64
		want   string
	}{
		{1599, DivisionGold},
		{1600, DivisionDiamond},
		{1400, DivisionGold},
		{1399, DivisionSilver},
		{1200, DivisionSilver},
		{1199, DivisionBronze},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Division(tc.rating), "rating %v", tc.rating)
	}
}

// TestApply_SpecScenario1NumbersDeviateFromLiteralFlatExample documents a
// deliberate, recorded deviation (see DESIGN.md / SPEC_FULL.md §D): spec.md's
// "Happy path pair-and-settle" scenario states winner.elo=1220,
// loser.elo=1230 for a 1200-vs-1250 K=40 match, i.e. a flat ±K/2 split
// that assumes a 0.5 expected score regardless of the 50-point gap.
// original_source's services/elo.py — what this package is grounded on —
// uses the real logistic expected-score formula instead, which for this
// exact pairing yields ≈1222.9/≈1227.1, not 1220/1230. This package keeps
// the logistic formula (matching the system it's grounded on) rather than
// reproducing the spec's simplified worked example.
func TestApply_SpecScenario1NumbersDeviateFromLiteralFlatExample(t *testing.T) {
	result := Apply(1200, 3, 1250, 3)
	assert.InDelta(t, 1222.9, result.WinnerElo, 0.1)
	assert.InDelta(t, 1227.1, result.LoserElo, 0.1)
	assertNotInDelta(t, 1220.0, result.WinnerElo, 0.05)
	assertNotInDelta(t, 1230.0, result.LoserElo, 0.05)
}

func TestApply_ConservesMatchCountIndependently(t *testing.T) {
	result := Apply(1200, 3, 1250, 3)
	assert.Greater(t, result.WinnerElo, 1200.0)
	assert.Less(t, result.LoserElo, 1250.0)
	assert.Equal(t, Division(result.WinnerElo), result.WinnerDivision)
	assert.Equal(t, Division(result.LoserElo), result.LoserDivision)
}
