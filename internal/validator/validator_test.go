package validator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFrame(t *testing.T, missingP1Health bool) []byte {
	t.Helper()
	p1 := map[string]interface{}{"round_wins": 1}
	if !missingP1Health {
		p1["health"] = 100
	}
	b, err := json.Marshal(map[string]interface{}{
		"P1": p1,
		"P2": map[string]interface{}{"health": 100, "round_wins": 0},
	})
	require.NoError(t, err)
	return b
}

func TestFieldValidator_BelowThreshold(t *testing.T) {
	v := New("m1", []string{"health", "round_wins"}, nil)
	var err error
	for i := 0; i < ConsecutiveThreshold-1; i++ {
		err = v.CheckFrame(rawFrame(t, true))
	}
	assert.NoError(t, err)
}

func TestFieldValidator_AtConsecutiveThreshold(t *testing.T) {
	v := New("m1", []string{"health", "round_wins"}, nil)
	var err error
	for i := 0; i < ConsecutiveThreshold; i++ {
		err = v.CheckFrame(rawFrame(t, true))
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "P1.health")
}

func TestFieldValidator_ResetsOnPresence(t *testing.T) {
	v := New("m1", []string{"health", "round_wins"}, nil)
	for i := 0; i < ConsecutiveThreshold-1; i++ {
		v.CheckFrame(rawFrame(t, true))
	}
	// Field reappears: consecutive counter resets, so one more missing
	// frame does not cross the threshold.
	require.NoError(t, v.CheckFrame(rawFrame(t, false)))
	require.NoError(t, v.CheckFrame(rawFrame(t, true)))
}

func TestFieldValidator_CumulativeThreshold(t *testing.T) {
	v := New("m1", []string{"health"}, nil)
	var err error
	// Alternating missing/present frames never trip the consecutive
	// counter; 2*TotalThreshold-1 frames, starting and ending on a missing
	// one, make exactly TotalThreshold missing frames.
	for i := 0; i < 2*TotalThreshold-1; i++ {
		missing := rawFrame(t, true)
		present := rawFrame(t, false)
		if i%2 == 0 {
			err = v.CheckFrame(missing)
		} else {
			err = v.CheckFrame(present)
		}
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total missing frames")
}
