package canonical

import (
	"crypto/sha256"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchIDBytesRoundTrip(t *testing.T) {
	id := uuid.New().String()
	b, err := MatchIDBytes(id)
	require.NoError(t, err)
	assert.Len(t, b, 32)
	for _, tail := range b[16:] {
		assert.Equal(t, byte(0), tail)
	}

	recovered, err := MatchIDFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, id, recovered)
}

func TestMatchIDBytesRejectsInvalidUUID(t *testing.T) {
	_, err := MatchIDBytes("not-a-uuid")
	assert.Error(t, err)
}

func TestWinnerToSide(t *testing.T) {
	a, err := WinnerToSide("P1")
	require.NoError(t, err)
	assert.Equal(t, 0, a)

	b, err := WinnerToSide("P2")
	require.NoError(t, err)
	assert.Equal(t, 1, b)

	_, err = WinnerToSide("DRAW")
	assert.Error(t, err)
}

func TestComputeMatchHashIsDeterministicAndSortsKeys(t *testing.T) {
	rounds := []map[string]interface{}{
		{"winner": "P1", "p1_health": 1.0, "p2_health": 0.0},
	}
	actions := []map[string]interface{}{{"frame": 1}}

	payload1, hash1, err := ComputeMatchHash("m1", "P1", rounds, actions, "sf2ce-v1")
	require.NoError(t, err)
	payload2, hash2, err := ComputeMatchHash("m1", "P1", rounds, actions, "sf2ce-v1")
	require.NoError(t, err)

	assert.Equal(t, hash1, hash2)
	assert.Equal(t, payload1, payload2)

	sum := sha256.Sum256(payload1)
	assert.Equal(t, hash1, hexEncode(sum[:]))

	assert.NotContains(t, string(payload1), " ")
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

func TestHexMatchIDRoundTripsThroughParseHexMatchID(t *testing.T) {
	id := uuid.New().String()
	hexID, err := HexMatchID(id)
	require.NoError(t, err)
	assert.Len(t, hexID, 2+64)

	recovered, err := ParseHexMatchID(hexID)
	require.NoError(t, err)
	assert.Equal(t, id, recovered)
}

func TestParseHexMatchIDRejectsWrongLength(t *testing.T) {
	_, err := ParseHexMatchID("0x1234")
	assert.Error(t, err)
}

func TestSideToWinnerAndSideToBetSide(t *testing.T) {
	winner, err := SideToWinner(0)
	require.NoError(t, err)
	assert.Equal(t, "P1", winner)

	winner, err = SideToWinner(1)
	require.NoError(t, err)
	assert.Equal(t, "P2", winner)

	_, err = SideToWinner(2)
	assert.Error(t, err)

	side, err := SideToBetSide(0)
	require.NoError(t, err)
	assert.Equal(t, "A", side)

	side, err = SideToBetSide(1)
	require.NoError(t, err)
	assert.Equal(t, "B", side)

	_, err = SideToBetSide(9)
	assert.Error(t, err)
}

func TestResolveTiebreakerByHealthDifferential(t *testing.T) {
	rounds := []map[string]interface{}{
		{"winner": "P2", "p1_health": 0.9, "p2_health": 0.1},
	}
	assert.Equal(t, "P1", ResolveTiebreaker(rounds, "m1"))
}

func TestResolveTiebreakerByRoundWinsWhenHealthTied(t *testing.T) {
	rounds := []map[string]interface{}{
		{"winner": "P1", "p1_health": 0.5, "p2_health": 0.5},
		{"winner": "P1", "p1_health": 0.0, "p2_health": 0.0},
	}
	assert.Equal(t, "P1", ResolveTiebreaker(rounds, "m1"))
}

func TestResolveTiebreakerByLastRoundHealthWhenWinsTied(t *testing.T) {
	rounds := []map[string]interface{}{
		{"winner": "P1", "p1_health": 1.0, "p2_health": 0.0},
		{"winner": "P2", "p1_health": 0.0, "p2_health": 1.0},
	}
	assert.Equal(t, "P2", ResolveTiebreaker(rounds, "m1"))
}

func TestResolveTiebreakerFallsBackToDeterministicCoinFlip(t *testing.T) {
	var rounds []map[string]interface{}
	winner := ResolveTiebreaker(rounds, "deterministic-match-id")
	assert.Contains(t, []string{"P1", "P2"}, winner)
	assert.Equal(t, winner, ResolveTiebreaker(rounds, "deterministic-match-id"))
}
