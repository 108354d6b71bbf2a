package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashVersion is stamped into every hash payload so a future change to the
// canonical shape can be distinguished from an old one.
const HashVersion = 2

// MatchResult is the byte-exact payload a resolved match's replay is
// verified against: SHA-256(canonicalSerialize(result)) must equal
// Match.matchHash.
type MatchResult struct {
	Actions        []map[string]interface{} `json:"actions"`
	AdapterVersion string                   `json:"adapter_version"`
	HashVersion    int                      `json:"hash_version"`
	MatchID        string                   `json:"match_id"`
	Rounds         []map[string]interface{} `json:"rounds"`
	Winner         string                   `json:"winner"`
}

// ComputeMatchHash serializes a match result with sorted keys and no
// insignificant whitespace, then hashes the exact bytes that get uploaded
// as the replay's hash payload. Go's encoding/json already sorts
// map[string]interface{} keys and never emits whitespace, so marshaling a
// plain map reproduces Python's json.dumps(sort_keys=True,
// separators=(",", ":")) byte-for-byte.
func ComputeMatchHash(matchID, winner string, rounds, actions []map[string]interface{}, adapterVersion string) ([]byte, string, error) {
	payload := map[string]interface{}{
		"actions":         actions,
		"adapter_version": adapterVersion,
		"hash_version":    HashVersion,
		"match_id":        matchID,
		"rounds":          rounds,
		"winner":          winner,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal canonical payload: %w", err)
	}

	sum := sha256.Sum256(payloadBytes)
	return payloadBytes, hex.EncodeToString(sum[:]), nil
}

// roundHealth is the subset of a round record the tiebreaker cascade reads.
type roundHealth struct {
	P1Health float64
	P2Health float64
	Winner   string
}

func asRoundHealth(round map[string]interface{}) roundHealth {
	return roundHealth{
		P1Health: asFloat(round["p1_health"]),
		P2Health: asFloat(round["p2_health"]),
		Winner:   asString(round["winner"]),
	}
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// ResolveTiebreaker runs the 4-step cascade: total health differential,
// total round wins, last-round health, and finally a deterministic
// SHA-256(matchID)-mod-2 coin flip. It always returns "P1" or "P2", never a
// draw.
func ResolveTiebreaker(rounds []map[string]interface{}, matchID string) string {
	var p1Total, p2Total float64
	var p1Wins, p2Wins int
	for _, r := range rounds {
		rh := asRoundHealth(r)
		p1Total += rh.P1Health
		p2Total += rh.P2Health
		switch rh.Winner {
		case "P1":
			p1Wins++
		case "P2":
			p2Wins++
		}
	}

	if p1Total > p2Total {
		return "P1"
	}
	if p2Total > p1Total {
		return "P2"
	}

	if p1Wins > p2Wins {
		return "P1"
	}
	if p2Wins > p1Wins {
		return "P2"
	}

	if len(rounds) > 0 {
		last := asRoundHealth(rounds[len(rounds)-1])
		if last.P1Health > last.P2Health {
			return "P1"
		}
		if last.P2Health > last.P1Health {
			return "P2"
		}
	}

	sum := sha256.Sum256([]byte(matchID))
	// Parity of the hash's big-endian integer value is the parity of its
	// low-order byte.
	if sum[len(sum)-1]%2 == 0 {
		return "P1"
	}
	return "P2"
}
