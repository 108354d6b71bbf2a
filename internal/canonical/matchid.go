// Package canonical holds the match lifecycle engine's two byte-exact
// contracts: the 32-byte match id every ledger call exchanges, and the
// canonical serialization+hash a resolved match's replay is verified
// against.
package canonical

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// matchIDSize is the width of the ledger's bytes32 match id parameter.
const matchIDSize = 32

// MatchIDBytes converts a Match's UUID into the 32-byte id every ledger
// call exchanges: the UUID's 16 bytes, zero-padded on the right.
func MatchIDBytes(matchID string) ([matchIDSize]byte, error) {
	var out [matchIDSize]byte
	id, err := uuid.Parse(matchID)
	if err != nil {
		return out, fmt.Errorf("parse match id %q: %w", matchID, err)
	}
	raw := id[:]
	copy(out[:], raw)
	return out, nil
}

// MatchIDFromBytes recovers the UUID from a 32-byte ledger match id,
// ignoring the zero padding.
func MatchIDFromBytes(b [matchIDSize]byte) (string, error) {
	var raw [16]byte
	copy(raw[:], b[:16])
	id, err := uuid.FromBytes(raw[:])
	if err != nil {
		return "", fmt.Errorf("parse ledger match id: %w", err)
	}
	return id.String(), nil
}

// HexMatchID renders a Match's UUID as the "0x"-prefixed 32-byte hex string
// the ledger's wire format and cache keys (e.g. odds.{matchHex}) use.
func HexMatchID(matchID string) (string, error) {
	b, err := MatchIDBytes(matchID)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

// ParseHexMatchID decodes a "0x"-prefixed 32-byte ledger match id, as the
// Event Listener reads it off a contract log, back into the Match's UUID.
func ParseHexMatchID(hexID string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexID, "0x"))
	if err != nil {
		return "", fmt.Errorf("decode hex match id %q: %w", hexID, err)
	}
	if len(raw) != matchIDSize {
		return "", fmt.Errorf("hex match id %q has %d bytes, want %d", hexID, len(raw), matchIDSize)
	}
	var b [matchIDSize]byte
	copy(b[:], raw)
	return MatchIDFromBytes(b)
}

// WinnerToSide converts a canonical "P1"/"P2" winner tag to the small
// integer the ledger's resolveMatch call expects: 0 = side A, 1 = side B.
func WinnerToSide(winner string) (int, error) {
	switch winner {
	case "P1":
		return 0, nil
	case "P2":
		return 1, nil
	default:
		return 0, fmt.Errorf("invalid winner tag %q", winner)
	}
}

// SideToWinner is WinnerToSide's inverse, used when the Event Listener
// decodes a MatchResolved log's integer side back into a "P1"/"P2" tag.
func SideToWinner(side int) (string, error) {
	switch side {
	case 0:
		return "P1", nil
	case 1:
		return "P2", nil
	default:
		return "", fmt.Errorf("invalid winner side %d", side)
	}
}

// SideToBetSide converts a ledger bet's integer side (0/1) into the
// Registry's "A"/"B" bet side tag.
func SideToBetSide(side int) (string, error) {
	switch side {
	case 0:
		return "A", nil
	case 1:
		return "B", nil
	default:
		return "", fmt.Errorf("invalid bet side %d", side)
	}
}
