package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

// RawEvent is one contract log as the generic JSON-RPC boundary reports it:
// the listener only ever needs the event name, the block it landed in, and
// its opaque payload.
type RawEvent struct {
	Name        string          `json:"name"`
	BlockNumber uint64          `json:"blockNumber"`
	Data        json.RawMessage `json:"data"`
}

// BlockHeight returns the ledger's current head block number.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	result, err := c.callWithRetry(ctx, "blockHeight", nil)
	if err != nil {
		return 0, err
	}
	var height uint64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, fmt.Errorf("unmarshal block height: %w", err)
	}
	return height, nil
}

// GetLogs fetches every contract event in [fromBlock, toBlock], inclusive.
func (c *Client) GetLogs(ctx context.Context, fromBlock, toBlock uint64) ([]RawEvent, error) {
	result, err := c.callWithRetry(ctx, "getLogs", []interface{}{fromBlock, toBlock})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var events []RawEvent
	if err := json.Unmarshal(result, &events); err != nil {
		return nil, fmt.Errorf("unmarshal logs: %w", err)
	}
	return events, nil
}

// BetPlacedData is the BetPlaced event payload.
type BetPlacedData struct {
	MatchID string  `json:"matchId"`
	Bettor  string  `json:"bettor"`
	Side    int     `json:"side"`
	Amount  float64 `json:"amount"`
}

// MatchLockedData is the MatchLocked event payload.
type MatchLockedData struct {
	MatchID string `json:"matchId"`
}

// MatchResolvedData is the MatchResolved event payload.
type MatchResolvedData struct {
	MatchID    string  `json:"matchId"`
	Winner     int     `json:"winner"`
	SideATotal float64 `json:"sideATotal"`
	SideBTotal float64 `json:"sideBTotal"`
}

// MatchCancelledData is the MatchCancelled event payload.
type MatchCancelledData struct {
	MatchID string `json:"matchId"`
}

// PayoutClaimedData is the PayoutClaimed event payload.
type PayoutClaimedData struct {
	MatchID string `json:"matchId"`
	Bettor  string `json:"bettor"`
}

// BetRefundedData is the BetRefunded event payload: a single wallet's bet
// was refunded.
type BetRefundedData struct {
	MatchID string `json:"matchId"`
	Bettor  string `json:"bettor"`
}

// NoWinnersRefundedData is the NoWinnersRefunded event payload: every bet
// on the match was refunded in bulk because no side had a winning bet.
type NoWinnersRefundedData struct {
	MatchID string `json:"matchId"`
}
