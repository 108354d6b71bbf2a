package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rawlclub/matchengine/internal/canonical"
)

// Pool is the pari-mutuel pool state for a match, as the ledger sees it.
type Pool struct {
	SideATotal float64 `json:"sideATotal"`
	SideBTotal float64 `json:"sideBTotal"`
}

// Bet is a single wager as the ledger sees it.
type Bet struct {
	Wallet string  `json:"wallet"`
	Side   int     `json:"side"`
	Amount float64 `json:"amount"`
}

// CreateMatch registers a new match on the ledger.
func (c *Client) CreateMatch(ctx context.Context, matchID, fighterA, fighterB string, minBet float64, bettingWindowSeconds int) error {
	hexID, err := canonical.HexMatchID(matchID)
	if err != nil {
		return err
	}
	_, err = c.callWithRetry(ctx, "createMatch", []interface{}{
		hexID, fighterA, fighterB, minBet, bettingWindowSeconds,
	})
	return err
}

// LockMatch closes betting on a match.
func (c *Client) LockMatch(ctx context.Context, matchID string) error {
	hexID, err := canonical.HexMatchID(matchID)
	if err != nil {
		return err
	}
	_, err = c.callWithRetry(ctx, "lockMatch", []interface{}{hexID})
	return err
}

// ResolveMatch settles a match with its winning side.
func (c *Client) ResolveMatch(ctx context.Context, matchID, winner string) error {
	hexID, err := canonical.HexMatchID(matchID)
	if err != nil {
		return err
	}
	side, err := canonical.WinnerToSide(winner)
	if err != nil {
		return err
	}
	_, err = c.callWithRetry(ctx, "resolveMatch", []interface{}{hexID, side})
	return err
}

// CancelMatch cancels a match before resolution.
func (c *Client) CancelMatch(ctx context.Context, matchID string) error {
	hexID, err := canonical.HexMatchID(matchID)
	if err != nil {
		return err
	}
	_, err = c.callWithRetry(ctx, "cancelMatch", []interface{}{hexID})
	return err
}

// TimeoutMatch is the permissionless call anyone can submit for a match
// stuck locked past its timeout window.
func (c *Client) TimeoutMatch(ctx context.Context, matchID string) error {
	hexID, err := canonical.HexMatchID(matchID)
	if err != nil {
		return err
	}
	_, err = c.callWithRetry(ctx, "timeoutMatch", []interface{}{hexID})
	return err
}

// GetMatchPool returns the pool for a match, or nil if the ledger has no
// record of it.
func (c *Client) GetMatchPool(ctx context.Context, matchID string) (*Pool, error) {
	hexID, err := canonical.HexMatchID(matchID)
	if err != nil {
		return nil, err
	}
	result, err := c.callWithRetry(ctx, "getMatchPool", []interface{}{hexID})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var pool Pool
	if err := json.Unmarshal(result, &pool); err != nil {
		return nil, fmt.Errorf("unmarshal match pool: %w", err)
	}
	return &pool, nil
}

// GetBet returns a wallet's bet on a match, or nil if none exists.
func (c *Client) GetBet(ctx context.Context, matchID, wallet string) (*Bet, error) {
	hexID, err := canonical.HexMatchID(matchID)
	if err != nil {
		return nil, err
	}
	result, err := c.callWithRetry(ctx, "getBet", []interface{}{hexID, wallet})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var bet Bet
	if err := json.Unmarshal(result, &bet); err != nil {
		return nil, fmt.Errorf("unmarshal bet: %w", err)
	}
	return &bet, nil
}

// BetExists reports whether the ledger has a record of a wallet's bet on a
// match, distinguishing "no" from an RPC failure.
func (c *Client) BetExists(ctx context.Context, matchID, wallet string) (bool, error) {
	bet, err := c.GetBet(ctx, matchID, wallet)
	if err != nil {
		return false, err
	}
	return bet != nil, nil
}
