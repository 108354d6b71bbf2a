package registry

import (
	"database/sql"
	"time"
)

// Fighter status values.
const (
	FighterValidating       = "validating"
	FighterCalibrating      = "calibrating"
	FighterReady            = "ready"
	FighterRejected         = "rejected"
	FighterCalibrationFailed = "calibration_failed"
)

// Match status values.
const (
	MatchOpen              = "open"
	MatchLocked            = "locked"
	MatchResolved          = "resolved"
	MatchCancelled         = "cancelled"
	MatchPendingResolution = "pending_resolution"
	MatchResolutionFailed  = "resolution_failed"
)

// Match type values.
const (
	MatchTypeRanked    = "ranked"
	MatchTypeChallenge = "challenge"
	MatchTypeExhibition = "exhibition"
)

// Bet status values.
const (
	BetPending   = "pending"
	BetConfirmed = "confirmed"
	BetClaimed   = "claimed"
	BetRefunded  = "refunded"
	BetExpired   = "expired"
)

// FailedUpload status values.
const (
	UploadFailed   = "failed"
	UploadRetrying = "retrying"
	UploadResolved = "resolved"
)

// Fighter is a trained agent entered into the matchmaking pool.
type Fighter struct {
	ID        string    `db:"id"`
	Owner     string    `db:"owner"`
	GameID    string    `db:"game_id"`
	Character string    `db:"character"`
	ModelRef  string    `db:"model_ref"`
	Elo       float64   `db:"elo"`
	Division  string    `db:"division"`
	Wins      int       `db:"wins"`
	Losses    int       `db:"losses"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Match is one scheduled contest between two fighters.
type Match struct {
	ID            string         `db:"id"`
	GameID        string         `db:"game_id"`
	Format        int            `db:"format"`
	FighterA      string         `db:"fighter_a"`
	FighterB      string         `db:"fighter_b"`
	WinnerID      sql.NullString `db:"winner_id"`
	Status        string         `db:"status"`
	MatchType     string         `db:"match_type"`
	HasPool       bool           `db:"has_pool"`
	MatchHash     sql.NullString `db:"match_hash"`
	AdapterVersion string        `db:"adapter_version"`
	RoundHistory  []byte         `db:"round_history"`
	ReplayRef     sql.NullString `db:"replay_ref"`
	OnchainID     sql.NullString `db:"onchain_id"`
	SideATotal    float64        `db:"side_a_total"`
	SideBTotal    float64        `db:"side_b_total"`
	CancelReason  sql.NullString `db:"cancel_reason"`
	CreatedAt     time.Time      `db:"created_at"`
	StartsAt      time.Time      `db:"starts_at"`
	LockedAt      sql.NullTime   `db:"locked_at"`
	ResolvedAt    sql.NullTime   `db:"resolved_at"`
	CancelledAt   sql.NullTime   `db:"cancelled_at"`
}

// Bet is a wager placed on one side of a Match.
type Bet struct {
	ID         string         `db:"id"`
	MatchID    string         `db:"match_id"`
	Wallet     string         `db:"wallet"`
	Side       string         `db:"side"`
	Amount     float64        `db:"amount"`
	OnchainRef sql.NullString `db:"onchain_ref"`
	Status     string         `db:"status"`
	CreatedAt  time.Time      `db:"created_at"`
	ClaimedAt  sql.NullTime   `db:"claimed_at"`
}

// CalibrationMatch is one immutable calibration round result.
type CalibrationMatch struct {
	ID           string    `db:"id"`
	FighterID    string    `db:"fighter_id"`
	ReferenceElo float64   `db:"reference_elo"`
	Result       string    `db:"result"`
	EloChange    float64   `db:"elo_change"`
	Attempt      int       `db:"attempt"`
	Error        sql.NullString `db:"error"`
	CreatedAt    time.Time `db:"created_at"`
}

// FailedUpload is a dead-letter row for a replay/hash artifact upload that
// failed. A nil Payload means the bytes were never retained at failure time
// and the row is terminal: it can be inspected but never retried.
type FailedUpload struct {
	ID         string    `db:"id"`
	MatchID    string    `db:"match_id"`
	Key        string    `db:"key"`
	Payload    []byte    `db:"payload"`
	RetryCount int       `db:"retry_count"`
	LastError  string    `db:"last_error"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// IsRetryable reports whether this row still carries the bytes needed to
// retry the upload.
func (f *FailedUpload) IsRetryable() bool {
	return f.Payload != nil && f.Status != UploadResolved
}
