// Package validator implements continuous field validation: per required
// field per player, it tracks consecutive and cumulative missing-frame
// counts across an entire match and reports an error once either
// threshold is crossed.
//
// The Match Runner only ever constructs a FieldValidator and calls
// CheckFrame from inside the main frame loop, which never starts until
// after the ledger lock has succeeded — so every error this package can
// report is, in practice, post-lock and logged-only, never fatal. See
// DESIGN.md's runner entry for why: the match_locked flag in
// original_source's match_runner.py is likewise set unconditionally
// before its frame loop begins, so its own "if not match_locked: cancel"
// branch around this same check is dead code there too. spec.md §4.4.2's
// narrative of a pre-lock-fatal threshold breach describes that
// unreachable branch, not an executable path in either implementation.
//
// Grounded on original_source's engine/field_validator.py, with per-field
// error aggregation via hashicorp/go-multierror (declared, unused by the
// teacher) rather than a plain string slice.
package validator

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Thresholds at ~60fps: 300 consecutive ≈ 5s, 900 cumulative ≈ 15s.
const (
	ConsecutiveThreshold = 300
	TotalThreshold       = 900
)

type counter struct {
	consecutiveMissing int
	totalMissing       int
	warned             bool
}

// FieldValidator tracks per-player, per-field missing-frame counters for
// one match. It is not safe for concurrent use — the Match Runner calls
// CheckFrame from its single frame loop goroutine.
type FieldValidator struct {
	matchID        string
	requiredFields []string
	log            *logrus.Entry

	counters map[string]map[string]*counter
}

// New constructs a validator for one match's required field set.
func New(matchID string, requiredFields []string, log *logrus.Entry) *FieldValidator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	v := &FieldValidator{
		matchID:        matchID,
		requiredFields: requiredFields,
		log:            log.WithField("component", "validator"),
		counters:       map[string]map[string]*counter{},
	}
	for _, player := range []string{"P1", "P2"} {
		fields := map[string]*counter{}
		for _, f := range requiredFields {
			fields[f] = &counter{}
		}
		v.counters[player] = fields
	}
	return v
}

// CheckFrame inspects one frame's info payload and returns an aggregated
// error if any field's consecutive or cumulative missing count has
// crossed its threshold this call. A nil return means every field is
// within tolerance this frame.
func (v *FieldValidator) CheckFrame(info []byte) error {
	var result *multierror.Error

	for _, player := range []string{"P1", "P2"} {
		playerInfo := gjson.GetBytes(info, player)
		for _, f := range v.requiredFields {
			c := v.counters[player][f]

			if !playerInfo.Get(f).Exists() {
				c.consecutiveMissing++
				c.totalMissing++

				if !c.warned {
					c.warned = true
					v.log.WithFields(logrus.Fields{
						"match_id": v.matchID,
						"player":   player,
						"field":    f,
					}).Warn("required field missing")
				}

				if c.consecutiveMissing >= ConsecutiveThreshold {
					result = multierror.Append(result, fmt.Errorf(
						"%s.%s: %d consecutive missing frames (threshold %d)",
						player, f, c.consecutiveMissing, ConsecutiveThreshold))
				}
				if c.totalMissing >= TotalThreshold {
					result = multierror.Append(result, fmt.Errorf(
						"%s.%s: %d total missing frames (threshold %d)",
						player, f, c.totalMissing, TotalThreshold))
				}
			} else {
				c.consecutiveMissing = 0
			}
		}
	}

	if result == nil {
		return nil
	}
	return result.ErrorOrNil()
}

// HasErrors is a convenience wrapper returning whether CheckFrame found
// any threshold breach this frame.
func (v *FieldValidator) HasErrors(info []byte) bool {
	return v.CheckFrame(info) != nil
}
