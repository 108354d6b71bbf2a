// Package matchmaker pairs queued fighters by Elo proximity: one
// Elo-scored sorted set per game, widened search windows for fighters
// that have waited through repeated scheduler ticks, and the
// anti-manipulation checks folded into pairing validation: same-owner
// rejection, wallet-cluster prefix rejection, and a pairing cooldown
// that refuses to re-pair the same two fighters too soon.
package matchmaker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rawlclub/matchengine/internal/kv"
)

// metadataTTL bounds how long a fighter's matchmaking metadata survives
// without a refresh (enqueue or widenWindows tick).
const metadataTTL = 3600 * time.Second

// baseWindow and windowPerTick define the Elo search window: window =
// baseWindow + ticks*windowPerTick, so a fighter that has waited through
// more scheduler ticks searches a wider Elo range.
const (
	baseWindow    = 200.0
	windowPerTick = 50.0
)

func queueKey(gameID string) string { return "matchmaker.queue." + gameID }
func metaKey(fighterID string) string { return "matchmaker.meta." + fighterID }

// Metadata is the auxiliary per-fighter state kept alongside the sorted
// set entry: which game/owner it belongs to, and how many scheduler
// ticks it has waited without a pairing.
type Metadata struct {
	GameID     string    `json:"gameId"`
	OwnerID    string    `json:"ownerId"`
	Ticks      int       `json:"ticks"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// defaultPairCooldown bounds how long two fighters that were just paired
// stay ineligible to be paired with each other again. A rejected pairing
// attempt is not itself recorded, only a successful pairing starts the
// cooldown.
const defaultPairCooldown = 30 * time.Minute

// Matchmaker holds the per-game Elo-proximity sorted sets.
type Matchmaker struct {
	kv              kv.Store
	clusterPrefixes []string
	pairCooldown    time.Duration
}

// Config configures anti-manipulation pairing checks alongside the
// Elo-proximity store. ClusterPrefixes is optional; an empty list disables
// the wallet-cluster check. A zero PairCooldown falls back to
// defaultPairCooldown rather than disabling the cooldown.
type Config struct {
	Store           kv.Store
	ClusterPrefixes []string
	PairCooldown    time.Duration
}

// New constructs a Matchmaker against a bare KV store, with neither
// anti-manipulation check configured beyond the always-on same-owner
// rejection.
func New(store kv.Store) *Matchmaker {
	return &Matchmaker{kv: store}
}

// NewWithConfig constructs a Matchmaker with wallet-cluster and pairing
// cooldown anti-manipulation checks enabled.
func NewWithConfig(cfg Config) *Matchmaker {
	cooldown := cfg.PairCooldown
	if cooldown <= 0 {
		cooldown = defaultPairCooldown
	}
	return &Matchmaker{kv: cfg.Store, clusterPrefixes: cfg.ClusterPrefixes, pairCooldown: cooldown}
}

func pairCooldownKey(fighterA, fighterB string) string {
	ids := []string{fighterA, fighterB}
	sort.Strings(ids)
	return "matchmaker.cooldown." + ids[0] + "." + ids[1]
}

// sameCluster reports whether ownerA and ownerB share an allow-listed
// wallet-cluster prefix, treating them as the same actor under a
// different address.
func (m *Matchmaker) sameCluster(ownerA, ownerB string) bool {
	for _, prefix := range m.clusterPrefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(ownerA, prefix) && strings.HasPrefix(ownerB, prefix) {
			return true
		}
	}
	return false
}

// onCooldown reports whether fighterA and fighterB were paired together
// within the configured cooldown window.
func (m *Matchmaker) onCooldown(ctx context.Context, fighterA, fighterB string) (bool, error) {
	if m.pairCooldown <= 0 {
		return false, nil
	}
	_, err := m.kv.Get(ctx, pairCooldownKey(fighterA, fighterB))
	if err == kv.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check pairing cooldown for %s/%s: %w", fighterA, fighterB, err)
	}
	return true, nil
}

// Enqueue adds a fighter to its game's Elo-scored sorted set and writes
// its matchmaking metadata.
func (m *Matchmaker) Enqueue(ctx context.Context, fighterID, gameID, ownerID string, elo float64) error {
	if err := m.kv.ZAdd(ctx, queueKey(gameID), elo, fighterID); err != nil {
		return fmt.Errorf("enqueue fighter %s: %w", fighterID, err)
	}
	return m.writeMetadata(ctx, fighterID, Metadata{GameID: gameID, OwnerID: ownerID, Ticks: 0, EnqueuedAt: time.Now()})
}

func (m *Matchmaker) writeMetadata(ctx context.Context, fighterID string, meta Metadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", fighterID, err)
	}
	if err := m.kv.Set(ctx, metaKey(fighterID), string(payload), metadataTTL); err != nil {
		return fmt.Errorf("store metadata for %s: %w", fighterID, err)
	}
	return nil
}

func (m *Matchmaker) readMetadata(ctx context.Context, fighterID string) (Metadata, bool, error) {
	raw, err := m.kv.Get(ctx, metaKey(fighterID))
	if err == kv.ErrNotFound {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, fmt.Errorf("read metadata for %s: %w", fighterID, err)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return Metadata{}, false, fmt.Errorf("unmarshal metadata for %s: %w", fighterID, err)
	}
	return meta, true, nil
}

// TryPair iterates queued fighters in Elo order; for each candidate A it
// searches B in [eloA-window, eloA+window] with a different owner, and
// atomically removes both if found. A racing removal (another scheduler
// replica already took one of the pair) is not an error: TryPair just
// moves on to the next candidate pair.
func (m *Matchmaker) TryPair(ctx context.Context, gameID string) (fighterA, fighterB string, ok bool, err error) {
	candidates, err := m.kv.ZRangeByScore(ctx, queueKey(gameID), math.Inf(-1), math.Inf(1), 0)
	if err != nil {
		return "", "", false, fmt.Errorf("list candidates for %s: %w", gameID, err)
	}

	for _, a := range candidates {
		metaA, found, err := m.readMetadata(ctx, a.Member)
		if err != nil {
			return "", "", false, err
		}
		if !found {
			continue
		}

		window := baseWindow + float64(metaA.Ticks)*windowPerTick
		nearby, err := m.kv.ZRangeByScore(ctx, queueKey(gameID), a.Score-window, a.Score+window, 0)
		if err != nil {
			return "", "", false, fmt.Errorf("list nearby candidates for %s: %w", gameID, err)
		}

		for _, b := range nearby {
			if b.Member == a.Member {
				continue
			}
			metaB, found, err := m.readMetadata(ctx, b.Member)
			if err != nil {
				return "", "", false, err
			}
			if !found || metaB.OwnerID == metaA.OwnerID || m.sameCluster(metaA.OwnerID, metaB.OwnerID) {
				continue
			}
			cooling, err := m.onCooldown(ctx, a.Member, b.Member)
			if err != nil {
				return "", "", false, err
			}
			if cooling {
				continue
			}

			removed, err := m.kv.ZRemIfPresentAll(ctx, queueKey(gameID), a.Member, b.Member)
			if err != nil {
				return "", "", false, fmt.Errorf("pair-remove %s/%s: %w", a.Member, b.Member, err)
			}
			if !removed {
				// A racing scheduler replica already took one of these
				// two; try the next nearby candidate.
				continue
			}

			if err := m.kv.Delete(ctx, metaKey(a.Member), metaKey(b.Member)); err != nil {
				return "", "", false, fmt.Errorf("delete metadata for %s/%s: %w", a.Member, b.Member, err)
			}
			if m.pairCooldown > 0 {
				if err := m.kv.Set(ctx, pairCooldownKey(a.Member, b.Member), "1", m.pairCooldown); err != nil {
					return "", "", false, fmt.Errorf("set pairing cooldown for %s/%s: %w", a.Member, b.Member, err)
				}
			}
			return a.Member, b.Member, true, nil
		}
	}

	return "", "", false, nil
}

// WidenWindows increments every remaining fighter's tick count, called
// each scheduler tick that produces no pairing for this game.
func (m *Matchmaker) WidenWindows(ctx context.Context, gameID string) error {
	members, err := m.kv.ZRangeByScore(ctx, queueKey(gameID), math.Inf(-1), math.Inf(1), 0)
	if err != nil {
		return fmt.Errorf("list members for %s: %w", gameID, err)
	}
	for _, mem := range members {
		meta, found, err := m.readMetadata(ctx, mem.Member)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		meta.Ticks++
		if err := m.writeMetadata(ctx, mem.Member, meta); err != nil {
			return err
		}
	}
	return nil
}

// ActiveGames returns every gameId with at least one fighter queued. A
// sorted set can exist but be empty after its last two members were
// paired off, so each candidate is confirmed non-empty with ZCard rather
// than trusting key presence alone.
func (m *Matchmaker) ActiveGames(ctx context.Context) ([]string, error) {
	keys, err := m.kv.ZScanKeys(ctx, "matchmaker.queue.*")
	if err != nil {
		return nil, fmt.Errorf("scan active games: %w", err)
	}
	games := make([]string, 0, len(keys))
	for _, k := range keys {
		card, err := m.kv.ZCard(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("card for %s: %w", k, err)
		}
		if card == 0 {
			continue
		}
		games = append(games, strings.TrimPrefix(k, "matchmaker.queue."))
	}
	return games, nil
}
