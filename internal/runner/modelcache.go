package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rawlclub/matchengine/internal/contentstore"
)

// ModelCache keeps the last N downloaded model weight files on local disk,
// keyed by their content store ref, so repeat opponents in the ranked pool
// don't re-download the same weights every match. Grounded on the generic
// bounded-cache shape spec.md §6.2 calls for ("a bounded LRU cache keyed by
// modelRef"); hashicorp/golang-lru is already in the dependency graph the
// content store client's own transitive stack pulls in.
type ModelCache struct {
	store   *contentstore.Store
	dir     string
	mu      sync.Mutex
	entries *lru.Cache[string, string] // modelRef -> local file path
}

// NewModelCache constructs a cache that materializes model files under dir
// (created if absent) and evicts the least-recently-used entry once size
// entries are held.
func NewModelCache(store *contentstore.Store, dir string, size int) (*ModelCache, error) {
	if size <= 0 {
		size = 16
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model cache dir: %w", err)
	}
	c, err := lru.NewWithEvict[string, string](size, func(_ string, path string) {
		_ = os.Remove(path)
	})
	if err != nil {
		return nil, fmt.Errorf("construct lru cache: %w", err)
	}
	return &ModelCache{store: store, dir: dir, entries: c}, nil
}

// Load returns a local filesystem path to modelRef's weights, downloading
// from the content store on a cache miss. modelRef must start with a
// trusted prefix (models/, pretrained/, reference/); anything else is a
// validation failure, not a download attempt.
func (c *ModelCache) Load(ctx context.Context, modelRef string) (string, error) {
	if !contentstore.IsTrustedPrefix(modelRef) {
		return "", fmt.Errorf("model ref %q: %w", modelRef, contentstore.ErrUntrustedPrefix)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if path, ok := c.entries.Get(modelRef); ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		// Evicted from disk behind our back; fall through to re-download.
	}

	data, err := c.store.Get(ctx, modelRef)
	if err != nil {
		return "", fmt.Errorf("download model %q: %w", modelRef, err)
	}

	sum := sha256.Sum256([]byte(modelRef))
	localPath := filepath.Join(c.dir, hex.EncodeToString(sum[:])+".bin")
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write model %q to cache dir: %w", modelRef, err)
	}

	c.entries.Add(modelRef, localPath)
	return localPath, nil
}
