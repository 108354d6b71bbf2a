// Package contentstore is the put/get/getRange/size boundary spec.md §6.3
// names: a generic HTTP object store for model blobs and match replay
// artifacts. Grounded on the teacher's pkg/blob/supabase_storage.go
// (key/bytes/contentType shape, sanitizeKey path-traversal guard),
// re-pointed at a plain HTTP object-store endpoint instead of the
// Supabase-specific client so the boundary matches spec.md's "external
// content store" framing rather than one vendor's API.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rawlclub/matchengine/internal/resilience"
)

// ErrUntrustedPrefix is returned by Get/GetRange when a key does not
// begin with one of the trusted model-loading prefixes.
var ErrUntrustedPrefix = errors.New("contentstore: key does not start with a trusted prefix")

// ErrNotFound is returned when the object store has no object at key.
var ErrNotFound = errors.New("contentstore: object not found")

// TrustedModelPrefixes are the only key prefixes the Match Runner is
// allowed to load model blobs from (spec.md §6.3).
var TrustedModelPrefixes = []string{"models/", "pretrained/", "reference/"}

// putBackoffSchedule is spec.md §6.3's put() retry sequence: 5 attempts,
// [30,60,120,240,480]s backoff.
var putBackoffSchedule = []time.Duration{
	30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second,
}

// Store is a generic HTTP object store client. Every Put runs behind a
// circuit breaker so a persistently unreachable store fails fast instead
// of letting every match runner block through the full backoff schedule
// one put() call at a time.
type Store struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// Config configures the content store client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New constructs a Store against an HTTP object-store endpoint.
func New(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    resilience.New(resilience.DefaultConfig()),
	}
}

func sanitizeKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	key = path.Clean(key)
	return strings.ReplaceAll(key, "..", "_")
}

// IsTrustedPrefix reports whether key begins with one of the approved
// model-loading prefixes.
func IsTrustedPrefix(key string) bool {
	for _, p := range TrustedModelPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func (s *Store) url(key string) string {
	return fmt.Sprintf("%s/%s", s.baseURL, sanitizeKey(key))
}

// Put uploads bytes under key with contentType, retrying transient
// failures on spec.md §6.3's exact backoff schedule. The whole retried
// sequence runs through the store's circuit breaker: once the store has
// failed enough times in a row, further puts fail immediately with
// resilience.ErrCircuitOpen instead of each one separately working
// through all five backoff attempts.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return s.breaker.Execute(ctx, func() error {
		var lastErr error
		for attempt, delay := range append([]time.Duration{0}, putBackoffSchedule...) {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
			if err := s.putOnce(ctx, key, data, contentType); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
		return fmt.Errorf("put %s after %d attempts: %w", key, len(putBackoffSchedule)+1, lastErr)
	})
}

func (s *Store) putOnce(ctx context.Context, key string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url(key), strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("build put request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute put: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("put %s: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}

// Get downloads the full object at key. Only trusted-prefix keys may be
// fetched; this guard matters because model refs are untrusted input
// supplied alongside a Fighter submission.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if !IsTrustedPrefix(key) {
		return nil, ErrUntrustedPrefix
	}
	return s.getWithRange(ctx, key, nil, nil)
}

// GetRange downloads bytes [start, end) of the object at key.
func (s *Store) GetRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	if !IsTrustedPrefix(key) {
		return nil, ErrUntrustedPrefix
	}
	return s.getWithRange(ctx, key, &start, &end)
}

func (s *Store) getWithRange(ctx context.Context, key string, start, end *int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(key), nil)
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}
	if start != nil && end != nil {
		// HTTP Range is inclusive-end; spec.md's getRange is exclusive-end.
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", *start, *end-1))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get %s: unexpected status %d", key, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read get response: %w", err)
	}
	return body, nil
}

// Size returns the object's byte length, or ErrNotFound if it does not
// exist.
func (s *Store) Size(ctx context.Context, key string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url(key), nil)
	if err != nil {
		return 0, fmt.Errorf("build head request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute head: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("head %s: unexpected status %d", key, resp.StatusCode)
	}
	n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse content-length for %s: %w", key, err)
	}
	return n, nil
}
