package kv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory, hand-rolled Store used by tests for the queue,
// matchmaker, watchdog, and event-listener cursor that would otherwise need
// a live Redis instance. It implements the same atomicity guarantees as
// RedisStore (LMove, ZPopByScore, ZRemIfPresentAll, IncrWithTTL) behind a
// single mutex rather than Lua scripts, since there is no in-process Lua
// runtime to share with the Redis implementation.
type Fake struct {
	mu sync.Mutex

	strings map[string]fakeString
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	lists   map[string][]string
	streams map[string][]StreamEntry
	seq     int64
}

type fakeString struct {
	value   string
	expires time.Time
	hasTTL  bool
}

// NewFake constructs an empty Fake store.
func NewFake() *Fake {
	return &Fake{
		strings: make(map[string]fakeString),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]string),
		streams: make(map[string][]StreamEntry),
	}
}

func (f *Fake) expired(key string) bool {
	s, ok := f.strings[key]
	if !ok {
		return false
	}
	if s.hasTTL && time.Now().After(s.expires) {
		delete(f.strings, key)
		return true
	}
	return false
}

func (f *Fake) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired(key)
	s, ok := f.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return s.value, nil
}

func (f *Fake) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := fakeString{value: value}
	if ttl > 0 {
		s.hasTTL = true
		s.expires = time.Now().Add(ttl)
	}
	f.strings[key] = s
	return nil
}

func (f *Fake) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.strings, k)
		delete(f.hashes, k)
		delete(f.zsets, k)
		delete(f.lists, k)
		delete(f.streams, k)
	}
	return nil
}

func (f *Fake) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.strings[key]
	if !ok {
		return nil
	}
	s.hasTTL = true
	s.expires = time.Now().Add(ttl)
	f.strings[key] = s
	return nil
}

func (f *Fake) HGet(ctx context.Context, key, field string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *Fake) HSet(ctx context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (f *Fake) HDel(ctx context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(h, field)
	}
	return nil
}

func (f *Fake) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	z[member] = score
	return nil
}

func sortedMembers(z map[string]float64) []ZMember {
	out := make([]ZMember, 0, len(z))
	for m, s := range z {
		out = append(out, ZMember{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Member < out[j].Member
		}
		return out[i].Score < out[j].Score
	})
	return out
}

func (f *Fake) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ZMember
	for _, m := range sortedMembers(f.zsets[key]) {
		if m.Score >= min && m.Score <= max {
			out = append(out, m)
			if limit > 0 && int64(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *Fake) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, m := range members {
		if _, ok := z[m]; ok {
			delete(z, m)
			n++
		}
	}
	return n, nil
}

func (f *Fake) ZCard(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.zsets[key])), nil
}

func (f *Fake) ZScore(ctx context.Context, key, member string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		return 0, ErrNotFound
	}
	s, ok := z[member]
	if !ok {
		return 0, ErrNotFound
	}
	return s, nil
}

func (f *Fake) ZScanKeys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.zsets {
		if globMatch(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) ZPopByScore(ctx context.Context, key string, max float64, limit int64) ([]ZMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		return nil, nil
	}
	var out []ZMember
	for _, m := range sortedMembers(z) {
		if m.Score > max {
			continue
		}
		out = append(out, m)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	for _, m := range out {
		delete(z, m.Member)
	}
	return out, nil
}

func (f *Fake) ZRemIfPresentAll(ctx context.Context, key string, members ...string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		return false, nil
	}
	for _, m := range members {
		if _, ok := z[m]; !ok {
			return false, nil
		}
	}
	for _, m := range members {
		delete(z, m)
	}
	return true, nil
}

func (f *Fake) LPush(ctx context.Context, key string, values ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([]string{v}, f.lists[key]...)
	}
	return nil
}

func (f *Fake) RPush(ctx context.Context, key string, values ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append(f.lists[key], values...)
	return nil
}

func (f *Fake) LPop(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[key]
	if len(l) == 0 {
		return "", ErrNotFound
	}
	v := l[0]
	f.lists[key] = l[1:]
	return v, nil
}

func (f *Fake) RPop(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[key]
	if len(l) == 0 {
		return "", ErrNotFound
	}
	v := l[len(l)-1]
	f.lists[key] = l[:len(l)-1]
	return v, nil
}

// LMove atomically removes one element from source and appends it to dest,
// mirroring RedisStore's native LMove semantics under the shared mutex.
func (f *Fake) LMove(ctx context.Context, source, dest string, fromLeft, toLeft bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[source]
	if len(l) == 0 {
		return "", ErrNotFound
	}
	var v string
	if fromLeft {
		v = l[0]
		f.lists[source] = l[1:]
	} else {
		v = l[len(l)-1]
		f.lists[source] = l[:len(l)-1]
	}
	if toLeft {
		f.lists[dest] = append([]string{v}, f.lists[dest]...)
	} else {
		f.lists[dest] = append(f.lists[dest], v)
	}
	return v, nil
}

func (f *Fake) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (f *Fake) LRem(ctx context.Context, key string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[key]
	for i, v := range l {
		if v == value {
			f.lists[key] = append(l[:i], l[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *Fake) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := strconv.FormatInt(f.seq, 10) + "-0"
	f.streams[stream] = append(f.streams[stream], StreamEntry{ID: id, Values: values})
	if maxLen > 0 && int64(len(f.streams[stream])) > maxLen {
		f.streams[stream] = f.streams[stream][int64(len(f.streams[stream]))-maxLen:]
	}
	return id, nil
}

// XRead returns entries with an ID greater than lastID. It ignores block,
// since tests drive the fake synchronously rather than waiting on it.
func (f *Fake) XRead(ctx context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.streams[stream]
	var out []StreamEntry
	for _, e := range entries {
		if lastID == "" || lastID == "$" || fakeStreamSeq(e.ID) > fakeStreamSeq(lastID) {
			out = append(out, e)
			if count > 0 && int64(len(out)) >= count {
				break
			}
		}
	}
	return out, nil
}

// fakeStreamSeq parses the numeric sequence prefix of a stream ID ("N-0"),
// so IDs compare in insertion order rather than as strings.
func fakeStreamSeq(id string) int64 {
	n, _ := strconv.ParseInt(strings.SplitN(id, "-", 2)[0], 10, 64)
	return n
}

func (f *Fake) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.expired(key) {
		if _, ok := f.strings[key]; ok {
			return false, nil
		}
	}
	s := fakeString{value: value}
	if ttl > 0 {
		s.hasTTL = true
		s.expires = time.Now().Add(ttl)
	}
	f.strings[key] = s
	return true, nil
}

func (f *Fake) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired(key)
	s, ok := f.strings[key]
	var n int64
	if ok {
		n, _ = strconv.ParseInt(s.value, 10, 64)
	}
	n++
	s.value = strconv.FormatInt(n, 10)
	if !ok {
		if ttl > 0 {
			s.hasTTL = true
			s.expires = time.Now().Add(ttl)
		}
	}
	f.strings[key] = s
	return n, nil
}

// Eval is unsupported on the fake: there is no in-process Lua runtime to
// share with RedisStore, so callers needing atomic multi-key scripts use
// ZPopByScore/ZRemIfPresentAll/IncrWithTTL instead, which both stores
// implement natively.
func (f *Fake) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return nil, errUnsupportedEval
}

func globMatch(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return matchGlob([]rune(pattern), []rune(s))
}

func matchGlob(pattern, s []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}
	if pattern[0] == '*' {
		if matchGlob(pattern[1:], s) {
			return true
		}
		if len(s) > 0 {
			return matchGlob(pattern, s[1:])
		}
		return false
	}
	if len(s) == 0 {
		return false
	}
	if pattern[0] == '?' || pattern[0] == s[0] {
		return matchGlob(pattern[1:], s[1:])
	}
	return false
}
