package kv

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)

// RedisStore implements Store on top of a go-redis client.
type RedisStore struct {
	client *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore creates a new Redis-backed KV store.
func NewRedisStore(cfg Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis reachability, used by the health-check surface.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error) {
	opt := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		opt.Count = limit
	}
	results, err := s.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, err
	}
	members := make([]ZMember, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		members = append(members, ZMember{Member: member, Score: z.Score})
	}
	return members, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, key, args...).Result()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, error) {
	score, err := s.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	return score, err
}

func (s *RedisStore) ZScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var out []string
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// zPopByScoreScript reads then removes up to ARGV[2] members scored at most
// ARGV[1], returning interleaved member/score pairs, in one round trip so a
// concurrent promoter replica can never observe and remove the same members.
const zPopByScoreScript = `
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "WITHSCORES", "LIMIT", 0, ARGV[2])
if #members == 0 then
  return members
end
local toRemove = {}
for i = 1, #members, 2 do
  table.insert(toRemove, members[i])
end
redis.call("ZREM", KEYS[1], unpack(toRemove))
return members
`

func (s *RedisStore) ZPopByScore(ctx context.Context, key string, max float64, limit int64) ([]ZMember, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.client.Eval(ctx, zPopByScoreScript, []string{key}, formatScore(max), limit).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	members := make([]ZMember, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		member, _ := raw[i].(string)
		scoreStr, _ := raw[i+1].(string)
		score, _ := strconv.ParseFloat(scoreStr, 64)
		members = append(members, ZMember{Member: member, Score: score})
	}
	return members, nil
}

// zRemIfPresentScript removes every KEYS[2:]-named member from the sorted
// set at KEYS[1] only if ZSCORE resolves for all of them.
const zRemIfPresentScript = `
for i = 2, #KEYS do
  if redis.call("ZSCORE", KEYS[1], KEYS[i]) == false then
    return 0
  end
end
for i = 2, #KEYS do
  redis.call("ZREM", KEYS[1], KEYS[i])
end
return 1
`

func (s *RedisStore) ZRemIfPresentAll(ctx context.Context, key string, members ...string) (bool, error) {
	keys := append([]string{key}, members...)
	res, err := s.client.Eval(ctx, zRemIfPresentScript, keys).Result()
	if err != nil {
		return false, err
	}
	return toInt64(res) == 1, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	return s.client.LPush(ctx, key, toArgs(values)...).Err()
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	return s.client.RPush(ctx, key, toArgs(values)...).Err()
}

func (s *RedisStore) LPop(ctx context.Context, key string) (string, error) {
	val, err := s.client.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	val, err := s.client.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// LMove atomically moves one element between the head/tail of two lists.
// This backs claim() (queue.tier -> processing.tier) and ack()/recoverProcessing().
func (s *RedisStore) LMove(ctx context.Context, source, dest string, fromLeft, toLeft bool) (string, error) {
	from := "right"
	if fromLeft {
		from = "left"
	}
	to := "right"
	if toLeft {
		to = "left"
	}
	val, err := s.client.LMove(ctx, source, dest, from, to).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LRem(ctx context.Context, key string, value string) error {
	return s.client.LRem(ctx, key, 1, value).Err()
}

func (s *RedisStore) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Result()
}

func (s *RedisStore) XRead(ctx context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEntry, error) {
	if lastID == "" {
		lastID = "$"
	}
	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamEntry
	for _, st := range res {
		for _, msg := range st.Messages {
			out = append(out, StreamEntry{ID: msg.ID, Values: msg.Values})
		}
	}
	return out, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// incrWithTTLScript increments a counter and sets its TTL only when the
// counter was just created, so an existing window's expiry is never reset.
const incrWithTTLScript = `
local v = redis.call("INCR", KEYS[1])
if v == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return v
`

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := s.client.Eval(ctx, incrWithTTLScript, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	return toInt64(res), nil
}

func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return s.client.Eval(ctx, script, keys, args...).Result()
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func formatScore(f float64) string {
	if f == negInf {
		return "-inf"
	}
	if f == posInf {
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
