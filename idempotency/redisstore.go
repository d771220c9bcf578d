package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a KeyStore backed by Redis, for deployments where duplicate
// operations can land on different instances. Records are stored as JSON values
// with the record TTL applied server side; lifecycle transitions run as Lua
// scripts so they stay compare-and-swap atomic across instances.
//
// Results pass through JSON, so cached results replay as generic JSON values
// (map[string]any, float64, string).
//
// This type is concurrency safe.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore returns a RedisStore using the client. Keys are stored under
// the prefix, default "guardrail:idem:".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "guardrail:idem:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

var startScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.status ~= 'PENDING' then return 0 end
if rec.maxExecutions > 0 and rec.executionCount >= rec.maxExecutions then return 0 end
rec.status = 'IN_PROGRESS'
rec.lastExecutedAt = tonumber(ARGV[1])
rec.executionCount = rec.executionCount + 1
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return 1
`)

var completeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.status ~= 'IN_PROGRESS' then return 0 end
rec.status = ARGV[1]
if ARGV[2] ~= '' then rec.result = cjson.decode(ARGV[2]) else rec.result = nil end
if ARGV[3] ~= '' then rec.error = ARGV[3] else rec.error = nil end
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return 1
`)

var failStaleScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.status ~= 'IN_PROGRESS' then return 0 end
if rec.lastExecutedAt == nil or rec.lastExecutedAt >= tonumber(ARGV[1]) then return 0 end
rec.status = 'FAILED'
rec.error = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return 1
`)

func (s *RedisStore) redisKey(key string) string {
	return s.keyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, bool, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) Create(ctx context.Context, record *Record) (*Record, bool, error) {
	raw, err := encodeRecord(record)
	if err != nil {
		return nil, false, err
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.redisKey(record.Key), raw, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return record.clone(), true, nil
	}
	existing, found, err := s.Get(ctx, record.Key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// The winner expired between SetNX and Get; surface the caller's record
		// as not created so it re-checks.
		return record.clone(), false, nil
	}
	return existing, false, nil
}

func (s *RedisStore) StartExecution(ctx context.Context, key string, now time.Time) (bool, error) {
	n, err := startScript.Run(ctx, s.client, []string{s.redisKey(key)}, now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("redis start execution: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, status Status, result any, errorMessage string) (bool, error) {
	resultJSON := ""
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("encoding result: %w", err)
		}
		resultJSON = string(b)
	}
	n, err := completeScript.Run(ctx, s.client, []string{s.redisKey(key)}, string(status), resultJSON, errorMessage).Int()
	if err != nil {
		return false, fmt.Errorf("redis complete: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) FailStale(ctx context.Context, key string, cutoff time.Time, message string) (bool, error) {
	n, err := failStaleScript.Run(ctx, s.client, []string{s.redisKey(key)}, cutoff.UnixMilli(), message).Int()
	if err != nil {
		return false, fmt.Errorf("redis fail stale: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op for Redis, which expires records server side.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Snapshot(ctx context.Context) ([]*Record, error) {
	var out []*Record
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get: %w", err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// redisRecord is the JSON layout shared with the Lua scripts, which compare
// timestamps numerically. Times are stored as Unix milliseconds, which stay
// exact within Lua's 53-bit number precision.
type redisRecord struct {
	Key            string `json:"key"`
	OperationType  string `json:"operationType"`
	Scope          Scope  `json:"scope"`
	Status         Status `json:"status"`
	Result         any    `json:"result,omitempty"`
	ErrorMessage   string `json:"error,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	ExpiresAt      int64  `json:"expiresAt"`
	LastExecutedAt int64  `json:"lastExecutedAt"`
	ExecutionCount int    `json:"executionCount"`
	MaxExecutions  int    `json:"maxExecutions"`
}

func encodeRecord(rec *Record) ([]byte, error) {
	rr := redisRecord{
		Key:            rec.Key,
		OperationType:  rec.OperationType,
		Scope:          rec.Scope,
		Status:         rec.Status,
		Result:         rec.Result,
		ErrorMessage:   rec.ErrorMessage,
		CreatedAt:      rec.CreatedAt.UnixMilli(),
		ExpiresAt:      rec.ExpiresAt.UnixMilli(),
		ExecutionCount: rec.ExecutionCount,
		MaxExecutions:  rec.MaxExecutions,
	}
	if !rec.LastExecutedAt.IsZero() {
		rr.LastExecutedAt = rec.LastExecutedAt.UnixMilli()
	}
	b, err := json.Marshal(rr)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return b, nil
}

func decodeRecord(raw []byte) (*Record, error) {
	var rr redisRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	rec := &Record{
		Key:            rr.Key,
		OperationType:  rr.OperationType,
		Scope:          rr.Scope,
		Status:         rr.Status,
		Result:         rr.Result,
		ErrorMessage:   rr.ErrorMessage,
		CreatedAt:      time.UnixMilli(rr.CreatedAt),
		ExpiresAt:      time.UnixMilli(rr.ExpiresAt),
		ExecutionCount: rr.ExecutionCount,
		MaxExecutions:  rr.MaxExecutions,
	}
	if rr.LastExecutedAt != 0 {
		rec.LastExecutedAt = time.UnixMilli(rr.LastExecutedAt)
	}
	return rec, nil
}
