package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "orders"

// saveScript overwrites the record unless a record for a different fingerprint holds the key.
var saveScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
  local decoded = cjson.decode(current)
  if decoded["fingerprint"] ~= ARGV[1] then
    return 0
  end
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// releaseScript deletes a pending reservation owned by the fingerprint.
var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
local decoded = cjson.decode(current)
if decoded["fingerprint"] == ARGV[1] and decoded["status"] == "pending" then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares idempotency records across instances. Expiry is delegated to Redis TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore constructs a Redis-backed store; keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + ":idempotency:" + recordID(key)
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	record := newPendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	redisKey := s.redisKey(key)
	// A key expiring between SETNX and GET is retried once.
	for attempt := 0; attempt < 2; attempt++ {
		stored, err := s.client.SetNX(ctx, redisKey, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
		}
		if stored {
			return Reservation{State: ReservationStateNew, Record: record}, nil
		}

		raw, err := s.client.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: load record: %w", err)
		}
		var existing Record
		if err := json.Unmarshal(raw, &existing); err != nil {
			return Reservation{}, fmt.Errorf("idempotency: decode record: %w", err)
		}
		return reservationFor(existing, fingerprint)
	}
	return Reservation{}, errors.New("idempotency: reservation contended")
}

// SaveResponse implements Store.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	record := completeRecord(Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}, resp, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	saved, err := saveScript.Run(ctx, s.client, []string{s.redisKey(key)}, fingerprint, payload, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	if saved == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.redisKey(key)}, fingerprint).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}
