package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore tracks unique nonces for replay prevention.
type NonceStore interface {
	// UseNonce records the nonce for ttl if it has not been seen within the scope, reporting whether it was stored.
	UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error)
}

// InMemoryNonceStore is a process-local registry for tests and single-instance development.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// UseNonce records the nonce for ttl, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	if ttl <= 0 {
		return false, errors.New("auth: nonce ttl must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expiry := now.Add(ttl)
	for key, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, key)
		}
	}
	key := scope + "::" + nonce
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// RedisNonceStore shares nonces across instances with SET NX and a TTL.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonceStore constructs a Redis-backed nonce store; keys are namespaced under prefix.
func NewRedisNonceStore(client redis.UniversalClient, prefix string) (*RedisNonceStore, error) {
	if client == nil {
		return nil, errors.New("auth: redis client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "orders"
	}
	return &RedisNonceStore{client: client, prefix: prefix}, nil
}

// UseNonce implements NonceStore.
func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	if ttl <= 0 {
		return false, errors.New("auth: nonce ttl must be positive")
	}
	key := s.prefix + ":nonce:" + scope + ":" + nonce
	return s.client.SetNX(ctx, key, 1, ttl).Result()
}
