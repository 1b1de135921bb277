// Package cache stores computed query results in Redis, keyed by tenant,
// entity, and specification hash. The cache is an accelerator, not a
// dependency: every Redis failure degrades to a miss so queries still
// answer from the store, just slower.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
)

const keyPrefix = "worklens:results"

// scanBatch bounds how many keys one SCAN page returns during an
// invalidation sweep.
const scanBatch = 256

// Key builds the cache key for one tenant's result. The tenant segment
// comes first so tenant-wide invalidation is a single pattern sweep.
func Key(tenantID string, entity domain.Entity, hash string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, tenantID, entity, hash)
}

// Entry is the stored form of a result, wrapped with timestamps so
// operators can tell how stale a hit is.
type Entry struct {
	Result    domain.Result `json:"result"`
	StoredAt  time.Time     `json:"stored_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Store reads and writes result entries with a fixed TTL.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	log    logger.Logger
}

func NewStore(client *redis.Client, ttl time.Duration, log logger.Logger) *Store {
	return &Store{client: client, ttl: ttl, log: log}
}

// TTL reports the configured entry lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Get returns the cached result for the key, marked as cached. Absent
// keys, Redis failures, and undecodable entries all report a miss;
// corrupt entries are dropped so they cannot wedge a key until expiry.
func (s *Store) Get(ctx context.Context, tenantID string, entity domain.Entity, hash string) (*domain.Result, bool) {
	key := Key(tenantID, entity, hash)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("cache read failed, treating as miss",
				logger.String("key", key), logger.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.log.Warn("dropping undecodable cache entry",
			logger.String("key", key), logger.Error(err))
		s.client.Del(ctx, key)
		return nil, false
	}
	entry.Result.Cached = true
	return &entry.Result, true
}

// Put stores a freshly computed result under the key for the configured
// TTL. The stored copy is never marked cached; Get sets that on the way
// out.
func (s *Store) Put(ctx context.Context, tenantID string, entity domain.Entity, hash string, result *domain.Result) error {
	now := time.Now().UTC()
	entry := Entry{Result: *result, StoredAt: now, ExpiresAt: now.Add(s.ttl)}
	entry.Result.Cached = false

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := s.client.Set(ctx, Key(tenantID, entity, hash), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	return nil
}

// InvalidateEntity removes every cached result the tenant holds for one
// entity and reports how many entries went.
func (s *Store) InvalidateEntity(ctx context.Context, tenantID string, entity domain.Entity) (int, error) {
	return s.sweep(ctx, fmt.Sprintf("%s:%s:%s:*", keyPrefix, tenantID, entity))
}

// InvalidateTenant removes every cached result the tenant holds across
// all entities.
func (s *Store) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	return s.sweep(ctx, fmt.Sprintf("%s:%s:*", keyPrefix, tenantID))
}

// sweep walks the keyspace with SCAN and deletes matches page by page,
// never blocking Redis the way a KEYS call would.
func (s *Store) sweep(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scanning cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return removed, fmt.Errorf("deleting cache keys: %w", err)
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
