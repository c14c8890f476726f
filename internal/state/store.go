package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotKey is the fixed name the session snapshot is stored under.
const SnapshotKey = "match-storage"

// snapshotTTL keeps abandoned sessions from living forever.
const snapshotTTL = 24 * time.Hour

// Persisted is the durable subset of SessionState. Exported so stores can
// round-trip it; the machine owns its contents.
type Persisted = persisted

// Store is the persistence port: load-at-startup, save-on-every-transition.
type Store interface {
	Save(ctx context.Context, snap Persisted) error

	// Load returns the stored snapshot, or nil when none exists.
	Load(ctx context.Context) (*Persisted, error)
}

// RedisStore persists the snapshot as a JSON blob in Redis under a fixed
// per-visitor key.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedisStore creates a store scoped to the given visitor key. An empty
// visitorKey falls back to the shared SnapshotKey.
func NewRedisStore(rdb *redis.Client, visitorKey string) *RedisStore {
	key := SnapshotKey
	if visitorKey != "" {
		key = SnapshotKey + ":" + visitorKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) Save(ctx context.Context, snap Persisted) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("state: save snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (*Persisted, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load snapshot: %w", err)
	}
	var snap Persisted
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("state: decode snapshot: %w", err)
	}
	return &snap, nil
}

// MemStore is an in-memory Store for tests and throwaway sessions.
type MemStore struct {
	mu   sync.Mutex
	snap *Persisted
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) Save(ctx context.Context, snap Persisted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := snap
	s.snap = &cp
	return nil
}

func (s *MemStore) Load(ctx context.Context) (*Persisted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, nil
	}
	cp := *s.snap
	return &cp, nil
}
