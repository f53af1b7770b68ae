package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vidyavaradhi/apiserver/types"
)

// ErrRegistryUnavailable wraps failures of the backing store.
var ErrRegistryUnavailable = errors.New("session registry unavailable")

// Record is the server-side half of a session.
type Record struct {
	ID     string
	UserID string
	Role   types.Role
}

// Registry tracks live sessions by ID.
type Registry interface {
	Register(ctx context.Context, rec Record, ttl time.Duration) error
	Lookup(ctx context.Context, id string) (Record, bool, error)
	Revoke(ctx context.Context, id string) error
}

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryRegistry is the single-instance Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryRegistry(now func() time.Time) *MemoryRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{entries: make(map[string]memoryEntry), now: now}
}

func (m *MemoryRegistry) Register(_ context.Context, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
		}
	}
	m.entries[rec.ID] = memoryEntry{rec: rec, expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryRegistry) Lookup(_ context.Context, id string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok || !m.now().Before(e.expiresAt) {
		return Record{}, false, nil
	}
	return e.rec, true, nil
}

func (m *MemoryRegistry) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// RedisRegistry stores "userID|role" under session:{id} with the session TTL.
type RedisRegistry struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisRegistry(client redis.UniversalClient, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "session"
	}
	return &RedisRegistry{redis: client, prefix: prefix}
}

func (r *RedisRegistry) key(id string) string {
	return r.prefix + ":" + id
}

func (r *RedisRegistry) Register(ctx context.Context, rec Record, ttl time.Duration) error {
	value := rec.UserID + "|" + string(rec.Role)
	if err := r.redis.Set(ctx, r.key(rec.ID), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, id string) (Record, bool, error) {
	value, err := r.redis.Get(ctx, r.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	userID, role, ok := strings.Cut(value, "|")
	if !ok {
		return Record{}, false, nil
	}
	return Record{ID: id, UserID: userID, Role: types.Role(role)}, true, nil
}

func (r *RedisRegistry) Revoke(ctx context.Context, id string) error {
	if err := r.redis.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return nil
}
