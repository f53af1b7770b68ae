package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter keeps windows in process memory. Good for single-instance
// setups and tests.
type MemoryCounter struct {
	mu   sync.Mutex
	data map[string]bucket
	now  func() time.Time
}

func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{data: make(map[string]bucket), now: now}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.data[key]
	if !ok || !now.Before(b.resetAt) {
		m.sweep(now)
		b = bucket{count: 1, resetAt: now.Add(window)}
		m.data[key] = b
		return b.count, window, nil
	}

	b.count++
	m.data[key] = b
	return b.count, b.resetAt.Sub(now), nil
}

func (m *MemoryCounter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// sweep drops ended windows; callers hold mu.
func (m *MemoryCounter) sweep(now time.Time) {
	for key, b := range m.data {
		if !now.Before(b.resetAt) {
			delete(m.data, key)
		}
	}
}
