package ratelimit

import (
	"context"
	"sync"
	"time"

	"msgcommerce-backend/models"
)

const sweepEvery = time.Minute

// MemoryStore is a process-local fixed-window store. It backs the limiter when
// Redis is unreachable, so limits are then per instance.
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[string]*models.RateLimitBucket
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*models.RateLimitBucket), now: time.Now}
}

func (m *MemoryStore) Consume(_ context.Context, key string, p Policy) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	b, ok := m.buckets[key]
	if !ok || b.Expired(now) {
		b = &models.RateLimitBucket{ResetAt: now.Add(p.Window)}
		m.buckets[key] = b
	}
	ttl := b.ResetAt.Sub(now)
	if b.Count >= p.Points {
		return decisionFor(p, false, int64(b.Count), ttl, now), nil
	}
	b.Count++
	return decisionFor(p, true, int64(b.Count), ttl, now), nil
}

func (m *MemoryStore) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < sweepEvery {
		return
	}
	m.lastSweep = now
	for k, b := range m.buckets {
		if b.Expired(now) {
			delete(m.buckets, k)
		}
	}
}

// Len is the number of live buckets.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
