package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"msgcommerce-backend/metrics"
	"msgcommerce-backend/models"
)

// AttemptPolicy blocks a client for Block once MaxFailures failures land inside Window.
type AttemptPolicy struct {
	MaxFailures int
	Window      time.Duration
	Block       time.Duration
}

// AttemptTracker counts admin authentication failures per client IP.
type AttemptTracker interface {
	// Blocked returns the remaining block duration, zero when not blocked.
	Blocked(ctx context.Context, ip string) (time.Duration, error)
	// RecordFailure counts one failure and returns the block duration it triggered, if any.
	RecordFailure(ctx context.Context, ip string) (time.Duration, error)
	Reset(ctx context.Context, ip string) error
}

var recordFailureScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n >= tonumber(ARGV[1]) then
	redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
	redis.call('DEL', KEYS[1])
	return tonumber(ARGV[3])
end
return 0
`)

type RedisAttempts struct {
	client redis.UniversalClient
	policy AttemptPolicy
	prefix string
}

func NewRedisAttempts(client redis.UniversalClient, policy AttemptPolicy) *RedisAttempts {
	return &RedisAttempts{client: client, policy: policy, prefix: "admin"}
}

func (r *RedisAttempts) failKey(ip string) string  { return r.prefix + ":fail:" + ip }
func (r *RedisAttempts) blockKey(ip string) string { return r.prefix + ":block:" + ip }

func (r *RedisAttempts) Blocked(ctx context.Context, ip string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, r.blockKey(ip)).Result()
	if err != nil {
		return 0, fmt.Errorf("admin block lookup: %w", err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (r *RedisAttempts) RecordFailure(ctx context.Context, ip string) (time.Duration, error) {
	ms, err := recordFailureScript.Run(ctx, r.client, []string{r.failKey(ip), r.blockKey(ip)},
		r.policy.MaxFailures, r.policy.Window.Milliseconds(), r.policy.Block.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("admin failure record: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (r *RedisAttempts) Reset(ctx context.Context, ip string) error {
	return r.client.Del(ctx, r.failKey(ip), r.blockKey(ip)).Err()
}

// MemoryAttempts is the process-local tracker.
type MemoryAttempts struct {
	mu      sync.Mutex
	policy  AttemptPolicy
	records map[string]*models.FailedAttemptRecord
	now     func() time.Time
}

func NewMemoryAttempts(policy AttemptPolicy) *MemoryAttempts {
	return &MemoryAttempts{policy: policy, records: make(map[string]*models.FailedAttemptRecord), now: time.Now}
}

func (m *MemoryAttempts) Blocked(_ context.Context, ip string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec, ok := m.records[ip]
	if !ok || !rec.Blocked(now) {
		return 0, nil
	}
	return rec.BlockedUntil.Sub(now), nil
}

func (m *MemoryAttempts) RecordFailure(_ context.Context, ip string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec, ok := m.records[ip]
	if !ok {
		rec = &models.FailedAttemptRecord{}
		m.records[ip] = rec
	}
	if !now.Before(rec.WindowEnds) {
		rec.Count = 0
		rec.WindowEnds = now.Add(m.policy.Window)
	}
	rec.Count++
	if rec.Count >= m.policy.MaxFailures {
		rec.Count = 0
		rec.WindowEnds = time.Time{}
		rec.BlockedUntil = now.Add(m.policy.Block)
		return m.policy.Block, nil
	}
	return 0, nil
}

func (m *MemoryAttempts) Reset(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, ip)
	return nil
}

// FallbackAttempts uses primary and falls back to a local tracker when it errors.
type FallbackAttempts struct {
	primary  AttemptTracker
	fallback AttemptTracker
	log      zerolog.Logger
}

func NewFallbackAttempts(primary, fallback AttemptTracker, log zerolog.Logger) *FallbackAttempts {
	return &FallbackAttempts{primary: primary, fallback: fallback, log: log}
}

func (f *FallbackAttempts) degraded(op string, err error) {
	f.log.Warn().Err(err).Str("op", op).Msg("admin attempt store unavailable, using local fallback")
	metrics.RateLimitFallbacks.WithLabelValues("admin_" + op).Inc()
}

func (f *FallbackAttempts) Blocked(ctx context.Context, ip string) (time.Duration, error) {
	if f.primary != nil {
		d, err := f.primary.Blocked(ctx, ip)
		if err == nil {
			return d, nil
		}
		f.degraded("blocked", err)
	}
	return f.fallback.Blocked(ctx, ip)
}

func (f *FallbackAttempts) RecordFailure(ctx context.Context, ip string) (time.Duration, error) {
	if f.primary != nil {
		d, err := f.primary.RecordFailure(ctx, ip)
		if err == nil {
			return d, nil
		}
		f.degraded("record", err)
	}
	return f.fallback.RecordFailure(ctx, ip)
}

// Reset clears both trackers so a block taken during an outage does not outlive the reset.
func (f *FallbackAttempts) Reset(ctx context.Context, ip string) error {
	_ = f.fallback.Reset(ctx, ip)
	if f.primary == nil {
		return nil
	}
	if err := f.primary.Reset(ctx, ip); err != nil {
		f.degraded("reset", err)
	}
	return nil
}
