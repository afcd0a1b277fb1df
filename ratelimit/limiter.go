package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

type Tier string

const (
	TierGeneral   Tier = "general"
	TierMerchant  Tier = "merchant"
	TierWebhook   Tier = "webhook"
	TierMessaging Tier = "messaging"
)

// Policy allows Points consumptions per Window. Both are whole numbers:
// windows are truncated to milliseconds.
type Policy struct {
	Points int
	Window time.Duration
}

// Decision is the outcome of one consumption attempt.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RetryAfterSeconds is the Retry-After header value: whole seconds, rounded up, at least 1.
func (d Decision) RetryAfterSeconds() int {
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Store consumes one point from key under p. It errors only when the backing
// store itself fails; an exhausted budget is a Decision with Allowed=false.
type Store interface {
	Consume(ctx context.Context, key string, p Policy) (Decision, error)
}

var ErrUnknownTier = errors.New("unknown rate limit tier")

// Limiter applies per-tier policies on top of a Store.
type Limiter struct {
	store    Store
	prefix   string
	policies map[Tier]Policy
}

func NewLimiter(store Store, prefix string, policies map[Tier]Policy) *Limiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &Limiter{store: store, prefix: prefix, policies: policies}
}

func (l *Limiter) Policy(t Tier) (Policy, bool) {
	p, ok := l.policies[t]
	return p, ok
}

// Key is the storage key for a tier and identity, e.g. "rl:merchant:<id>".
func (l *Limiter) Key(t Tier, identity string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, t, identity)
}

func (l *Limiter) Consume(ctx context.Context, t Tier, identity string) (Decision, error) {
	p, ok := l.policies[t]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownTier, t)
	}
	return l.store.Consume(ctx, l.Key(t, identity), p)
}

func decisionFor(p Policy, allowed bool, count int64, ttl time.Duration, now time.Time) Decision {
	remaining := p.Points - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   allowed,
		Limit:     p.Points,
		Remaining: remaining,
		ResetAt:   now.Add(ttl),
	}
	if !allowed {
		d.RetryAfter = ttl
	}
	return d
}
