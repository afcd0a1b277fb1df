package ratelimit

import (
	"context"

	"github.com/rs/zerolog"

	"msgcommerce-backend/metrics"
)

// FallbackStore consumes from primary and switches to fallback for any call
// where primary fails. The request is never failed because of the store.
type FallbackStore struct {
	primary  Store
	fallback Store
	log      zerolog.Logger
}

func NewFallbackStore(primary, fallback Store, log zerolog.Logger) *FallbackStore {
	return &FallbackStore{primary: primary, fallback: fallback, log: log}
}

func (f *FallbackStore) Consume(ctx context.Context, key string, p Policy) (Decision, error) {
	if f.primary != nil {
		d, err := f.primary.Consume(ctx, key, p)
		if err == nil {
			return d, nil
		}
		f.log.Warn().Err(err).Str("key", key).Msg("rate limit store unavailable, using local fallback")
		metrics.RateLimitFallbacks.WithLabelValues("consume").Inc()
	}
	return f.fallback.Consume(ctx, key, p)
}
