package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rejections counts requests short-circuited by a pipeline stage.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msgcommerce",
		Subsystem: "pipeline",
		Name:      "rejections_total",
		Help:      "Requests rejected by a pipeline stage, by stage and error code.",
	}, []string{"stage", "code"})

	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msgcommerce",
		Subsystem: "idempotency",
		Name:      "outcomes_total",
		Help:      "Idempotency guard outcomes (hit, miss, stored, corrupt, in_progress, unavailable).",
	}, []string{"outcome"})

	RateLimitFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msgcommerce",
		Subsystem: "ratelimit",
		Name:      "fallbacks_total",
		Help:      "Operations served by the local store because Redis failed.",
	}, []string{"op"})

	TenantScopeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "msgcommerce",
		Subsystem: "tenant",
		Name:      "scope_duration_seconds",
		Help:      "Time spent inside a tenant-scoped transaction, by result.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "msgcommerce",
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Audit events dropped because the queue was full or the insert failed.",
	})
)
