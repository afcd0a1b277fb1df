package middlewares

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"msgcommerce-backend/config"
	"msgcommerce-backend/metrics"
	"msgcommerce-backend/models"
)

const idempotencyHeader = "Idempotency-Key"

// headers that describe this delivery rather than the stored response
var volatileHeaders = map[string]bool{
	"date":           true,
	"server":         true,
	"content-length": true,
	"retry-after":    true,
	"set-cookie":     true,
}

// IdempotencyGuard replays stored responses for repeated side-effecting requests.
// Storage is Redis only; when Redis fails the request runs unprotected.
type IdempotencyGuard struct {
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	lockTTL     time.Duration
	skip        map[string]bool
	traceHeader string
	log         zerolog.Logger
	now         func() time.Time
}

func NewIdempotencyGuard(client redis.UniversalClient, cfg config.IdempotencyConfig, traceHeader string, log zerolog.Logger) *IdempotencyGuard {
	skip := make(map[string]bool, len(cfg.SkipMethods))
	for _, m := range cfg.SkipMethods {
		skip[strings.ToUpper(strings.TrimSpace(m))] = true
	}
	return &IdempotencyGuard{
		client:      client,
		prefix:      cfg.KeyPrefix,
		ttl:         cfg.TTL,
		lockTTL:     cfg.LockTTL,
		skip:        skip,
		traceHeader: strings.ToLower(traceHeader),
		log:         log,
		now:         time.Now,
	}
}

func (p *Pipeline) idempotency(c *fiber.Ctx, st *RequestState, next func() error) error {
	if p.guard == nil {
		return next()
	}
	return p.guard.Stage(c, st, next)
}

// Fingerprint hashes method, URL, tenant identity, a truncated digest of
// textual bodies, the inbound signature digest and any Idempotency-Key header.
func (g *IdempotencyGuard) Fingerprint(c *fiber.Ctx, st *RequestState) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(c.Method())
	write(c.OriginalURL())
	if st.Tenant.HasTenant() {
		write("merchant:" + st.Tenant.Tenant())
	} else {
		write("source:" + string(st.Tenant.Source))
	}

	body := captureBody(c, st)
	if isTextual(c.Get(fiber.HeaderContentType)) {
		sum := sha256.Sum256(body)
		write(hex.EncodeToString(sum[:16]))
	} else {
		write("len:" + strconv.Itoa(len(body)))
	}
	write(st.SignatureHash)
	write(strings.TrimSpace(c.Get(idempotencyHeader)))
	return hex.EncodeToString(h.Sum(nil))
}

func isTextual(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "text/") ||
		mt == fiber.MIMEApplicationJSON || strings.HasSuffix(mt, "+json") ||
		mt == fiber.MIMEApplicationXML || strings.HasSuffix(mt, "+xml") ||
		mt == fiber.MIMEApplicationForm
}

func (g *IdempotencyGuard) Stage(c *fiber.Ctx, st *RequestState, next func() error) error {
	if g.skip[c.Method()] {
		return next()
	}
	if len(c.Get(idempotencyHeader)) > 255 {
		return reject("idempotency", NewAPIError(fiber.StatusBadRequest, "IDEMPOTENCY_KEY_TOO_LONG", "Idempotency-Key too long"))
	}

	ctx := c.UserContext()
	key := g.prefix + ":" + g.Fingerprint(c, st)

	// ---- Phase 1: lookup
	raw, err := g.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		rec, derr := models.DecodeIdempotencyRecord(raw)
		if derr == nil && rec.Key == key {
			metrics.IdempotencyOutcomes.WithLabelValues("hit").Inc()
			return g.replay(c, rec)
		}
		g.log.Warn().Err(derr).Str("key", key).Str("trace_id", st.TraceID).Msg("evicting corrupt idempotency record")
		metrics.IdempotencyOutcomes.WithLabelValues("corrupt").Inc()
		if err := g.client.Del(ctx, key).Err(); err != nil {
			g.log.Warn().Err(err).Str("key", key).Msg("idempotency evict failed")
		}
	case errors.Is(err, redis.Nil):
		metrics.IdempotencyOutcomes.WithLabelValues("miss").Inc()
	default:
		return g.unprotected(st, err, next)
	}

	// ---- Phase 2: in-flight lock so concurrent duplicates do not both run
	lockKey := key + ":lock"
	locked, err := g.client.SetNX(ctx, lockKey, st.TraceID, g.lockTTL).Result()
	if err != nil {
		return g.unprotected(st, err, next)
	}
	if !locked {
		metrics.IdempotencyOutcomes.WithLabelValues("in_progress").Inc()
		return reject("idempotency", NewAPIError(fiber.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "an identical request is still being processed").
			WithHeader(fiber.HeaderRetryAfter, "1"))
	}
	defer func() {
		if err := g.client.Del(context.WithoutCancel(ctx), lockKey).Err(); err != nil {
			g.log.Warn().Err(err).Str("key", lockKey).Msg("idempotency unlock failed")
		}
	}()

	// A duplicate may have stored its response and released the lock between
	// the lookup and SetNX.
	if raw, err := g.client.Get(ctx, key).Bytes(); err == nil {
		if rec, derr := models.DecodeIdempotencyRecord(raw); derr == nil && rec.Key == key {
			metrics.IdempotencyOutcomes.WithLabelValues("hit").Inc()
			return g.replay(c, rec)
		}
	} else if !errors.Is(err, redis.Nil) {
		g.log.Warn().Err(err).Str("key", key).Str("trace_id", st.TraceID).Msg("idempotency recheck failed")
	}

	if err := next(); err != nil {
		return err
	}
	if !st.cacheable {
		return nil
	}

	// ---- Phase 3: store (best-effort, never breaks the response)
	status := c.Response().StatusCode()
	if status >= fiber.StatusInternalServerError {
		return nil
	}
	rec := models.IdempotencyRecord{
		Key:       key,
		Status:    status,
		Body:      bytes.Clone(c.Response().Body()),
		Headers:   g.replayableHeaders(c),
		CreatedAt: g.now().UTC(),
	}
	if rec.Body == nil {
		rec.Body = []byte{}
	}
	enc, err := rec.Encode()
	if err == nil {
		err = g.client.Set(context.WithoutCancel(ctx), key, enc, g.ttl).Err()
	}
	if err != nil {
		g.log.Warn().Err(err).Str("key", key).Msg("idempotency store failed")
		return nil
	}
	metrics.IdempotencyOutcomes.WithLabelValues("stored").Inc()
	return nil
}

func (g *IdempotencyGuard) unprotected(st *RequestState, err error, next func() error) error {
	g.log.Warn().Err(err).Str("trace_id", st.TraceID).Msg("idempotency store unavailable, proceeding unprotected")
	metrics.IdempotencyOutcomes.WithLabelValues("unavailable").Inc()
	return next()
}

func (g *IdempotencyGuard) replayableHeaders(c *fiber.Ctx) map[string]string {
	out := make(map[string]string)
	c.Response().Header.VisitAll(func(k, v []byte) {
		name := strings.ToLower(string(k))
		if volatileHeaders[name] || name == g.traceHeader || strings.HasPrefix(name, "x-ratelimit-") {
			return
		}
		out[string(k)] = string(v)
	})
	return out
}

func (g *IdempotencyGuard) replay(c *fiber.Ctx, rec models.IdempotencyRecord) error {
	for k, v := range rec.Headers {
		c.Set(k, v)
	}
	return c.Status(rec.Status).Send(rec.Body)
}
