package middlewares

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"msgcommerce-backend/audit"
	"msgcommerce-backend/ratelimit"
)

var tierCodes = map[ratelimit.Tier]string{
	ratelimit.TierGeneral:   "RATE_LIMIT_EXCEEDED",
	ratelimit.TierMerchant:  "MERCHANT_RATE_LIMIT_EXCEEDED",
	ratelimit.TierWebhook:   "WEBHOOK_RATE_LIMIT_EXCEEDED",
	ratelimit.TierMessaging: "CUSTOMER_RATE_LIMIT_EXCEEDED",
}

func (p *Pipeline) generalLimit(c *fiber.Ctx, st *RequestState, next func() error) error {
	if err := p.consume(c, st, ratelimit.TierGeneral, st.ClientIP); err != nil {
		return err
	}
	return next()
}

func (p *Pipeline) merchantLimit(c *fiber.Ctx, st *RequestState, next func() error) error {
	if !st.Tenant.HasTenant() {
		return next()
	}
	if err := p.consume(c, st, ratelimit.TierMerchant, st.Tenant.Tenant()); err != nil {
		return err
	}
	return next()
}

// webhookLimit keys on the source segment and sender address, so
// /webhooks/instagram from 203.0.113.7 is "instagram:203.0.113.7". Unsigned
// junk from one sender cannot spend another sender's budget.
func (p *Pipeline) webhookLimit(c *fiber.Ctx, st *RequestState, next func() error) error {
	identity := webhookSource(c.Path(), p.cfg.Tenant.WebhookPrefix) + ":" + st.ClientIP
	if err := p.consume(c, st, ratelimit.TierWebhook, identity); err != nil {
		return err
	}
	return next()
}

// messagingLimit throttles outbound messaging per merchant and customer pair.
func (p *Pipeline) messagingLimit(c *fiber.Ctx, st *RequestState, next func() error) error {
	if c.Method() != fiber.MethodPost || !matchesAny(c.Path(), p.cfg.Tenant.MessagingPaths) || !st.Tenant.HasTenant() {
		return next()
	}
	var payload struct {
		CustomerID string `json:"customer_id"`
	}
	body := captureBody(c, st)
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil || strings.TrimSpace(payload.CustomerID) == "" {
		return reject("ratelimit", NewAPIError(fiber.StatusBadRequest, "MISSING_CUSTOMER_ID", "customer_id is required"))
	}
	if err := p.consume(c, st, ratelimit.TierMessaging, st.Tenant.Tenant()+":"+strings.TrimSpace(payload.CustomerID)); err != nil {
		return err
	}
	return next()
}

func (p *Pipeline) consume(c *fiber.Ctx, st *RequestState, tier ratelimit.Tier, identity string) error {
	d, err := p.limiter.Consume(c.UserContext(), tier, identity)
	if err != nil {
		// the limiter already fell back locally; anything left is a bug, so fail open
		p.log.Error().Err(err).Str("tier", string(tier)).Msg("rate limit check failed")
		return nil
	}
	setLimitHeaders(c, tier, d)
	if d.Allowed {
		return nil
	}

	code := tierCodes[tier]
	p.securityEvent(c, st, audit.KindRateLimited, code, map[string]any{
		"tier":     string(tier),
		"identity": identity,
	})
	return reject("ratelimit", NewAPIError(fiber.StatusTooManyRequests, code, "rate limit exceeded").
		WithHeader(fiber.HeaderRetryAfter, strconv.Itoa(d.RetryAfterSeconds())).
		WithDetails(map[string]any{
			"retry_after_ms": d.RetryAfter.Milliseconds(),
			"remaining":      d.Remaining,
		}))
}

func setLimitHeaders(c *fiber.Ctx, tier ratelimit.Tier, d ratelimit.Decision) {
	name := string(tier)
	prefix := fmt.Sprintf("X-RateLimit-%s%s-", strings.ToUpper(name[:1]), name[1:])
	reset := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
	if reset < 0 {
		reset = 0
	}
	c.Set(prefix+"Limit", strconv.Itoa(d.Limit))
	c.Set(prefix+"Remaining", strconv.Itoa(d.Remaining))
	c.Set(prefix+"Reset", strconv.Itoa(reset))
}

func webhookSource(path, prefix string) string {
	rest := strings.Trim(strings.TrimPrefix(path, strings.TrimRight(prefix, "/")), "/")
	if rest == "" {
		return "default"
	}
	return strings.SplitN(rest, "/", 2)[0]
}
