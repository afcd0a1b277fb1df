package middlewares

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"msgcommerce-backend/models"
	"msgcommerce-backend/security"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

// TenantResolver determines which merchant a request belongs to.
// Precedence: trusted header, bearer token, session cookie. Webhook paths
// resolve to the webhook source with no merchant; the handler binds one after
// validating the payload. Resolve never fails.
type TenantResolver struct {
	Header     string
	Tokens     *security.TokenVerifier
	Cookies    *security.CookieSealer
	CookieName string
}

func (r *TenantResolver) Resolve(c *fiber.Ctx, class PathClass) (models.TenantContext, models.ResolutionOutcome) {
	if class == ClassWebhook {
		return models.TenantContext{Source: models.SourceWebhook}, models.NotFound
	}

	outcome := models.NotFound

	// 1) trusted header
	if v := strings.TrimSpace(c.Get(r.Header)); v != "" {
		if id, ok := models.NormalizeTenantID(v); ok {
			return models.TenantContext{TenantID: &id, Source: models.SourceHeader}, models.Resolved
		}
		outcome = models.Invalid
	}

	// 2) bearer token
	if raw, ok := bearerToken(c.Get(authHeader)); ok && r.Tokens.Enabled() {
		if claims, err := r.Tokens.Verify(raw); err == nil && claims.MerchantID != "" {
			if id, ok := models.NormalizeTenantID(claims.MerchantID); ok {
				tc := models.TenantContext{TenantID: &id, IsAdmin: r.Tokens.IsAdmin(claims), Source: models.SourceToken}
				if sub := strings.TrimSpace(claims.Subject); sub != "" {
					tc.UserID = &sub
				}
				return tc, models.Resolved
			}
			outcome = models.Invalid
		}
	}

	// 3) session cookie
	if v := c.Cookies(r.CookieName); v != "" && r.Cookies != nil {
		if p, err := r.Cookies.Open(v); err == nil {
			if id, ok := models.NormalizeTenantID(p.MerchantID); ok {
				tc := models.TenantContext{TenantID: &id, Source: models.SourceCookie}
				if p.UserID != "" {
					user := p.UserID
					tc.UserID = &user
				}
				return tc, models.Resolved
			}
			outcome = models.Invalid
		}
	}

	return models.TenantContext{Source: models.SourceNone}, outcome
}

func bearerToken(h string) (string, bool) {
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(h[len(bearerPrefix):])
	return raw, raw != ""
}
