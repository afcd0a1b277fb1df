package middlewares

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"msgcommerce-backend/audit"
	"msgcommerce-backend/database"
	"msgcommerce-backend/models"
)

// resolve fills the tenant context. It never rejects.
func (p *Pipeline) resolve(c *fiber.Ctx, st *RequestState, next func() error) error {
	st.Tenant, st.Resolution = p.resolver.Resolve(c, st.Class)
	return next()
}

// enforceTenant applies the strategy table to the resolved identity before any
// counters or transactions are touched.
func (p *Pipeline) enforceTenant(c *fiber.Ctx, st *RequestState, next func() error) error {
	mode := p.ScopeFor(st.Class, c.Path())
	if mode == ScopeSkip || st.Tenant.HasTenant() {
		return next()
	}
	if mode == ScopeStrict {
		if st.Resolution == models.Invalid {
			return reject("tenant", NewAPIError(fiber.StatusBadRequest, "INVALID_MERCHANT_ID", "merchant id is not a valid UUID"))
		}
		return reject("tenant", NewAPIError(fiber.StatusUnauthorized, "MERCHANT_ID_REQUIRED", "merchant context required"))
	}
	p.log.Warn().
		Str("trace_id", st.TraceID).
		Str("path", c.Path()).
		Str("resolution", string(st.Resolution)).
		Msg("no merchant context on soft path, continuing without isolation")
	return next()
}

// tenantScope runs the rest of the chain inside a transaction whose session
// variables carry the merchant id.
func (p *Pipeline) tenantScope(c *fiber.Ctx, st *RequestState, next func() error) error {
	mode := p.ScopeFor(st.Class, c.Path())
	if mode == ScopeSkip || !st.Tenant.HasTenant() {
		return next()
	}

	// validate again right before the value reaches SQL
	tenantID, ok := models.NormalizeTenantID(st.Tenant.Tenant())
	if !ok {
		return reject("tenant", NewAPIError(fiber.StatusBadRequest, "INVALID_MERCHANT_ID", "merchant id is not a valid UUID"))
	}

	err := database.RunInTenant(c.UserContext(), p.db, p.session, tenantID, st.Tenant.IsAdmin, func(tx *gorm.DB) error {
		st.DB, st.Isolated = tx, true
		defer func() { st.DB, st.Isolated = nil, false }()
		return next()
	})

	var aerr *database.ActivationError
	if errors.As(err, &aerr) {
		p.securityEvent(c, st, audit.KindIsolationFailed, "TENANT_ISOLATION_UNAVAILABLE", map[string]any{
			"op":    aerr.Op,
			"error": aerr.Err.Error(),
			"mode":  mode.String(),
		})
		if mode == ScopeStrict {
			return reject("tenant", NewAPIError(fiber.StatusServiceUnavailable, "TENANT_ISOLATION_UNAVAILABLE", "tenant isolation unavailable"))
		}
		return next()
	}
	if errors.Is(err, database.ErrScopeReset) {
		p.log.Error().Err(err).Str("trace_id", st.TraceID).Str("merchant_id", tenantID).Msg("tenant scope reset failed")
		return reject("tenant", NewAPIError(fiber.StatusServiceUnavailable, "TENANT_ISOLATION_UNAVAILABLE", "tenant isolation unavailable"))
	}
	// the request deadline passed or the client went away: nothing was committed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		p.log.Warn().Err(err).Str("trace_id", st.TraceID).Str("merchant_id", tenantID).Msg("tenant transaction rolled back")
		return reject("tenant", NewAPIError(fiber.StatusServiceUnavailable, "TENANT_ISOLATION_UNAVAILABLE", "tenant isolation unavailable"))
	}
	return err
}
