package middlewares

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"msgcommerce-backend/audit"
	"msgcommerce-backend/config"
	"msgcommerce-backend/database"
	"msgcommerce-backend/models"
	"msgcommerce-backend/ratelimit"
	"msgcommerce-backend/security"
)

// Stage is one step of a class chain. It either short-circuits by returning
// an error (usually *APIError) or calls next.
type Stage func(c *fiber.Ctx, st *RequestState, next func() error) error

// ScopeMode is the tenant enforcement strategy for a path.
type ScopeMode int

const (
	ScopeSkip ScopeMode = iota
	ScopeSoft
	ScopeStrict
)

func (m ScopeMode) String() string {
	switch m {
	case ScopeSoft:
		return "soft"
	case ScopeStrict:
		return "strict"
	}
	return "skip"
}

type Options struct {
	Config    *config.Config
	Log       zerolog.Logger
	DB        *gorm.DB
	Session   database.Session
	Resolver  *TenantResolver
	Limiter   *ratelimit.Limiter
	Guard     *IdempotencyGuard
	Signature *security.Verifier
	Admin     *AdminGuard
	Audit     *audit.Writer
	Trusted   *security.IPMatcher
}

// Pipeline classifies each request by path and runs the chain for its class
// before handing over to the router.
type Pipeline struct {
	cfg       *config.Config
	log       zerolog.Logger
	db        *gorm.DB
	session   database.Session
	resolver  *TenantResolver
	limiter   *ratelimit.Limiter
	guard     *IdempotencyGuard
	signature *security.Verifier
	admin     *AdminGuard
	audit     *audit.Writer
	trusted   *security.IPMatcher
	chains    map[PathClass][]Stage
}

func NewPipeline(o Options) *Pipeline {
	p := &Pipeline{
		cfg:       o.Config,
		log:       o.Log,
		db:        o.DB,
		session:   o.Session,
		resolver:  o.Resolver,
		limiter:   o.Limiter,
		guard:     o.Guard,
		signature: o.Signature,
		admin:     o.Admin,
		audit:     o.Audit,
		trusted:   o.Trusted,
	}
	// Order matters: every rejection happens before the tenant transaction opens.
	p.chains = map[PathClass][]Stage{
		ClassPublic: {p.generalLimit},
		ClassTenant: {
			p.generalLimit,
			p.requireJSON,
			p.resolve,
			p.enforceTenant,
			p.merchantLimit,
			p.messagingLimit,
			p.idempotency,
			p.tenantScope,
		},
		ClassWebhook: {
			p.webhookLimit,
			p.requireJSON,
			p.verifySignature,
			p.resolve,
			p.idempotency,
		},
		ClassAdmin:    {p.adminGuard},
		ClassInternal: {p.internalToken},
	}
	return p
}

// Handler is the single entry point registered ahead of all routes.
func (p *Pipeline) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		st := p.newState(c)
		c.Locals(stateKey, st)

		ctx, cancel := context.WithTimeout(c.UserContext(), p.cfg.Server.RequestTimeout)
		defer cancel()
		c.SetUserContext(ctx)

		err := run(c, st, p.chains[st.Class])
		p.logCompletion(c, st, start, err)
		return err
	}
}

func run(c *fiber.Ctx, st *RequestState, stages []Stage) error {
	var step func(i int) error
	step = func(i int) error {
		if i == len(stages) {
			return c.Next()
		}
		return stages[i](c, st, func() error { return step(i + 1) })
	}
	return step(0)
}

func (p *Pipeline) newState(c *fiber.Ctx) *RequestState {
	traceID, _ := c.Locals("requestid").(string)
	if traceID == "" {
		traceID = string(c.Response().Header.Peek(p.cfg.Server.TraceHeader))
	}
	return &RequestState{
		TraceID: traceID,
		ClientIP: security.ClientIP(c.Context().RemoteIP().String(),
			c.Get(fiber.HeaderXForwardedFor), c.Get("X-Real-IP"), p.trusted),
		Class:      p.Classify(c.Path()),
		Tenant:     models.TenantContext{Source: models.SourceNone},
		Resolution: models.NotFound,
	}
}

// Classify maps a path to its class. Prefixes match whole segments only.
func (p *Pipeline) Classify(path string) PathClass {
	t := p.cfg.Tenant
	switch {
	case underPrefix(path, p.cfg.Admin.Prefix):
		return ClassAdmin
	case underPrefix(path, p.cfg.Admin.InternalPrefix):
		return ClassInternal
	case underPrefix(path, t.WebhookPrefix):
		return ClassWebhook
	case matchesAny(path, t.PublicPaths):
		return ClassPublic
	case underPrefix(path, t.APIPrefix):
		return ClassTenant
	}
	return ClassPublic
}

// ScopeFor is the strategy table: class and path to enforcement mode.
func (p *Pipeline) ScopeFor(class PathClass, path string) ScopeMode {
	if class != ClassTenant {
		return ScopeSkip
	}
	switch {
	case matchesAny(path, p.cfg.Tenant.PublicPaths):
		return ScopeSkip
	case matchesAny(path, p.cfg.Tenant.SoftPaths):
		return ScopeSoft
	case p.cfg.Tenant.Strict:
		return ScopeStrict
	}
	return ScopeSoft
}

func underPrefix(path, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func matchesAny(path string, list []string) bool {
	for _, entry := range list {
		if underPrefix(path, entry) {
			return true
		}
	}
	return false
}

func (p *Pipeline) logCompletion(c *fiber.Ctx, st *RequestState, start time.Time, err error) {
	status := c.Response().StatusCode()
	var apiErr *APIError
	var fe *fiber.Error
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Status
	case errors.As(err, &fe):
		status = fe.Code
	case err != nil:
		status = fiber.StatusInternalServerError
	}

	ev := p.log.Info()
	if status >= 500 {
		ev = p.log.Error()
	}
	ev = ev.Str("trace_id", st.TraceID).
		Str("method", c.Method()).
		Str("path", c.Path()).
		Str("class", string(st.Class)).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Str("client_ip", st.ClientIP)
	if st.Tenant.HasTenant() {
		ev = ev.Str("merchant_id", st.Tenant.Tenant())
	}
	if user := AdminUser(c); user != "" {
		ev = ev.Str("admin_user", user)
	}
	if apiErr != nil {
		ev = ev.Str("code", apiErr.Code)
	}
	ev.Msg("request")
}

// securityEvent logs and audits a rejection with full server-side context.
func (p *Pipeline) securityEvent(c *fiber.Ctx, st *RequestState, kind, code string, details map[string]any) {
	recordSecurityEvent(p.log, p.audit, c, st, kind, code, details)
}

func recordSecurityEvent(log zerolog.Logger, w *audit.Writer, c *fiber.Ctx, st *RequestState, kind, code string, details map[string]any) {
	log.Warn().
		Str("event", kind).
		Str("code", code).
		Str("trace_id", st.TraceID).
		Str("client_ip", st.ClientIP).
		Str("path", c.Path()).
		Fields(details).
		Msg("security event")

	// The event outlives the request; fiber recycles the buffers behind
	// c.Path, c.Method and header values once the handler returns.
	e := models.AuditEvent{
		Kind:     kind,
		Code:     code,
		ClientIP: utils.CopyString(st.ClientIP),
		TraceID:  utils.CopyString(st.TraceID),
		Method:   utils.CopyString(c.Method()),
		Path:     utils.CopyString(c.Path()),
	}
	if st.Tenant.HasTenant() {
		id := utils.CopyString(st.Tenant.Tenant())
		e.MerchantID = &id
	}
	w.Record(e, details)
}
