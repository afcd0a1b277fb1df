package middlewares

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"msgcommerce-backend/audit"
	"msgcommerce-backend/config"
	"msgcommerce-backend/ratelimit"
	"msgcommerce-backend/security"
)

const (
	adminRealm   = `Basic realm="admin", charset="UTF-8"`
	adminUserKey = "admin_user"
)

// AdminGuard protects the operator namespaces. It is independent of tenant
// resolution: admin routes are never tenant scoped.
type AdminGuard struct {
	user          string
	password      string
	passwordHash  []byte
	allowed       *security.IPMatcher
	attempts      ratelimit.AttemptTracker
	internalToken string
	log           zerolog.Logger
	audit         *audit.Writer
	basic         fiber.Handler
}

func NewAdminGuard(cfg config.AdminConfig, attempts ratelimit.AttemptTracker, auditW *audit.Writer, log zerolog.Logger) (*AdminGuard, error) {
	allowed, err := security.NewIPMatcher(cfg.AllowedIPs)
	if err != nil {
		return nil, err
	}
	g := &AdminGuard{
		user:          cfg.User,
		allowed:       allowed,
		attempts:      attempts,
		internalToken: cfg.InternalToken,
		log:           log,
		audit:         auditW,
	}
	// "$2a$", "$2b$", "$2y$" are bcrypt hashes; anything else is a plain secret
	if strings.HasPrefix(cfg.Password, "$2") {
		g.passwordHash = []byte(cfg.Password)
	} else {
		g.password = cfg.Password
	}
	g.basic = basicauth.New(basicauth.Config{
		Realm:           "admin",
		Authorizer:      g.checkCredentials,
		Unauthorized:    g.unauthorized,
		ContextUsername: adminUserKey,
		ContextPassword: "admin_password",
	})
	return g, nil
}

func (p *Pipeline) adminGuard(c *fiber.Ctx, st *RequestState, next func() error) error {
	return p.admin.Admin(c, st, next)
}

func (p *Pipeline) internalToken(c *fiber.Ctx, st *RequestState, next func() error) error {
	return p.admin.Internal(c, st, next)
}

// Admin checks, in order: IP allowlist, lockout, Basic credentials.
// A locked out IP is rejected even with correct credentials. The basicauth
// handler passes control to the router on success, so Admin must be the last
// stage of its chain.
func (g *AdminGuard) Admin(c *fiber.Ctx, st *RequestState, _ func() error) error {
	ip := st.ClientIP
	if !g.allowed.Empty() && !g.allowed.Contains(ip) {
		g.event(c, st, audit.KindAdminAuthFailed, "IP_NOT_ALLOWED", nil)
		return reject("admin", NewAPIError(fiber.StatusForbidden, "IP_NOT_ALLOWED", "access denied"))
	}

	if left, err := g.attempts.Blocked(c.UserContext(), ip); err != nil {
		g.log.Warn().Err(err).Str("client_ip", ip).Msg("admin lockout lookup failed")
	} else if left > 0 {
		return g.lockedOut(c, st, ratelimit.Decision{RetryAfter: left})
	}

	return g.basic(c)
}

// unauthorized runs for every Basic failure. A request without Basic
// credentials is asked to authenticate; anything else counts as a failed
// attempt.
func (g *AdminGuard) unauthorized(c *fiber.Ctx) error {
	st := State(c)
	auth := c.Get(fiber.HeaderAuthorization)
	if len(auth) <= 6 || !utils.EqualFold(auth[:6], "basic ") {
		return reject("admin", NewAPIError(fiber.StatusUnauthorized, "ADMIN_AUTH_REQUIRED", "authentication required").
			WithHeader(fiber.HeaderWWWAuthenticate, adminRealm))
	}

	blockedFor, err := g.attempts.RecordFailure(c.UserContext(), st.ClientIP)
	if err != nil {
		g.log.Warn().Err(err).Str("client_ip", st.ClientIP).Msg("admin failure not recorded")
	}
	g.event(c, st, audit.KindAdminAuthFailed, "ADMIN_AUTH_INVALID", nil)
	if blockedFor > 0 {
		g.event(c, st, audit.KindAdminLockout, "ADMIN_LOCKED_OUT", map[string]any{"block_seconds": blockedFor.Seconds()})
	}
	return reject("admin", NewAPIError(fiber.StatusUnauthorized, "ADMIN_AUTH_INVALID", "invalid credentials").
		WithHeader(fiber.HeaderWWWAuthenticate, adminRealm))
}

// AdminUser is the operator authenticated by the admin guard, if any.
func AdminUser(c *fiber.Ctx) string {
	user, _ := c.Locals(adminUserKey).(string)
	return user
}

func (g *AdminGuard) lockedOut(c *fiber.Ctx, st *RequestState, d ratelimit.Decision) error {
	g.event(c, st, audit.KindAdminLockout, "ADMIN_LOCKED_OUT", nil)
	return reject("admin", NewAPIError(fiber.StatusTooManyRequests, "ADMIN_LOCKED_OUT", "too many failed attempts").
		WithHeader(fiber.HeaderRetryAfter, strconv.Itoa(d.RetryAfterSeconds())).
		WithDetails(map[string]any{"retry_after_ms": d.RetryAfter.Milliseconds()}))
}

// checkCredentials always evaluates both comparisons so timing does not reveal
// which one failed.
func (g *AdminGuard) checkCredentials(user, pass string) bool {
	if g.user == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(g.user)) == 1
	var passOK bool
	if g.passwordHash != nil {
		passOK = bcrypt.CompareHashAndPassword(g.passwordHash, []byte(pass)) == nil
	} else {
		passOK = g.password != "" && subtle.ConstantTimeCompare([]byte(pass), []byte(g.password)) == 1
	}
	return userOK && passOK
}

// Internal authenticates service-to-service calls with a static bearer token.
func (g *AdminGuard) Internal(c *fiber.Ctx, st *RequestState, next func() error) error {
	raw, ok := bearerToken(c.Get(authHeader))
	if !ok || g.internalToken == "" || subtle.ConstantTimeCompare([]byte(raw), []byte(g.internalToken)) != 1 {
		g.event(c, st, audit.KindAdminAuthFailed, "INTERNAL_AUTH_INVALID", nil)
		return reject("internal", NewAPIError(fiber.StatusUnauthorized, "INTERNAL_AUTH_INVALID", "invalid internal token"))
	}
	return next()
}

// ResetAttempts clears the failure counter and any block for ip.
func (g *AdminGuard) ResetAttempts(c *fiber.Ctx, ip string) error {
	if err := g.attempts.Reset(c.UserContext(), ip); err != nil {
		return err
	}
	g.event(c, State(c), audit.KindAdminReset, "", map[string]any{"ip": ip, "by": AdminUser(c)})
	return nil
}

func (g *AdminGuard) event(c *fiber.Ctx, st *RequestState, kind, code string, details map[string]any) {
	recordSecurityEvent(g.log, g.audit, c, st, kind, code, details)
}

// RequireAdmin guards tenant routes that only platform admins may use.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !State(c).Tenant.IsAdmin {
			return reject("admin", NewAPIError(fiber.StatusForbidden, "ADMIN_REQUIRED", "admin privileges required"))
		}
		return c.Next()
	}
}
