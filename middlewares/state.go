package middlewares

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"msgcommerce-backend/models"
)

// PathClass selects the stage chain a request runs through.
type PathClass string

const (
	ClassPublic   PathClass = "public"
	ClassTenant   PathClass = "tenant"
	ClassWebhook  PathClass = "webhook"
	ClassAdmin    PathClass = "admin"
	ClassInternal PathClass = "internal"
)

const stateKey = "request_state"

// RequestState is built once at pipeline entry and shared by every stage and
// the handler.
type RequestState struct {
	TraceID    string
	ClientIP   string
	Class      PathClass
	Tenant     models.TenantContext
	Resolution models.ResolutionOutcome

	// DB is the tenant-scoped transaction, nil outside an isolated scope.
	DB       *gorm.DB
	Isolated bool

	// RawBody holds the exact request bytes once a stage needed them.
	RawBody       []byte
	SignatureHash string

	cacheable bool
}

var ErrNoTenantScope = errors.New("no tenant scoped database handle")

// State returns the request's state. Outside the pipeline it returns an empty
// state so handlers never need a nil check.
func State(c *fiber.Ctx) *RequestState {
	if st, ok := c.Locals(stateKey).(*RequestState); ok && st != nil {
		return st
	}
	st := &RequestState{Class: ClassPublic, Tenant: models.TenantContext{Source: models.SourceNone}, Resolution: models.NotFound}
	c.Locals(stateKey, st)
	return st
}

// MarkCacheable lets the idempotency guard store this response for replay.
// Handlers opt in only when repeating the response is safe.
func MarkCacheable(c *fiber.Ctx) {
	State(c).cacheable = true
}

// TenantDB returns the transaction bound to the request's merchant.
func TenantDB(c *fiber.Ctx) (*gorm.DB, error) {
	st := State(c)
	if st.DB == nil || !st.Isolated {
		return nil, ErrNoTenantScope
	}
	return st.DB, nil
}
