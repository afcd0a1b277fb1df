package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"gorm.io/gorm"

	"msgcommerce-backend/metrics"
)

var (
	// ErrScopeReset means the session variables could not be cleared after the
	// handler ran; the transaction was rolled back.
	ErrScopeReset = errors.New("tenant scope reset failed")

	settingName = regexp.MustCompile(`^[a-z_][a-z0-9_]*\.[a-z_][a-z0-9_]*$`)
)

// ActivationError is returned when a tenant transaction could not be opened or
// its session variables could not be set. The handler did not run.
type ActivationError struct {
	Op  string
	Err error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("tenant scope %s: %v", e.Op, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// Session names the transaction-local settings read by the RLS policies.
type Session struct {
	TenantVar string
	AdminVar  string
}

func NewSession(tenantVar, adminVar string) (Session, error) {
	for _, v := range []string{tenantVar, adminVar} {
		if !settingName.MatchString(v) {
			return Session{}, fmt.Errorf("invalid session variable name %q", v)
		}
	}
	return Session{TenantVar: tenantVar, AdminVar: adminVar}, nil
}

// Activate sets both variables for the remainder of tx only (is_local = true).
func (s Session) Activate(tx *gorm.DB, tenantID string, admin bool) error {
	mode := "off"
	if admin {
		mode = "on"
	}
	return tx.Exec("SELECT set_config(?, ?, true), set_config(?, ?, true)", s.TenantVar, tenantID, s.AdminVar, mode).Error
}

// Reset clears both variables before the connection goes back to the pool.
func (s Session) Reset(tx *gorm.DB) error {
	return tx.Exec("SELECT set_config(?, '', true), set_config(?, '', true)", s.TenantVar, s.AdminVar).Error
}

// RunInTenant runs fn inside a transaction bound to tenantID.
// On every exit path the variables are reset before the transaction ends:
// fn error or panic rolls back, a failed reset rolls back, ctx ending before
// fn returns rolls back, otherwise it commits. Panics are re-raised after
// cleanup.
//
// The transaction itself is not bound to ctx, so cleanup still reaches the
// connection after a timeout. Statements issued through the handle passed to
// fn honor ctx.
func RunInTenant(ctx context.Context, db *gorm.DB, s Session, tenantID string, admin bool, fn func(tx *gorm.DB) error) (err error) {
	start := time.Now()
	tx := db.WithContext(context.WithoutCancel(ctx)).Begin()
	if tx.Error != nil {
		return &ActivationError{Op: "begin", Err: tx.Error}
	}
	if aerr := s.Activate(tx.WithContext(ctx), tenantID, admin); aerr != nil {
		_ = tx.Rollback()
		return &ActivationError{Op: "activate", Err: aerr}
	}

	defer func() {
		r := recover()
		result := "commit"
		defer func() { metrics.TenantScopeDuration.WithLabelValues(result).Observe(time.Since(start).Seconds()) }()

		if rerr := s.Reset(tx); rerr != nil {
			_ = tx.Rollback()
			result = "reset_failed"
			if r != nil {
				panic(r)
			}
			if err == nil {
				err = fmt.Errorf("%w: %v", ErrScopeReset, rerr)
			}
			return
		}
		if r != nil {
			_ = tx.Rollback()
			result = "panic"
			panic(r)
		}
		if err == nil && ctx.Err() != nil {
			err = fmt.Errorf("tenant transaction abandoned: %w", ctx.Err())
			result = "canceled"
		}
		if err != nil {
			_ = tx.Rollback()
			if result == "commit" {
				result = "rollback"
			}
			return
		}
		if cerr := tx.Commit().Error; cerr != nil {
			result = "commit_failed"
			err = fmt.Errorf("commit tenant transaction: %w", cerr)
		}
	}()

	return fn(tx.WithContext(ctx))
}
