package models

import (
	"strings"

	"github.com/google/uuid"
)

// Source records where a request's tenant identity came from.
type Source string

const (
	SourceHeader  Source = "header"
	SourceToken   Source = "token"
	SourceCookie  Source = "cookie"
	SourceWebhook Source = "webhook"
	SourceNone    Source = "none"
)

// ResolutionOutcome distinguishes "nothing presented" from "something presented but unusable".
type ResolutionOutcome string

const (
	Resolved ResolutionOutcome = "resolved"
	NotFound ResolutionOutcome = "not_found"
	Invalid  ResolutionOutcome = "invalid"
)

// TenantContext is the identity a request is bound to. A nil TenantID means no
// merchant could be resolved.
type TenantContext struct {
	TenantID *string `json:"merchant_id,omitempty"`
	UserID   *string `json:"user_id,omitempty"`
	IsAdmin  bool    `json:"is_admin"`
	Source   Source  `json:"source"`
}

func (t TenantContext) HasTenant() bool {
	return t.TenantID != nil && *t.TenantID != ""
}

// Tenant returns the merchant id or "".
func (t TenantContext) Tenant() string {
	if t.TenantID == nil {
		return ""
	}
	return *t.TenantID
}

func (t TenantContext) User() string {
	if t.UserID == nil {
		return ""
	}
	return *t.UserID
}

// IsValidTenantID accepts only canonical (36 char, hyphenated) RFC 4122 UUIDs of
// versions 1 to 5. uuid.Parse alone also accepts braces, urn: prefixes and
// hyphen-less forms.
func IsValidTenantID(s string) bool {
	if len(s) != 36 || strings.TrimSpace(s) != s {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	if id.Variant() != uuid.RFC4122 {
		return false
	}
	v := id.Version()
	return v >= 1 && v <= 5
}

// NormalizeTenantID lowercases a valid id so the same merchant always maps to the
// same session value and cache key.
func NormalizeTenantID(s string) (string, bool) {
	if !IsValidTenantID(s) {
		return "", false
	}
	return strings.ToLower(s), true
}
