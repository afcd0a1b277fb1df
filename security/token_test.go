package security

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const merchant = "6f1c2b9e-8a3d-4c5e-9f10-2a3b4c5d6e7f"

func newVerifier(t *testing.T, cfg TokenConfig) *TokenVerifier {
	t.Helper()
	v, err := NewTokenVerifier(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTokenVerifier(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newVerifier(t, TokenConfig{
		Secret:     "s3cret",
		Algorithms: []string{"HS256"},
		Issuer:     "msgcommerce",
		Audience:   "api",
		ClockSkew:  30 * time.Second,
		AdminRoles: []string{"admin"},
	})
	v.now = func() time.Time { return now }

	base := func() *Claims {
		return &Claims{
			MerchantID: merchant,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				Issuer:    "msgcommerce",
				Audience:  jwt.ClaimStrings{"api"},
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
				IssuedAt:  jwt.NewNumericDate(now),
			},
		}
	}

	tests := []struct {
		name    string
		token   func() string
		wantErr error
	}{
		{name: "valid", token: func() string { return sign(t, jwt.SigningMethodHS256, "s3cret", base()) }},
		{
			name: "expired within skew",
			token: func() string {
				c := base()
				c.ExpiresAt = jwt.NewNumericDate(now.Add(-10 * time.Second))
				return sign(t, jwt.SigningMethodHS256, "s3cret", c)
			},
		},
		{
			name: "expired beyond skew",
			token: func() string {
				c := base()
				c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
				return sign(t, jwt.SigningMethodHS256, "s3cret", c)
			},
			wantErr: ErrTokenClaims,
		},
		{
			name: "missing exp",
			token: func() string {
				c := base()
				c.ExpiresAt = nil
				return sign(t, jwt.SigningMethodHS256, "s3cret", c)
			},
			wantErr: ErrTokenClaims,
		},
		{
			name: "not before in future",
			token: func() string {
				c := base()
				c.NotBefore = jwt.NewNumericDate(now.Add(5 * time.Minute))
				return sign(t, jwt.SigningMethodHS256, "s3cret", c)
			},
			wantErr: ErrTokenClaims,
		},
		{
			name: "wrong issuer",
			token: func() string {
				c := base()
				c.Issuer = "someone-else"
				return sign(t, jwt.SigningMethodHS256, "s3cret", c)
			},
			wantErr: ErrTokenClaims,
		},
		{
			name: "wrong audience",
			token: func() string {
				c := base()
				c.Audience = jwt.ClaimStrings{"web"}
				return sign(t, jwt.SigningMethodHS256, "s3cret", c)
			},
			wantErr: ErrTokenClaims,
		},
		{name: "wrong secret", token: func() string { return sign(t, jwt.SigningMethodHS256, "nope", base()) }, wantErr: ErrTokenUnverifiable},
		{name: "algorithm not allowed", token: func() string { return sign(t, jwt.SigningMethodHS512, "s3cret", base()) }, wantErr: ErrTokenUnverifiable},
		{
			name: "alg none",
			token: func() string {
				s, err := jwt.NewWithClaims(jwt.SigningMethodNone, base()).SignedString(jwt.UnsafeAllowNoneSignatureType)
				if err != nil {
					t.Fatal(err)
				}
				return s
			},
			wantErr: ErrTokenUnverifiable,
		},
		{name: "garbage", token: func() string { return "a.b.c" }, wantErr: ErrTokenUnverifiable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Verify(tt.token())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if claims.MerchantID != merchant || claims.Subject != "user-1" {
				t.Fatalf("claims = %+v", claims)
			}
		})
	}
}

func TestTokenVerifierIssueAndAdmin(t *testing.T) {
	v := newVerifier(t, TokenConfig{Secret: "s3cret", Algorithms: []string{"HS384"}, AdminRoles: []string{"admin", "super_admin"}})

	raw, err := v.Issue(merchant, "user-2", []string{"viewer", "super_admin"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := v.Verify(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsAdmin(claims) {
		t.Error("expected super_admin role to grant admin")
	}
	if v.IsAdmin(&Claims{Roles: []string{"viewer"}}) {
		t.Error("viewer must not be admin")
	}
}

func TestNewTokenVerifierRejectsAsymmetric(t *testing.T) {
	if _, err := NewTokenVerifier(TokenConfig{Secret: "x", Algorithms: []string{"RS256"}}); err == nil {
		t.Fatal("expected RS256 to be rejected")
	}
	v := newVerifier(t, TokenConfig{})
	if v.Enabled() {
		t.Fatal("verifier without secret must be disabled")
	}
	if _, err := v.Verify("a.b.c"); !errors.Is(err, ErrTokenUnverifiable) {
		t.Fatalf("err = %v", err)
	}
}
