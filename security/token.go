package security

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrTokenUnverifiable = errors.New("token could not be verified")
	ErrTokenClaims       = errors.New("token claims rejected")
)

// Claims is the bearer token payload: subject is the user id, merchant_id the tenant.
type Claims struct {
	MerchantID string   `json:"merchant_id,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret     string
	Algorithms []string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
	AdminRoles []string
}

// TokenVerifier validates HMAC-signed bearer tokens against an explicit
// algorithm allow-list. Time based claims are checked with a bounded skew.
type TokenVerifier struct {
	secret     []byte
	methods    []string
	issuer     string
	audience   string
	skew       time.Duration
	adminRoles []string
	now        func() time.Time
}

func NewTokenVerifier(cfg TokenConfig) (*TokenVerifier, error) {
	methods := make([]string, 0, len(cfg.Algorithms))
	for _, alg := range cfg.Algorithms {
		alg = strings.ToUpper(strings.TrimSpace(alg))
		switch alg {
		case jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg():
			methods = append(methods, alg)
		default:
			return nil, fmt.Errorf("unsupported token algorithm %q", alg)
		}
	}
	if len(methods) == 0 {
		methods = []string{jwt.SigningMethodHS256.Alg()}
	}
	return &TokenVerifier{
		secret:     []byte(cfg.Secret),
		methods:    methods,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		skew:       cfg.ClockSkew,
		adminRoles: cfg.AdminRoles,
		now:        time.Now,
	}, nil
}

// Enabled is false when no secret is configured; bearer tokens are then ignored.
func (v *TokenVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify parses raw and returns its claims when signature and claims are acceptable.
func (v *TokenVerifier) Verify(raw string) (*Claims, error) {
	if !v.Enabled() {
		return nil, ErrTokenUnverifiable
	}
	parser := jwt.NewParser(jwt.WithValidMethods(v.methods), jwt.WithoutClaimsValidation())
	var claims Claims
	token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrTokenUnverifiable, err)
	}
	if err := v.checkClaims(&claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (v *TokenVerifier) checkClaims(c *Claims) error {
	now := v.now()
	if !c.VerifyExpiresAt(now.Add(-v.skew), true) {
		return fmt.Errorf("%w: expired or missing exp", ErrTokenClaims)
	}
	if !c.VerifyNotBefore(now.Add(v.skew), false) {
		return fmt.Errorf("%w: not yet valid", ErrTokenClaims)
	}
	if !c.VerifyIssuedAt(now.Add(v.skew), false) {
		return fmt.Errorf("%w: issued in the future", ErrTokenClaims)
	}
	if v.issuer != "" && !c.VerifyIssuer(v.issuer, true) {
		return fmt.Errorf("%w: issuer", ErrTokenClaims)
	}
	if v.audience != "" && !c.VerifyAudience(v.audience, true) {
		return fmt.Errorf("%w: audience", ErrTokenClaims)
	}
	return nil
}

// IsAdmin reports whether any of the token's roles is an admin role.
func (v *TokenVerifier) IsAdmin(c *Claims) bool {
	for _, r := range c.Roles {
		if slices.Contains(v.adminRoles, r) {
			return true
		}
	}
	return false
}

// Issue signs a token for merchantID/userID valid for ttl, using the first allowed algorithm.
func (v *TokenVerifier) Issue(merchantID, userID string, roles []string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("token secret not configured")
	}
	now := v.now()
	claims := &Claims{
		MerchantID: merchantID,
		Roles:      roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	token := jwt.NewWithClaims(jwt.GetSigningMethod(v.methods[0]), claims)
	return token.SignedString(v.secret)
}
