package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the runtime configuration of the API. Values come from an optional
// YAML file and APP_* environment variables (env wins).
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Redis       RedisConfig       `koanf:"redis"`
	Tenant      TenantConfig      `koanf:"tenant"`
	Token       TokenConfig       `koanf:"token"`
	Cookie      CookieConfig      `koanf:"cookie"`
	Webhook     WebhookConfig     `koanf:"webhook"`
	Admin       AdminConfig       `koanf:"admin"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	Log         LogConfig         `koanf:"log"`
}

type ServerConfig struct {
	Port           int           `koanf:"port" validate:"gt=0,lte=65535"`
	BodyLimitBytes int           `koanf:"body_limit_bytes" validate:"gt=0"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`
	TrustedProxies []string      `koanf:"trusted_proxies"`
	AllowedOrigins string        `koanf:"allowed_origins"`
	TraceHeader    string        `koanf:"trace_header" validate:"required"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	// TenantVariable and AdminVariable are the transaction-local settings read
	// by the row-level security policies.
	TenantVariable string `koanf:"tenant_variable" validate:"required,contains=."`
	AdminVariable  string `koanf:"admin_variable" validate:"required,contains=."`
}

type RedisConfig struct {
	URL         string        `koanf:"url"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	OpTimeout   time.Duration `koanf:"op_timeout"`
}

type TenantConfig struct {
	Header        string   `koanf:"header" validate:"required"`
	Strict        bool     `koanf:"strict"`
	PublicPaths   []string `koanf:"public_paths"`
	SoftPaths     []string `koanf:"soft_paths"`
	APIPrefix     string   `koanf:"api_prefix" validate:"required,startswith=/"`
	WebhookPrefix string   `koanf:"webhook_prefix" validate:"required,startswith=/"`
	// MessagingPaths get the per-customer messaging tier on top of the merchant tier.
	MessagingPaths []string `koanf:"messaging_paths"`
}

type TokenConfig struct {
	Secret     string        `koanf:"secret"`
	Algorithms []string      `koanf:"algorithms" validate:"min=1,dive,oneof=HS256 HS384 HS512"`
	Issuer     string        `koanf:"issuer"`
	Audience   string        `koanf:"audience"`
	ClockSkew  time.Duration `koanf:"clock_skew" validate:"gte=0"`
	AdminRoles []string      `koanf:"admin_roles"`
}

type CookieConfig struct {
	Name string `koanf:"name" validate:"required"`
	// Key is the 32-byte XChaCha20-Poly1305 key, hex or base64 encoded.
	Key string `koanf:"key"`
}

type WebhookConfig struct {
	Secret          string `koanf:"secret"`
	SignatureHeader string `koanf:"signature_header" validate:"required"`
	VerifyToken     string `koanf:"verify_token"`
}

type AdminConfig struct {
	User           string        `koanf:"user"`
	Password       string        `koanf:"password"`
	AllowedIPs     []string      `koanf:"allowed_ips"`
	InternalToken  string        `koanf:"internal_token"`
	Prefix         string        `koanf:"prefix" validate:"required,startswith=/"`
	InternalPrefix string        `koanf:"internal_prefix" validate:"required,startswith=/"`
	MaxFailures    int           `koanf:"max_failures" validate:"gt=0"`
	FailureWindow  time.Duration `koanf:"failure_window" validate:"gt=0"`
	BlockDuration  time.Duration `koanf:"block_duration" validate:"gt=0"`
}

// TierConfig is the point budget for one rate-limit tier.
type TierConfig struct {
	Points int           `koanf:"points" validate:"gt=0"`
	Window time.Duration `koanf:"window" validate:"gte=1s"`
}

type RateLimitConfig struct {
	KeyPrefix string     `koanf:"key_prefix" validate:"required"`
	General   TierConfig `koanf:"general"`
	Merchant  TierConfig `koanf:"merchant"`
	Webhook   TierConfig `koanf:"webhook"`
	Messaging TierConfig `koanf:"messaging"`
}

type IdempotencyConfig struct {
	TTL         time.Duration `koanf:"ttl" validate:"gt=0"`
	LockTTL     time.Duration `koanf:"lock_ttl" validate:"gt=0"`
	KeyPrefix   string        `koanf:"key_prefix" validate:"required"`
	SkipMethods []string      `koanf:"skip_methods"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

var defaults = map[string]any{
	"server.port":             8080,
	"server.body_limit_bytes": 4 * 1024 * 1024,
	"server.request_timeout":  "30s",
	"server.trace_header":     "X-Request-ID",

	"database.max_open_conns":    20,
	"database.max_idle_conns":    10,
	"database.conn_max_lifetime": "30m",
	"database.tenant_variable":   "app.current_merchant_id",
	"database.admin_variable":    "app.admin_mode",

	"redis.dial_timeout": "2s",
	"redis.op_timeout":   "500ms",

	"tenant.header":          "X-Merchant-Id",
	"tenant.strict":          true,
	"tenant.public_paths":    []string{"/api/health"},
	"tenant.api_prefix":      "/api",
	"tenant.webhook_prefix":  "/webhooks",
	"tenant.messaging_paths": []string{"/api/messages"},

	"token.algorithms":  []string{"HS256"},
	"token.clock_skew":  "30s",
	"token.admin_roles": []string{"admin", "super_admin"},

	"cookie.name": "merchant_session",

	"webhook.signature_header": "X-Hub-Signature-256",

	"admin.prefix":          "/admin",
	"admin.internal_prefix": "/internal",
	"admin.max_failures":    5,
	"admin.failure_window":  "15m",
	"admin.block_duration":  "30m",

	"rate_limit.key_prefix":       "rl",
	"rate_limit.general.points":   120,
	"rate_limit.general.window":   "1m",
	"rate_limit.merchant.points":  600,
	"rate_limit.merchant.window":  "1m",
	"rate_limit.webhook.points":   1000,
	"rate_limit.webhook.window":   "1m",
	"rate_limit.messaging.points": 20,
	"rate_limit.messaging.window": "1m",

	"idempotency.ttl":          "24h",
	"idempotency.lock_ttl":     "30s",
	"idempotency.key_prefix":   "idem",
	"idempotency.skip_methods": []string{"GET", "HEAD", "OPTIONS"},

	"log.level":  "info",
	"log.format": "json",
}

// legacyEnv maps the variable names used by existing deployments onto config keys.
var legacyEnv = map[string]string{
	"DATABASE_URL":    "database.url",
	"REDIS_URL":       "redis.url",
	"PORT":            "server.port",
	"IG_APP_SECRET":   "webhook.secret",
	"IG_VERIFY_TOKEN": "webhook.verify_token",
	"ENCRYPTION_KEY":  "cookie.key",
	"JWT_SECRET":      "token.secret",
}

// Load reads .env (if present), the optional YAML file and APP_* environment
// variables, applies defaults and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	path := os.Getenv("APP_CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	for name, key := range legacyEnv {
		if v := os.Getenv(name); v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("APP_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "APP_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints plus the cross-field rules validator tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Admin.User != "" && c.Admin.Password == "" {
		return errors.New("invalid config: admin.password is required when admin.user is set")
	}
	return nil
}

// Tier returns the budget configured for a named tier.
func (r RateLimitConfig) Tier(name string) (TierConfig, bool) {
	switch name {
	case "general":
		return r.General, true
	case "merchant":
		return r.Merchant, true
	case "webhook":
		return r.Webhook, true
	case "messaging":
		return r.Messaging, true
	}
	return TierConfig{}, false
}
