package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayers(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", writeYAML(t, `
tenant:
  strict: false
  soft_paths: ["/api/catalog"]
rate_limit:
  general:
    points: 5
    window: 10s
admin:
  user: ops
  password: pw
`))
	t.Setenv("DATABASE_URL", "postgres://localhost/app")
	t.Setenv("IG_APP_SECRET", "legacy-secret")
	t.Setenv("APP_RATE_LIMIT__GENERAL__POINTS", "7")
	t.Setenv("APP_SERVER__REQUEST_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.URL != "postgres://localhost/app" || cfg.Webhook.Secret != "legacy-secret" {
		t.Fatalf("legacy env not applied: %+v %+v", cfg.Database, cfg.Webhook)
	}
	if cfg.RateLimit.General.Points != 7 {
		t.Fatalf("env should override file, points = %d", cfg.RateLimit.General.Points)
	}
	if cfg.RateLimit.General.Window != 10*time.Second {
		t.Fatalf("window = %s", cfg.RateLimit.General.Window)
	}
	if cfg.Server.RequestTimeout != 3*time.Second {
		t.Fatalf("timeout = %s", cfg.Server.RequestTimeout)
	}
	if cfg.Tenant.Strict || len(cfg.Tenant.SoftPaths) != 1 {
		t.Fatalf("tenant = %+v", cfg.Tenant)
	}

	// untouched keys fall back to defaults
	if cfg.Tenant.Header != "X-Merchant-Id" || cfg.RateLimit.Messaging.Points != 20 || cfg.Idempotency.TTL != 24*time.Hour {
		t.Fatalf("defaults missing: %+v", cfg)
	}
	if tc, ok := cfg.RateLimit.Tier("webhook"); !ok || tc.Points != 1000 {
		t.Fatalf("webhook tier = %+v", tc)
	}
	if _, ok := cfg.RateLimit.Tier("bogus"); ok {
		t.Fatal("unknown tier resolved")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		db   string
	}{
		{"missing database url", "log:\n  level: debug\n", ""},
		{"unsupported algorithm", "token:\n  algorithms: [RS256]\n", "postgres://x"},
		{"admin user without password", "admin:\n  user: ops\n", "postgres://x"},
		{"bad session variable", "database:\n  tenant_variable: merchant\n", "postgres://x"},
		{"zero tier", "rate_limit:\n  merchant:\n    points: 0\n", "postgres://x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("APP_CONFIG_FILE", writeYAML(t, tt.yaml))
			t.Setenv("DATABASE_URL", tt.db)
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("DATABASE_URL", "postgres://x")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.TraceHeader != "X-Request-ID" {
		t.Fatalf("server = %+v", cfg.Server)
	}
}
