package middlewares

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"msgcommerce-backend/config"
)

func tenantGet(path, merchant string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if merchant != "" {
		req.Header.Set("X-Merchant-Id", merchant)
	}
	return req
}

func TestStrictPathRejectsMissingOrInvalidMerchant(t *testing.T) {
	tests := []struct {
		name     string
		merchant string
		status   int
		code     string
	}{
		{"missing", "", fiber.StatusUnauthorized, "MERCHANT_ID_REQUIRED"},
		{"not a uuid", "merchant-42", fiber.StatusBadRequest, "INVALID_MERCHANT_ID"},
		{"nil uuid", "00000000-0000-0000-0000-000000000000", fiber.StatusBadRequest, "INVALID_MERCHANT_ID"},
		{"braced", "{" + merchantA + "}", fiber.StatusBadRequest, "INVALID_MERCHANT_ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			resp, body := h.do(tenantGet("/api/messages", tt.merchant))
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, body %s", resp.StatusCode, body)
			}
			if code, _ := decodeError(t, body); code != tt.code {
				t.Fatalf("code = %s, want %s", code, tt.code)
			}
			if h.calls != 0 {
				t.Fatal("handler must not run")
			}
			// no transaction was opened
			h.expectationsMet()
		})
	}
}

func TestStrictPathRunsInsideTenantTransaction(t *testing.T) {
	h := newHarness(t, nil)
	h.expectScope(merchantA, "off", true)

	resp, body := h.do(tenantGet("/api/messages", merchantA))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if string(body) != `{"isolated":true}` {
		t.Fatalf("body = %s", body)
	}
	if h.last.Tenant.Tenant() != merchantA || h.last.Tenant.Source != "header" {
		t.Fatalf("tenant = %+v", h.last.Tenant)
	}
	h.expectationsMet()
}

func TestMerchantHeaderIsNormalized(t *testing.T) {
	h := newHarness(t, nil)
	h.expectScope(merchantA, "off", true)

	resp, _ := h.do(tenantGet("/api/messages", "  6F1C2B9E-8A3D-4C5E-9F10-2A3B4C5D6E7F "))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	h.expectationsMet()
}

func TestSequentialRequestsNeverShareTenant(t *testing.T) {
	h := newHarness(t, nil)
	h.expectScope(merchantA, "off", true)
	h.expectScope(merchantB, "off", true)
	h.expectScope(merchantA, "off", true)

	for _, m := range []string{merchantA, merchantB, merchantA} {
		resp, body := h.do(tenantGet("/api/messages", m))
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: status = %d, body %s", m, resp.StatusCode, body)
		}
		if h.last.Tenant.Tenant() != m {
			t.Fatalf("handler saw %s, want %s", h.last.Tenant.Tenant(), m)
		}
	}
	h.expectationsMet()
}

func TestHandlerErrorRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.expectScope(merchantA, "off", false)

	resp, body := h.do(tenantGet("/api/fail", merchantA))
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code, _ := decodeError(t, body); code != "INTERNAL_ERROR" {
		t.Fatalf("code = %s", code)
	}
	if string(body) == "db exploded" {
		t.Fatal("internal error leaked")
	}
	h.expectationsMet()
}

func TestHandlerPanicRollsBackAndResets(t *testing.T) {
	h := newHarness(t, nil)
	h.expectScope(merchantA, "off", false)

	resp, _ := h.do(tenantGet("/api/panic", merchantA))
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	h.expectationsMet()
}

func TestActivationFailure(t *testing.T) {
	t.Run("strict path fails closed", func(t *testing.T) {
		h := newHarness(t, nil)
		h.mock.ExpectBegin()
		h.mock.ExpectExec(activateSQL).WillReturnError(errors.New("connection reset"))
		h.mock.ExpectRollback()

		resp, body := h.do(tenantGet("/api/messages", merchantA))
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}
		if code, _ := decodeError(t, body); code != "TENANT_ISOLATION_UNAVAILABLE" {
			t.Fatalf("code = %s", code)
		}
		if h.calls != 0 {
			t.Fatal("handler ran without isolation")
		}
		h.expectationsMet()
	})

	t.Run("begin failure fails closed", func(t *testing.T) {
		h := newHarness(t, nil)
		h.mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

		resp, _ := h.do(tenantGet("/api/messages", merchantA))
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		h.expectationsMet()
	})

	t.Run("soft path degrades", func(t *testing.T) {
		h := newHarness(t, nil)
		h.mock.ExpectBegin()
		h.mock.ExpectExec(activateSQL).WillReturnError(errors.New("connection reset"))
		h.mock.ExpectRollback()

		resp, body := h.do(tenantGet("/api/soft/items", merchantA))
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}
		if string(body) != `{"isolated":false}` {
			t.Fatalf("body = %s", body)
		}
		h.expectationsMet()
	})
}

func TestResetFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.ExpectBegin()
	h.mock.ExpectExec(activateSQL).WillReturnResult(sqlmockResult())
	h.mock.ExpectExec(resetSQL).WillReturnError(errors.New("connection reset"))
	h.mock.ExpectRollback()

	resp, body := h.do(tenantGet("/api/messages", merchantA))
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	h.expectationsMet()
}

func TestRequestTimeoutRollsBackAndResets(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Server.RequestTimeout = 50 * time.Millisecond })
	h.expectScope(merchantA, "off", false)

	resp, body := h.do(tenantGet("/api/slow", merchantA))
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if code, _ := decodeError(t, body); code != "TENANT_ISOLATION_UNAVAILABLE" {
		t.Fatalf("code = %s", code)
	}
	if h.calls != 1 || !h.last.Isolated {
		t.Fatalf("handler calls = %d, isolated = %v", h.calls, h.last.Isolated)
	}
	h.expectationsMet()
}

func TestSoftPathWithoutMerchant(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(tenantGet("/api/soft/items", ""))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != `{"isolated":false}` {
		t.Fatalf("body = %s", body)
	}
	h.expectationsMet()
}

func TestPublicPathSkipsTenantChecks(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(tenantGet("/api/health", ""))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if h.last.Class != ClassPublic {
		t.Fatalf("class = %s", h.last.Class)
	}
	h.expectationsMet()
}

func TestTenantDBOutsidePipeline(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		if _, err := TenantDB(c); !errors.Is(err, ErrNoTenantScope) {
			t.Errorf("err = %v", err)
		}
		if State(c).Class != ClassPublic {
			t.Errorf("default state class = %s", State(c).Class)
		}
		return nil
	})
	if _, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1); err != nil {
		t.Fatal(err)
	}
}
