package middlewares

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"msgcommerce-backend/config"
)

func TestGeneralTierRejectsWithRetryAfter(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RateLimit.General.Points = 2 })

	for i := 0; i < 2; i++ {
		resp, _ := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request %d: status = %d", i, resp.StatusCode)
		}
		if got := resp.Header.Get("X-RateLimit-General-Remaining"); got != strconv.Itoa(1-i) {
			t.Fatalf("request %d: remaining = %q", i, got)
		}
	}

	resp, body := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	code, details := decodeError(t, body)
	if code != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("code = %s", code)
	}
	retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	if details["retry_after_ms"] == nil {
		t.Fatalf("details = %v", details)
	}
	if resp.Header.Get("X-RateLimit-General-Limit") != "2" || resp.Header.Get("X-RateLimit-General-Remaining") != "0" {
		t.Fatal("limit headers missing on rejection")
	}
}

func TestMerchantTier(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RateLimit.Merchant.Points = 1 })
	h.expectScope(merchantA, "off", true)
	h.expectScope(merchantB, "off", true)

	if resp, _ := h.do(tenantGet("/api/messages", merchantA)); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp, body := h.do(tenantGet("/api/messages", merchantA))
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code, _ := decodeError(t, body); code != "MERCHANT_RATE_LIMIT_EXCEEDED" {
		t.Fatalf("code = %s", code)
	}
	// budgets are per merchant
	if resp, _ := h.do(tenantGet("/api/messages", merchantB)); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("merchant B status = %d", resp.StatusCode)
	}
	h.expectationsMet()
}

func messageRequest(merchant, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Merchant-Id", merchant)
	return req
}

func TestMessagingTier(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RateLimit.Messaging.Points = 1 })

	resp, body := h.do(messageRequest(merchantA, `{"text":"hi"}`))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code, _ := decodeError(t, body); code != "MISSING_CUSTOMER_ID" {
		t.Fatalf("code = %s", code)
	}

	h.expectScope(merchantA, "off", true)
	payload := `{"customer_id":"cust-1","text":"hi"}`
	if resp, _ := h.do(messageRequest(merchantA, payload)); resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if h.lastBody != payload {
		t.Fatalf("handler body = %q", h.lastBody)
	}

	resp, body = h.do(messageRequest(merchantA, payload))
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code, _ := decodeError(t, body); code != "CUSTOMER_RATE_LIMIT_EXCEEDED" {
		t.Fatalf("code = %s", code)
	}

	// another customer of the same merchant has its own budget
	h.expectScope(merchantA, "off", true)
	if resp, _ := h.do(messageRequest(merchantA, `{"customer_id":"cust-2"}`)); resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	h.expectationsMet()
}

func TestWebhookTierRunsBeforeSignature(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RateLimit.Webhook.Points = 1 })
	body := []byte(`{"object":"instagram","entry":[]}`)

	h.do(h.webhook("/webhooks/instagram", body, h.sign(body)))
	resp, got := h.do(h.webhook("/webhooks/instagram", body, "sha256=00"))
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code, _ := decodeError(t, got); code != "WEBHOOK_RATE_LIMIT_EXCEEDED" {
		t.Fatalf("code = %s", code)
	}
	if resp.Header.Get("X-RateLimit-Webhook-Limit") != "1" {
		t.Fatal("webhook tier headers missing")
	}
}

func TestWebhookTierIsPerSender(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.Webhook.Points = 2
		c.Server.TrustedProxies = []string{"0.0.0.0/32"}
	})
	body := []byte(`{"object":"instagram","entry":[]}`)
	from := func(ip, sig string) *http.Request {
		req := h.webhook("/webhooks/instagram", body, sig)
		req.Header.Set("X-Forwarded-For", ip)
		return req
	}

	for i := 0; i < 3; i++ {
		h.do(from("203.0.113.7", "sha256=00"))
	}
	if resp, _ := h.do(from("203.0.113.7", h.sign(body))); resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("flooding sender status = %d", resp.StatusCode)
	}

	resp, got := h.do(from("198.51.100.2", h.sign(body)))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("other sender status = %d, body %s", resp.StatusCode, got)
	}
	if h.calls != 1 {
		t.Fatalf("calls = %d", h.calls)
	}
}

func TestRateLimitFallsBackWhenRedisIsDown(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.RateLimit.General.Points = 1 })
	h.mr.Close()

	if resp, _ := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp, _ := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("local limiter did not take over, status = %d", resp.StatusCode)
	}
}

func TestNonJSONBodyRejected(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("customer_id=1"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Merchant-Id", merchantA)

	resp, body := h.do(req)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code, _ := decodeError(t, body); code != "INVALID_CONTENT_TYPE" {
		t.Fatalf("code = %s", code)
	}
	h.expectationsMet()
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Server.BodyLimitBytes = 1024 })
	body := webhookBody(2048)
	resp, got := h.do(h.webhook("/webhooks/instagram", body, h.sign(body)))
	if resp.StatusCode != fiber.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if code, _ := decodeError(t, got); code != "PAYLOAD_TOO_LARGE" {
		t.Fatalf("code = %s", code)
	}
	if h.calls != 0 {
		t.Fatal("handler ran")
	}
}
