package middlewares

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"strings"

	"github.com/gofiber/fiber/v2"

	"msgcommerce-backend/audit"
	"msgcommerce-backend/security"
)

// captureBody reads the raw request body once, keeps a copy on the state and
// puts the same bytes back on the request for later stages and the handler.
func captureBody(c *fiber.Ctx, st *RequestState) []byte {
	if st.RawBody == nil {
		st.RawBody = bytes.Clone(c.Request().Body())
		if st.RawBody == nil {
			st.RawBody = []byte{}
		}
	}
	c.Request().SetBody(st.RawBody)
	return st.RawBody
}

func hasBody(method string) bool {
	return method == fiber.MethodPost || method == fiber.MethodPut || method == fiber.MethodPatch
}

// requireJSON rejects bodies that are not JSON on write methods.
func (p *Pipeline) requireJSON(c *fiber.Ctx, st *RequestState, next func() error) error {
	if !hasBody(c.Method()) || len(c.Request().Body()) == 0 {
		return next()
	}
	mt, _, err := mime.ParseMediaType(c.Get(fiber.HeaderContentType))
	if err != nil || !(mt == fiber.MIMEApplicationJSON || strings.HasSuffix(mt, "+json")) {
		return reject("content_type", NewAPIError(fiber.StatusBadRequest, "INVALID_CONTENT_TYPE", "content type must be application/json"))
	}
	return next()
}

// verifySignature authenticates webhook deliveries. Verification handshakes
// (GET/HEAD) carry no body and are answered by the handler.
func (p *Pipeline) verifySignature(c *fiber.Ctx, st *RequestState, next func() error) error {
	if c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead {
		return next()
	}
	header := c.Get(p.cfg.Webhook.SignatureHeader)
	body := captureBody(c, st)

	if err := p.signature.Verify(header, body); err != nil {
		code := security.SignatureCode(err)
		p.securityEvent(c, st, audit.KindSignatureRejected, code, map[string]any{
			"reason":     err.Error(),
			"body_bytes": len(body),
		})
		return reject("signature", NewAPIError(fiber.StatusUnauthorized, code, "webhook signature verification failed"))
	}

	sum := sha256.Sum256([]byte(header))
	st.SignatureHash = hex.EncodeToString(sum[:])
	return next()
}
