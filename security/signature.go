package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

var (
	ErrSignatureMissing   = errors.New("signature header missing")
	ErrSignatureMalformed = errors.New("signature header malformed")
	ErrSignatureLength    = errors.New("signature has wrong length")
	ErrSignatureInvalid   = errors.New("signature mismatch")
)

// SignatureCode maps a verification error to its response code.
func SignatureCode(err error) string {
	switch {
	case errors.Is(err, ErrSignatureMissing):
		return "WEBHOOK_SIGNATURE_MISSING"
	case errors.Is(err, ErrSignatureMalformed):
		return "WEBHOOK_SIGNATURE_MALFORMED"
	case errors.Is(err, ErrSignatureLength):
		return "WEBHOOK_SIGNATURE_LENGTH"
	default:
		return "WEBHOOK_SIGNATURE_INVALID"
	}
}

// Verifier checks "sha256=<hex>" HMAC signatures over raw webhook bodies.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify validates header against body. body must be the exact bytes received.
func (v *Verifier) Verify(header string, body []byte) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrSignatureMissing
	}
	if len(v.secret) == 0 {
		// no secret configured means nothing can verify
		return ErrSignatureInvalid
	}
	if !strings.HasPrefix(strings.ToLower(header), signaturePrefix) {
		return ErrSignatureMalformed
	}
	got, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return ErrSignatureMalformed
	}
	if len(got) != sha256.Size {
		return ErrSignatureLength
	}
	if !hmac.Equal(got, v.Sign(body)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func (v *Verifier) Sign(body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats a header value for body.
func (v *Verifier) SignatureHeader(body []byte) string {
	return signaturePrefix + hex.EncodeToString(v.Sign(body))
}
