package security

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrCookieInvalid = errors.New("session cookie invalid")

// SessionPayload is the sealed content of the merchant session cookie.
// It carries no admin flag: cookies never grant platform admin rights.
type SessionPayload struct {
	MerchantID string `json:"merchant_id"`
	UserID     string `json:"user_id,omitempty"`
}

// CookieSealer encrypts and authenticates session cookies with XChaCha20-Poly1305.
// The cookie value is base64url(nonce || ciphertext).
type CookieSealer struct {
	key []byte
}

// ParseKey accepts a 32-byte key encoded as hex or (raw or padded) base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, fmt.Errorf("cookie key must be %d bytes (hex or base64)", chacha20poly1305.KeySize)
}

// NewCookieSealer returns a nil sealer (cookies ignored) when key is empty.
func NewCookieSealer(key string) (*CookieSealer, error) {
	if strings.TrimSpace(key) == "" {
		return nil, nil
	}
	k, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	return &CookieSealer{key: k}, nil
}

func (s *CookieSealer) Seal(p SessionPayload) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(aead.Seal(nonce, nonce, plain, nil)), nil
}

// Open decrypts value. Any failure (encoding, tag, json) is ErrCookieInvalid.
func (s *CookieSealer) Open(value string) (SessionPayload, error) {
	var p SessionPayload
	if s == nil {
		return p, ErrCookieInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return p, ErrCookieInvalid
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return p, ErrCookieInvalid
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return p, ErrCookieInvalid
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return p, ErrCookieInvalid
	}
	if err := json.Unmarshal(plain, &p); err != nil {
		return SessionPayload{}, ErrCookieInvalid
	}
	return p, nil
}
