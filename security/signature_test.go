package security

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestVerifierVerify(t *testing.T) {
	v := NewVerifier("shhh")
	body := []byte(`{"object":"instagram","entry":[]}`)
	good := v.SignatureHeader(body)

	tests := []struct {
		name   string
		header string
		body   []byte
		want   error
		code   string
	}{
		{name: "valid", header: good, body: body},
		{name: "uppercase prefix", header: "SHA256=" + good[len("sha256="):], body: body},
		{name: "missing", header: "", body: body, want: ErrSignatureMissing, code: "WEBHOOK_SIGNATURE_MISSING"},
		{name: "wrong prefix", header: "sha1=" + good[len("sha256="):], body: body, want: ErrSignatureMalformed, code: "WEBHOOK_SIGNATURE_MALFORMED"},
		{name: "not hex", header: "sha256=zz" + good[len("sha256=")+2:], body: body, want: ErrSignatureMalformed, code: "WEBHOOK_SIGNATURE_MALFORMED"},
		{name: "short digest", header: good[:len(good)-2], body: body, want: ErrSignatureLength, code: "WEBHOOK_SIGNATURE_LENGTH"},
		{name: "long digest", header: good + "00", body: body, want: ErrSignatureLength, code: "WEBHOOK_SIGNATURE_LENGTH"},
		{name: "tampered body", header: good, body: append(bytes.Clone(body), ' '), want: ErrSignatureInvalid, code: "WEBHOOK_SIGNATURE_INVALID"},
		{name: "zeros", header: "sha256=" + strings.Repeat("0", 64), body: body, want: ErrSignatureInvalid, code: "WEBHOOK_SIGNATURE_INVALID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.header, tt.body)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got := SignatureCode(err); got != tt.code {
				t.Errorf("code = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestVerifierWithoutSecretRejects(t *testing.T) {
	body := []byte("{}")
	header := NewVerifier("other").SignatureHeader(body)
	if err := NewVerifier("").Verify(header, body); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}
}
