package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCorruptRecord marks a cached response that cannot be replayed safely.
var ErrCorruptRecord = errors.New("corrupt idempotency record")

// IdempotencyRecord is the cached response of a side-effecting request.
// It lives in Redis under <prefix>:<fingerprint> until its TTL expires.
type IdempotencyRecord struct {
	Key       string            `json:"key"`
	Status    int               `json:"status"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// wire form with pointers so that missing fields are detectable
type idempotencyWire struct {
	Key       *string           `json:"key"`
	Status    *int              `json:"status"`
	Body      *[]byte           `json:"body"`
	Headers   map[string]string `json:"headers"`
	CreatedAt time.Time         `json:"created_at"`
}

func (r IdempotencyRecord) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("%w: empty key", ErrCorruptRecord)
	}
	if r.Status < 100 || r.Status > 599 {
		return fmt.Errorf("%w: status %d out of range", ErrCorruptRecord, r.Status)
	}
	if r.Body == nil {
		return fmt.Errorf("%w: missing body", ErrCorruptRecord)
	}
	return nil
}

func (r IdempotencyRecord) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeIdempotencyRecord parses a stored record. Any structural problem is
// reported as ErrCorruptRecord.
func DecodeIdempotencyRecord(raw []byte) (IdempotencyRecord, error) {
	var w idempotencyWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return IdempotencyRecord{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if w.Key == nil || w.Status == nil || w.Body == nil {
		return IdempotencyRecord{}, fmt.Errorf("%w: missing field", ErrCorruptRecord)
	}
	rec := IdempotencyRecord{
		Key:       *w.Key,
		Status:    *w.Status,
		Body:      *w.Body,
		Headers:   w.Headers,
		CreatedAt: w.CreatedAt,
	}
	if rec.Body == nil {
		rec.Body = []byte{}
	}
	return rec, rec.Validate()
}
