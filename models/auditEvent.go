package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditEvent is a security-relevant event written best-effort by the audit writer.
type AuditEvent struct {
	Id         string         `json:"id" gorm:"primaryKey;type:uuid"`
	Kind       string         `json:"kind" gorm:"size:64;not null;index"`
	Code       string         `json:"code" gorm:"size:64"`
	MerchantID *string        `json:"merchant_id" gorm:"type:uuid;index"`
	ClientIP   string         `json:"client_ip" gorm:"size:64"`
	TraceID    string         `json:"trace_id" gorm:"size:128"`
	Method     string         `json:"method" gorm:"size:10"`
	Path       string         `json:"path" gorm:"size:255"`
	Details    datatypes.JSON `json:"details"`
	CreatedAt  time.Time      `json:"created_at" gorm:"index"`
}

func (e *AuditEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.Id == "" {
		e.Id = uuid.NewString()
	}
	return
}
