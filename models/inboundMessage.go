package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InboundMessage is a customer message received through a channel webhook or the API.
// Rows are tenant partitioned: RLS restricts them to current_merchant_id().
type InboundMessage struct {
	Id         string         `json:"id" gorm:"primaryKey;type:uuid"`
	MerchantID string         `json:"merchant_id" gorm:"type:uuid;not null;uniqueIndex:uq_inbound_messages_merchant_event,priority:1"`
	CustomerID string         `json:"customer_id" gorm:"size:128;not null;index"`
	EventID    string         `json:"event_id" gorm:"size:255;not null;uniqueIndex:uq_inbound_messages_merchant_event,priority:2"`
	Channel    string         `json:"channel" gorm:"size:32;not null"`
	Text       string         `json:"text"`
	Payload    datatypes.JSON `json:"payload"`
	ReceivedAt time.Time      `json:"received_at"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (m *InboundMessage) BeforeCreate(tx *gorm.DB) (err error) {
	if m.Id == "" {
		m.Id = uuid.NewString()
	}
	return
}
