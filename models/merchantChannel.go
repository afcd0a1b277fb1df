package models

import "time"

// MerchantChannel maps an external channel account (e.g. an Instagram page) to a merchant.
// It is read before any tenant is known, so it is not row-level secured.
type MerchantChannel struct {
	MerchantID string    `json:"merchant_id" gorm:"primaryKey;type:uuid"`
	PageID     string    `json:"page_id" gorm:"primaryKey;size:64;uniqueIndex"`
	Channel    string    `json:"channel" gorm:"size:32;not null;default:instagram"`
	Active     bool      `json:"active" gorm:"not null;default:true"`
	CreatedAt  time.Time `json:"created_at"`
}
