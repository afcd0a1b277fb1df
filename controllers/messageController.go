package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"msgcommerce-backend/middlewares"
	"msgcommerce-backend/models"
	"msgcommerce-backend/utils"
)

type createMessageRequest struct {
	CustomerID string  `json:"customer_id" validate:"required,max=128"`
	Text       string  `json:"text" validate:"required,max=4096"`
	EventID    *string `json:"event_id" validate:"omitempty,max=255"`
	Channel    string  `json:"channel" validate:"omitempty,max=32"`
}

func tenantDB(c *fiber.Ctx) (*gorm.DB, error) {
	tx, err := middlewares.TenantDB(c)
	if errors.Is(err, middlewares.ErrNoTenantScope) {
		return nil, middlewares.NewAPIError(fiber.StatusServiceUnavailable, "TENANT_ISOLATION_UNAVAILABLE", "tenant isolation unavailable")
	}
	return tx, err
}

// CreateMessage records a message for the request's merchant. Replays with the
// same event_id are absorbed by the unique (merchant_id, event_id) index.
func CreateMessage(c *fiber.Ctx) error {
	var req createMessageRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}

	tx, err := tenantDB(c)
	if err != nil {
		return err
	}

	st := middlewares.State(c)
	msg := models.InboundMessage{
		MerchantID: st.Tenant.Tenant(),
		CustomerID: req.CustomerID,
		EventID:    uuid.NewString(),
		Channel:    req.Channel,
		Text:       req.Text,
		ReceivedAt: time.Now().UTC(),
	}
	if req.EventID != nil && *req.EventID != "" {
		msg.EventID = *req.EventID
	}
	if msg.Channel == "" {
		msg.Channel = "api"
	}

	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "merchant_id"}, {Name: "event_id"}},
		DoNothing: true,
	}).Create(&msg)
	if res.Error != nil {
		return res.Error
	}

	middlewares.MarkCacheable(c)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":   msg,
		"duplicate": res.RowsAffected == 0,
	})
}

// ListMessages returns the newest messages visible to the current merchant.
func ListMessages(c *fiber.Ctx) error {
	tx, err := tenantDB(c)
	if err != nil {
		return err
	}
	q := tx.Order("received_at DESC").Limit(utils.PageLimit(c.Query("limit"), 50, 200))
	if customer := c.Query("customer_id"); customer != "" {
		q = q.Where("customer_id = ?", customer)
	}
	var msgs []models.InboundMessage
	if err := q.Find(&msgs).Error; err != nil {
		return err
	}
	return c.JSON(msgs)
}
