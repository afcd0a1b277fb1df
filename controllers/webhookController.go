package controllers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"msgcommerce-backend/database"
	"msgcommerce-backend/middlewares"
	"msgcommerce-backend/models"
)

// Webhook handles channel deliveries. The pipeline has already verified the
// signature; the merchant is bound here from the page id in the payload.
type Webhook struct {
	DB          *gorm.DB
	Session     database.Session
	VerifyToken string
	Log         zerolog.Logger
}

type igPayload struct {
	Object string    `json:"object" validate:"required,oneof=instagram page"`
	Entry  []igEntry `json:"entry" validate:"dive"`
}

type igEntry struct {
	ID        string        `json:"id" validate:"required"`
	Time      int64         `json:"time"`
	Messaging []igMessaging `json:"messaging" validate:"dive"`
}

type igMessaging struct {
	Sender    igParty    `json:"sender"`
	Recipient igParty    `json:"recipient"`
	Timestamp int64      `json:"timestamp"`
	Message   *igMessage `json:"message"`
}

type igParty struct {
	ID string `json:"id" validate:"required"`
}

type igMessage struct {
	Mid  string `json:"mid" validate:"required"`
	Text string `json:"text"`
}

// Verify answers the subscription handshake: echo hub.challenge when the token matches.
func (h *Webhook) Verify(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	if mode != "subscribe" || h.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.VerifyToken)) != 1 {
		return middlewares.NewAPIError(fiber.StatusForbidden, "WEBHOOK_VERIFY_FAILED", "verification failed")
	}
	return c.SendString(c.Query("hub.challenge"))
}

// Receive stores the messages of one delivery, one tenant transaction per merchant.
func (h *Webhook) Receive(c *fiber.Ctx) error {
	st := middlewares.State(c)
	var payload igPayload
	if err := json.Unmarshal(c.Body(), &payload); err != nil {
		return middlewares.NewAPIError(fiber.StatusBadRequest, "INVALID_PAYLOAD", "invalid webhook payload")
	}
	if err := middlewares.ValidateStruct(&payload); err != nil {
		return err
	}

	ctx := c.UserContext()
	received, stored := 0, int64(0)
	for _, entry := range payload.Entry {
		msgs := toMessages(c.Params("source"), entry)
		received += len(msgs)
		if len(msgs) == 0 {
			continue
		}

		var channel models.MerchantChannel
		err := h.DB.WithContext(ctx).
			Where("page_id = ? AND active = ?", entry.ID, true).
			First(&channel).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.Log.Warn().Str("page_id", entry.ID).Str("trace_id", st.TraceID).Msg("webhook for unknown page, skipping entry")
			continue
		}
		if err != nil {
			return err
		}

		merchantID, ok := models.NormalizeTenantID(channel.MerchantID)
		if !ok {
			h.Log.Error().Str("page_id", entry.ID).Msg("merchant channel has invalid merchant id")
			continue
		}
		for i := range msgs {
			msgs[i].MerchantID = merchantID
		}
		st.Tenant = models.TenantContext{TenantID: &merchantID, Source: models.SourceWebhook}

		err = database.RunInTenant(ctx, h.DB, h.Session, merchantID, false, func(tx *gorm.DB) error {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "merchant_id"}, {Name: "event_id"}},
				DoNothing: true,
			}).Create(&msgs)
			stored += res.RowsAffected
			return res.Error
		})
		if err != nil {
			var aerr *database.ActivationError
			if errors.As(err, &aerr) {
				return middlewares.NewAPIError(fiber.StatusServiceUnavailable, "TENANT_ISOLATION_UNAVAILABLE", "tenant isolation unavailable")
			}
			return err
		}
	}

	middlewares.MarkCacheable(c)
	return c.JSON(fiber.Map{"received": received, "stored": stored})
}

func toMessages(source string, entry igEntry) []models.InboundMessage {
	if source == "" {
		source = "instagram"
	}
	out := make([]models.InboundMessage, 0, len(entry.Messaging))
	for _, m := range entry.Messaging {
		if m.Message == nil {
			continue
		}
		raw, _ := json.Marshal(m)
		received := time.UnixMilli(m.Timestamp).UTC()
		if m.Timestamp == 0 {
			received = time.Now().UTC()
		}
		out = append(out, models.InboundMessage{
			CustomerID: m.Sender.ID,
			EventID:    m.Message.Mid,
			Channel:    source,
			Text:       m.Message.Text,
			Payload:    datatypes.JSON(raw),
			ReceivedAt: received,
		})
	}
	return out
}
