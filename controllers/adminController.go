package controllers

import (
	"context"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"msgcommerce-backend/middlewares"
	"msgcommerce-backend/models"
	"msgcommerce-backend/utils"
)

// Admin serves the operator namespace behind the admin guard.
type Admin struct {
	DB    *gorm.DB
	Redis redis.UniversalClient
	Guard *middlewares.AdminGuard
}

func Healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Health reports dependency state; redis being down is degraded, not failed.
func (a *Admin) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	out := fiber.Map{"database": "ok", "redis": "disabled"}
	status := fiber.StatusOK
	if sqlDB, err := a.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		out["database"] = "unavailable"
		status = fiber.StatusServiceUnavailable
	}
	if a.Redis != nil {
		out["redis"] = "ok"
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			out["redis"] = "unavailable"
		}
	}
	return c.Status(status).JSON(out)
}

// AuditEvents lists recent audit events, optionally filtered by kind.
func (a *Admin) AuditEvents(c *fiber.Ctx) error {
	q := a.DB.WithContext(c.UserContext()).
		Order("created_at DESC").
		Limit(utils.PageLimit(c.Query("limit"), 100, 500))
	if kind := c.Query("kind"); kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var events []models.AuditEvent
	if err := q.Find(&events).Error; err != nil {
		return err
	}
	return c.JSON(events)
}

type resetAttemptsRequest struct {
	IP string `json:"ip" validate:"required,ip"`
}

// ResetAttempts lifts an admin lockout for one IP.
func (a *Admin) ResetAttempts(c *fiber.Ctx) error {
	var req resetAttemptsRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}
	ip := net.ParseIP(req.IP).String()
	if err := a.Guard.ResetAttempts(c, ip); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ip": ip, "reset": true})
}

// ListAllMessages is the platform admin view; RLS admin mode makes every
// merchant's rows visible inside the scoped transaction.
func ListAllMessages(c *fiber.Ctx) error {
	tx, err := tenantDB(c)
	if err != nil {
		return err
	}
	q := tx.Order("received_at DESC").Limit(utils.PageLimit(c.Query("limit"), 50, 200))
	if merchant := c.Query("merchant_id"); merchant != "" {
		if !models.IsValidTenantID(merchant) {
			return middlewares.NewAPIError(fiber.StatusBadRequest, "INVALID_MERCHANT_ID", "merchant id is not a valid UUID")
		}
		q = q.Where("merchant_id = ?", merchant)
	}
	var msgs []models.InboundMessage
	if err := q.Find(&msgs).Error; err != nil {
		return err
	}
	return c.JSON(msgs)
}
