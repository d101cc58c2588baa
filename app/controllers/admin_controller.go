package controllers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/usercontext"
)

const adminRefundTimeout = 20 * time.Second

// SettingsInvalidator is told when gateway settings change so clients are
// rebuilt on the next call. gateway.Registry implements it.
type SettingsInvalidator interface {
	Invalidate()
}

// AdminController serves refunds, the retry queue, the audit log and gateway settings.
type AdminController struct {
	svc      *billing.Service
	settings repository.SettingRepository
	registry SettingsInvalidator
}

func NewAdminController(svc *billing.Service, settings repository.SettingRepository, registry SettingsInvalidator) *AdminController {
	return &AdminController{svc: svc, settings: settings, registry: registry}
}

// HandleRefund refunds a transaction through its gateway and reverses its
// credits. Failures return a structured error object.
func (ac *AdminController) HandleRefund(c *fiber.Ctx) error {
	var req billing.AdminRefundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	req.InitiatedBy = fmt.Sprintf("admin:%d", usercontext.GetUserID(c))

	ctx, cancel := context.WithTimeout(context.Background(), adminRefundTimeout)
	defer cancel()

	refund, err := ac.svc.AdminRefund(ctx, req)
	if err != nil {
		status, code := errorStatus(err)
		if status >= fiber.StatusInternalServerError {
			log.Errorf("[Admin] refund of transaction %d failed: %v", req.TransactionID, err)
		}
		return c.Status(status).JSON(fiber.Map{"error": fiber.Map{
			"code":           code,
			"message":        err.Error(),
			"transaction_id": req.TransactionID,
			"retryable":      errors.Is(err, billing.ErrTransientGateway),
		}})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"refund": refund})
}

// HandleListRetries lists pending records, or dead letters with ?dead=true.
func (ac *AdminController) HandleListRetries(c *fiber.Ctx) error {
	dead := c.QueryBool("dead", false)
	recs, err := ac.svc.ListRetries(context.Background(), dead, queryLimit(c, 50, 500))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"records": recs, "dead_lettered": dead})
}

// HandleReplayRetry re-runs one stored event immediately.
func (ac *AdminController) HandleReplayRetry(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return badRequest(c, "invalid record id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	if err := ac.svc.ReplayRetry(ctx, uint(id)); err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return respondError(c, err)
		}
		log.Warnf("[Admin] replay of retry record %d failed: %v", id, err)
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "replay_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"replayed": true, "id": id})
}

// HandleArchiveDeadLetters pushes unarchived dead letters to the archive.
func (ac *AdminController) HandleArchiveDeadLetters(c *fiber.Ctx) error {
	n, err := ac.svc.ArchiveDeadLetters(context.Background(), queryLimit(c, 100, 1000))
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "archive_failed", "message": err.Error(), "archived": n})
	}
	return c.JSON(fiber.Map{"archived": n})
}

// HandleListAudit filters the audit log by user, transaction and action.
func (ac *AdminController) HandleListAudit(c *fiber.Ctx) error {
	entries, err := ac.svc.ListAudit(context.Background(), billing.AuditFilter{
		UserID:        queryUint(c, "user_id"),
		TransactionID: queryUint(c, "transaction_id"),
		Action:        c.Query("action"),
		Limit:         queryLimit(c, 100, 500),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"entries": entries})
}

type settingRequest struct {
	Key   string `json:"key" validate:"required,oneof=razorpay.key_id razorpay.key_secret razorpay.webhook_secret stripe.api_key stripe.webhook_secret retry.expiry_hours"`
	Value string `json:"value" validate:"max=1024"`
}

// HandleUpdateSetting stores one gateway setting. Secrets are sealed at rest.
func (ac *AdminController) HandleUpdateSetting(c *fiber.Ctx) error {
	var req settingRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	if err := ac.settings.SetValue(req.Key, req.Value); err != nil {
		if errors.Is(err, repository.ErrNoSecretBox) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "encryption_unavailable", "message": err.Error()})
		}
		return respondError(c, err)
	}
	if ac.registry != nil {
		ac.registry.Invalidate()
	}
	log.Infof("[Admin] setting %s updated by user %d", req.Key, usercontext.GetUserID(c))
	return c.JSON(fiber.Map{"key": req.Key, "updated": true, "secret": models.NewSetting(req.Key, "").IsSecret()})
}
