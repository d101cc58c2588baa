package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/usercontext"
)

// AccountController exposes the caller's plan and credit balance.
type AccountController struct {
	users repository.UserRepository
	svc   *billing.Service
}

func NewAccountController(users repository.UserRepository, svc *billing.Service) *AccountController {
	return &AccountController{users: users, svc: svc}
}

// HandleGetAccount returns plan, balance and subscription of the authenticated user.
func (ac *AccountController) HandleGetAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	account, err := ac.users.GetByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	var subscription interface{}
	sub, err := ac.svc.Repository().GetSubscriptionByUser(account.ID)
	switch {
	case err == nil:
		gw, _ := sub.GatewaySubscriptionID()
		subscription = fiber.Map{
			"plan_id":              sub.PlanID,
			"status":               sub.Status,
			"gateway":              gw,
			"billing_period":       sub.BillingPeriod,
			"current_period_end":   sub.CurrentPeriodEnd.UTC().Format(time.RFC3339),
			"cancel_at_period_end": sub.CancelAtPeriodEnd,
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load subscription"})
	}

	return c.JSON(fiber.Map{
		"id":              account.ID,
		"username":        account.Name,
		"email":           account.Email,
		"status":          account.Status,
		"plan":            account.PlanType,
		"plan_expires_at": formatTimePtr(account.PlanExpiresAt),
		"credits":         account.Credits,
		"is_admin":        account.IsAdmin(),
		"subscription":    subscription,
	})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
