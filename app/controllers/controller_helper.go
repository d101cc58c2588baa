package controllers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
)

// respondError maps engine errors onto the {"error", "message"} body the
// checkout toast shows.
func respondError(c *fiber.Ctx, err error) error {
	status, code := errorStatus(err)
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "message": err.Error()})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return fiber.StatusBadRequest, "validation_error"
	case errors.Is(err, billing.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrDuplicateEvent):
		return fiber.StatusConflict, "duplicate"
	case errors.Is(err, gateway.ErrNotConfigured):
		return fiber.StatusServiceUnavailable, "gateway_not_configured"
	case errors.Is(err, billing.ErrTransientGateway):
		return fiber.StatusBadGateway, "gateway_unavailable"
	case errors.Is(err, billing.ErrSignature):
		return fiber.StatusBadRequest, "invalid_signature"
	default:
		return fiber.StatusInternalServerError, "internal_server_error"
	}
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}

// queryLimit reads ?limit= clamped to [1, max].
func queryLimit(c *fiber.Ctx, def, max int) int {
	limit := c.QueryInt("limit", def)
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func queryUint(c *fiber.Ctx, key string) uint {
	v, err := strconv.ParseUint(c.Query(key), 10, 64)
	if err != nil {
		return 0
	}
	return uint(v)
}
