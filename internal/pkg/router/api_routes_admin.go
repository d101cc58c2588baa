package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayRecon/internal/pkg/middleware"
)

func (h ApiRouter) registerAdminRoutes(v1 fiber.Router) {
	adminGroup := v1.Group("/admin", middleware.RequireAdmin)
	adminGroup.Post("/refunds", h.admin.HandleRefund)
	adminGroup.Get("/audit", h.admin.HandleListAudit)
	adminGroup.Put("/settings", h.admin.HandleUpdateSetting)

	// Retry queue + dead letters
	adminGroup.Get("/webhook-retries", h.admin.HandleListRetries)
	adminGroup.Post("/webhook-retries/:id/replay", h.admin.HandleReplayRetry)
	adminGroup.Post("/dead-letters/archive", h.admin.HandleArchiveDeadLetters)

	// Notification queue monitor
	adminGroup.Get("/queues", h.adminQueue.HandleQueueStats)
}
