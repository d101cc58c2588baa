package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayRecon/app/models"
)

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	// Gateway webhooks authenticate by signature, not API key
	webhooks := app.Group("/webhooks")
	webhooks.Post("/razorpay", h.webhook.Handle(models.GatewayRazorpay))
	webhooks.Post("/stripe", h.webhook.Handle(models.GatewayStripe))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
