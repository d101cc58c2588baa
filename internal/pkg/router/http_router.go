package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/PayRecon/app/controllers"
)

type HttpRouter struct {
	deps    Dependencies
	webhook *controllers.WebhookController
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	h.registerPublicRoutes(app)

	if len(h.deps.MetricsUsers) > 0 {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: h.deps.MetricsUsers,
		}), monitor.New())
	}
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{
		deps:    deps,
		webhook: controllers.NewWebhookController(deps.Billing, deps.Gateways, deps.Counters),
	}
}
