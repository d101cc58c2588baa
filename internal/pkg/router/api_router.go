package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayRecon/app/controllers"
	"github.com/ManuelReschke/PayRecon/internal/pkg/middleware"
	"github.com/ManuelReschke/PayRecon/internal/pkg/ratelimit"
)

type ApiRouter struct {
	deps       Dependencies
	payment    *controllers.PaymentController
	account    *controllers.AccountController
	admin      *controllers.AdminController
	adminQueue *controllers.AdminQueueController
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", ratelimit.New(ratelimit.Config{Storage: h.deps.LimiterStorage}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "PayRecon API",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1", middleware.APIKeyAuth(h.deps.Repos.User))
	v1.Get("/account", h.account.HandleGetAccount)

	payments := v1.Group("/payments")
	payments.Post("/subscriptions", h.payment.HandleCreateSubscription)
	payments.Post("/subscriptions/verify", h.payment.HandleVerifySubscription)
	payments.Post("/subscriptions/cancel", h.payment.HandleCancelSubscription)
	payments.Post("/orders", h.payment.HandleCreateOrder)
	payments.Post("/orders/verify", h.payment.HandleVerifyOrder)
	payments.Get("/transactions", h.payment.HandleListTransactions)

	h.registerAdminRoutes(v1)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{
		deps:       deps,
		payment:    controllers.NewPaymentController(deps.Billing, deps.Gateways),
		account:    controllers.NewAccountController(deps.Repos.User, deps.Billing),
		admin:      controllers.NewAdminController(deps.Billing, deps.Repos.Setting, deps.Gateways),
		adminQueue: controllers.NewAdminQueueController(deps.Repos.Queue, deps.Counters),
	}
}
