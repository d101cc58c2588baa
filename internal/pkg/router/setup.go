package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
)

// Router registers a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the services the controllers are built from.
type Dependencies struct {
	Billing  *billing.Service
	Gateways *gateway.Registry
	Repos    *repository.Repositories
	// Counters records webhook outcomes; nil disables counting.
	Counters *counter.Counter
	// LimiterStorage backs the API rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	// MetricsUsers guards /metrics with basic auth. Empty disables the endpoint.
	MetricsUsers map[string]string
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Webhooks and health have no API key; install them before the
	// authenticated /api group.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
