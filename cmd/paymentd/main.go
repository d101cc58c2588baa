package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	flog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PayRecon/internal/pkg/bootstrap"
	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
	"github.com/ManuelReschke/PayRecon/internal/pkg/database"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayRecon/internal/pkg/mail"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayRecon/internal/pkg/notify"
	"github.com/ManuelReschke/PayRecon/internal/pkg/ratelimit"
	"github.com/ManuelReschke/PayRecon/internal/pkg/router"
)

const (
	sweepBatch   = 100
	archiveBatch = 500
)

func main() {
	app, manager := NewApplication()

	manager.Start()
	defer manager.Stop()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	manager := jobqueue.GetManager()
	queue := manager.GetQueue()

	rt, err := bootstrap.New(context.Background(), database.GetDB(), cache.GetClient(), bootstrap.Options{
		Dispatcher: notify.NewQueueDispatcher(queue),
	})
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	handlers := &notify.Handlers{DB: rt.DB, Mail: mailSender(), Invoices: invoiceGenerator()}
	handlers.Register(queue)

	if rt.Archiving {
		queue.Handle(jobqueue.JobTypeArchiveDeadLetters, func(ctx context.Context, _ *jobqueue.Job) error {
			n, err := rt.Billing.ArchiveDeadLetters(ctx, archiveBatch)
			if n > 0 {
				flog.Infof("[DeadLetter] archived %d records", n)
			}
			return err
		})
	}

	manager.SetSweeper(func(ctx context.Context) error {
		res, err := rt.Billing.SweepRetries(ctx, sweepBatch)
		if res.Succeeded+res.Rescheduled+res.DeadLettered > 0 {
			flog.Infof("[RetrySweeper] replayed=%d rescheduled=%d dead_lettered=%d", res.Succeeded, res.Rescheduled, res.DeadLettered)
		}
		if res.DeadLettered > 0 && rt.Archiving {
			if _, qerr := queue.EnqueueJob(ctx, jobqueue.JobTypeArchiveDeadLetters, map[string]interface{}{}); qerr != nil {
				flog.Warnf("[DeadLetter] could not schedule archive: %v", qerr)
			}
		}
		return err
	}, env.GetEnvDuration("RETRY_SWEEP_INTERVAL", time.Minute))

	app := fiber.New(fiber.Config{
		// gateway payloads are small; anything larger is not a webhook
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing:        rt.Billing,
		Gateways:       rt.Gateways,
		Repos:          rt.Repos,
		Counters:       counter.New(cache.GetClient()),
		LimiterStorage: ratelimit.NewRedisStorage(),
		MetricsUsers:   metricsUsers(),
	})

	return app, manager
}

func mailSender() mail.Sender {
	if m := mail.NewSMTPMailerFromEnv(); m != nil {
		return m
	}
	flog.Warn("[Mail] SMTP_HOST not set, notification mails are only logged")
	return mail.LogSender{}
}

func invoiceGenerator() notify.InvoiceGenerator {
	if url := env.GetEnv("INVOICE_SERVICE_URL", ""); url != "" {
		return notify.NewHTTPInvoiceGenerator(url, env.GetEnv("INVOICE_SERVICE_TOKEN", ""))
	}
	return notify.LogInvoiceGenerator{}
}

func metricsUsers() map[string]string {
	user := env.GetEnv("METRICS_USER", "")
	pass := env.GetEnv("METRICS_PASSWORD", "")
	if user == "" || pass == "" {
		return nil
	}
	return map[string]string{user: pass}
}
