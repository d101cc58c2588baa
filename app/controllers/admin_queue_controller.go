package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
)

// AdminQueueController reports on the notification job queue and the
// webhook delivery counters in Redis.
type AdminQueueController struct {
	queueRepo repository.QueueRepository
	counters  *counter.Counter
}

func NewAdminQueueController(queueRepo repository.QueueRepository, counters *counter.Counter) *AdminQueueController {
	return &AdminQueueController{queueRepo: queueRepo, counters: counters}
}

// HandleQueueStats returns job queue depth and webhook delivery counts.
func (aqc *AdminQueueController) HandleQueueStats(c *fiber.Ctx) error {
	ctx := context.Background()
	stats, err := aqc.queueRepo.Stats(ctx, repository.QueueKeys{
		Pending:    jobqueue.JobQueueKey,
		Processing: jobqueue.JobProcessingKey,
		JobPattern: jobqueue.JobKeyPrefix + "*",
		Stats:      jobqueue.JobStatsKey,
	})
	if err != nil {
		return aqc.handleError(c, err)
	}
	deliveries, err := aqc.counters.Snapshot(ctx)
	if err != nil {
		return aqc.handleError(c, err)
	}
	return c.JSON(fiber.Map{
		"pending":     stats.Pending,
		"processing":  stats.Processing,
		"stored_jobs": stats.StoredJobs,
		"totals":      stats.Totals,
		"webhooks":    deliveries,
	})
}

func (aqc *AdminQueueController) handleError(c *fiber.Ctx, err error) error {
	if errors.Is(err, repository.ErrNoRedis) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue_unavailable", "message": err.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": err.Error()})
}
