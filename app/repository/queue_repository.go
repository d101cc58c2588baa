package repository

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ErrNoRedis is returned by queue lookups when no Redis client was configured.
var ErrNoRedis = errors.New("queue repository: redis client not configured")

const scanBatch = 500

// QueueKeys names the Redis keys of one job queue.
type QueueKeys struct {
	Pending    string
	Processing string
	JobPattern string
	// Stats is an optional hash of lifetime counts per job status.
	Stats string
}

// QueueStats is a point-in-time view of a job queue.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	StoredJobs int              `json:"stored_jobs"`
	Totals     map[string]int64 `json:"totals"`
}

type queueRepository struct {
	client *redis.Client
}

func NewQueueRepository(client *redis.Client) QueueRepository {
	return &queueRepository{client: client}
}

// Stats reads both list lengths in one round trip, then counts stored job
// payloads with SCAN so large queues never block Redis.
func (r *queueRepository) Stats(ctx context.Context, keys QueueKeys) (*QueueStats, error) {
	if r.client == nil {
		return nil, ErrNoRedis
	}

	pipe := r.client.Pipeline()
	pending := pipe.LLen(ctx, keys.Pending)
	processing := pipe.LLen(ctx, keys.Processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	stats := &QueueStats{Pending: pending.Val(), Processing: processing.Val(), Totals: map[string]int64{}}
	if keys.Stats != "" {
		raw, err := r.client.HGetAll(ctx, keys.Stats).Result()
		if err != nil {
			return nil, err
		}
		for status, v := range raw {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				stats.Totals[status] = n
			}
		}
	}
	if keys.JobPattern == "" {
		return stats, nil
	}
	iter := r.client.Scan(ctx, 0, keys.JobPattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		stats.StoredJobs++
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}
