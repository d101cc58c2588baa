// Package counter keeps webhook delivery counters in a Redis hash so every
// instance reports the same totals.
package counter

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const webhookCountersKey = "payrecon:counters:webhooks"

// Delivery outcomes.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeDuplicate    = "duplicate"
	OutcomeRejected     = "rejected"
	OutcomeFailed       = "failed"
)

// Counter counts webhook deliveries per gateway and outcome. A nil client
// turns every call into a no-op.
type Counter struct {
	client *redis.Client
}

func New(client *redis.Client) *Counter {
	return &Counter{client: client}
}

func field(gateway, outcome string) string {
	return gateway + ":" + outcome
}

// AddDelivery increments the counter for one delivery. Counting never fails
// the request; errors are logged.
func (c *Counter) AddDelivery(ctx context.Context, gateway, outcome string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.HIncrBy(ctx, webhookCountersKey, field(gateway, outcome), 1).Err(); err != nil {
		log.Debugf("[Metrics] counter %s/%s not updated: %v", gateway, outcome, err)
	}
}

// Snapshot returns all counters as gateway -> outcome -> count.
func (c *Counter) Snapshot(ctx context.Context) (map[string]map[string]int64, error) {
	out := map[string]map[string]int64{}
	if c == nil || c.client == nil {
		return out, nil
	}
	data, err := c.client.HGetAll(ctx, webhookCountersKey).Result()
	if err != nil {
		return nil, err
	}
	return parse(data), nil
}

func parse(data map[string]string) map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	for k, v := range data {
		gateway, outcome, ok := strings.Cut(k, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n == 0 {
			continue
		}
		if out[gateway] == nil {
			out[gateway] = map[string]int64{}
		}
		out[gateway][outcome] += n
	}
	return out
}
