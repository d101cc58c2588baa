package counter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	got := parse(map[string]string{
		"razorpay:acknowledged": "3",
		"razorpay:failed":       "1",
		"stripe:rejected":       "2",
		"stripe:duplicate":      "0",
		"garbage":               "5",
		"stripe:acknowledged":   "x",
	})
	assert.Equal(t, map[string]map[string]int64{
		"razorpay": {"acknowledged": 3, "failed": 1},
		"stripe":   {"rejected": 2},
	}, got)
}

func TestCounter_NoRedisIsNoop(t *testing.T) {
	var nilCounter *Counter
	nilCounter.AddDelivery(context.Background(), "razorpay", OutcomeAcknowledged)

	c := New(nil)
	c.AddDelivery(context.Background(), "razorpay", OutcomeAcknowledged)
	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap)
}
