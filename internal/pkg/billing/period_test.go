package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddBillingPeriod(t *testing.T) {
	tests := []struct {
		name   string
		from   time.Time
		period string
		want   time.Time
	}{
		{"monthly", time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), "monthly", time.Date(2025, 2, 15, 10, 0, 0, 0, time.UTC)},
		{"yearly", time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), "yearly", time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)},
		{"month end clamps", time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), "monthly", time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)},
		{"leap year clamps", time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC), "monthly", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{"leap day yearly", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), "yearly", time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)},
		{"december rolls year", time.Date(2025, 12, 15, 0, 0, 0, 0, time.UTC), "monthly", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"unknown is monthly", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), "weekly", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AddBillingPeriod(tt.from, tt.period))
		})
	}
}

func TestNormalizeBillingPeriod(t *testing.T) {
	assert.Equal(t, "yearly", normalizeBillingPeriod("YEAR"))
	assert.Equal(t, "yearly", normalizeBillingPeriod("annual"))
	assert.Equal(t, "monthly", normalizeBillingPeriod("month"))
	assert.Equal(t, "monthly", normalizeBillingPeriod(""))
}
