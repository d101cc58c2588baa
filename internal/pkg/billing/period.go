package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
)

// normalizeBillingPeriod maps gateway spellings to monthly or yearly.
// Anything unrecognised is treated as monthly.
func normalizeBillingPeriod(period string) string {
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "yearly", "year", "annual", "annually":
		return models.BillingPeriodYearly
	default:
		return models.BillingPeriodMonthly
	}
}

// AddBillingPeriod advances from by one billing unit. Days past the end of
// the target month clamp to its last day, so Jan 31 + 1 month is Feb 28/29.
func AddBillingPeriod(from time.Time, period string) time.Time {
	months := 1
	if normalizeBillingPeriod(period) == models.BillingPeriodYearly {
		months = 12
	}

	y, m, d := from.Date()
	target := time.Date(y, m+time.Month(months), 1, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
	if last := daysIn(target.Year(), target.Month(), from.Location()); d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
