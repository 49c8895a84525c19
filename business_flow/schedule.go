package businessflow

import (
	"time"

	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/shopspring/decimal"
)

// ScheduledDate is the day a recipient becomes due: start + floor(sequence / quota)
func ScheduledDate(start time.Time, sequence int64, dailyQuota int) time.Time {
	return utils.AddDays(start, int(sequence/int64(dailyQuota)))
}

// EstimatedCompletionDate is the last day recipients are due: start + ceil(count / quota) - 1.
// A campaign without recipients completes on its start day.
func EstimatedCompletionDate(start time.Time, recipientCount int64, dailyQuota int) time.Time {
	if recipientCount <= 0 {
		return utils.AddDays(start, 0)
	}
	q := int64(dailyQuota)
	days := (recipientCount + q - 1) / q
	return utils.AddDays(start, int(days-1))
}

// ProgressPercentage is the share of live recipients that left the pending and queued
// states, rounded to two decimals. Cancelled recipients leave the denominator.
func ProgressPercentage(total, pending, queued, cancelled int64) float64 {
	live := total - cancelled
	if live <= 0 {
		return 0
	}
	done := live - pending - queued
	if done < 0 {
		done = 0
	}
	pct := decimal.NewFromInt(done).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(live)).
		Round(2)
	f, _ := pct.Float64()
	return f
}
