package settlement

import (
	"time"

	"github.com/voxlane/voxlane/internal/credit/domain"
)

// maxAnniversaryDay caps anniversary renewal days so every month has the
// configured day.
const maxAnniversaryDay = 28

// NextRenewalAt computes the renewal date that follows now. first_of_month
// renews at 00:00 UTC on the first day of the next calendar month;
// anniversary renews at 00:00 UTC on the next occurrence of renewalDay,
// rolling into the next month when the day has already passed.
func NextRenewalAt(renewalType domain.RenewalType, renewalDay *int, now time.Time) time.Time {
	now = now.UTC()

	if renewalType == domain.RenewalAnniversary && renewalDay != nil {
		day := clampRenewalDay(*renewalDay)
		candidate := time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, time.UTC)
		if !candidate.After(now) {
			candidate = time.Date(now.Year(), now.Month()+1, day, 0, 0, 0, 0, time.UTC)
		}
		return candidate
	}

	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

func clampRenewalDay(day int) int {
	if day < 1 {
		return 1
	}
	if day > maxAnniversaryDay {
		return maxAnniversaryDay
	}
	return day
}

// StartOfDayUTC truncates to the UTC calendar day, the scheduler's reference
// timezone for all idempotency guards.
func StartOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func withinDayUTC(t time.Time, day time.Time) bool {
	start := StartOfDayUTC(day)
	return !t.UTC().Before(start) && t.UTC().Before(start.AddDate(0, 0, 1))
}
