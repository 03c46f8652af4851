package schedule

import "time"

// ComputeNextRun returns the next due time for a recurrence policy, measured
// from ref. Arithmetic is done in UTC so DST transitions never shift or repeat
// a run. The result is always strictly after ref.
//
//	daily   ref + 24h
//	weekly  ref + 7×24h
//	monthly same day next month, clamped to that month's last day
//	custom  ref + 24h (also used for unrecognised types)
func ComputeNextRun(t ScheduleType, ref time.Time) time.Time {
	ref = ref.UTC()
	switch t {
	case Weekly:
		return ref.Add(7 * 24 * time.Hour)
	case Monthly:
		return addMonthClamped(ref)
	default:
		return ref.Add(24 * time.Hour)
	}
}

// addMonthClamped moves t to the same day of the following month, or to the
// last day of that month when it is shorter (Jan 31 -> Feb 28/29).
func addMonthClamped(t time.Time) time.Time {
	year, month, day := t.Date()
	targetYear, targetMonth := year, month+1
	if targetMonth > time.December {
		targetMonth = time.January
		targetYear++
	}
	if last := daysIn(targetYear, targetMonth); day > last {
		day = last
	}
	return time.Date(targetYear, targetMonth, day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
