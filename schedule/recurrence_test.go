package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func TestComputeNextRun(t *testing.T) {
	tests := []struct {
		name string
		typ  ScheduleType
		ref  time.Time
		want time.Time
	}{
		{"daily", Daily, utc(2026, 3, 2, 10, 0), utc(2026, 3, 3, 10, 0)},
		{"daily across month end", Daily, utc(2026, 1, 31, 23, 30), utc(2026, 2, 1, 23, 30)},
		{"weekly", Weekly, utc(2026, 3, 2, 10, 0), utc(2026, 3, 9, 10, 0)},
		{"monthly mid-month", Monthly, utc(2026, 1, 15, 6, 0), utc(2026, 2, 15, 6, 0)},
		{"monthly day 31 to february", Monthly, utc(2026, 1, 31, 6, 0), utc(2026, 2, 28, 6, 0)},
		{"monthly day 31 to leap february", Monthly, utc(2028, 1, 31, 6, 0), utc(2028, 2, 29, 6, 0)},
		{"monthly day 30 to february", Monthly, utc(2026, 1, 30, 6, 0), utc(2026, 2, 28, 6, 0)},
		{"monthly day 31 to april", Monthly, utc(2026, 3, 31, 6, 0), utc(2026, 4, 30, 6, 0)},
		{"monthly december rolls year", Monthly, utc(2026, 12, 31, 6, 0), utc(2027, 1, 31, 6, 0)},
		{"custom falls back to 24h", Custom, utc(2026, 3, 2, 10, 0), utc(2026, 3, 3, 10, 0)},
		{"unknown type falls back to 24h", ScheduleType("hourly"), utc(2026, 3, 2, 10, 0), utc(2026, 3, 3, 10, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeNextRun(tt.typ, tt.ref))
		})
	}
}

func TestComputeNextRun_StrictlyAfterReference(t *testing.T) {
	ref := utc(2024, 1, 1, 0, 0)
	for i := 0; i < 800; i++ {
		for _, typ := range []ScheduleType{Daily, Weekly, Monthly, Custom} {
			next := ComputeNextRun(typ, ref)
			require.True(t, next.After(ref), "%s from %s gave %s", typ, ref, next)
		}
		ref = ref.Add(13*time.Hour + 17*time.Minute)
	}
}

func TestComputeNextRun_UsesUTC(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2026-03-08 is the US spring-forward day; a UTC day is still 24 hours
	ref := time.Date(2026, 3, 7, 9, 0, 0, 0, ny)
	next := ComputeNextRun(Daily, ref)

	assert.Equal(t, time.UTC, next.Location())
	assert.Equal(t, 24*time.Hour, next.Sub(ref))
}

func TestParseScheduleType(t *testing.T) {
	typ, err := ParseScheduleType(" Weekly ")
	require.NoError(t, err)
	assert.Equal(t, Weekly, typ)

	_, err = ParseScheduleType("hourly")
	assert.Error(t, err)
}
