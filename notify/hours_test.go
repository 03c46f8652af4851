package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(day, hour, min int) time.Time {
	return time.Date(2026, 3, day, hour, min, 0, 0, time.UTC)
}

var utcHours = BusinessHours{Location: time.UTC, StartHour: 8, EndHour: 18}

func TestBusinessHours(t *testing.T) {
	mondayOpen := at(2, 8, 0)
	nextMondayOpen := at(9, 8, 0)

	tests := []struct {
		name     string
		t        time.Time
		inHours  bool
		deferred time.Time
	}{
		{"monday 07:59", at(2, 7, 59), false, mondayOpen},
		{"monday 08:00", at(2, 8, 0), true, time.Time{}},
		{"wednesday noon", at(4, 12, 0), true, time.Time{}},
		{"wednesday 18:30", at(4, 18, 30), false, at(5, 8, 0)},
		{"friday 17:59", at(6, 17, 59), true, time.Time{}},
		{"friday 18:00", at(6, 18, 0), false, nextMondayOpen},
		{"saturday 03:00", at(7, 3, 0), false, nextMondayOpen},
		{"saturday noon", at(7, 12, 0), false, nextMondayOpen},
		{"sunday 23:59", at(8, 23, 59), false, nextMondayOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.inHours, utcHours.InBusinessHours(tt.t))
			if !tt.inHours {
				assert.Equal(t, tt.deferred, utcHours.NextBusinessStart(tt.t))
			}
		})
	}
}

func TestBusinessHours_EvaluatedInLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	hours := BusinessHours{Location: tokyo, StartHour: 8, EndHour: 18}

	// 00:30 UTC Monday is 09:30 Monday in Tokyo
	assert.True(t, hours.InBusinessHours(at(2, 0, 30)))
	// 10:00 UTC Friday is 19:00 Friday in Tokyo
	fridayEvening := at(6, 10, 0)
	assert.False(t, hours.InBusinessHours(fridayEvening))

	next := hours.NextBusinessStart(fridayEvening)
	assert.Equal(t, time.Date(2026, 3, 9, 8, 0, 0, 0, tokyo), next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestBusinessHours_NilLocationIsLocal(t *testing.T) {
	hours := BusinessHours{StartHour: 8, EndHour: 18}
	noonLocal := time.Date(2026, 3, 4, 12, 0, 0, 0, time.Local)
	assert.True(t, hours.InBusinessHours(noonLocal))
	assert.Equal(t, time.Local, DefaultBusinessHours().Location)
}
