package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppscore/internal/domain"
)

func weekdays(start, end int) []domain.CalendarWindow {
	var res []domain.CalendarWindow
	for d := time.Monday; d <= time.Friday; d++ {
		res = append(res, domain.CalendarWindow{Weekday: d, StartMinute: start, EndMinute: end})
	}
	return res
}

func covers(cal *Calendar, start, end time.Time) bool {
	_, gap := cal.FirstGap(start, end)
	return !gap
}

func TestCoversInsideWindow(t *testing.T) {
	cal, err := Compile(domain.WorkCalendar{ID: "day", Timezone: "UTC", Windows: weekdays(6*60, 14*60)})
	require.NoError(t, err)
	// 2024-01-10 is a Wednesday
	start := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	assert.True(t, covers(cal, start, start.Add(2*time.Hour)))
	assert.False(t, covers(cal, start, start.Add(7*time.Hour)))

	gap, ok := cal.FirstGap(start, start.Add(7*time.Hour))
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC), gap.UTC())
}

func TestCoversUsesCalendarTimezone(t *testing.T) {
	cal, err := Compile(domain.WorkCalendar{ID: "berlin", Timezone: "Europe/Berlin", Windows: weekdays(6*60, 14*60)})
	require.NoError(t, err)
	// 05:30 UTC is 06:30 in Berlin during winter
	start := time.Date(2024, 1, 10, 5, 30, 0, 0, time.UTC)
	assert.True(t, covers(cal, start, start.Add(time.Hour)))
	// 04:30 UTC is 05:30 local, before the shift
	early := time.Date(2024, 1, 10, 4, 30, 0, 0, time.UTC)
	assert.False(t, covers(cal, early, early.Add(time.Hour)))
}

func TestAdjacentWindowsMerge(t *testing.T) {
	windows := []domain.CalendarWindow{
		{Weekday: time.Wednesday, StartMinute: 0, EndMinute: 12 * 60},
		{Weekday: time.Wednesday, StartMinute: 12 * 60, EndMinute: 24 * 60},
		{Weekday: time.Thursday, StartMinute: 0, EndMinute: 6 * 60},
	}
	cal, err := Compile(domain.WorkCalendar{ID: "cont", Windows: windows})
	require.NoError(t, err)
	start := time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC)
	assert.True(t, covers(cal, start, start.Add(8*time.Hour)), "spans midnight into Thursday")
	assert.False(t, covers(cal, start, start.Add(11*time.Hour)))
}

func TestExceptionDayIsNotWorking(t *testing.T) {
	cal, err := Compile(domain.WorkCalendar{
		ID: "day", Windows: weekdays(6*60, 14*60),
		Exceptions: []domain.CalendarException{{Day: "2024-01-10", Reason: "maintenance"}},
	})
	require.NoError(t, err)
	start := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	assert.False(t, covers(cal, start, start.Add(time.Hour)))
	next := start.Add(24 * time.Hour)
	assert.True(t, covers(cal, next, next.Add(time.Hour)))
}

func TestCompileRejectsBadInput(t *testing.T) {
	_, err := Compile(domain.WorkCalendar{ID: "x", Timezone: "Nowhere/City"})
	require.Error(t, err)
	_, err = Compile(domain.WorkCalendar{ID: "x", Windows: []domain.CalendarWindow{{Weekday: time.Monday, StartMinute: 600, EndMinute: 500}}})
	require.Error(t, err)
	_, err = Compile(domain.WorkCalendar{ID: "x", Exceptions: []domain.CalendarException{{Day: "10.01.2024"}}})
	require.Error(t, err)
}
