// Package calendar answers one question: is an interval inside working time.
package calendar

import (
	"fmt"
	"sort"
	"time"

	"ppscore/internal/domain"
)

const minutesPerDay = 24 * 60

type span struct{ start, end int }

// Calendar is a WorkCalendar compiled for lookups in its own timezone.
type Calendar struct {
	ID         string
	loc        *time.Location
	days       [7][]span
	exceptions map[string]struct{}
}

func Compile(c domain.WorkCalendar) (*Calendar, error) {
	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", c.ID, err)
	}
	cal := &Calendar{ID: c.ID, loc: loc, exceptions: make(map[string]struct{}, len(c.Exceptions))}
	for _, w := range c.Windows {
		if w.Weekday < time.Sunday || w.Weekday > time.Saturday {
			return nil, fmt.Errorf("calendar %s: weekday %d out of range", c.ID, w.Weekday)
		}
		if w.StartMinute < 0 || w.EndMinute > minutesPerDay || w.EndMinute <= w.StartMinute {
			return nil, fmt.Errorf("calendar %s: invalid window %d-%d", c.ID, w.StartMinute, w.EndMinute)
		}
		cal.days[w.Weekday] = append(cal.days[w.Weekday], span{w.StartMinute, w.EndMinute})
	}
	for i := range cal.days {
		cal.days[i] = merge(cal.days[i])
	}
	for _, ex := range c.Exceptions {
		if _, err := time.Parse("2006-01-02", ex.Day); err != nil {
			return nil, fmt.Errorf("calendar %s: exception day %q: %w", c.ID, ex.Day, err)
		}
		cal.exceptions[ex.Day] = struct{}{}
	}
	return cal, nil
}

func merge(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	out := []span{spans[0]}
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func (c *Calendar) Location() *time.Location { return c.loc }

// FirstGap returns the first instant of [start, end) that falls outside working time.
func (c *Calendar) FirstGap(start, end time.Time) (time.Time, bool) {
	if !end.After(start) {
		return time.Time{}, false
	}
	cur := start.In(c.loc)
	stop := end.In(c.loc)
	for cur.Before(stop) {
		y, m, d := cur.Date()
		midnight := time.Date(y, m, d, 0, 0, 0, 0, c.loc)
		next := time.Date(y, m, d+1, 0, 0, 0, 0, c.loc)
		segEnd := stop
		if next.Before(stop) {
			segEnd = next
		}
		from := minuteOfDay(midnight, cur, false)
		to := minuteOfDay(midnight, segEnd, true)
		if _, off := c.exceptions[cur.Format("2006-01-02")]; off {
			return cur, true
		}
		if gapAt, ok := uncovered(c.days[cur.Weekday()], from, to); ok {
			return midnight.Add(time.Duration(gapAt) * time.Minute), true
		}
		cur = next
	}
	return time.Time{}, false
}

// minuteOfDay converts t to minutes since midnight. Partial minutes round
// outward so a slot ending at 10:00:30 needs the 10:00-10:01 minute covered.
func minuteOfDay(midnight, t time.Time, roundUp bool) int {
	if !t.After(midnight) {
		return 0
	}
	h, m, s := t.Clock()
	mins := h*60 + m
	if roundUp && (s > 0 || t.Nanosecond() > 0) {
		mins++
	}
	if t.Day() != midnight.Day() {
		return minutesPerDay
	}
	return mins
}

// uncovered returns the first minute of [from, to) not inside spans.
func uncovered(spans []span, from, to int) (int, bool) {
	pos := from
	for _, s := range spans {
		if pos >= to {
			return 0, false
		}
		if s.end <= pos {
			continue
		}
		if s.start > pos {
			return pos, true
		}
		pos = s.end
	}
	if pos < to {
		return pos, true
	}
	return 0, false
}
