package extraction

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format used by the upstream filters and the HTTP API.
const DateLayout = "2006-01-02"

// Period is an inclusive range of calendar days.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Day truncates t to midnight UTC of its calendar date in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidWindow, s)
	}
	return t, nil
}

// NewPeriod builds a period from two dates, rejecting start after end.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: Day(start), End: Day(end)}
	if p.Start.After(p.End) {
		return Period{}, fmt.Errorf("%w: start %s is after end %s",
			ErrInvalidWindow, p.Start.Format(DateLayout), p.End.Format(DateLayout))
	}
	return p, nil
}

// Days returns the number of calendar days covered.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours()/24) + 1
}

func (p Period) String() string {
	return p.Start.Format(DateLayout) + ".." + p.End.Format(DateLayout)
}

// SplitMonthly splits [start, end] into consecutive calendar-month periods.
// The first period starts at start and the last one ends at end.
// An empty slice is returned when start is after end.
func SplitMonthly(start, end time.Time) []Period {
	start, end = Day(start), Day(end)
	var periods []Period
	for cur := start; !cur.After(end); {
		monthEnd := time.Date(cur.Year(), cur.Month()+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
		if monthEnd.After(end) {
			monthEnd = end
		}
		periods = append(periods, Period{Start: cur, End: monthEnd})
		cur = monthEnd.AddDate(0, 0, 1)
	}
	return periods
}
