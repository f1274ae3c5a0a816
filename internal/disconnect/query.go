package disconnect

import (
	"strconv"
	"strings"
	"time"
)

const (
	day   = 24 * time.Hour
	month = 30 * day
	year  = 365 * day
)

// Remaining is a calendar-free breakdown of a duration: a year is 365 days
// and a month 30 days.
type Remaining struct {
	Years   int
	Months  int
	Days    int
	Hours   int
	Minutes int
	Seconds int
}

// Breakdown splits d into units, truncating below one second. Negative
// durations yield the zero value.
func Breakdown(d time.Duration) Remaining {
	if d <= 0 {
		return Remaining{}
	}
	var out Remaining
	take := func(unit time.Duration) int {
		n := int(d / unit)
		d -= time.Duration(n) * unit
		return n
	}
	out.Years = take(year)
	out.Months = take(month)
	out.Days = take(day)
	out.Hours = take(time.Hour)
	out.Minutes = take(time.Minute)
	out.Seconds = take(time.Second)
	return out
}

func (r Remaining) IsZero() bool { return r == Remaining{} }

// String renders non-zero parts largest first, e.g. "1 Day 2 Hours".
// The zero value renders as "0 Seconds".
func (r Remaining) String() string {
	parts := []struct {
		n    int
		unit string
	}{
		{r.Years, "Year"},
		{r.Months, "Month"},
		{r.Days, "Day"},
		{r.Hours, "Hour"},
		{r.Minutes, "Minute"},
		{r.Seconds, "Second"},
	}
	var b strings.Builder
	for _, p := range parts {
		if p.n == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(p.n))
		b.WriteByte(' ')
		b.WriteString(p.unit)
		if p.n != 1 {
			b.WriteByte('s')
		}
	}
	if b.Len() == 0 {
		return "0 Seconds"
	}
	return b.String()
}

// Describe returns the due-time label (rendered by label, or RFC 3339 when
// label is nil) and the time left until rec fires.
func Describe(rec ScheduledAction, now time.Time, label func(time.Time) string) (string, Remaining) {
	at := rec.DueAt.Format(time.RFC3339)
	if label != nil {
		at = label(rec.DueAt)
	}
	return at, Breakdown(rec.DueAt.Sub(now))
}

// Remaining reports the time left for rec using the registry clock.
func (r *Registry) Remaining(rec ScheduledAction) Remaining {
	return Breakdown(rec.DueAt.Sub(r.now()))
}
