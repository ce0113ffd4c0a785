/*
period.go - billing periods

A billing period is one calendar month, written "YYYY-MM". The string
form is canonical: it sorts lexicographically in chronological order,
which the debt and allocation code relies on.

"Now" is always taken in the cooperative's local timezone. A payment
collected at 23:30 on the last day of the month must land in that
month, not the next one, so the wall clock that decides the current
period is pinned to one location instead of the server's.
*/

package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultTimezone is where the cooperative operates. Period boundaries
// and commission day counts are evaluated against this clock unless a
// different location is configured.
const DefaultTimezone = "America/Argentina/Mendoza"

// Period is a billing month in canonical "YYYY-MM" form.
type Period string

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ParsePeriod validates the canonical form. Anything else - wrong
// separator, missing zero padding, month 13 - is rejected rather than
// normalized, so stored periods stay byte-comparable.
func ParsePeriod(s string) (Period, error) {
	if !periodPattern.MatchString(s) {
		return "", NewError(CodeInvalidPeriod, fmt.Sprintf("invalid period %q, want YYYY-MM", s)).
			With("value", s)
	}
	return Period(s), nil
}

// PeriodOf returns the billing period the instant t falls in, using
// t's own location.
func PeriodOf(t time.Time) Period {
	return Period(t.Format("2006-01"))
}

func (p Period) String() string { return string(p) }

// Valid reports whether p is in canonical form.
func (p Period) Valid() bool { return periodPattern.MatchString(string(p)) }

// Compare orders periods chronologically: -1 if p is earlier than o,
// 0 if equal, +1 if later.
func (p Period) Compare(o Period) int { return strings.Compare(string(p), string(o)) }

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool { return p.Compare(o) < 0 }

// After reports whether p is strictly later than o.
func (p Period) After(o Period) bool { return p.Compare(o) > 0 }

// Year returns the calendar year of the period.
func (p Period) Year() int {
	y, _ := strconv.Atoi(string(p)[:4])
	return y
}

// Month returns the calendar month of the period, 1..12.
func (p Period) Month() int {
	m, _ := strconv.Atoi(string(p)[5:])
	return m
}

// Next returns the following billing period, rolling the year over
// after December.
func (p Period) Next() Period { return p.AddMonths(1) }

// AddMonths returns the period n months after p (n may be negative).
func (p Period) AddMonths(n int) Period {
	months := p.Year()*12 + (p.Month() - 1) + n
	y, m := months/12, months%12
	if m < 0 {
		y, m = y-1, m+12
	}
	return Period(fmt.Sprintf("%04d-%02d", y, m+1))
}

// MonthsBetween returns how many months separate a and b; positive
// when b is later. Adjacent months yield 1.
func MonthsBetween(a, b Period) int {
	return (b.Year()*12 + b.Month()) - (a.Year()*12 + a.Month())
}

// Start returns midnight on the first day of the period in loc.
func (p Period) Start(loc *time.Location) time.Time {
	return time.Date(p.Year(), time.Month(p.Month()), 1, 0, 0, 0, 0, loc)
}

// End returns the first instant of the following period in loc, so
// [Start, End) covers the whole month.
func (p Period) End(loc *time.Location) time.Time {
	return p.Next().Start(loc)
}

// ===== CALENDAR =====

// Calendar answers "which billing period is it right now?" with a
// fixed location, so every component agrees on month boundaries.
type Calendar struct {
	loc *time.Location
}

// NewCalendar loads the named timezone. An empty name falls back to
// DefaultTimezone.
func NewCalendar(tz string) (Calendar, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Calendar{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return Calendar{loc: loc}, nil
}

// CalendarIn pins the calendar to an explicit location. Tests use this
// to run against UTC or a frozen zone without touching the tz database.
func CalendarIn(loc *time.Location) Calendar {
	return Calendar{loc: loc}
}

// Location returns the calendar's timezone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// NowTime returns the current instant in the calendar's location.
func (c Calendar) NowTime() time.Time { return time.Now().In(c.Location()) }

// Now returns the current billing period.
func (c Calendar) Now() Period { return PeriodOf(c.NowTime()) }

// PeriodAt returns the billing period of t as seen from the
// calendar's location. The same instant can belong to different
// periods in different zones; this resolves it consistently.
func (c Calendar) PeriodAt(t time.Time) Period { return PeriodOf(t.In(c.Location())) }
