package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrInvalidRecurrence = errors.New("invalid recurrence")

// maxScanDays bounds NextDue/PrevDue: today plus the same weekday next week.
const maxScanDays = 8

// Rule fires at a fixed time of day on a set of weekdays.
// The zero Rule never fires.
type Rule struct {
	days DaySet
	at   TimeOfDay
}

func New(days DaySet, at TimeOfDay) (Rule, error) {
	if days.Empty() {
		return Rule{}, errors.Wrap(ErrInvalidRecurrence, "at least one day is required")
	}
	if !at.Valid() {
		return Rule{}, errors.Wrapf(ErrInvalidRecurrence, "time %02d:%02d out of range", at.Hour, at.Minute)
	}
	return Rule{days: days, at: at}, nil
}

// Parse builds a rule from a day list ("Mon,Wed") and a time ("08:00").
func Parse(days, at string) (Rule, error) {
	ds, err := ParseDays(days)
	if err != nil {
		return Rule{}, err
	}
	t, err := ParseTimeOfDay(at)
	if err != nil {
		return Rule{}, err
	}
	return New(ds, t)
}

// Daily fires every day at t.
func Daily(t TimeOfDay) (Rule, error) { return New(AllDays, t) }

func (r Rule) Days() DaySet    { return r.days }
func (r Rule) Time() TimeOfDay { return r.at }
func (r Rule) IsZero() bool    { return r.days.Empty() }

func (r Rule) String() string {
	if r.IsZero() {
		return "never"
	}
	return r.days.String() + "@" + r.at.String()
}

// NextDue returns the soonest instant >= from matching the rule, evaluated in
// from's location. An instant equal to from counts as due.
// The zero time is returned for the zero Rule.
func (r Rule) NextDue(from time.Time) time.Time {
	if r.IsZero() {
		return time.Time{}
	}
	y, m, d := from.Date()
	loc := from.Location()
	for i := 0; i < maxScanDays; i++ {
		c := time.Date(y, m, d+i, r.at.Hour, r.at.Minute, 0, 0, loc)
		if !r.days.Has(c.Weekday()) || c.Before(from) {
			continue
		}
		return c
	}
	return time.Time{}
}

// PrevDue returns the latest instant <= before matching the rule.
func (r Rule) PrevDue(before time.Time) time.Time {
	if r.IsZero() {
		return time.Time{}
	}
	y, m, d := before.Date()
	loc := before.Location()
	for i := 0; i < maxScanDays; i++ {
		c := time.Date(y, m, d-i, r.at.Hour, r.at.Minute, 0, 0, loc)
		if !r.days.Has(c.Weekday()) || c.After(before) {
			continue
		}
		return c
	}
	return time.Time{}
}

// IsDueOn reports whether t falls within window after a fire instant.
// window is the polling granularity; anything below a minute is raised to a minute.
func (r Rule) IsDueOn(t time.Time, window time.Duration) bool {
	if window < time.Minute {
		window = time.Minute
	}
	prev := r.PrevDue(t)
	if prev.IsZero() {
		return false
	}
	return t.Sub(prev) < window
}

// CronSpec renders the rule as a five-field cron expression ("0 8 * * 1,3").
func (r Rule) CronSpec() string {
	if r.IsZero() {
		return ""
	}
	dows := make([]string, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if r.days.Has(d) {
			dows = append(dows, strconv.Itoa(int(d)))
		}
	}
	dow := strings.Join(dows, ",")
	if r.days == AllDays {
		dow = "*"
	}
	return fmt.Sprintf("%d %d * * %s", r.at.Minute, r.at.Hour, dow)
}
