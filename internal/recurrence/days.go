package recurrence

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// DaySet is a set of weekdays, one bit per time.Weekday.
type DaySet uint8

// AllDays contains every weekday.
const AllDays DaySet = 0x7f

// canonical is the display and storage order (Mon..Sun).
var canonical = [...]time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday,
}

var tags = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

func DaysOf(days ...time.Weekday) DaySet {
	var s DaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s DaySet) With(d time.Weekday) DaySet {
	if d < time.Sunday || d > time.Saturday {
		return s
	}
	return s | 1<<uint(d)
}

func (s DaySet) Has(d time.Weekday) bool {
	if d < time.Sunday || d > time.Saturday {
		return false
	}
	return s&(1<<uint(d)) != 0
}

func (s DaySet) Empty() bool { return s&AllDays == 0 }

func (s DaySet) Len() int {
	n := 0
	for _, d := range canonical {
		if s.Has(d) {
			n++
		}
	}
	return n
}

// Tags returns the day tags in Mon..Sun order.
func (s DaySet) Tags() []string {
	out := make([]string, 0, 7)
	for _, d := range canonical {
		if s.Has(d) {
			out = append(out, tags[d])
		}
	}
	return out
}

func (s DaySet) String() string { return strings.Join(s.Tags(), ",") }

// ParseDay accepts a three letter tag or a full English day name, case-insensitive.
func ParseDay(raw string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if len(v) >= 3 {
		for i, t := range tags {
			full := strings.ToLower(time.Weekday(i).String())
			if v == strings.ToLower(t) || v == full {
				return time.Weekday(i), nil
			}
		}
	}
	return 0, errors.Wrapf(ErrInvalidRecurrence, "unknown day %q", raw)
}

// ParseDays parses a comma or space separated day list such as "Mon,Wed".
func ParseDays(raw string) (DaySet, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	return ParseDayTags(fields)
}

func ParseDayTags(list []string) (DaySet, error) {
	var s DaySet
	for _, f := range list {
		if strings.TrimSpace(f) == "" {
			continue
		}
		d, err := ParseDay(f)
		if err != nil {
			return 0, err
		}
		s = s.With(d)
	}
	if s.Empty() {
		return 0, errors.Wrap(ErrInvalidRecurrence, "at least one day is required")
	}
	return s, nil
}

// MarshalJSON encodes the set as a tag list (["Mon","Wed"]).
func (s DaySet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Tags()) }

// UnmarshalJSON accepts a tag list or a comma separated string. An empty list
// decodes to the empty set; callers validate emptiness.
func (s *DaySet) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		var raw string
		if err2 := json.Unmarshal(b, &raw); err2 != nil {
			return errors.Wrap(ErrInvalidRecurrence, "days must be a list of tags")
		}
		list = strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	}
	var out DaySet
	for _, f := range list {
		d, err := ParseDay(f)
		if err != nil {
			return err
		}
		out = out.With(d)
	}
	*s = out
	return nil
}
