package medication

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/gmsas95/medminder/internal/errors"
)

// RuleKind tags the recurrence variant held by a Rule
type RuleKind string

const (
	KindDaily    RuleKind = "daily"
	KindInterval RuleKind = "interval"
	KindWeekly   RuleKind = "weekly"
)

// TimeOfDay is a wall-clock time without a date
type TimeOfDay struct {
	Hour   int
	Minute int
}

// At builds a TimeOfDay
func At(hour, minute int) TimeOfDay {
	return TimeOfDay{Hour: hour, Minute: minute}
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTimeOfDay accepts "08:00", "8:30pm", "9am", "noon" and "midnight"
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "noon":
		return At(12, 0), nil
	case "midnight":
		return At(0, 0), nil
	}

	suffix := ""
	if strings.HasSuffix(s, "am") || strings.HasSuffix(s, "pm") {
		suffix = s[len(s)-2:]
		s = strings.TrimSpace(s[:len(s)-2])
	}

	hourPart, minutePart := s, "0"
	if i := strings.IndexByte(s, ':'); i >= 0 {
		hourPart, minutePart = s[:i], s[i+1:]
	}

	hour, err := strconv.Atoi(hourPart)
	if err != nil {
		return TimeOfDay{}, apperrors.Validation("invalid time of day %q", s)
	}
	minute, err := strconv.Atoi(minutePart)
	if err != nil {
		return TimeOfDay{}, apperrors.Validation("invalid time of day %q", s)
	}

	switch suffix {
	case "am":
		if hour < 1 || hour > 12 {
			return TimeOfDay{}, apperrors.Validation("invalid 12-hour time %q", s)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return TimeOfDay{}, apperrors.Validation("invalid 12-hour time %q", s)
		}
		if hour != 12 {
			hour += 12
		}
	}

	t := At(hour, minute)
	if !t.valid() {
		return TimeOfDay{}, apperrors.Validation("time of day %q out of range", s)
	}
	return t, nil
}

// Rule is a recurrence rule. Kind selects which of the remaining fields apply:
// daily uses At and TimeZone, interval uses EveryHours and Anchor,
// weekly uses Days, At and TimeZone.
type Rule struct {
	Kind       RuleKind       `json:"kind" yaml:"kind"`
	At         TimeOfDay      `json:"at,omitempty" yaml:"at,omitempty"`
	Days       []time.Weekday `json:"days,omitempty" yaml:"days,omitempty"`
	EveryHours int            `json:"every_hours,omitempty" yaml:"every_hours,omitempty"`
	Anchor     time.Time      `json:"anchor,omitempty" yaml:"anchor,omitempty"`
	TimeZone   string         `json:"time_zone,omitempty" yaml:"time_zone,omitempty"`
}

// Equal reports whether both rules produce the same instants
func (r Rule) Equal(o Rule) bool {
	if r.Kind != o.Kind || r.At != o.At || r.EveryHours != o.EveryHours ||
		!r.Anchor.Equal(o.Anchor) || r.TimeZone != o.TimeZone || len(r.Days) != len(o.Days) {
		return false
	}
	for i := range r.Days {
		if r.Days[i] != o.Days[i] {
			return false
		}
	}
	return true
}

// Daily fires once a day at the given wall-clock time in zone
func Daily(at TimeOfDay, zone string) Rule {
	return Rule{Kind: KindDaily, At: at, TimeZone: zone}
}

// EveryHours fires every n hours, phase-aligned to anchor
func EveryHours(n int, anchor time.Time) Rule {
	return Rule{Kind: KindInterval, EveryHours: n, Anchor: anchor.UTC()}
}

// Weekly fires on each listed weekday at the given wall-clock time in zone
func Weekly(days []time.Weekday, at TimeOfDay, zone string) Rule {
	return Rule{Kind: KindWeekly, Days: normalizeDays(days), At: at, TimeZone: zone}
}

func normalizeDays(days []time.Weekday) []time.Weekday {
	seen := make(map[time.Weekday]bool, len(days))
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Period returns the interval length of an interval rule
func (r Rule) Period() time.Duration {
	return time.Duration(r.EveryHours) * time.Hour
}

// HasDay reports whether a weekly rule fires on d
func (r Rule) HasDay(d time.Weekday) bool {
	for _, day := range r.Days {
		if day == d {
			return true
		}
	}
	return false
}

// Location resolves the rule's time zone, UTC when unset
func (r Rule) Location() (*time.Location, error) {
	return loadZone(r.TimeZone)
}

// Validate checks the fields required by the rule's kind
func (r Rule) Validate() error {
	switch r.Kind {
	case KindDaily:
		if !r.At.valid() {
			return apperrors.Validation("daily rule has invalid time %s", r.At)
		}
	case KindInterval:
		if r.EveryHours < 1 {
			return apperrors.Validation("interval rule needs at least 1 hour, got %d", r.EveryHours)
		}
		if r.Anchor.IsZero() {
			return apperrors.Validation("interval rule needs an anchor instant")
		}
		return nil
	case KindWeekly:
		if len(r.Days) == 0 {
			return apperrors.Validation("weekly rule needs at least one weekday")
		}
		for _, d := range r.Days {
			if d < time.Sunday || d > time.Saturday {
				return apperrors.Validation("weekly rule has invalid weekday %d", d)
			}
		}
		if !r.At.valid() {
			return apperrors.Validation("weekly rule has invalid time %s", r.At)
		}
	default:
		return apperrors.Validation("unknown rule kind %q", r.Kind)
	}

	if _, err := r.Location(); err != nil {
		return apperrors.Validation("unknown time zone %q", r.TimeZone)
	}
	return nil
}

// Describe renders the rule in the same phrasing the parser accepts
func (r Rule) Describe() string {
	switch r.Kind {
	case KindDaily:
		return withZone("daily at "+r.At.String(), r.TimeZone)
	case KindInterval:
		return fmt.Sprintf("every %d hours from %s", r.EveryHours, r.Anchor.UTC().Format(time.RFC3339))
	case KindWeekly:
		names := make([]string, len(r.Days))
		for i, d := range r.Days {
			names[i] = strings.ToLower(d.String()[:3])
		}
		return withZone(strings.Join(names, ",")+" at "+r.At.String(), r.TimeZone)
	}
	return string(r.Kind)
}

func withZone(s, zone string) string {
	if zone == "" || zone == "UTC" {
		return s
	}
	return s + " (" + zone + ")"
}

var zones sync.Map

func loadZone(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if name == "Local" {
		return time.Local, nil
	}
	if loc, ok := zones.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	zones.Store(name, loc)
	return loc, nil
}
