package medication

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/gmsas95/medminder/internal/errors"
)

// Parser turns short schedule phrases into recurrence rules, e.g.
// "daily at 8am", "every 6 hours from 08:00", "mon,wed,fri at 9:00",
// "weekdays at 7:30".
type Parser struct {
	// Zone applied to wall-clock rules
	Zone string
	// Now anchors interval rules that give only a time of day
	Now func() time.Time

	dayKeywords map[string][]time.Weekday
}

// NewParser creates a parser for the given time zone
func NewParser(zone string, now func() time.Time) *Parser {
	if now == nil {
		now = time.Now
	}
	return &Parser{
		Zone: zone,
		Now:  now,
		dayKeywords: map[string][]time.Weekday{
			"sun": {time.Sunday}, "sunday": {time.Sunday},
			"mon": {time.Monday}, "monday": {time.Monday},
			"tue": {time.Tuesday}, "tues": {time.Tuesday}, "tuesday": {time.Tuesday},
			"wed": {time.Wednesday}, "wednesday": {time.Wednesday},
			"thu": {time.Thursday}, "thur": {time.Thursday}, "thurs": {time.Thursday}, "thursday": {time.Thursday},
			"fri": {time.Friday}, "friday": {time.Friday},
			"sat": {time.Saturday}, "saturday": {time.Saturday},
			"weekdays": {time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			"weekends": {time.Saturday, time.Sunday},
		},
	}
}

var (
	intervalPattern = regexp.MustCompile(`^every\s+(\d+)\s*(?:h|hr|hrs|hour|hours)(?:\s+(?:from|starting)\s+(.+))?$`)
	atPattern       = regexp.MustCompile(`^(.*?)\s*\bat\s+(.+)$`)
	dosagePattern   = regexp.MustCompile(`(?i)^([a-z][a-z\s\-]*?)\s+(\d+(?:\.\d+)?\s*(?:mg|mcg|g|ml|iu|units?|tablets?|capsules?|pills?|drops?|puffs?))\b\s*(.*)$`)
)

// ParseSchedule parses a schedule phrase into a Rule
func (p *Parser) ParseSchedule(text string) (Rule, error) {
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	if text == "" {
		return Rule{}, apperrors.Validation("schedule must not be blank")
	}

	if m := intervalPattern.FindStringSubmatch(text); m != nil {
		return p.parseInterval(m[1], m[2])
	}

	m := atPattern.FindStringSubmatch(text)
	if m == nil {
		return Rule{}, apperrors.Validation("schedule %q needs a time, e.g. \"daily at 8am\"", text)
	}
	at, err := ParseTimeOfDay(m[2])
	if err != nil {
		return Rule{}, err
	}

	days, err := p.parseDays(m[1])
	if err != nil {
		return Rule{}, err
	}
	var rule Rule
	if days == nil {
		rule = Daily(at, p.Zone)
	} else {
		rule = Weekly(days, at, p.Zone)
	}
	return rule, rule.Validate()
}

func (p *Parser) parseInterval(hours, start string) (Rule, error) {
	n, err := strconv.Atoi(hours)
	if err != nil || n < 1 {
		return Rule{}, apperrors.Validation("invalid interval %q", hours)
	}

	start = strings.TrimSpace(start)
	var anchor time.Time
	switch {
	case start == "":
		anchor = p.Now().Truncate(time.Hour)
	default:
		if ts, err := time.Parse(time.RFC3339, strings.ToUpper(start)); err == nil {
			anchor = ts
			break
		}
		at, err := ParseTimeOfDay(start)
		if err != nil {
			return Rule{}, err
		}
		loc, err := loadZone(p.Zone)
		if err != nil {
			return Rule{}, apperrors.Validation("unknown time zone %q", p.Zone)
		}
		now := p.Now().In(loc)
		anchor = time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, loc)
	}

	rule := EveryHours(n, anchor)
	return rule, rule.Validate()
}

// parseDays returns nil for daily phrases
func (p *Parser) parseDays(text string) ([]time.Weekday, error) {
	text = strings.TrimSpace(text)
	switch text {
	case "", "daily", "every day", "everyday", "once a day", "each day":
		return nil, nil
	}

	text = strings.TrimPrefix(text, "weekly on ")
	text = strings.TrimPrefix(text, "every ")
	text = strings.TrimPrefix(text, "on ")

	var days []time.Weekday
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '/'
	}) {
		if tok == "and" || tok == "&" {
			continue
		}
		ds, ok := p.dayKeywords[tok]
		if !ok {
			return nil, apperrors.Validation("unknown day %q", tok)
		}
		days = append(days, ds...)
	}
	if len(days) == 0 {
		return nil, apperrors.Validation("no days in %q", text)
	}
	return normalizeDays(days), nil
}

// ParseMedication parses a one-line description such as
// "Lisinopril 10mg daily at 8am" into a draft.
func (p *Parser) ParseMedication(text string) (Draft, error) {
	text = strings.TrimSpace(text)
	m := dosagePattern.FindStringSubmatch(text)
	if m == nil {
		return Draft{}, apperrors.Validation("expected \"<name> <dosage> <schedule>\", got %q", text)
	}

	schedule := strings.TrimSpace(m[3])
	lower := strings.ToLower(schedule)
	withFood := false
	for _, phrase := range []string{"with food", "with meals", "after meals"} {
		if strings.Contains(lower, phrase) {
			withFood = true
			lower = strings.TrimSpace(strings.Replace(lower, phrase, "", 1))
		}
	}

	rule, err := p.ParseSchedule(lower)
	if err != nil {
		return Draft{}, err
	}
	return Draft{
		Name:     strings.TrimSpace(m[1]),
		Dosage:   strings.ReplaceAll(strings.TrimSpace(m[2]), " ", ""),
		Rule:     rule,
		WithFood: withFood,
	}, nil
}
