package medication

import (
	"strings"
	"time"
)

// Medication is a tracked medication and its dosing schedule
type Medication struct {
	ID     string `json:"id"`
	Seq    int64  `json:"seq"`
	Name   string `json:"name"`
	Dosage string `json:"dosage"` // e.g., "10mg", "1 tablet"
	Rule   Rule   `json:"rule"`

	// Zero means the schedule engine default applies
	GracePeriod time.Duration `json:"grace_period,omitempty"`

	Notes    string `json:"notes,omitempty"`
	WithFood bool   `json:"with_food,omitempty"`

	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`

	// RuleSince is when the current Rule took effect
	RuleSince time.Time `json:"rule_since"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Draft holds the caller-supplied fields of a new medication
type Draft struct {
	Name        string
	Dosage      string
	Rule        Rule
	GracePeriod time.Duration
	Notes       string
	WithFood    bool
}

// Patch lists the fields to change; nil fields are left untouched
type Patch struct {
	Name        *string
	Dosage      *string
	Rule        *Rule
	GracePeriod *time.Duration
	Notes       *string
	WithFood    *bool
}

// Empty reports whether the patch changes nothing
func (p Patch) Empty() bool {
	return p.Name == nil && p.Dosage == nil && p.Rule == nil &&
		p.GracePeriod == nil && p.Notes == nil && p.WithFood == nil
}

func (p Patch) apply(m *Medication) {
	if p.Name != nil {
		m.Name = strings.TrimSpace(*p.Name)
	}
	if p.Dosage != nil {
		m.Dosage = strings.TrimSpace(*p.Dosage)
	}
	if p.Rule != nil {
		m.Rule = *p.Rule
		if m.Rule.Kind == KindWeekly {
			m.Rule.Days = normalizeDays(m.Rule.Days)
		}
	}
	if p.GracePeriod != nil {
		m.GracePeriod = *p.GracePeriod
	}
	if p.Notes != nil {
		m.Notes = strings.TrimSpace(*p.Notes)
	}
	if p.WithFood != nil {
		m.WithFood = *p.WithFood
	}
}

// ScheduleStart is the first instant the current rule applies to: the later
// of creation and the last rule change
func (m Medication) ScheduleStart() time.Time {
	if m.RuleSince.After(m.CreatedAt) {
		return m.RuleSince
	}
	return m.CreatedAt
}

func (m Medication) clone() Medication {
	out := m
	if m.Rule.Days != nil {
		out.Rule.Days = append([]time.Weekday(nil), m.Rule.Days...)
	}
	if m.DeactivatedAt != nil {
		at := *m.DeactivatedAt
		out.DeactivatedAt = &at
	}
	return out
}
