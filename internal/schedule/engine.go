// Package schedule computes dose instants from recurrence rules and classifies
// them against the ledger. It holds no state besides its settings.
package schedule

import (
	"sync/atomic"
	"time"

	"github.com/gmsas95/medminder/internal/clock"
	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
)

const (
	DefaultGracePeriod = 30 * time.Minute
	DefaultLookahead   = 90 * 24 * time.Hour
)

// Lookup finds the current ledger entry for a dose
type Lookup interface {
	Lookup(medicationID string, scheduled time.Time) (ledger.DoseEvent, bool)
}

// Classification is the detailed result of Inspect
type Classification struct {
	Status ledger.Status     `json:"status"`
	Entry  *ledger.DoseEvent `json:"entry,omitempty"`
	// Inconsistent marks a recorded entry whose dose is still in the future
	Inconsistent bool `json:"inconsistent,omitempty"`
}

// Engine evaluates recurrence rules
type Engine struct {
	clock     clock.Clock
	grace     atomic.Int64
	lookahead atomic.Int64
}

// NewEngine creates an engine with the default grace period and lookahead
func NewEngine(c clock.Clock) *Engine {
	if c == nil {
		c = clock.System()
	}
	e := &Engine{clock: c}
	e.grace.Store(int64(DefaultGracePeriod))
	e.lookahead.Store(int64(DefaultLookahead))
	return e
}

// Now returns the engine clock's current instant
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// GracePeriod returns the default grace period
func (e *Engine) GracePeriod() time.Duration {
	return time.Duration(e.grace.Load())
}

// SetGracePeriod changes the default grace period; non-positive values are ignored
func (e *Engine) SetGracePeriod(d time.Duration) {
	if d > 0 {
		e.grace.Store(int64(d))
	}
}

// Lookahead bounds NextDue
func (e *Engine) Lookahead() time.Duration {
	return time.Duration(e.lookahead.Load())
}

// SetLookahead changes the NextDue bound; non-positive values are ignored
func (e *Engine) SetLookahead(d time.Duration) {
	if d > 0 {
		e.lookahead.Store(int64(d))
	}
}

// GraceFor returns the grace period that applies to med
func (e *Engine) GraceFor(med medication.Medication) time.Duration {
	if med.GracePeriod > 0 {
		return med.GracePeriod
	}
	return e.GracePeriod()
}

// Next returns the earliest occurrence of rule at or after t
func (e *Engine) Next(rule medication.Rule, t time.Time) (time.Time, error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}
	return next(rule, t), nil
}

func next(rule medication.Rule, t time.Time) time.Time {
	switch rule.Kind {
	case medication.KindDaily:
		return nextDaily(rule, t)
	case medication.KindInterval:
		return nextInterval(rule, t)
	case medication.KindWeekly:
		return nextWeekly(rule, t)
	}
	panic("schedule: unvalidated rule kind " + string(rule.Kind))
}

func nextDaily(rule medication.Rule, t time.Time) time.Time {
	loc, _ := rule.Location()
	local := t.In(loc)
	y, m, d := local.Date()
	for i := 0; ; i++ {
		cand := time.Date(y, m, d+i, rule.At.Hour, rule.At.Minute, 0, 0, loc)
		if !cand.Before(t) {
			return cand.UTC()
		}
	}
}

func nextInterval(rule medication.Rule, t time.Time) time.Time {
	anchor := rule.Anchor
	if !t.After(anchor) {
		return anchor.UTC()
	}
	period := rule.Period()
	elapsed := t.Sub(anchor)
	steps := elapsed / period
	if elapsed%period != 0 {
		steps++
	}
	return anchor.Add(steps * period).UTC()
}

func nextWeekly(rule medication.Rule, t time.Time) time.Time {
	loc, _ := rule.Location()
	local := t.In(loc)
	y, m, d := local.Date()
	for i := 0; i <= 7; i++ {
		cand := time.Date(y, m, d+i, rule.At.Hour, rule.At.Minute, 0, 0, loc)
		if rule.HasDay(cand.Weekday()) && !cand.Before(t) {
			return cand.UTC()
		}
	}
	// unreachable for a validated rule: every weekday recurs within 8 days
	panic("schedule: weekly rule produced no occurrence")
}

// OccurrencesInRange returns every occurrence in [from, to), ascending and
// without duplicates
func (e *Engine) OccurrencesInRange(rule medication.Rule, from, to time.Time) ([]time.Time, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	var out []time.Time
	for t := next(rule, from); t.Before(to); t = next(rule, t.Add(time.Nanosecond)) {
		out = append(out, t)
	}
	return out, nil
}

// IsOccurrence reports whether t is exactly one of the rule's instants
func (e *Engine) IsOccurrence(rule medication.Rule, t time.Time) bool {
	n, err := e.Next(rule, t)
	return err == nil && n.Equal(t)
}

// NextDue returns the earliest occurrence strictly after after, or false
// when none falls inside the lookahead window or med is deactivated
func (e *Engine) NextDue(med medication.Medication, after time.Time) (time.Time, bool) {
	if !med.Active {
		return time.Time{}, false
	}
	n, err := e.Next(med.Rule, after.Add(time.Nanosecond))
	if err != nil {
		return time.Time{}, false
	}
	if n.After(after.Add(e.Lookahead())) {
		return time.Time{}, false
	}
	return n, true
}

// Classify returns the status of med's dose at instant. It never writes:
// a missed dose is only persisted by an explicit ledger write.
func (e *Engine) Classify(med medication.Medication, instant time.Time, doses Lookup) ledger.Status {
	return e.Inspect(med, instant, doses).Status
}

// Inspect is Classify with the matching entry and a consistency flag
func (e *Engine) Inspect(med medication.Medication, instant time.Time, doses Lookup) Classification {
	now := e.clock.Now()
	if doses != nil {
		if entry, ok := doses.Lookup(med.ID, instant); ok {
			return Classification{
				Status:       entry.Status,
				Entry:        &entry,
				Inconsistent: entry.ScheduledAt.After(now) && entry.Status != ledger.StatusPending,
			}
		}
	}
	if now.Sub(instant) > e.GraceFor(med) {
		return Classification{Status: ledger.StatusMissed}
	}
	return Classification{Status: ledger.StatusPending}
}

// Latest returns the most recent occurrence in [now-window, now]
func (e *Engine) Latest(rule medication.Rule, now time.Time, window time.Duration) (time.Time, bool, error) {
	if window < 0 {
		return time.Time{}, false, apperrors.Validation("window must not be negative")
	}
	occ, err := e.OccurrencesInRange(rule, now.Add(-window), now.Add(time.Nanosecond))
	if err != nil || len(occ) == 0 {
		return time.Time{}, false, err
	}
	return occ[len(occ)-1], true, nil
}
