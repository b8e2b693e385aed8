// Package reminder decides when a dose reminder is due and guarantees each
// (medication, instant) pair is handed out at most once between restarts.
package reminder

import (
	"sync"
	"time"

	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/gmsas95/medminder/internal/schedule"
)

// State of a medication's reminder
type State int

const (
	Idle State = iota
	Due
	Notified
)

func (s State) String() string {
	switch s {
	case Due:
		return "due"
	case Notified:
		return "notified"
	default:
		return "idle"
	}
}

// Medications is the read side of the registry the planner needs
type Medications interface {
	ListActive() []medication.Medication
	Get(id string) (medication.Medication, error)
}

// Reminder is a dose that should be announced to the user
type Reminder struct {
	Medication  medication.Medication `json:"medication"`
	ScheduledAt time.Time             `json:"scheduled_at"`
}

// cursor holds the last notified instant for one medication; its mutex
// scopes every read-decide-write on that medication
type cursor struct {
	mu   sync.Mutex
	last time.Time
}

// covers reports whether the cursor already accounts for the dose at at.
// A cursor ahead of now is ignored so it cannot silence doses before it.
func (c *cursor) covers(at, now time.Time) bool {
	return !c.last.IsZero() && !c.last.Before(at) && !c.last.After(now)
}

// Planner tracks per-medication reminder cursors. Cursors are a cache that
// Rebuild can recreate from the ledger.
type Planner struct {
	engine *schedule.Engine
	meds   Medications
	doses  schedule.Lookup

	mu      sync.Mutex
	cursors map[string]*cursor
}

// NewPlanner creates a planner over the given registry view and ledger
func NewPlanner(engine *schedule.Engine, meds Medications, doses schedule.Lookup) *Planner {
	return &Planner{
		engine:  engine,
		meds:    meds,
		doses:   doses,
		cursors: make(map[string]*cursor),
	}
}

func (p *Planner) cursorFor(id string) *cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[id]
	if !ok {
		c = &cursor{}
		p.cursors[id] = c
	}
	return c
}

// tracked returns the dose the medication's reminder follows at now: the
// latest occurrence still inside the grace window, if the current rule was
// already in force then
func (p *Planner) tracked(med medication.Medication, now time.Time) (time.Time, bool) {
	at, ok, err := p.engine.Latest(med.Rule, now, p.engine.GraceFor(med))
	if err != nil || !ok || at.Before(med.ScheduleStart()) {
		return time.Time{}, false
	}
	return at, true
}

// stateLocked must be called with c.mu held
func (p *Planner) stateLocked(med medication.Medication, c *cursor, now time.Time) (State, time.Time) {
	at, ok := p.tracked(med, now)
	if !ok {
		return Idle, time.Time{}
	}
	if p.engine.Classify(med, at, p.doses) != ledger.StatusPending {
		return Idle, at
	}
	if c.covers(at, now) {
		return Notified, at
	}
	return Due, at
}

// State reports the reminder state of a medication and the instant it tracks
func (p *Planner) State(medicationID string, now time.Time) (State, time.Time, error) {
	med, err := p.meds.Get(medicationID)
	if err != nil {
		return Idle, time.Time{}, err
	}
	if !med.Active {
		return Idle, time.Time{}, nil
	}
	c := p.cursorFor(med.ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, at := p.stateLocked(med, c, now)
	return st, at, nil
}

// DueReminders lists every active medication in the Due state. It only
// reads cursor state.
func (p *Planner) DueReminders(now time.Time) []Reminder {
	var out []Reminder
	for _, med := range p.meds.ListActive() {
		c := p.cursorFor(med.ID)
		c.mu.Lock()
		st, at := p.stateLocked(med, c, now)
		c.mu.Unlock()
		if st == Due {
			out = append(out, Reminder{Medication: med, ScheduledAt: at})
		}
	}
	return out
}

// MarkNotified advances the cursor to instant, which must be a dose that is
// already due. Only one caller can win for a given pair; the others get an
// already-notified error.
func (p *Planner) MarkNotified(medicationID string, instant time.Time) error {
	med, err := p.meds.Get(medicationID)
	if err != nil {
		return err
	}
	if !p.engine.IsOccurrence(med.Rule, instant) {
		return apperrors.Validation("%s is not a scheduled dose of %s", instant.UTC().Format(time.RFC3339), med.Name)
	}
	now := p.engine.Now()
	if instant.After(now) {
		return apperrors.Validation("dose of %s at %s is not due yet", med.Name, instant.UTC().Format(time.RFC3339))
	}

	c := p.cursorFor(med.ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.covers(instant, now) {
		return apperrors.New(apperrors.ErrAlreadyNotified.Code, "reminder for "+med.Name+" at "+instant.UTC().Format(time.RFC3339)+" already notified")
	}
	c.last = instant.UTC()
	return nil
}

// Claim is a reminder taken by a poller together with the cursor it replaced
type Claim struct {
	Reminder
	Previous time.Time `json:"-"`
}

// Claim atomically moves every Due medication to Notified and returns the
// claimed reminders, so concurrent pollers never share a reminder.
func (p *Planner) Claim(now time.Time) []Claim {
	var out []Claim
	for _, med := range p.meds.ListActive() {
		c := p.cursorFor(med.ID)
		c.mu.Lock()
		st, at := p.stateLocked(med, c, now)
		if st == Due {
			out = append(out, Claim{
				Reminder: Reminder{Medication: med, ScheduledAt: at},
				Previous: c.last,
			})
			c.last = at
		}
		c.mu.Unlock()
	}
	return out
}

// Release undoes a claim whose delivery failed. It only rewinds when the
// cursor still points at the claimed instant.
func (p *Planner) Release(cl Claim) bool {
	c := p.cursorFor(cl.Medication.ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.last.Equal(cl.ScheduledAt) {
		return false
	}
	c.last = cl.Previous
	return true
}

// Cursor returns the last notified instant for a medication
func (p *Planner) Cursor(medicationID string) (time.Time, bool) {
	p.mu.Lock()
	c, ok := p.cursors[medicationID]
	p.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, !c.last.IsZero()
}

// Rebuild resets every active medication's cursor from latest, typically the
// ledger's most recent recorded dose per medication. Instants after now are
// dropped.
func (p *Planner) Rebuild(latest func(medicationID string) (time.Time, bool)) {
	now := p.engine.Now()
	for _, med := range p.meds.ListActive() {
		c := p.cursorFor(med.ID)
		c.mu.Lock()
		c.last = time.Time{}
		if at, ok := latest(med.ID); ok && !at.After(now) {
			c.last = at.UTC()
		}
		c.mu.Unlock()
	}
}
