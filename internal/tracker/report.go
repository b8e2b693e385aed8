package tracker

import (
	"sort"
	"time"

	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
)

// DoseStatus is one dose joined with its ledger state
type DoseStatus struct {
	ScheduledAt  time.Time         `json:"scheduled_at"`
	Status       ledger.Status     `json:"status"`
	Entry        *ledger.DoseEvent `json:"entry,omitempty"`
	Inconsistent bool              `json:"inconsistent,omitempty"`
	// OffSchedule marks a recorded dose that is not an instant of the
	// current rule, e.g. after a reschedule
	OffSchedule bool `json:"off_schedule,omitempty"`
}

// Report joins a medication's schedule with the ledger over a range
type Report struct {
	Medication medication.Medication `json:"medication"`
	From       time.Time             `json:"from"`
	To         time.Time             `json:"to"`
	Expected   int                   `json:"expected"`
	Taken      int                   `json:"taken"`
	Skipped    int                   `json:"skipped"`
	// Missed counts recorded and detected misses
	Missed  int          `json:"missed"`
	Pending int          `json:"pending"`
	Rate    float64      `json:"rate"`
	Doses   []DoseStatus `json:"doses"`
}

// DayPlan is one medication's doses for a local day
type DayPlan struct {
	Medication medication.Medication `json:"medication"`
	Doses      []DoseStatus          `json:"doses"`
	NextDue    *time.Time            `json:"next_due,omitempty"`
}

// doses joins the current rule's instants in [from, to) with every current
// ledger entry in the same range. The rule only yields instants from the
// moment it took effect; entries recorded under an earlier rule show up as
// off schedule.
func (t *Tracker) doses(m medication.Medication, from, to time.Time) ([]DoseStatus, error) {
	ruleFrom := from
	if start := m.ScheduleStart(); start.After(ruleFrom) {
		ruleFrom = start
	}
	var instants []time.Time
	if to.After(ruleFrom) {
		var err error
		instants, err = t.engine.OccurrencesInRange(m.Rule, ruleFrom, to)
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[int64]bool, len(instants))
	out := make([]DoseStatus, 0, len(instants))
	for _, at := range instants {
		c := t.engine.Inspect(m, at, t.ledger)
		out = append(out, DoseStatus{
			ScheduledAt:  at,
			Status:       c.Status,
			Entry:        c.Entry,
			Inconsistent: c.Inconsistent,
		})
		seen[at.UnixNano()] = true
	}

	for _, e := range t.ledger.EntriesFor(m.ID, from, to) {
		if seen[e.ScheduledAt.UnixNano()] {
			continue
		}
		e := e
		out = append(out, DoseStatus{
			ScheduledAt: e.ScheduledAt,
			Status:      e.Status,
			Entry:       &e,
			OffSchedule: true,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

// Report summarises adherence over [from, to). Doses before the medication
// was created or after it was deactivated are not expected, nor are
// instants of the current rule from before it took effect.
func (t *Tracker) Report(medicationID string, from, to time.Time) (Report, error) {
	m, err := t.registry.Get(medicationID)
	if err != nil {
		return Report{}, err
	}

	lo, hi := from, to
	if m.CreatedAt.After(lo) {
		lo = m.CreatedAt
	}
	if m.DeactivatedAt != nil && m.DeactivatedAt.Before(hi) {
		hi = *m.DeactivatedAt
	}

	r := Report{Medication: m, From: from, To: to, Doses: []DoseStatus{}}
	if hi.After(lo) {
		ds, err := t.doses(m, lo, hi)
		if err != nil {
			return Report{}, err
		}
		r.Doses = ds
	}

	var c ledger.Counts
	for _, d := range r.Doses {
		if !d.OffSchedule {
			r.Expected++
		}
		switch d.Status {
		case ledger.StatusTaken:
			c.Taken++
		case ledger.StatusSkipped:
			c.Skipped++
		case ledger.StatusMissed:
			c.Missed++
		case ledger.StatusPending:
			c.Pending++
		}
	}
	r.Taken, r.Skipped, r.Missed, r.Pending = c.Taken, c.Skipped, c.Missed, c.Pending
	r.Rate = c.Rate()
	return r, nil
}

// Today lists every active medication's doses for the local day containing now
func (t *Tracker) Today(now time.Time) ([]DayPlan, error) {
	local := now.In(t.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc)
	end := start.AddDate(0, 0, 1)

	meds := t.registry.ListActive()
	plans := make([]DayPlan, 0, len(meds))
	for _, m := range meds {
		ds, err := t.doses(m, start, end)
		if err != nil {
			return nil, err
		}
		plan := DayPlan{Medication: m, Doses: ds}
		if next, ok := t.engine.NextDue(m, now); ok {
			plan.NextDue = &next
		}
		plans = append(plans, plan)
	}
	return plans, nil
}
