// Package ledger implements the append-only adherence log. Entries are never
// edited; a correction appends a new version that hides the previous one from
// default queries while history keeps both.
package ledger

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gmsas95/medminder/internal/clock"
	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/security"
	"github.com/google/uuid"
)

type doseKey struct {
	medicationID string
	scheduled    int64
}

func keyOf(medicationID string, scheduled time.Time) doseKey {
	return doseKey{medicationID: medicationID, scheduled: scheduled.UnixNano()}
}

// Ledger stores dose events. At most one current entry exists per
// (medication, scheduled instant) pair.
type Ledger struct {
	mu      sync.RWMutex
	entries []DoseEvent
	current map[doseKey]int
	byMed   map[string]map[int64]int
	clock   clock.Clock
	newID   func() string
}

// New creates an empty ledger
func New(c clock.Clock) *Ledger {
	if c == nil {
		c = clock.System()
	}
	return &Ledger{
		current: make(map[doseKey]int),
		byMed:   make(map[string]map[int64]int),
		clock:   c,
		newID:   uuid.NewString,
	}
}

func (l *Ledger) build(medicationID string, scheduled time.Time, status Status, actual *time.Time, note string) (DoseEvent, error) {
	medicationID = strings.TrimSpace(medicationID)
	if medicationID == "" {
		return DoseEvent{}, apperrors.Validation("medication id must not be blank")
	}
	if scheduled.IsZero() {
		return DoseEvent{}, apperrors.Validation("scheduled instant must be set")
	}
	if !status.Valid() {
		return DoseEvent{}, apperrors.Validation("unknown dose status %q", status)
	}
	note = strings.TrimSpace(note)
	if err := security.CheckText("note", note, security.MaxNoteLen); err != nil {
		return DoseEvent{}, err
	}

	now := l.clock.Now()
	e := DoseEvent{
		ID:           l.newID(),
		MedicationID: medicationID,
		ScheduledAt:  scheduled.UTC(),
		Status:       status,
		RecordedAt:   now,
		Version:      1,
		Note:         note,
	}
	switch {
	case actual != nil:
		at := actual.UTC()
		e.ActualAt = &at
	case status == StatusTaken || status == StatusSkipped:
		at := now.UTC()
		e.ActualAt = &at
	}
	return e, nil
}

// Record appends a new entry. It fails with a duplicate error when the pair
// already has a current entry; use Supersede to correct it.
func (l *Ledger) Record(medicationID string, scheduled time.Time, status Status, actual *time.Time, note string) (DoseEvent, error) {
	e, err := l.build(medicationID, scheduled, status, actual, note)
	if err != nil {
		return DoseEvent{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.current[keyOf(e.MedicationID, e.ScheduledAt)]; exists {
		return DoseEvent{}, apperrors.Duplicate("dose of %s at %s already recorded",
			e.MedicationID, e.ScheduledAt.Format(time.RFC3339))
	}
	l.appendLocked(e)
	return e.clone(), nil
}

// Supersede appends a corrected version of the current entry for the pair
func (l *Ledger) Supersede(medicationID string, scheduled time.Time, status Status, actual *time.Time, note string) (DoseEvent, error) {
	e, err := l.build(medicationID, scheduled, status, actual, note)
	if err != nil {
		return DoseEvent{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx, exists := l.current[keyOf(e.MedicationID, e.ScheduledAt)]
	if !exists {
		return DoseEvent{}, apperrors.NotFound("dose entry", e.MedicationID+"@"+e.ScheduledAt.Format(time.RFC3339))
	}
	prev := l.entries[idx]
	e.Version = prev.Version + 1
	e.Supersedes = prev.ID
	l.appendLocked(e)
	return e.clone(), nil
}

func (l *Ledger) appendLocked(e DoseEvent) {
	l.entries = append(l.entries, e)
	idx := len(l.entries) - 1
	k := keyOf(e.MedicationID, e.ScheduledAt)
	l.current[k] = idx
	med := l.byMed[e.MedicationID]
	if med == nil {
		med = make(map[int64]int)
		l.byMed[e.MedicationID] = med
	}
	med[k.scheduled] = idx
}

// Lookup returns the current entry for the pair
func (l *Ledger) Lookup(medicationID string, scheduled time.Time) (DoseEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.current[keyOf(medicationID, scheduled)]
	if !ok {
		return DoseEvent{}, false
	}
	return l.entries[idx].clone(), true
}

// History returns every version recorded for the pair, oldest first
func (l *Ledger) History(medicationID string, scheduled time.Time) []DoseEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	k := keyOf(medicationID, scheduled)
	var out []DoseEvent
	for _, e := range l.entries {
		if e.MedicationID == medicationID && e.ScheduledAt.UnixNano() == k.scheduled {
			out = append(out, e.clone())
		}
	}
	return out
}

// EntriesFor returns current entries with scheduled instants in [from, to),
// ascending by scheduled instant
func (l *Ledger) EntriesFor(medicationID string, from, to time.Time) []DoseEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entriesLocked(medicationID, from, to)
}

func (l *Ledger) entriesLocked(medicationID string, from, to time.Time) []DoseEvent {
	lo, hi := from.UnixNano(), to.UnixNano()
	var out []DoseEvent
	for scheduled, idx := range l.byMed[medicationID] {
		if scheduled >= lo && scheduled < hi {
			out = append(out, l.entries[idx].clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

// Latest returns the current entry with the greatest scheduled instant
func (l *Ledger) Latest(medicationID string) (DoseEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	best, found := int64(0), false
	var idx int
	for scheduled, i := range l.byMed[medicationID] {
		if !found || scheduled > best {
			best, idx, found = scheduled, i, true
		}
	}
	if !found {
		return DoseEvent{}, false
	}
	return l.entries[idx].clone(), true
}

// LatestBefore is Latest restricted to entries scheduled at or before t
func (l *Ledger) LatestBefore(medicationID string, t time.Time) (DoseEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := t.UnixNano()
	best, found := int64(0), false
	var idx int
	for scheduled, i := range l.byMed[medicationID] {
		if scheduled <= limit && (!found || scheduled > best) {
			best, idx, found = scheduled, i, true
		}
	}
	if !found {
		return DoseEvent{}, false
	}
	return l.entries[idx].clone(), true
}

// Counts tallies current entries in [from, to)
func (l *Ledger) Counts(medicationID string, from, to time.Time) Counts {
	var c Counts
	for _, e := range l.EntriesFor(medicationID, from, to) {
		c.add(e.Status)
	}
	return c
}

// AdherenceRate is taken / (taken + skipped + missed) over [from, to), 1.0
// when no entry counts
func (l *Ledger) AdherenceRate(medicationID string, from, to time.Time) float64 {
	return l.Counts(medicationID, from, to).Rate()
}

// All returns every entry, superseded versions included, in append order
func (l *Ledger) All() []DoseEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]DoseEvent, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

// Len returns the number of current entries
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.current)
}

// Restore replays persisted entries in order. A later version replaces the
// entry it supersedes; two originals for one pair are rejected.
func (l *Ledger) Restore(entries []DoseEvent) error {
	fresh := New(l.clock)
	for _, e := range entries {
		e = e.clone()
		e.ScheduledAt = e.ScheduledAt.UTC()
		if e.ID == "" || e.MedicationID == "" || !e.Status.Valid() {
			return apperrors.Validation("persisted dose entry %q is malformed", e.ID)
		}
		_, exists := fresh.current[keyOf(e.MedicationID, e.ScheduledAt)]
		if exists && e.Supersedes == "" {
			return apperrors.Duplicate("persisted dose of %s at %s appears twice",
				e.MedicationID, e.ScheduledAt.Format(time.RFC3339))
		}
		fresh.appendLocked(e)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = fresh.entries
	l.current = fresh.current
	l.byMed = fresh.byMed
	return nil
}
