package medication

import (
	"sort"
	"strings"
	"sync"

	"github.com/gmsas95/medminder/internal/clock"
	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/security"
	"github.com/google/uuid"
)

// Registry owns the medication set. Writers are serialised and every
// command commits atomically; readers get copies.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Medication
	order   []string
	nextSeq int64
	clock   clock.Clock
	newID   func() string
}

// NewRegistry creates an empty registry
func NewRegistry(c clock.Clock) *Registry {
	if c == nil {
		c = clock.System()
	}
	return &Registry{
		byID:    make(map[string]*Medication),
		nextSeq: 1,
		clock:   c,
		newID:   uuid.NewString,
	}
}

func validate(m *Medication) error {
	if m.Name == "" {
		return apperrors.Validation("medication name must not be blank")
	}
	if m.Dosage == "" {
		return apperrors.Validation("medication dosage must not be blank")
	}
	if err := security.CheckLine("name", m.Name, security.MaxNameLen); err != nil {
		return err
	}
	if err := security.CheckLine("dosage", m.Dosage, security.MaxDosageLen); err != nil {
		return err
	}
	if err := security.CheckText("notes", m.Notes, security.MaxNotesLen); err != nil {
		return err
	}
	if m.GracePeriod < 0 {
		return apperrors.Validation("grace period must not be negative")
	}
	return m.Rule.Validate()
}

// Add registers a new active medication
func (r *Registry) Add(d Draft) (Medication, error) {
	rule := d.Rule
	if rule.Kind == KindWeekly {
		rule.Days = normalizeDays(rule.Days)
	}
	m := Medication{
		Name:        strings.TrimSpace(d.Name),
		Dosage:      strings.TrimSpace(d.Dosage),
		Rule:        rule,
		GracePeriod: d.GracePeriod,
		Notes:       strings.TrimSpace(d.Notes),
		WithFood:    d.WithFood,
		Active:      true,
	}
	if err := validate(&m); err != nil {
		return Medication{}, err
	}

	now := r.clock.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.RuleSince = now

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.byID[id] != nil {
		id = r.newID()
	}
	m.ID = id
	m.Seq = r.nextSeq
	r.nextSeq++

	r.byID[id] = &m
	r.order = append(r.order, id)
	return m.clone(), nil
}

// Update applies patch to the medication with the given id. Either every
// patched field is applied or none is.
func (r *Registry) Update(id string, patch Patch) (Medication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[id]
	if !ok {
		return Medication{}, apperrors.NotFound("medication", id)
	}
	if patch.Empty() {
		return current.clone(), nil
	}

	next := current.clone()
	patch.apply(&next)
	if err := validate(&next); err != nil {
		return Medication{}, err
	}
	next.UpdatedAt = r.clock.Now()
	if !next.Rule.Equal(current.Rule) {
		next.RuleSince = next.UpdatedAt
	}
	*current = next
	return next.clone(), nil
}

// Deactivate soft-deletes a medication. Deactivating twice is a no-op.
func (r *Registry) Deactivate(id string) (Medication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return Medication{}, apperrors.NotFound("medication", id)
	}
	if !m.Active {
		return m.clone(), nil
	}

	now := r.clock.Now()
	m.Active = false
	m.DeactivatedAt = &now
	m.UpdatedAt = now
	return m.clone(), nil
}

// Get returns the medication with the given id
func (r *Registry) Get(id string) (Medication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[id]
	if !ok {
		return Medication{}, apperrors.NotFound("medication", id)
	}
	return m.clone(), nil
}

// ListActive returns active medications in creation order
func (r *Registry) ListActive() []Medication {
	return r.list(true)
}

// ListAll returns every medication, deactivated included, in creation order
func (r *Registry) ListAll() []Medication {
	return r.list(false)
}

func (r *Registry) list(activeOnly bool) []Medication {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Medication, 0, len(r.order))
	for _, id := range r.order {
		m := r.byID[id]
		if activeOnly && !m.Active {
			continue
		}
		out = append(out, m.clone())
	}
	return out
}

// Len returns the number of medications, deactivated included
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Restore replaces the registry content with persisted medications
func (r *Registry) Restore(meds []Medication) error {
	sorted := make([]Medication, len(meds))
	for i := range meds {
		sorted[i] = meds[i].clone()
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	byID := make(map[string]*Medication, len(sorted))
	order := make([]string, 0, len(sorted))
	var maxSeq int64
	for i := range sorted {
		m := &sorted[i]
		if m.ID == "" {
			return apperrors.Validation("persisted medication without id")
		}
		if _, dup := byID[m.ID]; dup {
			return apperrors.Validation("persisted medication %q appears twice", m.ID)
		}
		if m.RuleSince.IsZero() {
			m.RuleSince = m.CreatedAt
		}
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
		byID[m.ID] = m
		order = append(order, m.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = byID
	r.order = order
	r.nextSeq = maxSeq + 1
	return nil
}
