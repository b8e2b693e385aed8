// Package tracker is the single entry point for medication, dose and
// reminder commands. It owns the in-memory registry, ledger and reminder
// planner and persists every change through a store.Storage after the
// in-memory commit, outside their locks.
package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gmsas95/medminder/internal/clock"
	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/gmsas95/medminder/internal/metrics"
	"github.com/gmsas95/medminder/internal/reminder"
	"github.com/gmsas95/medminder/internal/schedule"
	"github.com/gmsas95/medminder/internal/store"
	"go.uber.org/zap"
)

const DefaultSweepWindow = 7 * 24 * time.Hour

// Options configures a Tracker. Zero values select defaults.
type Options struct {
	Clock       clock.Clock
	Storage     store.Storage
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	GracePeriod time.Duration
	Lookahead   time.Duration
	SweepWindow time.Duration
	// Location is the user's zone, used for day boundaries
	Location *time.Location
}

// Tracker coordinates the medication core
type Tracker struct {
	clock    clock.Clock
	registry *medication.Registry
	engine   *schedule.Engine
	ledger   *ledger.Ledger
	planner  *reminder.Planner
	storage  store.Storage
	logger   *zap.Logger
	metrics  *metrics.Metrics
	loc      *time.Location

	sweepWindow atomic.Int64

	// medsMu orders medication snapshots so the newest is written last
	medsMu sync.Mutex
	// doseMu keeps storage append order equal to ledger order
	doseMu sync.Mutex
}

// New creates a tracker with empty state; call Load to restore from storage
func New(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Storage == nil {
		opts.Storage = store.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	t := &Tracker{
		clock:    opts.Clock,
		registry: medication.NewRegistry(opts.Clock),
		engine:   schedule.NewEngine(opts.Clock),
		ledger:   ledger.New(opts.Clock),
		storage:  opts.Storage,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		loc:      opts.Location,
	}
	t.engine.SetGracePeriod(opts.GracePeriod)
	t.engine.SetLookahead(opts.Lookahead)
	t.sweepWindow.Store(int64(DefaultSweepWindow))
	t.SetSweepWindow(opts.SweepWindow)
	t.planner = reminder.NewPlanner(t.engine, t.registry, t.ledger)
	return t
}

// Now returns the tracker clock's current instant
func (t *Tracker) Now() time.Time {
	return t.clock.Now()
}

// Location returns the zone used for day boundaries
func (t *Tracker) Location() *time.Location {
	return t.loc
}

// Engine exposes the schedule engine for callers that need raw rule math
func (t *Tracker) Engine() *schedule.Engine {
	return t.engine
}

// GracePeriod returns the default grace period
func (t *Tracker) GracePeriod() time.Duration {
	return t.engine.GracePeriod()
}

// SetGracePeriod changes the default grace period; non-positive values are ignored
func (t *Tracker) SetGracePeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	t.engine.SetGracePeriod(d)
	t.logger.Info("Grace period updated", zap.Duration("grace_period", d))
}

// SetSweepWindow bounds how far back SweepMissed looks
func (t *Tracker) SetSweepWindow(d time.Duration) {
	if d > 0 {
		t.sweepWindow.Store(int64(d))
	}
}

func (t *Tracker) SweepWindow() time.Duration {
	return time.Duration(t.sweepWindow.Load())
}

// Load restores medications and the ledger from storage and rebuilds the
// reminder cursors
func (t *Tracker) Load(ctx context.Context) error {
	start := time.Now()
	meds, err := t.storage.LoadMedications(ctx)
	t.metrics.ObserveStorage("load_medications", start, err)
	if err != nil {
		return apperrors.Storage("load medications", err)
	}
	if err := t.registry.Restore(meds); err != nil {
		return err
	}

	start = time.Now()
	entries, err := t.storage.LoadLedger(ctx)
	t.metrics.ObserveStorage("load_ledger", start, err)
	if err != nil {
		return apperrors.Storage("load ledger", err)
	}
	if err := t.ledger.Restore(entries); err != nil {
		return err
	}

	now := t.clock.Now()
	t.planner.Rebuild(func(id string) (time.Time, bool) {
		e, ok := t.ledger.LatestBefore(id, now)
		return e.ScheduledAt, ok
	})

	active := t.registry.ListActive()
	t.metrics.SetActiveMedications(len(active))
	t.logger.Info("Tracker state loaded",
		zap.Int("medications", len(meds)),
		zap.Int("active", len(active)),
		zap.Int("ledger_entries", len(entries)),
	)
	return nil
}

func (t *Tracker) persistMedications(ctx context.Context) error {
	t.medsMu.Lock()
	defer t.medsMu.Unlock()

	snapshot := t.registry.ListAll()
	active := 0
	for _, m := range snapshot {
		if m.Active {
			active++
		}
	}
	t.metrics.SetActiveMedications(active)

	start := time.Now()
	err := t.storage.SaveMedications(ctx, snapshot)
	t.metrics.ObserveStorage("save_medications", start, err)
	if err != nil {
		t.logger.Error("Failed to save medications", zap.Error(err))
		return apperrors.Storage("save medications", err)
	}
	return nil
}

// appendEntry must be called with doseMu held
func (t *Tracker) appendEntry(ctx context.Context, e ledger.DoseEvent) error {
	start := time.Now()
	err := t.storage.AppendLedgerEntry(ctx, e)
	t.metrics.ObserveStorage("append_ledger", start, err)
	if err != nil {
		t.logger.Error("Failed to append ledger entry",
			zap.String("entry_id", e.ID),
			zap.String("medication_id", e.MedicationID),
			zap.Error(err),
		)
		return apperrors.Storage("append ledger entry", err)
	}
	return nil
}

// AddMedication registers a new medication
func (t *Tracker) AddMedication(ctx context.Context, d medication.Draft) (medication.Medication, error) {
	m, err := t.registry.Add(d)
	t.metrics.RecordCommand("add", err)
	if err != nil {
		return medication.Medication{}, err
	}
	t.logger.Info("Medication added",
		zap.String("id", m.ID),
		zap.String("name", m.Name),
		zap.String("schedule", m.Rule.Describe()),
	)
	return m, t.persistMedications(ctx)
}

// UpdateMedication applies patch to an existing medication
func (t *Tracker) UpdateMedication(ctx context.Context, id string, patch medication.Patch) (medication.Medication, error) {
	m, err := t.registry.Update(id, patch)
	t.metrics.RecordCommand("update", err)
	if err != nil {
		return medication.Medication{}, err
	}
	t.logger.Info("Medication updated", zap.String("id", m.ID), zap.String("name", m.Name))
	return m, t.persistMedications(ctx)
}

// Deactivate soft-deletes a medication. Calling it again is a no-op.
func (t *Tracker) Deactivate(ctx context.Context, id string) (medication.Medication, error) {
	m, err := t.registry.Deactivate(id)
	t.metrics.RecordCommand("deactivate", err)
	if err != nil {
		return medication.Medication{}, err
	}
	t.logger.Info("Medication deactivated", zap.String("id", m.ID), zap.String("name", m.Name))
	return m, t.persistMedications(ctx)
}

func (t *Tracker) Get(id string) (medication.Medication, error) {
	return t.registry.Get(id)
}

func (t *Tracker) ListActive() []medication.Medication {
	return t.registry.ListActive()
}

func (t *Tracker) ListAll() []medication.Medication {
	return t.registry.ListAll()
}

// RecordDose appends a ledger entry for the medication's dose at scheduled
func (t *Tracker) RecordDose(ctx context.Context, medicationID string, scheduled time.Time, status ledger.Status, actual *time.Time, note string) (ledger.DoseEvent, error) {
	return t.writeDose(ctx, false, medicationID, scheduled, status, actual, note)
}

// Take records the dose as taken now
func (t *Tracker) Take(ctx context.Context, medicationID string, scheduled time.Time, note string) (ledger.DoseEvent, error) {
	return t.RecordDose(ctx, medicationID, scheduled, ledger.StatusTaken, nil, note)
}

// Skip records the dose as deliberately skipped
func (t *Tracker) Skip(ctx context.Context, medicationID string, scheduled time.Time, note string) (ledger.DoseEvent, error) {
	return t.RecordDose(ctx, medicationID, scheduled, ledger.StatusSkipped, nil, note)
}

// CorrectDose supersedes the current entry for the dose
func (t *Tracker) CorrectDose(ctx context.Context, medicationID string, scheduled time.Time, status ledger.Status, actual *time.Time, note string) (ledger.DoseEvent, error) {
	return t.writeDose(ctx, true, medicationID, scheduled, status, actual, note)
}

func (t *Tracker) writeDose(ctx context.Context, supersede bool, medicationID string, scheduled time.Time, status ledger.Status, actual *time.Time, note string) (ledger.DoseEvent, error) {
	if _, err := t.registry.Get(medicationID); err != nil {
		return ledger.DoseEvent{}, err
	}

	t.doseMu.Lock()
	defer t.doseMu.Unlock()

	var (
		e   ledger.DoseEvent
		err error
	)
	if supersede {
		e, err = t.ledger.Supersede(medicationID, scheduled, status, actual, note)
	} else {
		e, err = t.ledger.Record(medicationID, scheduled, status, actual, note)
	}
	if err != nil {
		return ledger.DoseEvent{}, err
	}

	t.metrics.RecordDose(string(e.Status))
	t.logger.Info("Dose recorded",
		zap.String("medication_id", e.MedicationID),
		zap.Time("scheduled_at", e.ScheduledAt),
		zap.String("status", string(e.Status)),
		zap.Int("version", e.Version),
	)
	return e, t.appendEntry(ctx, e)
}

// Occurrences lists the medication's dose instants in [from, to)
func (t *Tracker) Occurrences(medicationID string, from, to time.Time) ([]time.Time, error) {
	m, err := t.registry.Get(medicationID)
	if err != nil {
		return nil, err
	}
	return t.engine.OccurrencesInRange(m.Rule, from, to)
}

// NextDue returns the first dose strictly after after
func (t *Tracker) NextDue(medicationID string, after time.Time) (time.Time, bool, error) {
	m, err := t.registry.Get(medicationID)
	if err != nil {
		return time.Time{}, false, err
	}
	next, ok := t.engine.NextDue(m, after)
	return next, ok, nil
}

// Classify reports the status of the dose at instant
func (t *Tracker) Classify(medicationID string, instant time.Time) (schedule.Classification, error) {
	m, err := t.registry.Get(medicationID)
	if err != nil {
		return schedule.Classification{}, err
	}
	return t.engine.Inspect(m, instant, t.ledger), nil
}

// Doses returns current ledger entries in [from, to)
func (t *Tracker) Doses(medicationID string, from, to time.Time) ([]ledger.DoseEvent, error) {
	if _, err := t.registry.Get(medicationID); err != nil {
		return nil, err
	}
	return t.ledger.EntriesFor(medicationID, from, to), nil
}

// History returns every recorded version of one dose
func (t *Tracker) History(medicationID string, scheduled time.Time) ([]ledger.DoseEvent, error) {
	if _, err := t.registry.Get(medicationID); err != nil {
		return nil, err
	}
	return t.ledger.History(medicationID, scheduled), nil
}

// Adherence returns the ledger adherence rate and counts over [from, to)
func (t *Tracker) Adherence(medicationID string, from, to time.Time) (float64, ledger.Counts, error) {
	if _, err := t.registry.Get(medicationID); err != nil {
		return 0, ledger.Counts{}, err
	}
	c := t.ledger.Counts(medicationID, from, to)
	return c.Rate(), c, nil
}

// PendingDose picks the dose a bare "take" or "skip" refers to: the open
// dose inside the grace window, else an upcoming dose within one grace
// period, else the latest unrecorded dose in the sweep window.
func (t *Tracker) PendingDose(medicationID string, now time.Time) (time.Time, error) {
	m, err := t.registry.Get(medicationID)
	if err != nil {
		return time.Time{}, err
	}
	grace := t.engine.GraceFor(m)

	open := func(at time.Time) bool {
		_, recorded := t.ledger.Lookup(m.ID, at)
		return !recorded
	}

	if at, ok, err := t.engine.Latest(m.Rule, now, grace); err == nil && ok && !at.Before(m.ScheduleStart()) && open(at) {
		return at, nil
	}
	if next, ok := t.engine.NextDue(m, now); ok && next.Sub(now) <= grace && open(next) {
		return next, nil
	}

	from := now.Add(-t.SweepWindow())
	if start := m.ScheduleStart(); start.After(from) {
		from = start
	}
	occ, err := t.engine.OccurrencesInRange(m.Rule, from, now)
	if err != nil {
		return time.Time{}, err
	}
	for i := len(occ) - 1; i >= 0; i-- {
		if open(occ[i]) {
			return occ[i], nil
		}
	}
	return time.Time{}, apperrors.Validation("%s has no open dose near %s", m.Name, now.Format(time.RFC3339))
}

// DueReminders lists reminders in the Due state without changing them
func (t *Tracker) DueReminders(now time.Time) []reminder.Reminder {
	return t.planner.DueReminders(now)
}

// ReminderState reports one medication's reminder state
func (t *Tracker) ReminderState(medicationID string, now time.Time) (reminder.State, time.Time, error) {
	return t.planner.State(medicationID, now)
}

// MarkNotified records that the reminder for instant was delivered
func (t *Tracker) MarkNotified(medicationID string, instant time.Time) error {
	if err := t.planner.MarkNotified(medicationID, instant); err != nil {
		return err
	}
	t.metrics.RecordClaimed(1)
	return nil
}

// ClaimReminders atomically takes every due reminder for delivery
func (t *Tracker) ClaimReminders(now time.Time) []reminder.Claim {
	claims := t.planner.Claim(now)
	t.metrics.RecordClaimed(len(claims))
	return claims
}

// ReleaseReminder returns a claim whose delivery failed
func (t *Tracker) ReleaseReminder(cl reminder.Claim) bool {
	ok := t.planner.Release(cl)
	if ok {
		t.metrics.RecordReleased()
	}
	return ok
}

// Close releases the storage backend
func (t *Tracker) Close() error {
	return t.storage.Close()
}
