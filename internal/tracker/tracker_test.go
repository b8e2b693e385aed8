package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gmsas95/medminder/internal/clock"
	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/gmsas95/medminder/internal/metrics"
	"github.com/gmsas95/medminder/internal/reminder"
	"github.com/gmsas95/medminder/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// day0 is a Monday
var day0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

type flakyStorage struct {
	*store.Memory
	fail atomic.Bool
}

func (f *flakyStorage) SaveMedications(ctx context.Context, meds []medication.Medication) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.Memory.SaveMedications(ctx, meds)
}

func (f *flakyStorage) AppendLedgerEntry(ctx context.Context, e ledger.DoseEvent) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.Memory.AppendLedgerEntry(ctx, e)
}

func setupTracker(t *testing.T, now time.Time) (*Tracker, *clock.Fake, *store.Memory) {
	t.Helper()
	clk := clock.NewFake(now)
	mem := store.NewMemory()
	logger, _ := zap.NewDevelopment()
	tr := New(Options{
		Clock:    clk,
		Storage:  mem,
		Logger:   logger,
		Metrics:  metrics.New(),
		Location: time.UTC,
	})
	return tr, clk, mem
}

func dailyDraft(name string, h int) medication.Draft {
	return medication.Draft{
		Name:   name,
		Dosage: "10mg",
		Rule:   medication.Daily(medication.At(h, 0), "UTC"),
	}
}

func TestTracker_AddPersists(t *testing.T) {
	ctx := context.Background()
	tr, _, mem := setupTracker(t, day0)

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)
	assert.True(t, m.Active)

	saved, err := mem.LoadMedications(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, m.ID, saved[0].ID)

	_, err = tr.AddMedication(ctx, medication.Draft{Name: " ", Dosage: "1", Rule: medication.Daily(medication.At(8, 0), "UTC")})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestTracker_DeactivateIdempotent(t *testing.T) {
	ctx := context.Background()
	tr, clk, _ := setupTracker(t, day0)

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)

	first, err := tr.Deactivate(ctx, m.ID)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	second, err := tr.Deactivate(ctx, m.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Empty(t, tr.ListActive())
	assert.Len(t, tr.ListAll(), 1)

	_, err = tr.Deactivate(ctx, "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestTracker_RecordDose(t *testing.T) {
	ctx := context.Background()
	tr, _, mem := setupTracker(t, day0.Add(8*time.Hour+5*time.Minute))

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)
	at := day0.Add(8 * time.Hour)

	e, err := tr.Take(ctx, m.ID, at, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusTaken, e.Status)
	require.NotNil(t, e.ActualAt)

	_, err = tr.Take(ctx, m.ID, at, "")
	assert.ErrorIs(t, err, apperrors.ErrDuplicateEntry)

	doses, err := tr.Doses(m.ID, day0, day0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, doses, 1)

	_, err = tr.Take(ctx, "unknown", at, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	entries, err := mem.LoadLedger(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTracker_CorrectDoseKeepsHistory(t *testing.T) {
	ctx := context.Background()
	tr, _, mem := setupTracker(t, day0.Add(9*time.Hour))

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)
	at := day0.Add(8 * time.Hour)

	_, err = tr.Skip(ctx, m.ID, at, "")
	require.NoError(t, err)
	fixed, err := tr.CorrectDose(ctx, m.ID, at, ledger.StatusTaken, nil, "took it after all")
	require.NoError(t, err)
	assert.Equal(t, 2, fixed.Version)

	c, err := tr.Classify(m.ID, at)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusTaken, c.Status)

	hist, err := tr.History(m.ID, at)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, ledger.StatusSkipped, hist[0].Status)

	entries, err := mem.LoadLedger(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = tr.CorrectDose(ctx, m.ID, at.Add(24*time.Hour), ledger.StatusTaken, nil, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestTracker_Adherence(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := setupTracker(t, day0.Add(72*time.Hour))

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)

	rate, _, err := tr.Adherence(m.ID, day0, day0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)

	_, err = tr.Take(ctx, m.ID, day0.Add(8*time.Hour), "")
	require.NoError(t, err)
	_, err = tr.Skip(ctx, m.ID, day0.Add(32*time.Hour), "")
	require.NoError(t, err)

	rate, counts, err := tr.Adherence(m.ID, day0, day0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0.5, rate)
	assert.Equal(t, 1, counts.Taken)
	assert.Equal(t, 1, counts.Skipped)
}

func TestTracker_SweepMissed(t *testing.T) {
	ctx := context.Background()
	tr, clk, mem := setupTracker(t, day0.Add(7*time.Hour))

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)

	// 08:00 on day0 and day0+1 are past grace; day0+2 08:00 is within it
	clk.Set(day0.Add(56*time.Hour + 10*time.Minute))
	_, err = tr.Take(ctx, m.ID, day0.Add(8*time.Hour), "")
	require.NoError(t, err)

	n, err := tr.SweepMissed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := tr.Classify(m.ID, day0.Add(32*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusMissed, c.Status)
	require.NotNil(t, c.Entry)
	assert.Nil(t, c.Entry.ActualAt)

	again, err := tr.SweepMissed(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)

	entries, err := mem.LoadLedger(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTracker_SweepIgnoresDosesBeforeCreation(t *testing.T) {
	ctx := context.Background()
	tr, clk, _ := setupTracker(t, day0.Add(9*time.Hour))

	_, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	n, err := tr.SweepMissed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTracker_ConcurrentSweeps(t *testing.T) {
	ctx := context.Background()
	tr, clk, _ := setupTracker(t, day0)

	_, err := tr.AddMedication(ctx, medication.Draft{Name: "Amoxicillin", Dosage: "500mg", Rule: medication.EveryHours(6, day0)})
	require.NoError(t, err)
	clk.Set(day0.Add(49 * time.Hour))

	var wg sync.WaitGroup
	var total atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := tr.SweepMissed(ctx)
			assert.NoError(t, err)
			total.Add(int64(n))
		}()
	}
	wg.Wait()

	// instants 0h..48h every 6h, all older than 30m
	assert.Equal(t, int64(9), total.Load())
}

func TestTracker_StorageFailureKeepsChange(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStorage{Memory: store.NewMemory()}
	tr := New(Options{Clock: clock.NewFake(day0.Add(8 * time.Hour)), Storage: fs})

	fs.fail.Store(true)
	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	assert.ErrorIs(t, err, apperrors.ErrStorage)
	require.NotEmpty(t, m.ID)

	_, err = tr.Get(m.ID)
	assert.NoError(t, err)

	_, err = tr.Take(ctx, m.ID, day0.Add(8*time.Hour), "")
	assert.ErrorIs(t, err, apperrors.ErrStorage)
	c, err := tr.Classify(m.ID, day0.Add(8*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusTaken, c.Status)
}

func TestTracker_LoadRestoresState(t *testing.T) {
	ctx := context.Background()
	tr, clk, mem := setupTracker(t, day0.Add(8*time.Hour+time.Minute))

	a, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)
	b, err := tr.AddMedication(ctx, dailyDraft("Metformin", 20))
	require.NoError(t, err)
	_, err = tr.Deactivate(ctx, b.ID)
	require.NoError(t, err)
	_, err = tr.Take(ctx, a.ID, day0.Add(8*time.Hour), "")
	require.NoError(t, err)

	restored := New(Options{Clock: clk, Storage: mem, Location: time.UTC})
	require.NoError(t, restored.Load(ctx))

	assert.Len(t, restored.ListAll(), 2)
	active := restored.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	c, err := restored.Classify(a.ID, day0.Add(8*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusTaken, c.Status)

	c3, err := restored.AddMedication(ctx, dailyDraft("Aspirin", 9))
	require.NoError(t, err)
	assert.Equal(t, int64(3), c3.Seq)
}

func TestTracker_Reminders(t *testing.T) {
	ctx := context.Background()
	tr, clk, _ := setupTracker(t, day0.Add(7*time.Hour))

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)
	assert.Empty(t, tr.DueReminders(clk.Now()))

	clk.Set(day0.Add(8*time.Hour + 5*time.Minute))
	due := tr.DueReminders(clk.Now())
	require.Len(t, due, 1)
	assert.Equal(t, day0.Add(8*time.Hour), due[0].ScheduledAt)

	require.NoError(t, tr.MarkNotified(m.ID, due[0].ScheduledAt))
	assert.Empty(t, tr.DueReminders(clk.Now()))
	err = tr.MarkNotified(m.ID, due[0].ScheduledAt)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyNotified)

	st, _, err := tr.ReminderState(m.ID, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, reminder.Notified, st)

	// next day the new dose becomes due
	clk.Set(day0.Add(32*time.Hour + time.Minute))
	claims := tr.ClaimReminders(clk.Now())
	require.Len(t, claims, 1)
	assert.Empty(t, tr.ClaimReminders(clk.Now()))
	assert.True(t, tr.ReleaseReminder(claims[0]))
	assert.Len(t, tr.DueReminders(clk.Now()), 1)
}

func TestTracker_PendingDose(t *testing.T) {
	ctx := context.Background()
	tr, clk, _ := setupTracker(t, day0)

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)

	// early by 10 minutes picks the upcoming dose
	clk.Set(day0.Add(7*time.Hour + 50*time.Minute))
	at, err := tr.PendingDose(m.ID, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, day0.Add(8*time.Hour), at)

	// hours late picks the latest open dose
	clk.Set(day0.Add(14 * time.Hour))
	at, err = tr.PendingDose(m.ID, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, day0.Add(8*time.Hour), at)

	_, err = tr.Take(ctx, m.ID, at, "")
	require.NoError(t, err)
	_, err = tr.PendingDose(m.ID, clk.Now())
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestTracker_ReportAndToday(t *testing.T) {
	ctx := context.Background()
	tr, clk, _ := setupTracker(t, day0.Add(6*time.Hour))

	m, err := tr.AddMedication(ctx, medication.Draft{
		Name: "Amoxicillin", Dosage: "500mg", Rule: medication.EveryHours(6, day0),
	})
	require.NoError(t, err)

	clk.Set(day0.Add(18*time.Hour + 10*time.Minute))
	_, err = tr.Take(ctx, m.ID, day0.Add(6*time.Hour), "")
	require.NoError(t, err)
	_, err = tr.Skip(ctx, m.ID, day0.Add(12*time.Hour), "")
	require.NoError(t, err)

	r, err := tr.Report(m.ID, day0, day0.Add(24*time.Hour))
	require.NoError(t, err)
	// 06:00, 12:00, 18:00; 00:00 precedes creation
	assert.Equal(t, 3, r.Expected)
	assert.Equal(t, 1, r.Taken)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 0, r.Missed)
	assert.Equal(t, 1, r.Pending)
	assert.Equal(t, 0.5, r.Rate)

	plans, err := tr.Today(clk.Now())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Len(t, plans[0].Doses, 4)
	assert.Equal(t, ledger.StatusMissed, plans[0].Doses[0].Status)
	require.NotNil(t, plans[0].NextDue)
	assert.Equal(t, day0.Add(24*time.Hour), *plans[0].NextDue)
}

func TestTracker_ReportOffSchedule(t *testing.T) {
	ctx := context.Background()
	tr, clk, _ := setupTracker(t, day0)

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)
	clk.Set(day0.Add(10 * time.Hour))
	_, err = tr.Take(ctx, m.ID, day0.Add(8*time.Hour), "")
	require.NoError(t, err)

	nine := medication.Daily(medication.At(9, 0), "UTC")
	_, err = tr.UpdateMedication(ctx, m.ID, medication.Patch{Rule: &nine})
	require.NoError(t, err)

	// 09:00 on day 0 predates the new rule; the first expected dose is day 1
	clk.Set(day0.Add(36 * time.Hour))
	r, err := tr.Report(m.ID, day0, day0.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, r.Doses, 2)
	assert.True(t, r.Doses[0].OffSchedule)
	assert.Equal(t, day0.Add(33*time.Hour), r.Doses[1].ScheduledAt)
	assert.Equal(t, 1, r.Expected)
	assert.Equal(t, 1, r.Taken)
	assert.Equal(t, 1, r.Missed)
}

func TestTracker_RescheduleDoesNotBackfill(t *testing.T) {
	ctx := context.Background()
	tr, clk, mem := setupTracker(t, day0.Add(7*time.Hour))

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)
	for d := 0; d < 3; d++ {
		at := day0.Add(time.Duration(d)*24*time.Hour + 8*time.Hour)
		clk.Set(at.Add(5 * time.Minute))
		_, err = tr.Take(ctx, m.ID, at, "")
		require.NoError(t, err)
	}

	clk.Set(day0.Add(81 * time.Hour))
	evening := medication.Daily(medication.At(20, 0), "UTC")
	_, err = tr.UpdateMedication(ctx, m.ID, medication.Patch{Rule: &evening})
	require.NoError(t, err)

	n, err := tr.SweepMissed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "20:00 on days 0-2 was never scheduled")

	rate, counts, err := tr.Adherence(m.ID, day0, day0.Add(96*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
	assert.Zero(t, counts.Missed)

	r, err := tr.Report(m.ID, day0, day0.Add(84*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, r.Expected)
	assert.Equal(t, 3, r.Taken)
	assert.Zero(t, r.Missed)
	assert.Equal(t, 1.0, r.Rate)

	// the new rule still applies from the moment it took effect
	clk.Set(day0.Add(105 * time.Hour))
	n, err = tr.SweepMissed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	c, err := tr.Classify(m.ID, day0.Add(92*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusMissed, c.Status)

	restored := New(Options{Clock: clk, Storage: mem, Location: time.UTC})
	require.NoError(t, restored.Load(ctx))
	n, err = restored.SweepMissed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTracker_RestartWithFutureEntry(t *testing.T) {
	ctx := context.Background()
	tr, clk, mem := setupTracker(t, day0.Add(7*time.Hour))

	m, err := tr.AddMedication(ctx, dailyDraft("Lisinopril", 8))
	require.NoError(t, err)
	_, err = tr.Skip(ctx, m.ID, day0.Add(7*24*time.Hour+8*time.Hour), "travelling")
	require.NoError(t, err)

	err = tr.MarkNotified(m.ID, day0.Add(3*24*time.Hour+8*time.Hour))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	restored := New(Options{Clock: clk, Storage: mem, Location: time.UTC})
	require.NoError(t, restored.Load(ctx))

	for d := 0; d < 3; d++ {
		at := day0.Add(time.Duration(d)*24*time.Hour + 8*time.Hour)
		clk.Set(at.Add(time.Minute))

		due := restored.DueReminders(clk.Now())
		require.Len(t, due, 1, "day %d", d)
		assert.Equal(t, at, due[0].ScheduledAt)
		st, _, err := restored.ReminderState(m.ID, clk.Now())
		require.NoError(t, err)
		assert.Equal(t, reminder.Due, st, "day %d", d)
	}
}
