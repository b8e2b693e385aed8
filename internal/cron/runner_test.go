package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gmsas95/medminder/internal/clock"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/gmsas95/medminder/internal/notify"
	"github.com/gmsas95/medminder/internal/reminder"
	"github.com/gmsas95/medminder/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var day0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func setupTracker(t *testing.T, meds ...string) (*tracker.Tracker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(day0)
	tr := tracker.New(tracker.Options{Clock: clk, Location: time.UTC})
	for _, name := range meds {
		_, err := tr.AddMedication(context.Background(), medication.Draft{
			Name:   name,
			Dosage: "10mg",
			Rule:   medication.Daily(medication.At(8, 0), "UTC"),
		})
		require.NoError(t, err)
	}
	return tr, clk
}

func TestRunner_PollOnceDeliversOnce(t *testing.T) {
	tr, clk := setupTracker(t, "Lisinopril", "Metformin", "Aspirin")
	clk.Set(day0.Add(8*time.Hour + time.Minute))

	var sent atomic.Int32
	n := notify.NotifierFunc(func(ctx context.Context, r reminder.Reminder) error {
		sent.Add(1)
		return nil
	})
	r := NewRunner(Config{MaxConcurrent: 2}, tr, n, zap.NewNop())

	got, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	got, err = r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.Equal(t, int32(3), sent.Load())
	assert.Equal(t, int64(3), r.Delivered())
}

func TestRunner_FailedDeliveryIsRetried(t *testing.T) {
	tr, clk := setupTracker(t, "Lisinopril")
	clk.Set(day0.Add(8*time.Hour + time.Minute))

	var fail atomic.Bool
	fail.Store(true)
	n := notify.NotifierFunc(func(ctx context.Context, r reminder.Reminder) error {
		if fail.Load() {
			return errors.New("offline")
		}
		return nil
	})
	r := NewRunner(Config{}, tr, n, nil)

	got, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.Len(t, tr.DueReminders(clk.Now()), 1)

	fail.Store(false)
	got, err = r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Empty(t, tr.DueReminders(clk.Now()))
}

func TestRunner_SweepOnce(t *testing.T) {
	tr, clk := setupTracker(t, "Lisinopril")
	clk.Set(day0.Add(10 * time.Hour))

	r := NewRunner(Config{}, tr, notify.NewLogNotifier(nil), nil)
	n, err := r.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunner_StartStop(t *testing.T) {
	tr, clk := setupTracker(t, "Lisinopril")
	clk.Set(day0.Add(8*time.Hour + time.Minute))

	var sent atomic.Int32
	n := notify.NotifierFunc(func(ctx context.Context, r reminder.Reminder) error {
		sent.Add(1)
		return nil
	})
	r := NewRunner(Config{PollInterval: time.Hour, SweepInterval: time.Hour}, tr, n, nil)

	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	assert.Error(t, r.Start())

	// the initial poll runs right away
	assert.Eventually(t, func() bool { return sent.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	assert.False(t, r.IsRunning())
	r.Stop()
}
