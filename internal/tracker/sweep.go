package tracker

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/ledger"
	"go.uber.org/zap"
)

// SweepMissed writes a missed entry for every active medication's dose in
// [max(scheduleStart, now-sweepWindow), now-grace) that has no ledger entry.
// Instants before the current rule took effect are never swept. It
// is idempotent and returns the number of entries written. A storage
// failure does not stop the sweep; the first one is returned.
func (t *Tracker) SweepMissed(ctx context.Context) (int, error) {
	now := t.clock.Now()
	window := t.SweepWindow()

	var (
		recorded   int
		storageErr error
	)
	for _, m := range t.registry.ListActive() {
		if err := ctx.Err(); err != nil {
			return recorded, err
		}

		from := now.Add(-window)
		if start := m.ScheduleStart(); start.After(from) {
			from = start
		}
		to := now.Add(-t.engine.GraceFor(m))
		if !to.After(from) {
			continue
		}

		instants, err := t.engine.OccurrencesInRange(m.Rule, from, to)
		if err != nil {
			t.logger.Warn("Skipping medication with invalid schedule",
				zap.String("medication_id", m.ID), zap.Error(err))
			continue
		}

		for _, at := range instants {
			if _, ok := t.ledger.Lookup(m.ID, at); ok {
				continue
			}
			err := t.recordMissed(ctx, m.ID, at)
			switch {
			case err == nil:
				recorded++
			case errors.Is(err, apperrors.ErrDuplicateEntry):
				// a concurrent writer got there first
			case errors.Is(err, apperrors.ErrStorage):
				recorded++
				if storageErr == nil {
					storageErr = err
				}
			default:
				return recorded, err
			}
		}
	}

	t.metrics.RecordSwept(recorded)
	if recorded > 0 {
		t.logger.Info("Missed doses recorded", zap.Int("count", recorded), zap.Duration("window", window))
	}
	return recorded, storageErr
}

func (t *Tracker) recordMissed(ctx context.Context, medicationID string, at time.Time) error {
	t.doseMu.Lock()
	defer t.doseMu.Unlock()

	e, err := t.ledger.Record(medicationID, at, ledger.StatusMissed, nil, "")
	if err != nil {
		return err
	}
	t.metrics.RecordDose(string(e.Status))
	return t.appendEntry(ctx, e)
}
