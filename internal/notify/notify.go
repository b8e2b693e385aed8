// Package notify delivers due reminders. Delivery transports plug in as
// Notifiers; the Dispatcher guards a Notifier with a rate limiter and a
// circuit breaker.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/gmsas95/medminder/internal/reminder"
	"go.uber.org/zap"
)

// Notifier delivers one reminder
type Notifier interface {
	Notify(ctx context.Context, r reminder.Reminder) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, r reminder.Reminder) error

func (f NotifierFunc) Notify(ctx context.Context, r reminder.Reminder) error {
	return f(ctx, r)
}

// LogNotifier writes reminders to the log
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, r reminder.Reminder) error {
	fields := []zap.Field{
		zap.String("medication_id", r.Medication.ID),
		zap.String("name", r.Medication.Name),
		zap.String("dosage", r.Medication.Dosage),
		zap.Time("scheduled_at", r.ScheduledAt),
		zap.Duration("late_by", time.Since(r.ScheduledAt).Round(time.Second)),
	}
	if r.Medication.WithFood {
		fields = append(fields, zap.Bool("with_food", true))
	}
	n.logger.Info("Medication reminder", fields...)
	return nil
}

// Fanout delivers to every notifier and joins their errors. It succeeds
// when at least one notifier does.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, r reminder.Reminder) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(f) {
		return errors.Join(errs...)
	}
	return nil
}
