// Package cron runs the periodic reminder poll and missed-dose sweep
package cron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gmsas95/medminder/internal/notify"
	"github.com/gmsas95/medminder/internal/reminder"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Tracker is the part of the tracker the runner drives
type Tracker interface {
	Now() time.Time
	ClaimReminders(now time.Time) []reminder.Claim
	ReleaseReminder(cl reminder.Claim) bool
	SweepMissed(ctx context.Context) (int, error)
}

// Config holds cron runner configuration
type Config struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	MaxConcurrent int // Maximum concurrent deliveries
}

// Runner manages the scheduled jobs
type Runner struct {
	config   Config
	tracker  Tracker
	notifier notify.Notifier
	logger   *zap.Logger
	cron     *cron.Cron

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex

	delivered atomic.Int64
}

// NewRunner creates a new cron runner
func NewRunner(config Config, tracker Tracker, notifier notify.Notifier, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Set defaults
	if config.PollInterval <= 0 {
		config.PollInterval = time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 15 * time.Minute
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 3
	}

	return &Runner{
		config:   config,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger,
	}
}

// Start schedules the jobs and runs a first poll and sweep immediately
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("cron runner already running")
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	log := cronLogger{r.logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)))

	if _, err := c.AddFunc(every(r.config.PollInterval), r.poll); err != nil {
		r.cancel()
		return fmt.Errorf("failed to schedule reminder poll: %w", err)
	}
	if _, err := c.AddFunc(every(r.config.SweepInterval), r.sweep); err != nil {
		r.cancel()
		return fmt.Errorf("failed to schedule missed-dose sweep: %w", err)
	}

	r.cron = c
	r.running = true
	c.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweep()
		r.poll()
	}()

	r.logger.Info("Cron runner started",
		zap.Duration("poll_interval", r.config.PollInterval),
		zap.Duration("sweep_interval", r.config.SweepInterval),
	)
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	c := r.cron
	r.mu.Unlock()

	r.cancel()
	<-c.Stop().Done()
	r.wg.Wait()
	r.logger.Info("Cron runner stopped")
}

// IsRunning returns whether the runner is active
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Delivered returns the number of reminders delivered since creation
func (r *Runner) Delivered() int64 {
	return r.delivered.Load()
}

func (r *Runner) poll() {
	if _, err := r.PollOnce(r.ctx); err != nil && r.ctx.Err() == nil {
		r.logger.Error("Reminder poll failed", zap.Error(err))
	}
}

func (r *Runner) sweep() {
	if _, err := r.SweepOnce(r.ctx); err != nil && r.ctx.Err() == nil {
		r.logger.Error("Missed-dose sweep failed", zap.Error(err))
	}
}

// PollOnce claims every due reminder and delivers it. A reminder whose
// delivery fails is released so the next poll retries it.
func (r *Runner) PollOnce(ctx context.Context) (int, error) {
	claims := r.tracker.ClaimReminders(r.tracker.Now())
	if len(claims) == 0 {
		return 0, nil
	}

	r.logger.Debug("Delivering reminders", zap.Int("count", len(claims)))

	// Execute deliveries with semaphore for concurrency control
	sem := make(chan struct{}, r.config.MaxConcurrent)
	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, cl := range claims {
		if err := ctx.Err(); err != nil {
			r.tracker.ReleaseReminder(cl)
			continue
		}

		wg.Add(1)
		sem <- struct{}{} // Acquire

		go func(cl reminder.Claim) {
			defer wg.Done()
			defer func() { <-sem }() // Release

			if err := r.notifier.Notify(ctx, cl.Reminder); err != nil {
				r.tracker.ReleaseReminder(cl)
				return
			}
			delivered.Add(1)
		}(cl)
	}
	wg.Wait()

	n := int(delivered.Load())
	r.delivered.Add(int64(n))
	return n, ctx.Err()
}

// SweepOnce records missed doses
func (r *Runner) SweepOnce(ctx context.Context) (int, error) {
	return r.tracker.SweepMissed(ctx)
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger routes robfig/cron logs to zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
