package notify

import (
	"context"
	"errors"
	"time"

	"github.com/gmsas95/medminder/internal/metrics"
	"github.com/gmsas95/medminder/internal/reminder"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned while the circuit is open
var ErrUnavailable = errors.New("notifier temporarily unavailable")

// DispatcherConfig holds rate limiting and circuit breaker settings
type DispatcherConfig struct {
	Name string

	// RatePerSecond <= 0 disables rate limiting
	RatePerSecond float64
	Burst         int

	// MaxFailures consecutive failures open the circuit for OpenTimeout
	MaxFailures uint32
	OpenTimeout time.Duration

	// Timeout bounds a single delivery
	Timeout time.Duration
}

// DefaultDispatcherConfig returns conservative settings
func DefaultDispatcherConfig(name string) DispatcherConfig {
	return DispatcherConfig{
		Name:          name,
		RatePerSecond: 5,
		Burst:         10,
		MaxFailures:   5,
		OpenTimeout:   30 * time.Second,
		Timeout:       10 * time.Second,
	}
}

// Dispatcher wraps a Notifier with a rate limiter and a circuit breaker
type Dispatcher struct {
	next    Notifier
	name    string
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher around next
func NewDispatcher(next Notifier, cfg DispatcherConfig, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "notifier"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	d := &Dispatcher{
		next:    next,
		name:    cfg.Name,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
		metrics: m,
	}
	d.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Notifier circuit state changed",
				zap.String("notifier", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// the caller giving up is not the notifier's fault
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return d
}

// Notify waits for a rate token and delivers through the breaker
func (d *Dispatcher) Notify(ctx context.Context, r reminder.Reminder) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := d.breaker.Execute(func() (struct{}, error) {
		cctx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		return struct{}{}, d.next.Notify(cctx, r)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = ErrUnavailable
	}

	d.metrics.RecordNotification(d.name, err)
	if err != nil {
		d.logger.Warn("Reminder delivery failed",
			zap.String("notifier", d.name),
			zap.String("medication_id", r.Medication.ID),
			zap.Time("scheduled_at", r.ScheduledAt),
			zap.Error(err),
		)
	}
	return err
}

// State returns the circuit state: closed, half-open or open
func (d *Dispatcher) State() string {
	return d.breaker.State().String()
}
