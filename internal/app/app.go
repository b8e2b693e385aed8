package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gmsas95/medminder/internal/api"
	"github.com/gmsas95/medminder/internal/clock"
	"github.com/gmsas95/medminder/internal/config"
	"github.com/gmsas95/medminder/internal/cron"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/gmsas95/medminder/internal/metrics"
	"github.com/gmsas95/medminder/internal/notify"
	"github.com/gmsas95/medminder/internal/store"
	"github.com/gmsas95/medminder/internal/tracker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type App struct {
	Config  *config.Config
	Storage store.Storage
	Tracker *tracker.Tracker
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Version string
}

// NewLogger builds the zap logger selected by the log config
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

// Open connects storage and restores the tracker from it
func Open(ctx context.Context, cfg *config.Config, c clock.Clock, logger *zap.Logger, version string) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	st, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
	}

	m := metrics.New()
	tr := tracker.New(tracker.Options{
		Clock:       c,
		Storage:     st,
		Logger:      logger.Named("tracker"),
		Metrics:     m,
		GracePeriod: cfg.Schedule.GracePeriod,
		Lookahead:   cfg.Schedule.Lookahead,
		SweepWindow: cfg.Schedule.SweepWindow,
		Location:    cfg.Location(),
	})
	if err := tr.Load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	return &App{
		Config:  cfg,
		Storage: st,
		Tracker: tr,
		Metrics: m,
		Logger:  logger,
		Version: version,
	}, nil
}

// Parser returns a schedule parser in the configured zone
func (app *App) Parser() *medication.Parser {
	return medication.NewParser(app.Config.Schedule.TimeZone, app.Tracker.Now)
}

// Close flushes and releases storage
func (app *App) Close() error {
	return app.Tracker.Close()
}

// Notifier builds the reminder delivery chain: log plus websocket clients,
// behind the rate limiter and circuit breaker
func (app *App) Notifier(hub *api.Hub) notify.Notifier {
	rc := app.Config.Reminders
	chain := notify.Fanout{notify.NewLogNotifier(app.Logger.Named("reminders"))}
	if hub != nil {
		chain = append(chain, hub)
	}

	dc := notify.DefaultDispatcherConfig("reminders")
	if rc.RatePerSecond > 0 {
		dc.RatePerSecond = rc.RatePerSecond
	}
	if rc.Burst > 0 {
		dc.Burst = rc.Burst
	}
	if rc.BreakerFailures > 0 {
		dc.MaxFailures = rc.BreakerFailures
	}
	if rc.BreakerTimeout > 0 {
		dc.OpenTimeout = rc.BreakerTimeout
	}
	if rc.NotifyTimeout > 0 {
		dc.Timeout = rc.NotifyTimeout
	}
	return notify.NewDispatcher(chain, dc, app.Logger, app.Metrics)
}

// Runner creates the reminder poller and missed-dose sweeper
func (app *App) Runner(n notify.Notifier) *cron.Runner {
	rc := app.Config.Reminders
	return cron.NewRunner(cron.Config{
		PollInterval:  rc.PollInterval,
		SweepInterval: rc.SweepInterval,
		MaxConcurrent: rc.MaxConcurrent,
	}, app.Tracker, n, app.Logger.Named("cron"))
}

// applyConfig takes the hot-reloadable settings from a changed config file
func (app *App) applyConfig(next *config.Config) {
	app.Tracker.SetGracePeriod(next.Schedule.GracePeriod)
	app.Tracker.SetSweepWindow(next.Schedule.SweepWindow)
	app.Config.Schedule.GracePeriod = next.Schedule.GracePeriod
	app.Config.Schedule.SweepWindow = next.Schedule.SweepWindow
}

// RunServer serves the HTTP API and runs the reminder jobs until SIGINT or
// SIGTERM
func (app *App) RunServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Serve(ctx)
}

// Serve is RunServer with an explicit lifetime
func (app *App) Serve(ctx context.Context) error {
	server := api.New(app.Config, app.Tracker, app.Metrics, app.Logger.Named("api"))

	var runner *cron.Runner
	if app.Config.Reminders.Enabled {
		runner = app.Runner(app.Notifier(server.Hub()))
		if err := runner.Start(); err != nil {
			app.Logger.Error("Failed to start reminder runner", zap.Error(err))
		} else {
			app.Logger.Info("Reminder runner started",
				zap.Duration("poll_interval", app.Config.Reminders.PollInterval),
				zap.Duration("sweep_interval", app.Config.Reminders.SweepInterval))
		}
	}

	if app.Config.Watch(app.applyConfig, func(err error) {
		app.Logger.Warn("Ignoring invalid config change", zap.Error(err))
	}) {
		app.Logger.Info("Watching config file", zap.String("file", app.Config.FileUsed()))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	app.Logger.Info("Server started",
		zap.String("address", app.Config.Server.Address),
		zap.Int("port", app.Config.Server.Port),
		zap.String("version", app.Version),
		zap.Int("medications", len(app.Tracker.ListActive())),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		app.Logger.Info("Shutting down...")
	case serveErr = <-errCh:
		app.Logger.Error("Server error", zap.Error(serveErr))
	}

	if runner != nil {
		runner.Stop()
	}
	if serveErr == nil {
		if err := server.Shutdown(); err != nil {
			app.Logger.Error("Server shutdown error", zap.Error(err))
		}
	}
	return serveErr
}
