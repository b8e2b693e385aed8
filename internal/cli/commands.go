package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gmsas95/medminder/internal/app"
	"github.com/gmsas95/medminder/internal/config"
	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/gmsas95/medminder/internal/notify"
	"github.com/gmsas95/medminder/internal/reminder"
	"github.com/gmsas95/medminder/internal/seed"
	"go.uber.org/zap"
)

var Version = "dev"

type globalFlags struct {
	config string
	data   string
}

func newFlagSet(name, usage string) (*flag.FlagSet, *globalFlags) {
	g := &globalFlags{}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&g.config, "config", "", "Path to config file")
	fs.StringVar(&g.data, "data", "", "Path to data directory")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s\n\nFlags:\n", usage)
		fs.PrintDefaults()
	}
	return fs, g
}

// openApp loads configuration and storage for a one-shot command. Logging
// stays at warn unless the config asks for more.
func openApp(ctx context.Context, g *globalFlags) (*app.App, error) {
	_ = config.LoadEnvFiles()

	cfg, err := config.Load(g.config, g.data)
	if err != nil {
		return nil, err
	}
	if cfg.Log.Level == "" || cfg.Log.Level == "info" {
		cfg.Log.Level = "warn"
	}
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, nil, logger, Version)
}

func withApp(g *globalFlags, fn func(ctx context.Context, a *app.App) error) {
	ctx := context.Background()
	a, err := openApp(ctx, g)
	if err != nil {
		fail(err)
	}
	err = fn(ctx, a)
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.Logger.Sync()
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// resolve finds a medication by id, unique id prefix, or case-insensitive
// name among active medications
func resolve(a *app.App, ref string) (medication.Medication, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return medication.Medication{}, apperrors.Validation("medication id or name is required")
	}
	if m, err := a.Tracker.Get(ref); err == nil {
		return m, nil
	}

	var matches []medication.Medication
	for _, m := range a.Tracker.ListAll() {
		if strings.HasPrefix(m.ID, ref) || (m.Active && strings.EqualFold(m.Name, ref)) {
			matches = append(matches, m)
		}
	}
	switch len(matches) {
	case 0:
		return medication.Medication{}, apperrors.NotFound("medication", ref)
	case 1:
		return matches[0], nil
	default:
		return medication.Medication{}, apperrors.Validation("%q matches %d medications; use the id", ref, len(matches))
	}
}

func HandleServeCommand(args []string) {
	fs, g := newFlagSet("serve", "medminder serve [flags]")
	port := fs.Int("port", 0, "Override the HTTP port")
	_ = fs.Parse(args)

	_ = config.LoadEnvFiles()
	cfg, err := config.Load(g.config, g.data)
	if err != nil {
		fail(err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		fail(err)
	}
	defer logger.Sync()

	logger.Info("Starting medminder",
		zap.String("version", Version),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("time_zone", cfg.Schedule.TimeZone))

	a, err := app.Open(context.Background(), cfg, nil, logger, Version)
	if err != nil {
		logger.Fatal("Failed to open medminder", zap.Error(err))
	}
	defer a.Close()

	if err := a.RunServer(); err != nil {
		logger.Error("Server stopped", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
}

type addOptions struct {
	Line     string
	Name     string
	Dosage   string
	Schedule string
	Grace    time.Duration
	Notes    string
	WithFood bool
}

func HandleAddCommand(args []string) {
	fs, g := newFlagSet("add", `medminder add [flags] ["<name> <dosage> <schedule>"]`)
	var opts addOptions
	fs.StringVar(&opts.Name, "name", "", "Medication name")
	fs.StringVar(&opts.Dosage, "dosage", "", "Dosage, e.g. 10mg")
	fs.StringVar(&opts.Schedule, "schedule", "", `Schedule, e.g. "daily at 8am"`)
	fs.DurationVar(&opts.Grace, "grace", 0, "Grace period for this medication")
	fs.StringVar(&opts.Notes, "notes", "", "Free-form notes")
	fs.BoolVar(&opts.WithFood, "with-food", false, "Take with food")
	_ = fs.Parse(args)
	opts.Line = strings.Join(fs.Args(), " ")

	withApp(g, func(ctx context.Context, a *app.App) error {
		return addMedication(ctx, a, os.Stdout, opts)
	})
}

func addMedication(ctx context.Context, a *app.App, out io.Writer, opts addOptions) error {
	p := a.Parser()

	var d medication.Draft
	if opts.Line != "" {
		parsed, err := p.ParseMedication(opts.Line)
		if err != nil {
			return err
		}
		d = parsed
	}
	if opts.Name != "" {
		d.Name = opts.Name
	}
	if opts.Dosage != "" {
		d.Dosage = opts.Dosage
	}
	if opts.Schedule != "" {
		rule, err := p.ParseSchedule(opts.Schedule)
		if err != nil {
			return err
		}
		d.Rule = rule
	} else if opts.Line == "" {
		return apperrors.Validation("give a one-line description or --schedule")
	}
	d.GracePeriod = opts.Grace
	d.Notes = opts.Notes
	d.WithFood = d.WithFood || opts.WithFood

	m, err := a.Tracker.AddMedication(ctx, d)
	if err != nil {
		return err
	}

	pr := newPrinter(out)
	pr.successf("Added %s %s (%s)", m.Name, m.Dosage, m.Rule.Describe())
	pr.printf("  id: %s\n", m.ID)
	if next, ok, _ := a.Tracker.NextDue(m.ID, a.Tracker.Now()); ok {
		pr.printf("  next dose: %s\n", formatTime(next, a.Tracker.Location()))
	}
	return nil
}

func HandleListCommand(args []string) {
	fs, g := newFlagSet("list", "medminder list [--all]")
	all := fs.Bool("all", false, "Include deactivated medications")
	_ = fs.Parse(args)

	withApp(g, func(ctx context.Context, a *app.App) error {
		listMedications(a, os.Stdout, *all)
		return nil
	})
}

func listMedications(a *app.App, out io.Writer, all bool) {
	meds := a.Tracker.ListActive()
	if all {
		meds = a.Tracker.ListAll()
	}

	pr := newPrinter(out)
	if len(meds) == 0 {
		pr.println(`No medications. Add one with: medminder add "Lisinopril 10mg daily at 8am"`)
		return
	}

	now := a.Tracker.Now()
	rows := make([][]string, 0, len(meds))
	for _, m := range meds {
		next := "-"
		if at, ok, _ := a.Tracker.NextDue(m.ID, now); ok && m.Active {
			next = formatTime(at, a.Tracker.Location())
		}
		state := "active"
		if !m.Active {
			state = "inactive"
		}
		rows = append(rows, []string{shortID(m.ID), m.Name, m.Dosage, m.Rule.Describe(), next, state})
	}
	pr.table([]string{"ID", "NAME", "DOSAGE", "SCHEDULE", "NEXT", "STATE"}, rows)
}

func HandleDeactivateCommand(args []string) {
	fs, g := newFlagSet("deactivate", "medminder deactivate <id|name>")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	withApp(g, func(ctx context.Context, a *app.App) error {
		return deactivate(ctx, a, os.Stdout, fs.Arg(0))
	})
}

func deactivate(ctx context.Context, a *app.App, out io.Writer, ref string) error {
	m, err := resolve(a, ref)
	if err != nil {
		return err
	}
	m, err = a.Tracker.Deactivate(ctx, m.ID)
	if err != nil {
		return err
	}
	newPrinter(out).successf("Deactivated %s; its history is kept", m.Name)
	return nil
}

// HandleDoseCommand serves both take and skip
func HandleDoseCommand(status ledger.Status, args []string) {
	name := "take"
	if status == ledger.StatusSkipped {
		name = "skip"
	}
	fs, g := newFlagSet(name, "medminder "+name+" [flags] <id|name>")
	at := fs.String("at", "", "Scheduled dose (RFC 3339 or HH:MM today); defaults to the open dose")
	note := fs.String("note", "", "Note to store with the entry")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	withApp(g, func(ctx context.Context, a *app.App) error {
		return recordDose(ctx, a, os.Stdout, fs.Arg(0), status, *at, *note)
	})
}

// parseInstant accepts RFC 3339 or a wall-clock time on the current local day
func parseInstant(a *app.App, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	tod, err := medication.ParseTimeOfDay(s)
	if err != nil {
		return time.Time{}, apperrors.Validation("%q is neither RFC 3339 nor a time of day", s)
	}
	loc := a.Tracker.Location()
	now := a.Tracker.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), tod.Hour, tod.Minute, 0, 0, loc), nil
}

func recordDose(ctx context.Context, a *app.App, out io.Writer, ref string, status ledger.Status, at, note string) error {
	m, err := resolve(a, ref)
	if err != nil {
		return err
	}

	var scheduled time.Time
	if at != "" {
		scheduled, err = parseInstant(a, at)
	} else {
		scheduled, err = a.Tracker.PendingDose(m.ID, a.Tracker.Now())
	}
	if err != nil {
		return err
	}

	e, err := a.Tracker.RecordDose(ctx, m.ID, scheduled, status, nil, note)
	if err != nil {
		return err
	}
	pr := newPrinter(out)
	pr.successf("%s %s dose of %s", strings.ToUpper(string(e.Status[:1]))+string(e.Status[1:]),
		formatTime(e.ScheduledAt, a.Tracker.Location()), m.Name)
	return nil
}

func HandleDueCommand(args []string) {
	fs, g := newFlagSet("due", "medminder due [--notify]")
	deliver := fs.Bool("notify", false, "Claim and print due reminders so they are not repeated")
	_ = fs.Parse(args)

	withApp(g, func(ctx context.Context, a *app.App) error {
		return showDue(ctx, a, os.Stdout, *deliver)
	})
}

func showDue(ctx context.Context, a *app.App, out io.Writer, deliver bool) error {
	pr := newPrinter(out)
	loc := a.Tracker.Location()
	line := func(r reminder.Reminder) {
		food := ""
		if r.Medication.WithFood {
			food = " with food"
		}
		pr.printf("⏰ %s %s%s, due %s\n", r.Medication.Name, r.Medication.Dosage, food, formatTime(r.ScheduledAt, loc))
	}

	if !deliver {
		due := a.Tracker.DueReminders(a.Tracker.Now())
		if len(due) == 0 {
			pr.println("Nothing due.")
			return nil
		}
		for _, r := range due {
			line(r)
		}
		return nil
	}

	var mu sync.Mutex
	runner := a.Runner(notify.NotifierFunc(func(_ context.Context, r reminder.Reminder) error {
		mu.Lock()
		defer mu.Unlock()
		line(r)
		return nil
	}))
	n, err := runner.PollOnce(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		pr.println("Nothing due.")
	}
	return nil
}

func HandleTodayCommand(args []string) {
	fs, g := newFlagSet("today", "medminder today")
	_ = fs.Parse(args)

	withApp(g, func(ctx context.Context, a *app.App) error {
		return showToday(a, os.Stdout)
	})
}

func showToday(a *app.App, out io.Writer) error {
	plans, err := a.Tracker.Today(a.Tracker.Now())
	if err != nil {
		return err
	}

	pr := newPrinter(out)
	loc := a.Tracker.Location()
	var rows [][]string
	for _, plan := range plans {
		for _, d := range plan.Doses {
			rows = append(rows, []string{
				d.ScheduledAt.In(loc).Format("15:04"),
				plan.Medication.Name,
				plan.Medication.Dosage,
				pr.status(d.Status),
			})
		}
	}
	if len(rows) == 0 {
		pr.println("No doses scheduled today.")
		return nil
	}
	pr.table([]string{"TIME", "NAME", "DOSAGE", "STATUS"}, rows)
	return nil
}

func HandleAdherenceCommand(args []string) {
	fs, g := newFlagSet("adherence", "medminder adherence [--days N] [id|name]")
	days := fs.Int("days", 30, "Number of days to report")
	_ = fs.Parse(args)

	withApp(g, func(ctx context.Context, a *app.App) error {
		return showAdherence(a, os.Stdout, fs.Arg(0), *days)
	})
}

func showAdherence(a *app.App, out io.Writer, ref string, days int) error {
	if days < 1 {
		return apperrors.Validation("--days must be at least 1")
	}
	meds := a.Tracker.ListActive()
	if ref != "" {
		m, err := resolve(a, ref)
		if err != nil {
			return err
		}
		meds = []medication.Medication{m}
	}

	now := a.Tracker.Now()
	from := now.AddDate(0, 0, -days)
	pr := newPrinter(out)
	rows := make([][]string, 0, len(meds))
	for _, m := range meds {
		r, err := a.Tracker.Report(m.ID, from, now)
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			m.Name,
			fmt.Sprint(r.Taken),
			fmt.Sprint(r.Skipped),
			fmt.Sprint(r.Missed),
			pr.rate(r.Rate),
		})
	}
	if len(rows) == 0 {
		pr.println("No medications.")
		return nil
	}
	pr.printf("Last %d days\n", days)
	pr.table([]string{"NAME", "TAKEN", "SKIPPED", "MISSED", "ADHERENCE"}, rows)
	return nil
}

func HandleImportCommand(args []string) {
	fs, g := newFlagSet("import", "medminder import <plan.yaml|plan.txt>")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	withApp(g, func(ctx context.Context, a *app.App) error {
		return importPlan(ctx, a, os.Stdout, fs.Arg(0))
	})
}

func importPlan(ctx context.Context, a *app.App, out io.Writer, path string) error {
	plan, err := seed.ParseFile(path)
	if err != nil {
		return err
	}
	added, err := seed.Import(ctx, a.Tracker, a.Parser(), plan)
	pr := newPrinter(out)
	for _, m := range added {
		pr.successf("Added %s %s (%s)", m.Name, m.Dosage, m.Rule.Describe())
	}
	return err
}

func HandleSweepCommand(args []string) {
	fs, g := newFlagSet("sweep", "medminder sweep")
	_ = fs.Parse(args)

	withApp(g, func(ctx context.Context, a *app.App) error {
		return sweep(ctx, a, os.Stdout)
	})
}

func sweep(ctx context.Context, a *app.App, out io.Writer) error {
	n, err := a.Tracker.SweepMissed(ctx)
	if err != nil {
		return err
	}
	newPrinter(out).printf("Recorded %d missed dose(s)\n", n)
	return nil
}

func PrintHelp() {
	fmt.Println("medminder - medication schedules and adherence")
	fmt.Println()
	fmt.Println("Usage: medminder <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                 Run the HTTP API and reminder jobs (default)")
	fmt.Println(`  add "<line>"          Add a medication, e.g. "Lisinopril 10mg daily at 8am"`)
	fmt.Println("  list [--all]          List medications")
	fmt.Println("  deactivate <med>      Stop tracking a medication, keeping its history")
	fmt.Println("  take <med>            Record a dose as taken")
	fmt.Println("  skip <med>            Record a dose as skipped")
	fmt.Println("  due [--notify]        Show reminders that are due")
	fmt.Println("  today                 Show today's doses")
	fmt.Println("  adherence [med]       Show adherence over the last 30 days")
	fmt.Println("  import <plan>         Add medications from a YAML or plain text plan")
	fmt.Println("  sweep                 Record missed doses")
	fmt.Println("  version               Show version")
	fmt.Println("  help                  Show this help")
	fmt.Println()
	fmt.Println("Every command accepts --config and --data.")
}
