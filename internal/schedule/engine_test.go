package schedule

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/gmsas95/medminder/internal/clock"
	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// day0 is a Monday
var day0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func med(rule medication.Rule) medication.Medication {
	return medication.Medication{ID: "m1", Name: "Lisinopril", Dosage: "10mg", Rule: rule, Active: true}
}

func TestOccurrencesDaily(t *testing.T) {
	e := NewEngine(clock.NewFake(day0))

	occ, err := e.OccurrencesInRange(medication.Daily(medication.At(8, 0), "UTC"), day0, day0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		day0.Add(8 * time.Hour),
		day0.Add(32 * time.Hour),
		day0.Add(56 * time.Hour),
	}, occ)
}

func TestOccurrencesInterval(t *testing.T) {
	e := NewEngine(clock.NewFake(day0))
	rule := medication.EveryHours(6, day0)

	occ, err := e.OccurrencesInRange(rule, day0.Add(25*time.Hour), day0.Add(31*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day0.Add(30 * time.Hour)}, occ)

	// nothing before the anchor
	occ, err = e.OccurrencesInRange(rule, day0.Add(-24*time.Hour), day0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day0}, occ)
}

func TestOccurrencesWeekly(t *testing.T) {
	e := NewEngine(clock.NewFake(day0))
	rule := medication.Weekly([]time.Weekday{time.Monday, time.Wednesday, time.Friday}, medication.At(9, 0), "UTC")

	occ, err := e.OccurrencesInRange(rule, day0, day0.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, occ, 3)
	assert.Equal(t, time.Monday, occ[0].Weekday())
	assert.Equal(t, time.Wednesday, occ[1].Weekday())
	assert.Equal(t, time.Friday, occ[2].Weekday())
}

func TestOccurrencesHalfOpen(t *testing.T) {
	e := NewEngine(clock.NewFake(day0))
	rule := medication.Daily(medication.At(8, 0), "UTC")
	eight := day0.Add(8 * time.Hour)

	occ, err := e.OccurrencesInRange(rule, eight, eight)
	require.NoError(t, err)
	assert.Empty(t, occ)

	occ, err = e.OccurrencesInRange(rule, eight, eight.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{eight}, occ)
}

func TestOccurrencesAcrossDST(t *testing.T) {
	e := NewEngine(clock.NewFake(day0))
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name string
		at   medication.TimeOfDay
		from time.Time
	}{
		{"spring forward gap", medication.At(2, 30), time.Date(2024, 3, 9, 0, 0, 0, 0, ny)},
		{"fall back overlap", medication.At(1, 30), time.Date(2024, 11, 2, 0, 0, 0, 0, ny)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := medication.Daily(tt.at, "America/New_York")
			occ, err := e.OccurrencesInRange(rule, tt.from, tt.from.AddDate(0, 0, 3))
			require.NoError(t, err)
			require.Len(t, occ, 3)
			for i := 1; i < len(occ); i++ {
				assert.True(t, occ[i].After(occ[i-1]), "occurrences must be strictly ascending")
			}
		})
	}
}

func TestNextAndIsOccurrence(t *testing.T) {
	e := NewEngine(clock.NewFake(day0))
	rule := medication.Daily(medication.At(8, 0), "UTC")
	eight := day0.Add(8 * time.Hour)

	next, err := e.Next(rule, eight)
	require.NoError(t, err)
	assert.Equal(t, eight, next)

	next, err = e.Next(rule, eight.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, eight.Add(24*time.Hour), next)

	assert.True(t, e.IsOccurrence(rule, eight))
	assert.False(t, e.IsOccurrence(rule, eight.Add(time.Minute)))

	_, err = e.Next(medication.Rule{Kind: "monthly"}, day0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestNextDue(t *testing.T) {
	e := NewEngine(clock.NewFake(day0))
	m := med(medication.Daily(medication.At(8, 0), "UTC"))
	eight := day0.Add(8 * time.Hour)

	next, ok := e.NextDue(m, eight)
	require.True(t, ok)
	assert.Equal(t, eight.Add(24*time.Hour), next)

	m.Active = false
	_, ok = e.NextDue(m, eight)
	assert.False(t, ok, "deactivated medications have no next dose")
	m.Active = true

	e.SetLookahead(time.Hour)
	_, ok = e.NextDue(m, eight)
	assert.False(t, ok)

	e.SetLookahead(-time.Hour)
	assert.Equal(t, time.Hour, e.Lookahead())
}

func TestClassify(t *testing.T) {
	clk := clock.NewFake(day0)
	e := NewEngine(clk)
	l := ledger.New(clk)
	m := med(medication.Daily(medication.At(8, 0), "UTC"))
	eight := day0.Add(8 * time.Hour)

	tests := []struct {
		name string
		now  time.Time
		want ledger.Status
	}{
		{"before the dose", eight.Add(-time.Hour), ledger.StatusPending},
		{"inside grace", eight.Add(10 * time.Minute), ledger.StatusPending},
		{"exactly at grace", eight.Add(DefaultGracePeriod), ledger.StatusPending},
		{"past grace", eight.Add(DefaultGracePeriod + time.Nanosecond), ledger.StatusMissed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk.Set(tt.now)
			assert.Equal(t, tt.want, e.Classify(m, eight, l))
		})
	}

	clk.Set(eight.Add(5 * time.Hour))
	_, err := l.Record(m.ID, eight, ledger.StatusTaken, nil, "")
	require.NoError(t, err)
	c := e.Inspect(m, eight, l)
	assert.Equal(t, ledger.StatusTaken, c.Status)
	require.NotNil(t, c.Entry)
	assert.False(t, c.Inconsistent)
}

func TestClassifyFutureEntryIsInconsistent(t *testing.T) {
	clk := clock.NewFake(day0)
	e := NewEngine(clk)
	l := ledger.New(clk)
	m := med(medication.Daily(medication.At(8, 0), "UTC"))
	tomorrow := day0.Add(32 * time.Hour)

	_, err := l.Record(m.ID, tomorrow, ledger.StatusTaken, nil, "")
	require.NoError(t, err)

	c := e.Inspect(m, tomorrow, l)
	assert.Equal(t, ledger.StatusTaken, c.Status)
	assert.True(t, c.Inconsistent)
}

func TestGraceFor(t *testing.T) {
	e := NewEngine(nil)
	m := med(medication.Daily(medication.At(8, 0), "UTC"))
	assert.Equal(t, DefaultGracePeriod, e.GraceFor(m))

	e.SetGracePeriod(time.Hour)
	assert.Equal(t, time.Hour, e.GraceFor(m))

	m.GracePeriod = 5 * time.Minute
	assert.Equal(t, 5*time.Minute, e.GraceFor(m))

	e.SetGracePeriod(0)
	assert.Equal(t, time.Hour, e.GracePeriod())
}

func TestLatest(t *testing.T) {
	e := NewEngine(clock.NewFake(day0))
	rule := medication.Daily(medication.At(8, 0), "UTC")
	eight := day0.Add(8 * time.Hour)

	at, ok, err := e.Latest(rule, eight.Add(20*time.Minute), 30*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, eight, at)

	_, ok, err = e.Latest(rule, eight.Add(time.Hour), 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = e.Latest(rule, eight, -time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
