package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gmsas95/medminder/internal/clock"
	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/gmsas95/medminder/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

const plan = `
medications:
  - name: Lisinopril
    dosage: 10mg
    schedule: daily at 8am
  - name: Amoxicillin
    dosage: 500mg
    schedule: every 8 hours from 06:00
    with_food: true
    grace_period: 1h
  - name: Vitamin D
    dosage: 1000iu
    schedule: mon,thu at 9:30
    notes: with breakfast
  - line: Metformin 500mg weekdays at 7pm with food
`

func newParser() *medication.Parser {
	return medication.NewParser("UTC", func() time.Time { return now })
}

func TestParse(t *testing.T) {
	p, err := Parse(strings.NewReader(plan))
	require.NoError(t, err)
	require.Len(t, p.Medications, 4)

	drafts, err := p.Drafts(newParser())
	require.NoError(t, err)

	assert.Equal(t, medication.KindDaily, drafts[0].Rule.Kind)
	assert.Equal(t, medication.At(8, 0), drafts[0].Rule.At)

	assert.Equal(t, medication.KindInterval, drafts[1].Rule.Kind)
	assert.Equal(t, 8, drafts[1].Rule.EveryHours)
	assert.Equal(t, time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC), drafts[1].Rule.Anchor)
	assert.True(t, drafts[1].WithFood)
	assert.Equal(t, time.Hour, drafts[1].GracePeriod)

	assert.Equal(t, []time.Weekday{time.Monday, time.Thursday}, drafts[2].Rule.Days)
	assert.Equal(t, "with breakfast", drafts[2].Notes)

	assert.Equal(t, "Metformin", drafts[3].Name)
	assert.Equal(t, "500mg", drafts[3].Dosage)
	assert.Len(t, drafts[3].Rule.Days, 5)
	assert.True(t, drafts[3].WithFood)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("medications:\n  - name: A\n    frequency: daily\n"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestParse_Empty(t *testing.T) {
	p, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, p.Medications)
}

func TestImport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(plan), 0644))

	p, err := ParseFile(path)
	require.NoError(t, err)

	tr := tracker.New(tracker.Options{Clock: clock.NewFake(now)})
	added, err := Import(context.Background(), tr, newParser(), p)
	require.NoError(t, err)
	assert.Len(t, added, 4)
	assert.Len(t, tr.ListActive(), 4)
}

func TestImport_ValidatesBeforeAdding(t *testing.T) {
	p, err := Parse(strings.NewReader(`
medications:
  - name: Lisinopril
    dosage: 10mg
    schedule: daily at 8am
  - name: Broken
    dosage: 1mg
    schedule: whenever
`))
	require.NoError(t, err)

	tr := tracker.New(tracker.Options{Clock: clock.NewFake(now)})
	added, err := Import(context.Background(), tr, newParser(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "medication 2 (Broken)")
	assert.Empty(t, added)
	assert.Empty(t, tr.ListAll())
}

func TestParseLines(t *testing.T) {
	p, err := ParseLines(strings.NewReader(`
# morning
Lisinopril 10mg daily at 8am

  Metformin 500mg weekdays at 7pm with food
`))
	require.NoError(t, err)
	require.Len(t, p.Medications, 2)
	assert.Equal(t, "Lisinopril 10mg daily at 8am", p.Medications[0].Line)
	assert.Equal(t, "Metformin 500mg weekdays at 7pm with food", p.Medications[1].Line)

	drafts, err := p.Drafts(newParser())
	require.NoError(t, err)
	assert.Equal(t, "Lisinopril", drafts[0].Name)
	assert.True(t, drafts[1].WithFood)
}

func TestParseFile_Text(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.txt")
	require.NoError(t, os.WriteFile(path, []byte("# plan\nAspirin 81mg daily at 9am\n"), 0644))

	p, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, p.Medications, 1)
	assert.Equal(t, "Aspirin 81mg daily at 9am", p.Medications[0].Line)
}
