package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	families, err := New().Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["medminder_uptime_seconds"])
	assert.True(t, names["medminder_medications_active"])
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordDose("taken")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.dosesRecorded.WithLabelValues("taken")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.dosesRecorded.WithLabelValues("taken")))
}

func TestRecorders(t *testing.T) {
	m := New()

	m.SetActiveMedications(3)
	m.RecordCommand("add", nil)
	m.RecordCommand("add", errors.New("boom"))
	m.RecordSwept(2)
	m.RecordSwept(0)
	m.RecordClaimed(4)
	m.RecordReleased()
	m.RecordNotification("log", nil)
	m.ObserveStorage("append_ledger", time.Now(), errors.New("disk full"))
	m.IncrementConnections()
	m.IncrementConnections()
	m.DecrementConnections()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.medicationsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.medicationCommands.WithLabelValues("add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.medicationCommands.WithLabelValues("add", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.missedSwept))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.remindersClaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remindersReleased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("log", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageOps.WithLabelValues("append_ledger", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsConnections))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDose("taken")
		m.RecordCommand("add", nil)
		m.ObserveHTTP("GET", "/api/health", 200, time.Millisecond)
		m.IncrementConnections()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveHTTP("GET", "/api/medications", 404, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `medminder_http_requests_total{method="GET",route="/api/medications",status="4xx"} 1`))
	assert.Contains(t, text, "medminder_uptime_seconds")
}
