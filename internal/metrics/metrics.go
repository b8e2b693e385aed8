// Package metrics exposes Prometheus instruments for the tracker, reminder
// pipeline, storage and HTTP surface on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "medminder"

// Metrics holds all instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	medicationsActive  prometheus.Gauge
	medicationCommands *prometheus.CounterVec
	dosesRecorded      *prometheus.CounterVec
	missedSwept        prometheus.Counter

	remindersClaimed  prometheus.Counter
	remindersReleased prometheus.Counter
	notifications     *prometheus.CounterVec

	storageOps      *prometheus.CounterVec
	storageDuration *prometheus.HistogramVec

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	wsConnections prometheus.Gauge
}

// New creates a fresh set of instruments on its own registry
func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		medicationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "medications_active",
			Help:      "Number of active medications",
		}),
		medicationCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "medication_commands_total",
			Help:      "Registry commands by operation and outcome",
		}, []string{"op", "status"}),
		dosesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "doses_recorded_total",
			Help:      "Ledger entries appended by dose status",
		}, []string{"status"}),
		missedSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "missed_doses_swept_total",
			Help:      "Missed entries written by the sweep",
		}),

		remindersClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reminders_claimed_total",
			Help:      "Reminders moved from due to notified",
		}),
		remindersReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reminders_released_total",
			Help:      "Claimed reminders returned after a failed delivery",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by notifier and outcome",
		}, []string{"notifier", "status"}),

		storageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "storage_operations_total",
			Help:      "Storage calls by operation and outcome",
		}, []string{"op", "status"}),
		storageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Storage call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "websocket_connections",
			Help:      "Open reminder websocket connections",
		}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "uptime_seconds",
		Help:      "Time since process start",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	m.registry.MustRegister(
		m.medicationsActive,
		m.medicationCommands,
		m.dosesRecorded,
		m.missedSwept,
		m.remindersClaimed,
		m.remindersReleased,
		m.notifications,
		m.storageOps,
		m.storageDuration,
		m.httpRequests,
		m.httpDuration,
		m.wsConnections,
		uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) SetActiveMedications(n int) {
	if m == nil {
		return
	}
	m.medicationsActive.Set(float64(n))
}

func (m *Metrics) RecordCommand(op string, err error) {
	if m == nil {
		return
	}
	m.medicationCommands.WithLabelValues(op, outcome(err)).Inc()
}

func (m *Metrics) RecordDose(status string) {
	if m == nil {
		return
	}
	m.dosesRecorded.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.missedSwept.Add(float64(n))
}

func (m *Metrics) RecordClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.remindersClaimed.Add(float64(n))
}

func (m *Metrics) RecordReleased() {
	if m == nil {
		return
	}
	m.remindersReleased.Inc()
}

func (m *Metrics) RecordNotification(notifier string, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(notifier, outcome(err)).Inc()
}

// ObserveStorage records one storage call that started at start
func (m *Metrics) ObserveStorage(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.storageOps.WithLabelValues(op, outcome(err)).Inc()
	m.storageDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, httpStatus(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) IncrementConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) DecrementConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func httpStatus(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
