// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acme/checkin-call-engine/internal/events"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DispatchTotal        *prometheus.CounterVec
	EscalationsTotal     *prometheus.CounterVec
	AcknowledgmentsTotal *prometheus.CounterVec
	BusHandlerTotal      *prometheus.CounterVec
	BusHandlerDuration   *prometheus.HistogramVec
	JobDuration          *prometheus.HistogramVec
	NotificationsTotal   *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_dispatch_total",
			Help: "Dispatcher outcomes per user evaluated in a due slice",
		}, []string{"outcome"}),
		EscalationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_escalations_total",
			Help: "Escalation results",
		}, []string{"result"}),
		AcknowledgmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_acknowledgments_total",
			Help: "Acknowledgment requests by whether a record was found",
		}, []string{"found"}),
		BusHandlerTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_bus_handler_total",
			Help: "Event bus handler invocations",
		}, []string{"event_type", "group", "result"}),
		BusHandlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkin_bus_handler_duration_seconds",
			Help:    "Event bus handler latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "group"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkin_job_duration_seconds",
			Help:    "Scheduler job run time",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"job"}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_notifications_total",
			Help: "Escalation notifications by delivery result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Escalation(result string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Acknowledgment(found bool) {
	if m == nil {
		return
	}
	label := "false"
	if found {
		label = "true"
	}
	m.AcknowledgmentsTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

// ObserveJob records how long a scheduler job took.
func (m *Metrics) ObserveJob(job string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// ObserveHandler implements events.Observer.
func (m *Metrics) ObserveHandler(eventType events.Type, group string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BusHandlerTotal.WithLabelValues(string(eventType), group, result).Inc()
	m.BusHandlerDuration.WithLabelValues(string(eventType), group).Observe(elapsed.Seconds())
}

var _ events.Observer = (*Metrics)(nil)
