// Package metrics exposes run and task counters to Prometheus.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

const namespace = "reconflow"

// Metrics turns lifecycle events into Prometheus series. It satisfies
// eventbridge.Sink.
type Metrics struct {
	registry *prometheus.Registry

	tasks     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	workflows *prometheus.CounterVec
	running   prometheus.Gauge
	warnings  prometheus.Counter
	events    *prometheus.CounterVec

	active map[string]struct{}
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"executor", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of executed tasks.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"executor"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Finished workflow runs by status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_running",
			Help:      "Runs that have started but not finished.",
		}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_warnings_total",
			Help:      "Warning diagnostics, mostly unresolved references.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events observed by kind.",
		}, []string{"kind"}),
		active: map[string]struct{}{},
	}
	m.registry.MustRegister(m.tasks, m.duration, m.workflows, m.running, m.warnings, m.events)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// HandleEvent updates the collectors. Events arrive from a single
// subscription, so no locking is needed.
func (m *Metrics) HandleEvent(event lifecycle.Event) error {
	m.events.WithLabelValues(string(event.Kind)).Inc()
	if _, seen := m.active[event.RunID]; !seen && event.Kind != lifecycle.KindWorkflowFinished {
		m.active[event.RunID] = struct{}{}
		m.running.Inc()
	}
	switch event.Kind {
	case lifecycle.KindTaskCompleted, lifecycle.KindTaskFailed, lifecycle.KindTaskBlocked, lifecycle.KindTaskCancelled:
		if event.Task == nil {
			return nil
		}
		exec := label(event.Task.Executor)
		m.tasks.WithLabelValues(exec, string(event.Task.Status)).Inc()
		if d := event.Task.Duration(); d > 0 {
			m.duration.WithLabelValues(exec).Observe(d.Seconds())
		}
	case lifecycle.KindDiagnostic:
		if event.Level == lifecycle.LevelWarn {
			m.warnings.Inc()
		}
	case lifecycle.KindWorkflowFinished:
		if _, seen := m.active[event.RunID]; seen {
			delete(m.active, event.RunID)
			m.running.Dec()
		}
		if event.Run != nil {
			m.workflows.WithLabelValues(string(event.Run.Status)).Inc()
		}
	}
	return nil
}

func label(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}
