package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task-level metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitester_tasks_total",
			Help: "Total number of tasks processed by final status",
		},
		[]string{"status"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apitester_task_duration_seconds",
			Help:    "Time taken for one task pipeline invocation to converge, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scenario-level metrics
	ScenariosTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apitester_scenarios_total",
			Help: "Total number of scenario attempts by outcome",
		},
		[]string{"outcome"},
	)

	ScenarioDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apitester_scenario_duration_seconds",
			Help:    "Time taken to dispatch and classify one scenario, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Provisioner metrics
	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apitester_provision_duration_seconds",
			Help:    "Time taken to provision a per-task database principal, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProvisionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apitester_provision_failures_total",
			Help: "Total number of principal provisioning failures",
		},
	)

	// Sandbox metrics
	SandboxStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apitester_sandbox_start_duration_seconds",
			Help:    "Time taken to start a task's sandbox container, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SandboxFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apitester_sandbox_failures_total",
			Help: "Total number of sandbox start failures",
		},
	)

	// Worker pool metrics
	WorkersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apitester_workers_in_flight",
			Help: "Number of task pipelines currently executing",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(ScenariosTotal)
	prometheus.MustRegister(ScenarioDuration)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(ProvisionFailuresTotal)
	prometheus.MustRegister(SandboxStartDuration)
	prometheus.MustRegister(SandboxFailuresTotal)
	prometheus.MustRegister(WorkersInFlight)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
