package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики ядра. Регистрируются в default registry и отдаются
// через promhttp в каждом бинарнике.
var (
	// TicksTotal — выполненные тики диспетчера по полосам.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steprunner_ticks_total",
		Help: "Dispatcher ticks executed per lane.",
	}, []string{"lane"})

	// TickDuration — длительность одного тика.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steprunner_tick_duration_seconds",
		Help:    "Duration of a single dispatcher tick.",
		Buckets: prometheus.DefBuckets,
	}, []string{"lane"})

	// PhaseTransitions — переходы статусов, выполненные фазами каскада.
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steprunner_phase_transitions_total",
		Help: "Step transitions performed by cascade phases.",
	}, []string{"phase"})

	// StepsDispatched — steps, переданные воркерам.
	StepsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steprunner_steps_dispatched_total",
		Help: "Steps handed to workers.",
	}, []string{"lane"})

	// JobsTotal — выполненные jobs по действию и исходу.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steprunner_jobs_total",
		Help: "Executed jobs by action and outcome.",
	}, []string{"action", "outcome"})

	// JobDuration — длительность выполнения job.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steprunner_job_duration_seconds",
		Help:    "Duration of job execution.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"action"})

	// ThrottleDenials — отказы admission check по причинам.
	ThrottleDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steprunner_throttle_denials_total",
		Help: "Admission checks that asked the caller to wait.",
	}, []string{"provider", "reason"})

	// ThrottleFailOpen — ошибки общего кэша, обработанные как fail-open.
	ThrottleFailOpen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steprunner_throttle_fail_open_total",
		Help: "Shared cache errors degraded to fail-open.",
	}, []string{"provider"})
)

// NewTickTimer возвращает таймер длительности тика для полосы.
func NewTickTimer(lane string) *prometheus.Timer {
	return prometheus.NewTimer(TickDuration.WithLabelValues(lane))
}

// NewJobTimer возвращает таймер длительности job для действия.
func NewJobTimer(action string) *prometheus.Timer {
	return prometheus.NewTimer(JobDuration.WithLabelValues(action))
}
