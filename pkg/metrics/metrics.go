package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "docpipe"

	// Labels
	eventLabel    = "event"
	outcomeLabel  = "outcome"
	kindLabel     = "kind"
	providerLabel = "provider"
	stateLabel    = "state"
)

// Job lifecycle events
const (
	JobEnqueued  = "enqueued"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
	JobRetried   = "retried"
	JobRequeued  = "requeued"
)

var jobEventsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "number of job lifecycle events partitioned by event",
	},
	[]string{eventLabel},
)

var jobDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "time spent processing a job, partitioned by outcome",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	},
	[]string{outcomeLabel},
)

var ocrStepsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ocr_steps_total",
		Help:      "number of escalation steps attempted, partitioned by step kind, provider and outcome",
	},
	[]string{kindLabel, providerLabel, outcomeLabel},
)

var ocrStepLatencyMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ocr_step_latency_milliseconds",
		Help:      "latency of an escalation step, partitioned by provider and outcome",
		Buckets:   []float64{50, 250, 1000, 5000, 15000, 30000},
	},
	[]string{providerLabel, outcomeLabel},
)

var streamSubscribersMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_subscribers",
		Help:      "number of open status stream subscriptions",
	},
)

func IncreaseJobEventMetric(event string) {
	jobEventsTotalMetric.With(prometheus.Labels{eventLabel: event}).Inc()
}

func ObserveJobDuration(outcome string, d time.Duration) {
	jobDurationMetric.With(prometheus.Labels{outcomeLabel: outcome}).Observe(d.Seconds())
}

func ObserveOcrStep(kind, provider, outcome string, latency time.Duration) {
	ocrStepsTotalMetric.With(prometheus.Labels{kindLabel: kind, providerLabel: provider, outcomeLabel: outcome}).Inc()
	ocrStepLatencyMetric.With(prometheus.Labels{providerLabel: provider, outcomeLabel: outcome}).Observe(float64(latency.Milliseconds()))
}

func StreamSubscribed() {
	streamSubscribersMetric.Inc()
}

func StreamUnsubscribed() {
	streamSubscribersMetric.Dec()
}

func init() {
	prometheus.MustRegister(
		jobEventsTotalMetric,
		jobDurationMetric,
		ocrStepsTotalMetric,
		ocrStepLatencyMetric,
		streamSubscribersMetric,
	)
}
