package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// QueueStatsSource is implemented by the store.
type QueueStatsSource interface {
	QueueStats(ctx context.Context) (jobsByState map[string]int64, paused bool, err error)
}

type queueCollector struct {
	source QueueStatsSource
	jobs   *prometheus.Desc
	paused *prometheus.Desc
}

// NewQueueCollector reads queue depth from the durable store on every scrape,
// so every replica reports the same numbers.
func NewQueueCollector(source QueueStatsSource) prometheus.Collector {
	return &queueCollector{
		source: source,
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "jobs"),
			"Number of jobs in the durable queue by state.",
			[]string{stateLabel},
			nil,
		),
		paused: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "paused"),
			"1 when dispatching is paused.",
			nil,
			nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.paused
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	byState, paused, err := c.source.QueueStats(ctx)
	if err != nil {
		zap.S().Named("queue_collector").Errorf("failed to collect queue statistics: %s", err)
		return
	}

	for state, total := range byState {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(total), state)
	}

	p := 0.0
	if paused {
		p = 1
	}
	ch <- prometheus.MustNewConstMetric(c.paused, prometheus.GaugeValue, p)
}
