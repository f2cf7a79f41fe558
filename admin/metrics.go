package admin

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/modernshop/mailq"
)

var (
	jobsDesc = prometheus.NewDesc(
		"mailq_queue_jobs",
		"Number of jobs in the queue by state.",
		[]string{"queue", "state"}, nil,
	)
	pausedDesc = prometheus.NewDesc(
		"mailq_queue_paused",
		"Whether the queue is paused (1) or accepting dispatch (0).",
		[]string{"queue"}, nil,
	)
)

// statsCollector reads queue stats on every scrape. No background polling,
// no staleness.
type statsCollector struct {
	q *mailq.Queue
}

func newStatsCollector(q *mailq.Queue) *statsCollector {
	return &statsCollector{q: q}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
	ch <- pausedDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := c.q.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(jobsDesc, err)
		return
	}
	name := c.q.Name()
	for state, count := range map[string]int64{
		"waiting":   stats.Waiting,
		"active":    stats.Active,
		"delayed":   stats.Delayed,
		"completed": stats.Completed,
		"failed":    stats.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue,
			float64(count), name, state)
	}
	var paused float64
	if stats.Paused {
		paused = 1
	}
	ch <- prometheus.MustNewConstMetric(pausedDesc, prometheus.GaugeValue, paused, name)
}
