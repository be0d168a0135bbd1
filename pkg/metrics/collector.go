package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/cutoverd/cutover/pkg/models"
)

// ---------------------------------------------------------------------------
// AttemptCollector
// ---------------------------------------------------------------------------

// AttemptCollector implements prometheus.Collector and queries the database
// on each scrape to report current attempt counts by state, environment, and
// strategy. This keeps the metric accurate across restarts and manual DB
// changes.
type AttemptCollector struct {
	db   *gorm.DB
	desc *prometheus.Desc
}

// NewAttemptCollector creates a Collector backed by db.
// Call prometheus.MustRegister(collector) after creation.
func NewAttemptCollector(db *gorm.DB) *AttemptCollector {
	return &AttemptCollector{
		db: db,
		desc: prometheus.NewDesc(
			"cutover_attempts",
			"Current number of deployment attempts grouped by state, environment, and strategy",
			[]string{"state", "environment", "strategy"},
			nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *AttemptCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect queries the database and sends attempt count metrics.
func (c *AttemptCollector) Collect(ch chan<- prometheus.Metric) {
	type row struct {
		State       string
		Environment string
		Strategy    string
		Count       int64
	}

	var rows []row
	c.db.Model(&models.DeploymentAttempt{}).
		Select("state, environment, strategy, COUNT(*) as count").
		Group("state, environment, strategy").
		Scan(&rows)

	for _, r := range rows {
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			float64(r.Count),
			r.State, r.Environment, r.Strategy,
		)
	}
}

// ---------------------------------------------------------------------------
// QueueCollector
// ---------------------------------------------------------------------------

// QueueLengther is the minimal interface needed to observe Redis queue depth.
// It is satisfied by *worker.Queue without importing that package.
type QueueLengther interface {
	QueueLength(ctx context.Context) (int64, error)
}

// QueueCollector reports the current number of jobs waiting in the Redis queue.
type QueueCollector struct {
	queue QueueLengther
	desc  *prometheus.Desc
}

// NewQueueCollector creates a collector that reads queue depth from q on each scrape.
func NewQueueCollector(queue QueueLengther) *QueueCollector {
	return &QueueCollector{
		queue: queue,
		desc: prometheus.NewDesc(
			"cutover_queue_depth",
			"Number of jobs currently waiting in the Redis job queue",
			nil, nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect queries the queue length and sends the gauge metric.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	n, err := c.queue.QueueLength(context.Background())
	if err != nil {
		// Emit a stale-marker rather than silently dropping the metric.
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n))
}
