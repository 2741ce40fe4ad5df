// Package metrics exposes queue state and worker throughput to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/worker"
)

const namespace = "jobq"

// scrapeTimeout bounds the Stats call made on each scrape.
const scrapeTimeout = 5 * time.Second

// StatsSource is the part of a backend the collector reads.
type StatsSource interface {
	Stats(ctx context.Context) (*domain.Stats, error)
	HealthCheck(ctx context.Context) bool
}

var (
	jobsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "jobs"),
		"Jobs currently stored, by status.",
		[]string{"status"}, nil)
	jobsTotalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "jobs_total"),
		"Jobs currently stored.",
		nil, nil)
	avgProcessingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "avg_processing_seconds"),
		"Mean time from lease to completion of completed jobs.",
		nil, nil)
	oldestPendingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "oldest_pending_age_seconds"),
		"Age of the oldest pending job.",
		nil, nil)
	upDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "backend_up"),
		"1 if the backend answered its health check.",
		nil, nil)
)

// StatsCollector turns backend Stats into gauges at scrape time.
type StatsCollector struct {
	src StatsSource
	log *zap.Logger
}

var _ prometheus.Collector = (*StatsCollector)(nil)

func NewStatsCollector(src StatsSource, logger *zap.Logger) *StatsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsCollector{src: src, log: logger}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
	ch <- jobsTotalDesc
	ch <- avgProcessingDesc
	ch <- oldestPendingDesc
	ch <- upDesc
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	up := 0.0
	if c.src.HealthCheck(ctx) {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(upDesc, prometheus.GaugeValue, up)
	if up == 0 {
		return
	}

	st, err := c.src.Stats(ctx)
	if err != nil {
		c.log.Warn("stats scrape failed", zap.Error(err))
		return
	}
	for status, n := range map[domain.Status]int{
		domain.Pending:    st.Pending,
		domain.Processing: st.Processing,
		domain.Completed:  st.Completed,
		domain.Failed:     st.Failed,
		domain.Retrying:   st.Retrying,
		domain.Dead:       st.Dead,
	} {
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(jobsTotalDesc, prometheus.GaugeValue, float64(st.Total))
	ch <- prometheus.MustNewConstMetric(avgProcessingDesc, prometheus.GaugeValue, st.AvgProcessingTime.Seconds())
	ch <- prometheus.MustNewConstMetric(oldestPendingDesc, prometheus.GaugeValue, st.OldestPendingAge.Seconds())
}

// WorkerMetrics counts finished jobs per type and outcome.
type WorkerMetrics struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ worker.Observer = (*WorkerMetrics)(nil)

// NewWorkerMetrics registers its vectors with reg.
func NewWorkerMetrics(reg prometheus.Registerer) (*WorkerMetrics, error) {
	m := &WorkerMetrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Jobs finished by this worker, by type and outcome.",
		}, []string{"job_type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Handler run time including the final backend write.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_type"}),
	}
	for _, c := range []prometheus.Collector{m.jobs, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *WorkerMetrics) JobFinished(jobType string, outcome worker.Outcome, took time.Duration) {
	m.jobs.WithLabelValues(jobType, string(outcome)).Inc()
	m.duration.WithLabelValues(jobType).Observe(took.Seconds())
}
