// Package metrics exposes engine activity as Prometheus metrics. It is
// a passive observer: it subscribes to the event bus and never feeds
// back into scheduling decisions.
package metrics

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/finsight/analysis-engine/internal/events"
)

const namespace = "analysis_engine"

// Observer consumes job lifecycle events and maintains counters and
// histograms describing engine throughput and latency. It implements
// prometheus.Collector.
type Observer struct {
	logger *slog.Logger
	sub    *events.Subscription

	jobsQueued    atomic.Uint64
	jobsStarted   atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsFailed    atomic.Uint64
	jobsCancelled atomic.Uint64
	jobsRetried   atomic.Uint64

	jobsQueuedDesc    *prometheus.Desc
	jobsStartedDesc   *prometheus.Desc
	jobsCompletedDesc *prometheus.Desc
	jobsFailedDesc    *prometheus.Desc
	jobsCancelledDesc *prometheus.Desc
	jobsRetriedDesc   *prometheus.Desc

	queueWaitSeconds prometheus.Histogram
	execSeconds      *prometheus.HistogramVec

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewObserver subscribes to the bus and begins consuming events
// immediately. Call Stop to detach.
func NewObserver(bus events.EventBus, logger *slog.Logger) *Observer {
	o := &Observer{
		logger: logger.With("component", "metrics_observer"),
		sub:    bus.Subscribe(events.AllTypes()...),

		jobsQueuedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_queued_total"),
			"Number of jobs admitted to the queue", nil, nil),
		jobsStartedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_started_total"),
			"Number of job execution attempts started", nil, nil),
		jobsCompletedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_completed_total"),
			"Number of jobs that completed successfully", nil, nil),
		jobsFailedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_failed_total"),
			"Number of jobs that failed terminally", nil, nil),
		jobsCancelledDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_cancelled_total"),
			"Number of jobs cancelled before completion", nil, nil),
		jobsRetriedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_retried_total"),
			"Number of retry attempts scheduled after failures", nil, nil),

		queueWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prometheus.BuildFQName(namespace, "", "queue_wait_seconds"),
			Help:    "Time between job submission and first dispatch",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		execSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prometheus.BuildFQName(namespace, "", "execution_seconds"),
			Help:    "Wall time between dispatch and terminal outcome",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		}, []string{"outcome"}),
	}

	o.wg.Add(1)
	go o.consume()
	return o
}

// Stop detaches from the bus and waits for the consumer to drain.
func (o *Observer) Stop() {
	o.stopOnce.Do(func() {
		o.sub.Close()
		o.wg.Wait()
	})
}

// Describe implements prometheus.Collector.
func (o *Observer) Describe(ch chan<- *prometheus.Desc) {
	ch <- o.jobsQueuedDesc
	ch <- o.jobsStartedDesc
	ch <- o.jobsCompletedDesc
	ch <- o.jobsFailedDesc
	ch <- o.jobsCancelledDesc
	ch <- o.jobsRetriedDesc
	o.queueWaitSeconds.Describe(ch)
	o.execSeconds.Describe(ch)
}

// Collect implements prometheus.Collector.
func (o *Observer) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		o.jobsQueuedDesc, prometheus.CounterValue, float64(o.jobsQueued.Load()))
	ch <- prometheus.MustNewConstMetric(
		o.jobsStartedDesc, prometheus.CounterValue, float64(o.jobsStarted.Load()))
	ch <- prometheus.MustNewConstMetric(
		o.jobsCompletedDesc, prometheus.CounterValue, float64(o.jobsCompleted.Load()))
	ch <- prometheus.MustNewConstMetric(
		o.jobsFailedDesc, prometheus.CounterValue, float64(o.jobsFailed.Load()))
	ch <- prometheus.MustNewConstMetric(
		o.jobsCancelledDesc, prometheus.CounterValue, float64(o.jobsCancelled.Load()))
	ch <- prometheus.MustNewConstMetric(
		o.jobsRetriedDesc, prometheus.CounterValue, float64(o.jobsRetried.Load()))
	o.queueWaitSeconds.Collect(ch)
	o.execSeconds.Collect(ch)
}

// Register adds the observer to the given registerer.
func (o *Observer) Register(reg prometheus.Registerer) error {
	return reg.Register(o)
}

func (o *Observer) consume() {
	defer o.wg.Done()

	for evt := range o.sub.C {
		o.record(evt)
	}
}

func (o *Observer) record(evt events.JobEvent) {
	switch evt.Type {
	case events.JobQueued:
		o.jobsQueued.Add(1)

	case events.JobStarted:
		o.jobsStarted.Add(1)
		if evt.Job.StartedAt != nil && evt.Job.RetryCount == 0 {
			o.queueWaitSeconds.Observe(evt.Job.StartedAt.Sub(evt.Job.CreatedAt).Seconds())
		}

	case events.JobCompleted:
		o.jobsCompleted.Add(1)
		o.observeExecution(evt, "completed")

	case events.JobFailed:
		o.jobsFailed.Add(1)
		o.observeExecution(evt, "failed")

	case events.JobCancelled:
		o.jobsCancelled.Add(1)

	case events.JobRequeuedForRetry:
		o.jobsRetried.Add(1)

	default:
		o.logger.Debug("ignoring unknown event type", "type", evt.Type)
	}
}

func (o *Observer) observeExecution(evt events.JobEvent, outcome string) {
	job := evt.Job
	if job.StartedAt == nil || job.CompletedAt == nil {
		return
	}
	o.execSeconds.WithLabelValues(outcome).
		Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
}
