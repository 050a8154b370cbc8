// Package metrics exports job runner activity to Prometheus. Counters and
// histograms are fed from the event bus; queue gauges are read from the
// runner snapshot at scrape time.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/task/engine"
)

const namespace = "jobrunner"

// Metrics owns the job runner collectors.
type Metrics struct {
	Events       *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	QueueDrained *prometheus.CounterVec
}

// New registers the collectors on reg. snapshot, when set, backs the
// per-queue gauges; dropped, when set, exposes the bus drop counter.
func New(reg prometheus.Registerer, snapshot func() engine.Snapshot, dropped func() uint64) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_events_total",
				Help:      "Job lifecycle events by type",
			},
			[]string{"event", "variant", "queue"},
		),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_failures_total",
				Help:      "Job failures by whether the job was removed",
			},
			[]string{"variant", "queue", "permanent"}, // permanent: "true" or "false"
		),
		// Buckets: 5ms to ~82s
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Executor run time of finished jobs",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 15),
			},
			[]string{"variant", "queue", "outcome"},
		),
		QueueDrained: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_drained_total",
				Help:      "Times a queue stopped with nothing left to schedule",
			},
			[]string{"queue"},
		),
	}
	if snapshot != nil {
		reg.MustRegister(&queueCollector{snapshot: snapshot})
	}
	if dropped != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_events_total",
			Help:      "Events not delivered to a slow subscriber",
		}, func() float64 { return float64(dropped()) })
	}
	return m
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(1024, "job.", "queue.")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe records a single event.
func (m *Metrics) Observe(e eventbus.Event) {
	je, ok := e.Data.(engine.JobEvent)
	if !ok {
		return
	}
	if e.Type == engine.EventQueueDrained {
		m.QueueDrained.WithLabelValues(je.Queue).Inc()
		return
	}
	m.Events.WithLabelValues(e.Type, je.Variant, je.Queue).Inc()

	switch e.Type {
	case engine.EventJobSucceeded:
		m.Duration.WithLabelValues(je.Variant, je.Queue, "succeeded").Observe(je.Duration.Seconds())
	case engine.EventJobFailed:
		permanent := "false"
		if je.Permanent {
			permanent = "true"
		}
		m.Failures.WithLabelValues(je.Variant, je.Queue, permanent).Inc()
		if je.Duration > 0 {
			m.Duration.WithLabelValues(je.Variant, je.Queue, "failed").Observe(je.Duration.Seconds())
		}
	}
}

var (
	pendingDesc = prometheus.NewDesc(namespace+"_queue_pending_jobs", "Jobs waiting in a queue's in-memory list", []string{"queue"}, nil)
	runningDesc = prometheus.NewDesc(namespace+"_queue_running", "1 while the queue is running", []string{"queue"}, nil)
	currentDesc = prometheus.NewDesc(namespace+"_queue_current_jobs", "Jobs executing right now", []string{"queue"}, nil)
	parkedDesc  = prometheus.NewDesc(namespace+"_queue_parked_jobs", "Jobs waiting on a dependency owned by another queue", []string{"queue"}, nil)
)

type queueCollector struct {
	snapshot func() engine.Snapshot
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pendingDesc
	ch <- runningDesc
	ch <- currentDesc
	ch <- parkedDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range c.snapshot().Queues {
		running := 0.0
		if q.Running {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(q.Pending), q.Name)
		ch <- prometheus.MustNewConstMetric(runningDesc, prometheus.GaugeValue, running, q.Name)
		ch <- prometheus.MustNewConstMetric(currentDesc, prometheus.GaugeValue, float64(len(q.CurrentJobs)), q.Name)
		ch <- prometheus.MustNewConstMetric(parkedDesc, prometheus.GaugeValue, float64(q.Parked), q.Name)
	}
}
