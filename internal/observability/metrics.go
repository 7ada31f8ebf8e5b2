package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pubsched/internal/eventbus"
	"pubsched/internal/task/scheduler"
)

const namespace = "pubsched"

// Metrics owns a private registry so tests and embedded runs never collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	remoteRequests *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	jobOutcomes    *prometheus.CounterVec
	jobTransitions *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	uploadedBytes  prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Calls made to the remote publishing endpoint.",
		}, []string{"op", "code"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Duration of calls to the remote publishing endpoint.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"op"}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Finished job runs by kind, status and error class.",
		}, []string{"kind", "status", "class"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions by target status.",
		}, []string{"to"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifier lifecycle events (queued, deduped, dropped, sent, failed).",
		}, []string{"event"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes acknowledged by the remote endpoint.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.remoteRequests,
		m.remoteDuration,
		m.jobOutcomes,
		m.jobTransitions,
		m.notifications,
		m.uploadedBytes,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveRemote matches remote.Config.OnRequest. A zero status means the call never got a response.
func (m *Metrics) ObserveRemote(op string, status int, took time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.remoteRequests.WithLabelValues(op, code).Inc()
	m.remoteDuration.WithLabelValues(op).Observe(took.Seconds())
}

// RegisterScheduler exports the scheduler and worker pool snapshot as gauges and counters.
func (m *Metrics) RegisterScheduler(snap func() scheduler.Snapshot) error {
	return m.reg.Register(&schedulerCollector{snap: snap})
}

// RegisterBus exports the count of events dropped by slow subscribers.
func (m *Metrics) RegisterBus(bus eventbus.Bus) error {
	return m.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Events dropped because a subscriber buffer was full.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

// Watch feeds bus events into counters until ctx is done or the subscription closes.
func (m *Metrics) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.SubscribeTypes(256, "job.", "notifier.")
	defer unsub()

	// Progress events carry cumulative bytes per item; remember the last value seen.
	type itemKey struct {
		job  string
		item int
	}
	last := map[itemKey]int64{}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch d := ev.Data.(type) {
			case eventbus.JobOutcome:
				m.jobOutcomes.WithLabelValues(d.Kind, d.Status, d.ErrorClass).Inc()
				for k := range last {
					if k.job == d.JobID {
						delete(last, k)
					}
				}
			case eventbus.JobStatus:
				m.jobTransitions.WithLabelValues(d.To).Inc()
			case eventbus.JobProgress:
				k := itemKey{d.JobID, d.ItemIndex}
				if delta := d.BytesDone - last[k]; delta > 0 {
					m.uploadedBytes.Add(float64(delta))
				}
				last[k] = d.BytesDone
			default:
				if name, ok := strings.CutPrefix(ev.Type, "notifier."); ok {
					m.notifications.WithLabelValues(name).Inc()
				}
			}
		}
	}
}

type schedulerCollector struct {
	snap func() scheduler.Snapshot
}

var (
	descPaused     = prometheus.NewDesc(namespace+"_scheduler_paused", "1 when dispatch is paused.", nil, nil)
	descRunning    = prometheus.NewDesc(namespace+"_scheduler_running_jobs", "Jobs currently executing.", nil, nil)
	descNextWake   = prometheus.NewDesc(namespace+"_scheduler_next_wake_timestamp_seconds", "Unix time of the next planned trigger pass.", nil, nil)
	descJobs       = prometheus.NewDesc(namespace+"_scheduler_jobs_total", "Scheduler job counters since start.", []string{"event"}, nil)
	descWorkers    = prometheus.NewDesc(namespace+"_engine_workers", "Worker goroutines in the pool.", nil, nil)
	descActive     = prometheus.NewDesc(namespace+"_engine_active_limit", "Maximum concurrently reserved slots.", nil, nil)
	descReserved   = prometheus.NewDesc(namespace+"_engine_reserved_slots", "Slots reserved by the scheduler.", nil, nil)
	descInFlight   = prometheus.NewDesc(namespace+"_engine_in_flight", "Tasks currently executing in the pool.", nil, nil)
	descQueue      = prometheus.NewDesc(namespace+"_engine_queue_length", "Tasks waiting for a worker.", nil, nil)
	descPanics     = prometheus.NewDesc(namespace+"_engine_panics_total", "Recovered task panics.", nil, nil)
	descGroupSlots = prometheus.NewDesc(namespace+"_engine_group_slots", "Reserved slots per account.", []string{"account"}, nil)
)

func (c *schedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descPaused, descRunning, descNextWake, descJobs, descWorkers, descActive, descReserved, descInFlight, descQueue, descPanics, descGroupSlots} {
		ch <- d
	}
}

func (c *schedulerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snap()
	paused := 0.0
	if s.Paused {
		paused = 1
	}
	ch <- prometheus.MustNewConstMetric(descPaused, prometheus.GaugeValue, paused)
	ch <- prometheus.MustNewConstMetric(descRunning, prometheus.GaugeValue, float64(len(s.Running)))
	if !s.NextWake.IsZero() {
		ch <- prometheus.MustNewConstMetric(descNextWake, prometheus.GaugeValue, float64(s.NextWake.Unix()))
	}
	for name, v := range map[string]uint64{
		"dispatched": s.Dispatched,
		"completed":  s.Completed,
		"failed":     s.Failed,
		"cancelled":  s.Cancelled,
		"retried":    s.Retried,
	} {
		ch <- prometheus.MustNewConstMetric(descJobs, prometheus.CounterValue, float64(v), name)
	}

	e := s.Engine
	ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(e.Workers))
	ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, float64(e.ActiveLimit))
	ch <- prometheus.MustNewConstMetric(descReserved, prometheus.GaugeValue, float64(e.Reserved))
	ch <- prometheus.MustNewConstMetric(descInFlight, prometheus.GaugeValue, float64(e.InFlight))
	ch <- prometheus.MustNewConstMetric(descQueue, prometheus.GaugeValue, float64(e.QueueLen))
	ch <- prometheus.MustNewConstMetric(descPanics, prometheus.CounterValue, float64(e.Panics))
	for account, n := range e.Groups {
		ch <- prometheus.MustNewConstMetric(descGroupSlots, prometheus.GaugeValue, float64(n), account)
	}
}
