package webrun

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	tasksSubmitted  prometheus.Counter
	tasksFinished   *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	actionsTotal    *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	pending         prometheus.Gauge
	running         prometheus.Gauge
	eventsTotal     *prometheus.CounterVec
	droppedConns    prometheus.Counter
	forwardDropped  prometheus.Counter
	batchesFlushed  prometheus.Counter
	entriesBatched  prometheus.Counter
	workersLaunched *prometheus.CounterVec
}

// NewMetrics registers collectors on reg under namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tasksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks accepted by the scheduler",
		}),
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of task runs by terminal status",
		}, []string{"status"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task run duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		actionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Total number of actions executed",
		}, []string{"action", "outcome"}),
		actionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_pending",
			Help:      "Tasks waiting to run",
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks currently running",
		}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Total number of events broadcast",
		}, []string{"type"}),
		droppedConns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected for being slow or broken",
		}),
		forwardDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_forward_dropped_total",
			Help:      "Events a forwarder could not queue",
		}),
		batchesFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_batches_flushed_total",
			Help:      "Log batches delivered",
		}),
		entriesBatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_entries_batched_total",
			Help:      "Log entries delivered inside a batch",
		}),
		workersLaunched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_launched_total",
			Help:      "Worker process launches by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) taskSubmitted() {
	if m == nil {
		return
	}
	m.tasksSubmitted.Inc()
}

func (m *Metrics) taskFinished(st Status, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(string(st)).Inc()
	m.taskDuration.WithLabelValues(string(st)).Observe(d.Seconds())
}

func (m *Metrics) action(typ ActionType, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.actionsTotal.WithLabelValues(string(typ), outcome).Inc()
	m.actionDuration.WithLabelValues(string(typ)).Observe(d.Seconds())
}

func (m *Metrics) queueSizes(pending, running int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.running.Set(float64(running))
}

func (m *Metrics) event(t EventType) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) subscriberDropped() {
	if m == nil {
		return
	}
	m.droppedConns.Inc()
}

func (m *Metrics) forwardDrop() {
	if m == nil {
		return
	}
	m.forwardDropped.Inc()
}

func (m *Metrics) batchFlushed(n int) {
	if m == nil {
		return
	}
	m.batchesFlushed.Inc()
	m.entriesBatched.Add(float64(n))
}

func (m *Metrics) workerLaunched(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.workersLaunched.WithLabelValues("failure").Inc()
		return
	}
	m.workersLaunched.WithLabelValues("success").Inc()
}

// Middleware records per-action counts and latency.
func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, s Session, a Action) (Outcome, error) {
			start := time.Now()
			out, err := next(ctx, s, a)
			m.action(a.Type, err, time.Since(start))
			return out, err
		}
	}
}
