package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tavern_relay"

// Metrics groups the relay's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg        prometheus.Registerer
	operations *prometheus.CounterVec
	remote     *prometheus.HistogramVec
	swept      prometheus.Counter
	snapshots  *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_operations_total",
			Help:      "Session operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		remote: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assistant_call_duration_seconds",
			Help:      "Latency of calls to the remote assistant service.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"call", "outcome"}),
		swept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Sessions removed by the expiry sweep.",
		}),
		snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Session snapshots written to storage by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveOperation counts one coordinator operation.
func (m *Metrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome(err)).Inc()
}

// ObserveRemote records the latency of one remote call started at started.
func (m *Metrics) ObserveRemote(call string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.remote.WithLabelValues(call, outcome(err)).Observe(time.Since(started).Seconds())
}

// AddSwept counts sessions removed by a sweep.
func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

// ObserveSnapshot counts one snapshot attempt.
func (m *Metrics) ObserveSnapshot(err error) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(outcome(err)).Inc()
}

// TrackSessions exposes the live session count through fn.
func (m *Metrics) TrackSessions(fn func() int) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently held in memory.",
	}, func() float64 { return float64(fn()) })
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
