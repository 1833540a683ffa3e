package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicepoints"

// Recorder is implemented by Prometheus and Noop.
type Recorder interface {
	SetBreakerState(class, state string)
	IncRetries(class string)
	IncTimeouts(class string)
	IncFailures(class, kind string)
	IncPoolExhausted()

	IncSessionsOpened()
	IncSessionsClosed(reason string)
	AddPointsAwarded(points int)
	IncHeartbeatFailures()
	IncBoundaryFailures()
	IncRecovered(outcome string)

	IncCacheHits()
	IncCacheMisses()
}

// Prometheus records into a prometheus registry.
type Prometheus struct {
	breakerState     *prometheus.GaugeVec
	retries          *prometheus.CounterVec
	timeouts         *prometheus.CounterVec
	failures         *prometheus.CounterVec
	poolExhausted    prometheus.Counter
	sessionsOpened   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	pointsAwarded    prometheus.Counter
	heartbeatFailure prometheus.Counter
	boundaryFailure  prometheus.Counter
	recovered        *prometheus.CounterVec
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
}

var breakerStates = []string{"closed", "half-open", "open"}

func (m *Prometheus) SetBreakerState(class, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.breakerState.WithLabelValues(class, s).Set(v)
	}
}

func (m *Prometheus) IncRetries(class string) {
	m.retries.WithLabelValues(class).Inc()
}

func (m *Prometheus) IncTimeouts(class string) {
	m.timeouts.WithLabelValues(class).Inc()
}

func (m *Prometheus) IncFailures(class, kind string) {
	m.failures.WithLabelValues(class, kind).Inc()
}

func (m *Prometheus) IncPoolExhausted() {
	m.poolExhausted.Inc()
}

func (m *Prometheus) IncSessionsOpened() {
	m.sessionsOpened.Inc()
}

func (m *Prometheus) IncSessionsClosed(reason string) {
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Prometheus) AddPointsAwarded(points int) {
	if points > 0 {
		m.pointsAwarded.Add(float64(points))
	}
}

func (m *Prometheus) IncHeartbeatFailures() {
	m.heartbeatFailure.Inc()
}

func (m *Prometheus) IncBoundaryFailures() {
	m.boundaryFailure.Inc()
}

func (m *Prometheus) IncRecovered(outcome string) {
	m.recovered.WithLabelValues(outcome).Inc()
}

func (m *Prometheus) IncCacheHits() {
	m.cacheHits.Inc()
}

func (m *Prometheus) IncCacheMisses() {
	m.cacheMisses.Inc()
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per operation class (1 for the current state).",
		}, []string{"class", "state"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_retries_total",
			Help:      "Persistence calls retried after a transient failure.",
		}, []string{"class"}),
		timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_timeouts_total",
			Help:      "Persistence calls that exceeded their deadline.",
		}, []string{"class"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Failed persistence attempts by error kind.",
		}, []string{"class", "kind"}),
		poolExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_pool_exhausted_total",
			Help:      "Calls started while every pooled connection was in use.",
		}),
		sessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Voice sessions opened.",
		}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Voice sessions closed by reason.",
		}, []string{"reason"}),
		pointsAwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_awarded_total",
			Help:      "Points awarded by closed sessions.",
		}),
		heartbeatFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat writes that failed.",
		}),
		boundaryFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boundary_failures_total",
			Help:      "Per-user failures during day or month boundary processing.",
		}),
		recovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_sessions_total",
			Help:      "Orphaned sessions reconciled at startup by outcome.",
		}, []string{"outcome"}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Query cache hits.",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Query cache misses.",
		}),
	}
}

// RegisterSessionGauges exposes the in-memory session counts.
func RegisterSessionGauges(reg prometheus.Registerer, counts func() (active, grace int)) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Users currently tracked as active in voice.",
	}, func() float64 {
		a, _ := counts()
		return float64(a)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "grace_sessions",
		Help:      "Users currently inside their reconnect grace window.",
	}, func() float64 {
		_, g := counts()
		return float64(g)
	})
}

// RegisterDBStats exposes connection pool statistics, including the number
// of clients that had to wait for a connection.
func RegisterDBStats(reg prometheus.Registerer, db *sql.DB) {
	reg.MustRegister(collectors.NewDBStatsCollector(db, namespace))
}

// Noop discards everything.
type Noop struct{}

func (Noop) SetBreakerState(_, _ string) {}
func (Noop) IncRetries(_ string)         {}
func (Noop) IncTimeouts(_ string)        {}
func (Noop) IncFailures(_, _ string)     {}
func (Noop) IncPoolExhausted()           {}
func (Noop) IncSessionsOpened()          {}
func (Noop) IncSessionsClosed(_ string)  {}
func (Noop) AddPointsAwarded(_ int)      {}
func (Noop) IncHeartbeatFailures()       {}
func (Noop) IncBoundaryFailures()        {}
func (Noop) IncRecovered(_ string)       {}
func (Noop) IncCacheHits()               {}
func (Noop) IncCacheMisses()             {}
