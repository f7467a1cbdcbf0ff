package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Join outcomes reported by the directory.
const (
	JoinAccepted = "accepted"
	JoinFull     = "full"
	JoinInPlay   = "in_play"
)

// Broadcast kinds reported by sessions.
const (
	BroadcastDelta     = "delta"
	BroadcastFull      = "full"
	BroadcastHeartbeat = "heartbeat"
	BroadcastSnapshot  = "snapshot"
)

// Metrics holds the Prometheus collectors for the synchronizer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	joins           *prometheus.CounterVec
	ticks           prometheus.Counter
	broadcastBytes  *prometheus.CounterVec
	slotDrops       *prometheus.CounterVec
	tickDuration    prometheus.Histogram
}

// NewMetrics registers the synchronizer collectors with reg.
//
// Precondition: reg must be non-nil and must not already hold these collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns = "sessionsync"

	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "sessions_active",
			Help:      "Sessions whose tick loop is running",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sessions_created_total",
			Help:      "Sessions created by the directory",
		}),
		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sessions_ended_total",
			Help:      "Sessions retired, by reason",
		}, []string{"reason"}),
		joins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "joins_total",
			Help:      "Join commands processed, by outcome",
		}, []string{"result"}),
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ticks_total",
			Help:      "Tick loop iterations across all sessions",
		}),
		broadcastBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "broadcast_bytes_total",
			Help:      "Bytes written to peers, by record kind",
		}, []string{"kind"}),
		slotDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "slot_drops_total",
			Help:      "Slots lost to I/O failure, by session phase",
		}, []string{"phase"}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one read/arbitrate/write round",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
	}
}

// SessionCreated records a new session.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// SessionActivated records a session entering its tick loop.
func (m *Metrics) SessionActivated() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionEnded records a retired session. wasActive tells whether it ever ran its tick loop.
func (m *Metrics) SessionEnded(reason string, wasActive bool) {
	if m == nil {
		return
	}
	if wasActive {
		m.sessionsActive.Dec()
	}
	m.sessionsEnded.WithLabelValues(reason).Inc()
}

// Join records the outcome of a join command.
func (m *Metrics) Join(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

// Tick records one tick taking seconds of wall time.
func (m *Metrics) Tick(seconds float64) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(seconds)
}

// Broadcast records n bytes of the given kind written to one peer.
func (m *Metrics) Broadcast(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastBytes.WithLabelValues(kind).Add(float64(n))
}

// SlotDropped records a lost slot. committed tells whether the session had filled.
func (m *Metrics) SlotDropped(committed bool) {
	if m == nil {
		return
	}
	phase := "filling"
	if committed {
		phase = "committed"
	}
	m.slotDrops.WithLabelValues(phase).Inc()
}
