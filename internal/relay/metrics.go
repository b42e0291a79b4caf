package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	roomsActive       prometheus.Gauge
	connsActive       prometheus.Gauge
	roomsCreated      prometheus.Counter
	roomsClosed       *prometheus.CounterVec
	creationsRejected *prometheus.CounterVec
	joins             *prometheus.CounterVec
	relayedBytes      *prometheus.CounterVec
	kicks             prometheus.Counter
	stateRequests     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claj_rooms_active",
			Help: "Current number of open rooms.",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claj_connections_active",
			Help: "Current number of client connections.",
		}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claj_rooms_created_total",
			Help: "Rooms created since start.",
		}),
		roomsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claj_rooms_closed_total",
			Help: "Rooms closed grouped by reason.",
		}, []string{"reason"}),
		creationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claj_room_creations_rejected_total",
			Help: "Room creation requests rejected grouped by reason.",
		}, []string{"reason"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claj_joins_total",
			Help: "Join requests grouped by result.",
		}, []string{"result"}),
		relayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claj_relayed_bytes_total",
			Help: "Tunneled payload bytes per direction.",
		}, []string{"direction"}),
		kicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claj_spam_kicks_total",
			Help: "Connections kicked for packet spam.",
		}),
		stateRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claj_state_requests_total",
			Help: "Room state requests sent to hosts grouped by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.roomsActive,
		m.connsActive,
		m.roomsCreated,
		m.roomsClosed,
		m.creationsRejected,
		m.joins,
		m.relayedBytes,
		m.kicks,
		m.stateRequests,
	)
	return m
}

func (m *Metrics) incConn() {
	if m == nil {
		return
	}
	m.connsActive.Inc()
}

func (m *Metrics) decConn() {
	if m == nil {
		return
	}
	m.connsActive.Dec()
}

func (m *Metrics) roomCreated() {
	if m == nil {
		return
	}
	m.roomsActive.Inc()
	m.roomsCreated.Inc()
}

func (m *Metrics) roomClosed(reason string) {
	if m == nil {
		return
	}
	m.roomsActive.Dec()
	m.roomsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) creationRejected(reason string) {
	if m == nil {
		return
	}
	m.creationsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordJoin(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

func (m *Metrics) relayed(direction string, n int) {
	if m == nil {
		return
	}
	m.relayedBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) kicked() {
	if m == nil {
		return
	}
	m.kicks.Inc()
}

func (m *Metrics) stateRequest(result string) {
	if m == nil {
		return
	}
	m.stateRequests.WithLabelValues(result).Inc()
}
