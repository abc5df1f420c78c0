package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics содержит коллекторы Prometheus для оркестратора выплат.
// Методы допускают nil-получатель.
type Metrics struct {
	captures      *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	pollAttempts  prometheus.Counter
	anomalies     *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	inFlight      prometheus.Gauge
	settleLatency prometheus.Histogram
}

// NewMetrics создаёт и регистрирует коллекторы в указанном реестре.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payoutd",
			Name:      "captures_total",
			Help:      "Payout capture attempts segmented by result.",
		}, []string{"result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payoutd",
			Name:      "settlements_total",
			Help:      "Finished payout tracking segmented by result.",
		}, []string{"result"}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "payoutd",
			Name:      "poll_attempts_total",
			Help:      "Gateway status checks performed.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payoutd",
			Name:      "anomalies_total",
			Help:      "Detected reconciliation anomalies segmented by kind.",
		}, []string{"kind"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payoutd",
			Name:      "refreshes_total",
			Help:      "Full reloads of balances and payout requests.",
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "payoutd",
			Name:      "in_flight",
			Help:      "Payout requests currently being captured.",
		}),
		settleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "payoutd",
			Name:      "settle_latency_seconds",
			Help:      "Time from gateway initiation to balance reconciliation.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.captures,
			m.settlements,
			m.pollAttempts,
			m.anomalies,
			m.refreshes,
			m.inFlight,
			m.settleLatency,
		)
	}
	return m
}

func (m *Metrics) recordCapture(result string) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(result).Inc()
}

func (m *Metrics) recordSettlement(result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(result).Inc()
}

func (m *Metrics) recordPoll() {
	if m == nil {
		return
	}
	m.pollAttempts.Inc()
}

func (m *Metrics) recordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) observeSettle(d time.Duration) {
	if m == nil {
		return
	}
	m.settleLatency.Observe(d.Seconds())
}
