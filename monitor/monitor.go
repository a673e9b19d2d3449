// monitor/monitor.go
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	OnlineSessions   prometheus.Gauge
	Participants     prometheus.Gauge
	MessagesReceived *prometheus.CounterVec
	MessageLatency   prometheus.Histogram
	SendFailures     prometheus.Counter
	DrinksLogged     prometheus.Counter
	Guesses          *prometheus.CounterVec
	MatchesStarted   prometheus.Counter
	HoldsCompleted   *prometheus.CounterVec
	Uptime           prometheus.GaugeFunc
}

func NewMetrics(namespace string, startTime time.Time) *Metrics {
	return &Metrics{
		OnlineSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_sessions",
			Help:      "Number of connected websocket sessions",
		}),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Number of crawl participants",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received",
		}, []string{"msg_id"}),
		MessageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_latency_seconds",
			Help:      "Message processing latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Messages that could not be written to a session",
		}),
		DrinksLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drinks_logged_total",
			Help:      "Drinks logged on this replica",
		}),
		Guesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "over_under_guesses_total",
			Help:      "Over/under guesses by result",
		}, []string{"result"}),
		MatchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pong_matches_started_total",
			Help:      "Pong matches started on this replica",
		}),
		HoldsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_completed_total",
			Help:      "Hold-to-confirm actions that ran",
		}, []string{"action"}),
		Uptime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the server started",
		}, func() float64 { return time.Since(startTime).Seconds() }),
	}
}

// Monitor owns a private registry so several monitors can coexist in one
// process.
type Monitor struct {
	metrics   *Metrics
	registry  *prometheus.Registry
	startTime time.Time
}

func NewMonitor(namespace string) *Monitor {
	start := time.Now()
	m := &Monitor{
		metrics:   NewMetrics(namespace, start),
		registry:  prometheus.NewRegistry(),
		startTime: start,
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.metrics.OnlineSessions,
		m.metrics.Participants,
		m.metrics.MessagesReceived,
		m.metrics.MessageLatency,
		m.metrics.SendFailures,
		m.metrics.DrinksLogged,
		m.metrics.Guesses,
		m.metrics.MatchesStarted,
		m.metrics.HoldsCompleted,
		m.metrics.Uptime,
	)
	return m
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Monitor) IncOnlineSessions() {
	m.metrics.OnlineSessions.Inc()
}

func (m *Monitor) DecOnlineSessions() {
	m.metrics.OnlineSessions.Dec()
}

func (m *Monitor) SetParticipants(count int) {
	m.metrics.Participants.Set(float64(count))
}

func (m *Monitor) IncMessagesReceived(msgID string) {
	m.metrics.MessagesReceived.WithLabelValues(msgID).Inc()
}

func (m *Monitor) ObserveMessageLatency(duration time.Duration) {
	m.metrics.MessageLatency.Observe(duration.Seconds())
}

func (m *Monitor) IncSendFailures() {
	m.metrics.SendFailures.Inc()
}

func (m *Monitor) IncDrinks() {
	m.metrics.DrinksLogged.Inc()
}

func (m *Monitor) IncGuess(correct bool) {
	result := "wrong"
	if correct {
		result = "correct"
	}
	m.metrics.Guesses.WithLabelValues(result).Inc()
}

func (m *Monitor) IncMatchesStarted() {
	m.metrics.MatchesStarted.Inc()
}

func (m *Monitor) IncHoldCompleted(action string) {
	m.metrics.HoldsCompleted.WithLabelValues(action).Inc()
}
