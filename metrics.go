package spanz

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	kindSpan        = "span"
	kindTransaction = "transaction"

	dropRecorderOverflow = "recorder_overflow"
	dropChildOverflow    = "child_overflow"
	dropCollectorFull    = "collector_backpressure"
	dropHandlerQueueFull = "handler_queue"
)

// Metrics instruments the engine. A nil *Metrics records nothing.
type Metrics struct {
	SpansStarted         *prometheus.CounterVec
	TransactionsFinished *prometheus.CounterVec
	SamplingDecisions    *prometheus.CounterVec
	SpansDropped         *prometheus.CounterVec
	IdleTransactions     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SpansStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spanz",
				Name:      "spans_started_total",
				Help:      "Spans started, by kind.",
			},
			[]string{"kind"}, // span | transaction
		),
		TransactionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spanz",
				Name:      "transactions_finished_total",
				Help:      "Transactions finished, by sampling outcome and finish reason.",
			},
			[]string{"sampled", "reason"},
		),
		SamplingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spanz",
				Name:      "sampling_decisions_total",
				Help:      "Root sampling decisions, by rule and outcome.",
			},
			[]string{"reason", "sampled"},
		),
		SpansDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spanz",
				Name:      "spans_dropped_total",
				Help:      "Spans or events dropped to bound memory, by cause.",
			},
			[]string{"cause"},
		),
		IdleTransactions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "spanz",
				Name:      "idle_transactions_open",
				Help:      "Idle transactions currently open.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.SpansStarted, m.TransactionsFinished, m.SamplingDecisions,
			m.SpansDropped, m.IdleTransactions,
		)
	}
	return m
}

func (m *Metrics) spanStarted(kind string) {
	if m == nil {
		return
	}
	m.SpansStarted.WithLabelValues(kind).Inc()
}

func (m *Metrics) transactionFinished(sampled bool, reason string) {
	if m == nil {
		return
	}
	m.TransactionsFinished.WithLabelValues(strconv.FormatBool(sampled), reason).Inc()
}

func (m *Metrics) sampled(d SamplingDecision) {
	if m == nil {
		return
	}
	m.SamplingDecisions.WithLabelValues(string(d.Reason), strconv.FormatBool(d.Sampled)).Inc()
}

func (m *Metrics) spanDropped(cause string) {
	if m == nil {
		return
	}
	m.SpansDropped.WithLabelValues(cause).Inc()
}

func (m *Metrics) idleOpened() {
	if m == nil {
		return
	}
	m.IdleTransactions.Inc()
}

func (m *Metrics) idleClosed() {
	if m == nil {
		return
	}
	m.IdleTransactions.Dec()
}
