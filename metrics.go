package chatkit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client-side chat counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	optimistic      prometheus.Counter
	reconciled      prometheus.Counter
	reconcileMisses prometheus.Counter
	inbound         prometheus.Counter
	inboundDupes    prometheus.Counter
	sendFailures    prometheus.Counter
	readReceipts    *prometheus.CounterVec
	connected       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// Pass nil to get unregistered collectors (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		optimistic: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkit",
			Name:      "optimistic_messages_total",
			Help:      "Messages appended locally before server confirmation.",
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkit",
			Name:      "reconciled_messages_total",
			Help:      "Optimistic messages replaced by their confirmed counterpart.",
		}),
		reconcileMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkit",
			Name:      "reconcile_misses_total",
			Help:      "Confirmations whose temp id was no longer in the store.",
		}),
		inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkit",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages appended to the store.",
		}),
		inboundDupes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkit",
			Name:      "inbound_duplicates_total",
			Help:      "Inbound messages dropped because their id was already stored.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkit",
			Name:      "send_failures_total",
			Help:      "Sends that failed or were rejected; the message stays in sending.",
		}),
		readReceipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatkit",
			Name:      "read_receipts_total",
			Help:      "Read receipts by direction.",
		}, []string{"direction"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatkit",
			Name:      "channel_connected",
			Help:      "1 while the real-time channel is connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.optimistic, m.reconciled, m.reconcileMisses,
			m.inbound, m.inboundDupes, m.sendFailures,
			m.readReceipts, m.connected,
		)
	}
	return m
}

func (m *Metrics) incOptimistic() {
	if m != nil {
		m.optimistic.Inc()
	}
}

func (m *Metrics) incReconciled() {
	if m != nil {
		m.reconciled.Inc()
	}
}

func (m *Metrics) incReconcileMiss() {
	if m != nil {
		m.reconcileMisses.Inc()
	}
}

func (m *Metrics) incInbound() {
	if m != nil {
		m.inbound.Inc()
	}
}

func (m *Metrics) incInboundDuplicate() {
	if m != nil {
		m.inboundDupes.Inc()
	}
}

func (m *Metrics) incSendFailure() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) incReadReceipt(direction string) {
	if m != nil {
		m.readReceipts.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
