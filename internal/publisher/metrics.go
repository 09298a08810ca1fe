package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ Метрики рассылки ============

// EventsPublished - события, разосланные получателям
var EventsPublished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "publisher",
		Name:      "events_published_total",
		Help:      "Events dispatched to sinks",
	},
	[]string{"kind"}, // spread, signal, cycle
)

// EventsDropped - события, отброшенные из-за переполнения очереди
var EventsDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "publisher",
		Name:      "events_dropped_total",
		Help:      "Events dropped because the publisher queue was full",
	},
	[]string{"kind"},
)

// SinkErrors - ошибки получателей
var SinkErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "publisher",
		Name:      "sink_errors_total",
		Help:      "Sink delivery failures",
	},
	[]string{"sink", "kind"},
)

// SinkLatency - время одного вызова получателя
var SinkLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "publisher",
		Name:      "sink_latency_ms",
		Help:      "Sink call duration in milliseconds",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500},
	},
	[]string{"sink"},
)
