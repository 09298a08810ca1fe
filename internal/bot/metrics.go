package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"arbtrader/internal/models"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// - Отклонения и сигналы по символам
// - Результаты и латентность циклов
// - Переполнения очередей между компонентами
//
// Метрики соединений площадок - в internal/exchange/metrics.go

// ============ Метрики рынка ============

// DeviationObserved - наблюдаемые отклонения mid цен
var DeviationObserved = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "deviation_observed_percent",
		Help:      "Observed cross-venue deviation in percent",
		Buckets:   []float64{-1, -0.5, -0.35, -0.1, -0.05, 0, 0.05, 0.1, 0.35, 0.5, 1},
	},
	[]string{"symbol"},
)

// QuotesSuppressed - котировки, не давшие события отклонения
var QuotesSuppressed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "quotes_suppressed_total",
		Help:      "Quotes that produced no deviation event",
	},
	[]string{"symbol", "reason"}, // no_counterpart, stale, below_min, invalid
)

// PriceUpdateLatency - время обработки котировки шардом
var PriceUpdateLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "price_update_latency_ms",
		Help:      "Time to process a price update in milliseconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	},
	[]string{"symbol"},
)

// ============ Сигналы ============

// SignalsTotal - выпущенные сигналы
var SignalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "signals_total",
		Help:      "Signals emitted by the detector",
	},
	[]string{"symbol", "type"},
)

// SignalsSuppressedByCooldown - вход был бы разрешён, но действует cooldown
var SignalsSuppressedByCooldown = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "signals_cooldown_suppressed_total",
		Help:      "Entry conditions met while the symbol cooldown was active",
	},
	[]string{"symbol"},
)

// DroppedSignals - сигналы, отброшенные исполнителем
var DroppedSignals = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "dropped_signals_total",
		Help:      "Signals dropped by the trade executor",
	},
	[]string{"reason"}, // in_progress, queue_full, unknown_venue
)

// ============ Циклы ============

// CyclesTotal - завершённые циклы
var CyclesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "cycles_total",
		Help:      "Finished arbitrage cycles",
	},
	[]string{"symbol", "result", "phase"}, // phase - фаза отказа, для успешных COMPLETED
)

// CycleLatency - сквозная латентность цикла (покупка -> продажа)
var CycleLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "cycle_latency_ms",
		Help:      "End-to-end buy fill to sell fill latency in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"clock"}, // server, local
)

// PhaseTransitions - переходы фаз цикла
var PhaseTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "cycle_phase_transitions_total",
		Help:      "Cycle phase transitions",
	},
	[]string{"to"},
)

// ActiveCycles - циклы с inProgress=true
var ActiveCycles = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "active_cycles",
		Help:      "Current number of in-progress cycles",
	},
)

// ExposureTotal - купленное, но не проданное: остаток усечения успешных циклов и позиция проваленных
// и остаток усечения успешных
var ExposureTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "exposure_base_total",
		Help:      "Bought but unsold base quantity left by cycles",
	},
	[]string{"symbol", "result"},
)

// Pnl - накопленный результат успешных циклов в котируемой валюте.
// Gauge: убыточный цикл уменьшает значение.
var Pnl = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "pnl_quote",
		Help:      "Cumulative realized PnL of completed cycles in quote currency",
	},
)

// ============ Очереди ============

// BufferOverflows - переполнения буферов каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (events dropped)",
	},
	[]string{"buffer"}, // quote_shard, signal, order_events, publish
)

// BufferBacklog - заполненность буфера в момент переполнения
var BufferBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "buffer_backlog_ratio",
		Help:      "Channel fill ratio observed at the last overflow",
	},
	[]string{"buffer"},
)

// ShardQueueSize - размер очереди в шардах
var ShardQueueSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "trading",
		Name:      "shard_queue_size",
		Help:      "Current size of shard event queue",
	},
	[]string{"shard"},
)

// ============ Вспомогательные функции ============

// RecordDeviation записывает наблюдаемое отклонение
func RecordDeviation(symbol string, pct float64) {
	DeviationObserved.WithLabelValues(symbol).Observe(pct)
}

// RecordQuoteSuppressed записывает подавленную котировку
func RecordQuoteSuppressed(symbol, reason string) {
	QuotesSuppressed.WithLabelValues(symbol, reason).Inc()
}

// RecordPriceUpdateLatency записывает латентность обработки цены
func RecordPriceUpdateLatency(symbol string, started time.Time) {
	PriceUpdateLatency.WithLabelValues(symbol).Observe(float64(time.Since(started).Microseconds()) / 1000)
}

// RecordSignal записывает выпущенный сигнал
func RecordSignal(sig models.Signal) {
	SignalsTotal.WithLabelValues(sig.Symbol, string(sig.Type)).Inc()
}

// RecordDroppedSignal записывает сигнал, отброшенный исполнителем
func RecordDroppedSignal(reason string) {
	DroppedSignals.WithLabelValues(reason).Inc()
}

// RecordCycle записывает итог цикла
func RecordCycle(out models.CycleOutcome) {
	if out.Success {
		CyclesTotal.WithLabelValues(out.Key.Symbol, "success", string(models.PhaseCompleted)).Inc()
		Pnl.Add(out.PnL())
		if out.Exposure > 0 {
			ExposureTotal.WithLabelValues(out.Key.Symbol, "success").Add(out.Exposure)
		}
		if out.ServerLatency > 0 {
			CycleLatency.WithLabelValues("server").Observe(float64(out.ServerLatency.Milliseconds()))
		}
		if out.LocalLatency > 0 {
			CycleLatency.WithLabelValues("local").Observe(float64(out.LocalLatency.Milliseconds()))
		}
		return
	}

	CyclesTotal.WithLabelValues(out.Key.Symbol, "failed", string(out.FailedPhase)).Inc()
	if out.Exposure > 0 {
		ExposureTotal.WithLabelValues(out.Key.Symbol, "failed").Add(out.Exposure)
	}
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordBufferBacklog записывает заполненность буфера
func RecordBufferBacklog(bufferName string, capacity, length int) {
	if capacity <= 0 {
		return
	}
	BufferBacklog.WithLabelValues(bufferName).Set(float64(length) / float64(capacity))
}
