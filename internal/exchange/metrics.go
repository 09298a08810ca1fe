package exchange

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"arbtrader/internal/models"
)

// ============================================================
// Prometheus метрики соединений и запросов к площадкам
// ============================================================

// ConnectionPhase - текущая фаза соединения (0=disconnected ... 3=ready, 4=closed)
var ConnectionPhase = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "arbitrage",
		Subsystem: "venue",
		Name:      "connection_phase",
		Help:      "Connection phase per venue channel chunk (0=disconnected,1=connecting,2=auth_pending,3=ready,4=closed)",
	},
	[]string{"venue", "class", "chunk"},
)

// Reconnects - количество переподключений
var Reconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "venue",
		Name:      "reconnects_total",
		Help:      "Total number of reconnect attempts that reached ready",
	},
	[]string{"venue", "class"},
)

// OrderRequestLatency - время от отправки запроса до ответа с тем же correlation id
var OrderRequestLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "venue",
		Name:      "order_request_latency_ms",
		Help:      "Order request round trip over the trade channel in milliseconds",
		Buckets:   []float64{5, 10, 25, 50, 100, 200, 500, 1000, 5000, 10000},
	},
	[]string{"venue", "op"},
)

// OrderRequests - результаты запросов: ok, rejected, timeout, error
var OrderRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "venue",
		Name:      "order_requests_total",
		Help:      "Order requests by outcome",
	},
	[]string{"venue", "op", "outcome"},
)

var phaseValues = map[models.ConnectionPhase]float64{
	models.ConnDisconnected: 0,
	models.ConnConnecting:   1,
	models.ConnAuthPending:  2,
	models.ConnReady:        3,
	models.ConnClosed:       4,
}

func recordPhase(venue string, class models.ChannelClass, chunk int, phase models.ConnectionPhase) {
	ConnectionPhase.WithLabelValues(venue, string(class), strconv.Itoa(chunk)).Set(phaseValues[phase])
}

// recordOrderRequest учитывает запрос по исходу
func recordOrderRequest(venue, op string, started time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
		OrderRequestLatency.WithLabelValues(venue, op).Observe(float64(time.Since(started).Microseconds()) / 1000)
	case errors.Is(err, ErrOrderRejected):
		outcome = "rejected"
	case errors.Is(err, ErrRequestTimeout):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	OrderRequests.WithLabelValues(venue, op, outcome).Inc()
}
