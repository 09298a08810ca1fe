package handlers

import (
	"net/http"
	"time"

	"arbtrader/internal/models"
)

// EngineView - снимки состояния торгового ядра (bot.Engine)
type EngineView interface {
	Cycles() []models.CycleState
	Connections() []models.ConnectionState
}

// OpsHandler отдаёт оператору текущее состояние ядра.
//
// Endpoints:
// - GET /api/v1/cycles - идущие циклы
// - GET /api/v1/connections - соединения площадок
type OpsHandler struct {
	engine EngineView
	now    func() time.Time
}

// NewOpsHandler создает OpsHandler
func NewOpsHandler(engine EngineView) *OpsHandler {
	return &OpsHandler{engine: engine, now: time.Now}
}

// CyclesResponse - ответ GET /api/v1/cycles
type CyclesResponse struct {
	Cycles    []models.CycleState `json:"cycles"`
	Count     int                 `json:"count"`
	Timestamp time.Time           `json:"timestamp"`
}

// ConnectionsResponse - ответ GET /api/v1/connections
type ConnectionsResponse struct {
	Connections []models.ConnectionState `json:"connections"`
	AllReady    bool                     `json:"all_ready"`
	Timestamp   time.Time                `json:"timestamp"`
}

// GetCycles возвращает снимки циклов, которые сейчас выполняются.
//
// GET /api/v1/cycles
//
// Response 200 OK:
//
//	{
//	  "cycles": [{"key": {"symbol": "BTCUSDT", "buy_venue": "gate", "sell_venue": "bybit"},
//	              "phase": "TRAILING_BUY", ...}],
//	  "count": 1,
//	  "timestamp": "2024-05-01T12:00:00Z"
//	}
func (h *OpsHandler) GetCycles(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running", nil)
		return
	}

	cycles := h.engine.Cycles()
	if cycles == nil {
		cycles = []models.CycleState{}
	}

	writeJSON(w, http.StatusOK, CyclesResponse{
		Cycles:    cycles,
		Count:     len(cycles),
		Timestamp: h.now(),
	})
}

// GetConnections возвращает состояние всех соединений площадок.
// all_ready=false, если хотя бы одно соединение не в READY.
//
// GET /api/v1/connections
func (h *OpsHandler) GetConnections(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running", nil)
		return
	}

	states := h.engine.Connections()
	if states == nil {
		states = []models.ConnectionState{}
	}

	ready := len(states) > 0
	for _, s := range states {
		if s.Phase != models.ConnReady {
			ready = false
			break
		}
	}

	writeJSON(w, http.StatusOK, ConnectionsResponse{
		Connections: states,
		AllReady:    ready,
		Timestamp:   h.now(),
	})
}
