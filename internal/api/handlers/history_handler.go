package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"arbtrader/internal/repository"
	"arbtrader/pkg/utils"
)

// CycleHistory - журнал завершённых циклов (repository.CycleRepository)
type CycleHistory interface {
	ListRecent(ctx context.Context, symbol string, limit int) ([]*repository.CycleRecord, error)
	GetByID(ctx context.Context, id int64) (*repository.CycleRecord, error)
	Stats(ctx context.Context, since time.Time) (*repository.CycleStats, error)
}

// HistoryHandler обрабатывает запросы к журналу циклов.
// Регистрируется, только если включена БД.
//
// Endpoints:
// - GET /api/v1/cycles/history?symbol=BTCUSDT&limit=50
// - GET /api/v1/cycles/history/{id}
// - GET /api/v1/stats?period=24h
type HistoryHandler struct {
	history CycleHistory
	now     func() time.Time
}

// NewHistoryHandler создает HistoryHandler
func NewHistoryHandler(history CycleHistory) *HistoryHandler {
	return &HistoryHandler{history: history, now: time.Now}
}

// StatsResponse - ответ GET /api/v1/stats
type StatsResponse struct {
	repository.CycleStats
	Period string    `json:"period"`
	Since  time.Time `json:"since"`
}

// ListCycles возвращает последние циклы, опционально по одному символу
func (h *HistoryHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	symbol := ""
	if raw := query.Get("symbol"); raw != "" {
		symbol = utils.NormalizeSymbol(raw)
		if err := utils.ValidateSymbol(symbol); err != nil {
			writeError(w, http.StatusBadRequest, "invalid symbol", err)
			return
		}
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	records, err := h.history.ListRecent(r.Context(), symbol, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load cycles", err)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

// GetCycle возвращает один цикл по ID
func (h *HistoryHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid cycle id", nil)
		return
	}

	rec, err := h.history.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrCycleNotFound) {
			writeError(w, http.StatusNotFound, "cycle not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load cycle", err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// GetStats возвращает агрегаты за период (Go duration, по умолчанию 24h)
func (h *HistoryHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	period := 24 * time.Hour
	if raw := r.URL.Query().Get("period"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid period", err)
			return
		}
		period = d
	}

	since := h.now().Add(-period)
	stats, err := h.history.Stats(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats", err)
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		CycleStats: *stats,
		Period:     period.String(),
		Since:      since,
	})
}
