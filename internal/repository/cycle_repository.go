package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"arbtrader/internal/models"
)

// Ошибки репозитория циклов
var (
	ErrCycleNotFound = errors.New("cycle not found")
)

// CycleRecord - сохранённый итог цикла
type CycleRecord struct {
	ID int64 `json:"id"`
	models.CycleOutcome
	RealizedPnL float64 `json:"pnl"`
}

// CycleStats - агрегаты по журналу циклов
type CycleStats struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	WithExposure  int     `json:"with_exposure"`
	TotalPnL      float64 `json:"total_pnl"`
	TotalExposure float64 `json:"total_exposure"`
}

// CycleRepository - журнал итогов циклов (таблица cycles).
// Пишется асинхронно публикатором; ошибки записи на торговлю не влияют.
type CycleRepository struct {
	db *sql.DB
}

// NewCycleRepository создает новый экземпляр репозитория
func NewCycleRepository(db *sql.DB) *CycleRepository {
	return &CycleRepository{db: db}
}

const cyclesSchema = `
	CREATE TABLE IF NOT EXISTS cycles (
		id                 BIGSERIAL PRIMARY KEY,
		symbol             VARCHAR(32) NOT NULL,
		buy_venue          VARCHAR(16) NOT NULL,
		sell_venue         VARCHAR(16) NOT NULL,
		success            BOOLEAN NOT NULL,
		failed_phase       VARCHAR(40) NOT NULL DEFAULT '',
		error_message      TEXT NOT NULL DEFAULT '',
		bought_quantity    DOUBLE PRECISION NOT NULL,
		sold_quantity      DOUBLE PRECISION NOT NULL,
		entry_price        DOUBLE PRECISION NOT NULL,
		exit_price         DOUBLE PRECISION NOT NULL,
		cost_quote         DOUBLE PRECISION NOT NULL,
		proceeds_quote     DOUBLE PRECISION NOT NULL,
		proceeds_estimated BOOLEAN NOT NULL DEFAULT FALSE,
		pnl                DOUBLE PRECISION NOT NULL,
		exposure           DOUBLE PRECISION NOT NULL,
		server_latency_ms  BIGINT NOT NULL,
		local_latency_ms   BIGINT NOT NULL,
		started_at         TIMESTAMPTZ NOT NULL,
		finished_at        TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_finished_at ON cycles (finished_at DESC);
	CREATE INDEX IF NOT EXISTS idx_cycles_symbol ON cycles (symbol)`

// EnsureSchema создаёт таблицу, если её нет
func (r *CycleRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, cyclesSchema)
	return err
}

// Create сохраняет итог цикла и возвращает ID записи
func (r *CycleRepository) Create(ctx context.Context, out models.CycleOutcome) (int64, error) {
	query := `
		INSERT INTO cycles (symbol, buy_venue, sell_venue, success, failed_phase, error_message,
			bought_quantity, sold_quantity, entry_price, exit_price, cost_quote, proceeds_quote,
			proceeds_estimated, pnl, exposure, server_latency_ms, local_latency_ms, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		out.Key.Symbol,
		out.Key.BuyVenue,
		out.Key.SellVenue,
		out.Success,
		string(out.FailedPhase),
		out.Error,
		out.BoughtQuantity,
		out.SoldQuantity,
		out.EntryPrice,
		out.ExitPrice,
		out.CostQuote,
		out.ProceedsQuote,
		out.ProceedsEstimated,
		out.PnL(),
		out.Exposure,
		out.ServerLatency.Milliseconds(),
		out.LocalLatency.Milliseconds(),
		out.StartedAt,
		out.FinishedAt,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

const cycleColumns = `id, symbol, buy_venue, sell_venue, success, failed_phase, error_message,
	bought_quantity, sold_quantity, entry_price, exit_price, cost_quote, proceeds_quote,
	proceeds_estimated, pnl, exposure, server_latency_ms, local_latency_ms, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCycle(row rowScanner) (*CycleRecord, error) {
	rec := &CycleRecord{}
	var (
		phase             string
		serverMs, localMs int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.Key.Symbol,
		&rec.Key.BuyVenue,
		&rec.Key.SellVenue,
		&rec.Success,
		&phase,
		&rec.Error,
		&rec.BoughtQuantity,
		&rec.SoldQuantity,
		&rec.EntryPrice,
		&rec.ExitPrice,
		&rec.CostQuote,
		&rec.ProceedsQuote,
		&rec.ProceedsEstimated,
		&rec.RealizedPnL,
		&rec.Exposure,
		&serverMs,
		&localMs,
		&rec.StartedAt,
		&rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.FailedPhase = models.CyclePhase(phase)
	rec.ServerLatency = time.Duration(serverMs) * time.Millisecond
	rec.LocalLatency = time.Duration(localMs) * time.Millisecond
	return rec, nil
}

// GetByID возвращает цикл по ID
func (r *CycleRepository) GetByID(ctx context.Context, id int64) (*CycleRecord, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE id = $1`

	rec, err := scanCycle(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCycleNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListRecent возвращает последние N циклов; пустой symbol - все символы
func (r *CycleRepository) ListRecent(ctx context.Context, symbol string, limit int) ([]*CycleRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT ` + cycleColumns + ` FROM cycles
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY finished_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*CycleRecord{}
	for rows.Next() {
		rec, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// Stats считает агрегаты по циклам, завершённым после since
func (r *CycleRepository) Stats(ctx context.Context, since time.Time) (*CycleStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COUNT(*) FILTER (WHERE exposure > 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(SUM(exposure), 0)
		FROM cycles
		WHERE finished_at >= $1`

	stats := &CycleStats{}
	err := r.db.QueryRowContext(ctx, query, since).Scan(
		&stats.Total,
		&stats.Completed,
		&stats.Failed,
		&stats.WithExposure,
		&stats.TotalPnL,
		&stats.TotalExposure,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
