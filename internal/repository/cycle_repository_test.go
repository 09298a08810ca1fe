package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"arbtrader/internal/models"
)

// ============================================================
// CycleRepository Tests
// ============================================================

var cycleRowColumns = []string{
	"id", "symbol", "buy_venue", "sell_venue", "success", "failed_phase", "error_message",
	"bought_quantity", "sold_quantity", "entry_price", "exit_price", "cost_quote", "proceeds_quote",
	"proceeds_estimated", "pnl", "exposure", "server_latency_ms", "local_latency_ms", "started_at", "finished_at",
}

func completedOutcome(finished time.Time) models.CycleOutcome {
	return models.CycleOutcome{
		Key:            models.CycleKey{Symbol: "BTCUSDT", BuyVenue: "gate", SellVenue: "bybit"},
		Success:        true,
		BoughtQuantity: 0.0004,
		SoldQuantity:   0.00039,
		EntryPrice:     49990,
		ExitPrice:      50240,
		CostQuote:      19.996,
		ProceedsQuote:  19.5936,
		ServerLatency:  350 * time.Millisecond,
		LocalLatency:   410 * time.Millisecond,
		StartedAt:      finished.Add(-2 * time.Second),
		FinishedAt:     finished,
	}
}

func TestNewCycleRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewCycleRepository(db)
	if repo == nil {
		t.Fatal("NewCycleRepository returned nil")
	}
	if repo.db != db {
		t.Error("db not set correctly")
	}
}

func TestCycleRepositoryEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cycles`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := NewCycleRepository(db).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCycleRepositoryCreate(t *testing.T) {
	finished := time.Date(2024, 5, 1, 12, 0, 2, 0, time.UTC)

	failed := models.CycleOutcome{
		Key:            models.CycleKey{Symbol: "BTCUSDT", BuyVenue: "gate", SellVenue: "bybit"},
		FailedPhase:    models.PhaseSelling,
		Error:          "market sell: rejected",
		BoughtQuantity: 0.0004,
		EntryPrice:     49990,
		CostQuote:      19.996,
		Exposure:       0.0003996,
		StartedAt:      finished.Add(-time.Second),
		FinishedAt:     finished,
	}

	tests := []struct {
		name        string
		outcome     models.CycleOutcome
		mockSetup   func(mock sqlmock.Sqlmock)
		wantID      int64
		expectError bool
	}{
		{
			name:    "completed cycle",
			outcome: completedOutcome(finished),
			mockSetup: func(mock sqlmock.Sqlmock) {
				out := completedOutcome(finished)
				mock.ExpectQuery(`INSERT INTO cycles`).
					WithArgs("BTCUSDT", "gate", "bybit", true, "", "",
						0.0004, 0.00039, 49990.0, 50240.0, 19.996, 19.5936,
						false, out.PnL(), 0.0, int64(350), int64(410), out.StartedAt, out.FinishedAt).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
			},
			wantID: 7,
		},
		{
			name:    "failed cycle keeps exposure",
			outcome: failed,
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO cycles`).
					WithArgs("BTCUSDT", "gate", "bybit", false, "SELLING", "market sell: rejected",
						0.0004, 0.0, 49990.0, 0.0, 19.996, 0.0,
						false, 0.0, 0.0003996, int64(0), int64(0), failed.StartedAt, failed.FinishedAt).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
			},
			wantID: 8,
		},
		{
			name:    "database error",
			outcome: completedOutcome(finished),
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO cycles`).WillReturnError(errors.New("database error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			id, err := NewCycleRepository(db).Create(context.Background(), tt.outcome)
			if (err != nil) != tt.expectError {
				t.Fatalf("Create() error = %v, expectError %v", err, tt.expectError)
			}
			if !tt.expectError && id != tt.wantID {
				t.Errorf("id = %d, want %d", id, tt.wantID)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestCycleRepositoryGetByID(t *testing.T) {
	finished := time.Date(2024, 5, 1, 12, 0, 2, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		mock.ExpectQuery(`FROM cycles WHERE id = \$1`).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows(cycleRowColumns).AddRow(
				7, "BTCUSDT", "gate", "bybit", false, "AWAITING_SELL_FILL", "context canceled",
				0.0004, 0.0, 49990.0, 0.0, 19.996, 0.0,
				false, 0.0, 0.0003996, 0, 0, finished.Add(-time.Second), finished))

		rec, err := NewCycleRepository(db).GetByID(context.Background(), 7)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if rec.FailedPhase != models.PhaseAwaitingSellFill || rec.Exposure != 0.0003996 {
			t.Errorf("unexpected record %+v", rec)
		}
		if rec.Key.BuyVenue != "gate" || rec.Key.SellVenue != "bybit" {
			t.Errorf("key = %s", rec.Key)
		}
	})

	t.Run("not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		mock.ExpectQuery(`FROM cycles WHERE id = \$1`).WithArgs(int64(99)).WillReturnError(sql.ErrNoRows)

		if _, err := NewCycleRepository(db).GetByID(context.Background(), 99); !errors.Is(err, ErrCycleNotFound) {
			t.Errorf("expected ErrCycleNotFound, got %v", err)
		}
	})
}

func TestCycleRepositoryListRecent(t *testing.T) {
	finished := time.Date(2024, 5, 1, 12, 0, 2, 0, time.UTC)

	tests := []struct {
		name      string
		symbol    string
		limit     int
		wantLimit int
		rows      int
	}{
		{"all symbols", "", 10, 10, 2},
		{"one symbol", "BTCUSDT", 5, 5, 1},
		{"default limit", "", 0, 50, 0},
		{"limit capped", "", 10000, 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			rows := sqlmock.NewRows(cycleRowColumns)
			for i := 0; i < tt.rows; i++ {
				rows.AddRow(i+1, "BTCUSDT", "gate", "bybit", true, "", "",
					0.0004, 0.00039, 49990.0, 50240.0, 19.996, 19.5936,
					false, -0.4024, 0.0, 350, 410, finished.Add(-time.Second), finished)
			}
			mock.ExpectQuery(`FROM cycles WHERE`).WithArgs(tt.symbol, tt.wantLimit).WillReturnRows(rows)

			records, err := NewCycleRepository(db).ListRecent(context.Background(), tt.symbol, tt.limit)
			if err != nil {
				t.Fatalf("ListRecent: %v", err)
			}
			if records == nil {
				t.Fatal("empty result must be an empty slice, not nil")
			}
			if len(records) != tt.rows {
				t.Errorf("records = %d, want %d", len(records), tt.rows)
			}
			if tt.rows > 0 && records[0].ServerLatency != 350*time.Millisecond {
				t.Errorf("server latency = %v, want 350ms", records[0].ServerLatency)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestCycleRepositoryStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM cycles WHERE finished_at >= \$1`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"total", "completed", "failed", "with_exposure", "pnl", "exposure"}).
			AddRow(10, 8, 2, 1, 1.25, 0.0004))

	stats, err := NewCycleRepository(db).Stats(context.Background(), since)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 10 || stats.Completed != 8 || stats.Failed != 2 || stats.WithExposure != 1 {
		t.Errorf("unexpected counts %+v", stats)
	}
	if stats.TotalPnL != 1.25 || stats.TotalExposure != 0.0004 {
		t.Errorf("unexpected sums %+v", stats)
	}
}
