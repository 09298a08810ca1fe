package publisher

import (
	"context"
	"fmt"

	"arbtrader/internal/models"
)

// CycleStore - хранилище итогов циклов (repository.CycleRepository)
type CycleStore interface {
	Create(ctx context.Context, out models.CycleOutcome) (int64, error)
}

// RepositorySink сохраняет итоги циклов в БД. Котировки и сигналы не пишутся.
type RepositorySink struct {
	store CycleStore
}

func NewRepositorySink(store CycleStore) *RepositorySink {
	return &RepositorySink{store: store}
}

func (s *RepositorySink) Name() string { return "postgres" }

func (s *RepositorySink) Spread(context.Context, models.PriceQuote) error { return nil }
func (s *RepositorySink) Signal(context.Context, models.Signal) error     { return nil }

func (s *RepositorySink) CycleResult(ctx context.Context, out models.CycleOutcome) error {
	if _, err := s.store.Create(ctx, out); err != nil {
		return fmt.Errorf("save cycle %s: %w", out.Key, err)
	}
	return nil
}
