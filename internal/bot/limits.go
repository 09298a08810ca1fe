package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"arbtrader/internal/exchange"
)

// ErrBelowVenueMinimum - количество или сумма ордера ниже минимума площадки
var ErrBelowVenueMinimum = errors.New("order below venue minimum")

// LimitsKey - ключ кэша лимитов
type LimitsKey struct {
	Venue  string
	Symbol string
}

// LimitsCache - кэш торговых ограничений (шаги цены и количества) по площадке и символу.
// Лимиты загружаются при старте и по промаху, в горячем пути REST не вызывается.
type LimitsCache struct {
	venues map[string]exchange.Venue
	cache  sync.Map // map[LimitsKey]*exchange.Limits
}

func NewLimitsCache(venues map[string]exchange.Venue) *LimitsCache {
	return &LimitsCache{venues: venues}
}

// Get возвращает лимиты, запрашивая площадку при промахе
func (c *LimitsCache) Get(ctx context.Context, venue, symbol string) (*exchange.Limits, error) {
	key := LimitsKey{Venue: venue, Symbol: symbol}
	if cached, ok := c.cache.Load(key); ok {
		return cached.(*exchange.Limits), nil
	}

	v, ok := c.venues[venue]
	if !ok {
		return nil, fmt.Errorf("venue %s not configured", venue)
	}
	limits, err := v.GetLimits(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("get limits %s/%s: %w", venue, symbol, err)
	}
	c.cache.Store(key, limits)
	return limits, nil
}

// Store кладёт лимиты в кэш
func (c *LimitsCache) Store(venue string, limits *exchange.Limits) {
	c.cache.Store(LimitsKey{Venue: venue, Symbol: limits.Symbol}, limits)
}

// Preload загружает лимиты всех символов на всех площадках параллельно.
// Незагруженные символы догрузятся по промаху.
func (c *LimitsCache) Preload(ctx context.Context, symbols []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	var mu sync.Mutex
	var failed []error

	for name, v := range c.venues {
		for _, symbol := range symbols {
			name, v, symbol := name, v, symbol
			g.Go(func() error {
				limits, err := v.GetLimits(gctx, symbol)
				if err != nil {
					mu.Lock()
					failed = append(failed, fmt.Errorf("%s/%s: %w", name, symbol, err))
					mu.Unlock()
					return nil
				}
				c.cache.Store(LimitsKey{Venue: name, Symbol: symbol}, limits)
				return nil
			})
		}
	}
	_ = g.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("failed to preload some limits: %w", errors.Join(failed...))
	}
	return nil
}

// ValidateOrder проверяет количество и сумму ордера по лимитам площадки
func ValidateOrder(limits *exchange.Limits, qty, price float64) error {
	if limits == nil {
		return nil
	}
	if qty <= 0 || (limits.MinOrderQty > 0 && qty < limits.MinOrderQty) {
		return fmt.Errorf("%w: quantity %.8f, minimum %.8f for %s",
			ErrBelowVenueMinimum, qty, limits.MinOrderQty, limits.Symbol)
	}
	if price > 0 && limits.MinNotional > 0 && qty*price < limits.MinNotional {
		return fmt.Errorf("%w: notional %.4f, minimum %.4f for %s",
			ErrBelowVenueMinimum, qty*price, limits.MinNotional, limits.Symbol)
	}
	return nil
}
