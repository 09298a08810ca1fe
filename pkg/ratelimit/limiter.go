package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter - token bucket для контроля частоты запросов к API площадок
//
// Ведро наполняется со скоростью rate токенов/сек, ёмкость burst.
// Каждый запрос потребляет 1 токен; при пустом ведре Wait ждёт.
//
//	limiter := NewRateLimiter(10, 20) // 10 req/sec, burst 20
//	err := limiter.Wait(ctx)
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter создаёт limiter. rate <= 0 -> 10 req/sec, burst <= 0 -> 2x rate.
//
// Лимиты площадок на размещение ордеров:
//   - Bybit: 10 req/sec (spot order.create)
//   - Gate:  10 req/sec (spot.order_place)
func NewRateLimiter(r float64, burst int) *RateLimiter {
	if r <= 0 {
		r = 10
	}
	if burst <= 0 {
		burst = int(r * 2)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(r), burst)}
}

// Wait блокирует до получения токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.lim.Wait(ctx)
}

// Allow проверяет доступность токена без блокировки
func (rl *RateLimiter) Allow() bool {
	return rl.lim.Allow()
}

func (rl *RateLimiter) Rate() float64 { return float64(rl.lim.Limit()) }
func (rl *RateLimiter) Burst() int    { return rl.lim.Burst() }

// ============ MultiLimiter ============

// Категории запросов к площадке
const (
	CategoryOrder = "order" // place / amend / cancel через trade канал
	CategoryREST  = "rest"  // публичные и приватные REST запросы
)

// MultiLimiter - набор limiter'ов по категориям запросов
type MultiLimiter struct {
	limiters map[string]*RateLimiter
	mu       sync.RWMutex
}

func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{limiters: make(map[string]*RateLimiter)}
}

// Add регистрирует limiter для категории (заменяет существующий)
func (ml *MultiLimiter) Add(category string, r float64, burst int) {
	ml.mu.Lock()
	ml.limiters[category] = NewRateLimiter(r, burst)
	ml.mu.Unlock()
}

// Wait ждёт токен категории. Неизвестная категория не ограничивается.
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	rl := ml.Get(category)
	if rl == nil {
		return nil
	}
	if err := rl.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", category, err)
	}
	return nil
}

// Allow - неблокирующая проверка категории
func (ml *MultiLimiter) Allow(category string) bool {
	rl := ml.Get(category)
	if rl == nil {
		return true
	}
	return rl.Allow()
}

func (ml *MultiLimiter) Get(category string) *RateLimiter {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.limiters[category]
}
