package bot

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"arbtrader/internal/exchange"
	"arbtrader/pkg/utils"
)

const (
	// orderEventBuffer - очередь событий ордеров одного подписчика
	orderEventBuffer = 256
	// orderEnqueueWait - сколько обработчик площадки ждёт место в очереди подписчика.
	// Исполнения не отбрасываются молча: потеря события ордера искажает учёт.
	orderEnqueueWait = 500 * time.Millisecond
)

// fanout раздаёт события по ключу (символ или актив) подписчикам.
// Каналы не закрываются при отписке: отправитель никогда не пишет в закрытый канал.
//
// wait > 0 - неконфлюэнтная публикация ждёт место в очереди подписчика.
type fanout[T any] struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]chan T
	wait time.Duration
}

func newFanout[T any](wait time.Duration) *fanout[T] {
	return &fanout[T]{subs: make(map[string]map[int]chan T), wait: wait}
}

func (f *fanout[T]) subscribe(key string, size int) (<-chan T, func()) {
	ch := make(chan T, size)

	f.mu.Lock()
	id := f.next
	f.next++
	if f.subs[key] == nil {
		f.subs[key] = make(map[int]chan T)
	}
	f.subs[key][id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[key], id)
			if len(f.subs[key]) == 0 {
				delete(f.subs, key)
			}
			f.mu.Unlock()
		})
	}
}

// publish: conflate=true - подписчик видит только последнее значение.
// Возвращает число подписчиков, которым значение не доставлено.
func (f *fanout[T]) publish(key string, v T, conflate bool, buffer string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dropped := 0
	for _, ch := range f.subs[key] {
		switch {
		case conflate:
			replaceLatest(ch, v)
		case f.wait > 0:
			if !enqueueWithin(ch, v, f.wait, buffer) {
				dropped++
			}
		default:
			if !tryEnqueue(ch, v, buffer) {
				dropped++
			}
		}
	}
	return dropped
}

// EventRouter превращает единственные обработчики площадки (стакан, ордера, баланс)
// в подписки по символу/активу для оркестраторов и трейлинга
type EventRouter struct {
	venue    string
	books    *fanout[exchange.OrderBook]
	orders   *fanout[exchange.OrderUpdate]
	balances *fanout[exchange.BalanceUpdate]
	log      *utils.Logger
}

func NewEventRouter(venue string) *EventRouter {
	return &EventRouter{
		venue:    venue,
		books:    newFanout[exchange.OrderBook](0),
		orders:   newFanout[exchange.OrderUpdate](orderEnqueueWait),
		balances: newFanout[exchange.BalanceUpdate](0),
		log:      utils.L().WithVenue(venue).WithComponent("router"),
	}
}

// Attach регистрирует роутер обработчиком приватных событий площадки. До Connect.
func (r *EventRouter) Attach(v exchange.Venue) {
	v.SubscribeToOrderUpdates(r.OnOrder)
	v.SubscribeToBalanceUpdates(r.OnBalance)
}

func (r *EventRouter) OnBook(ob exchange.OrderBook) {
	r.books.publish(ob.Symbol, ob, true, "book_events")
}

func (r *EventRouter) OnOrder(u exchange.OrderUpdate) {
	if dropped := r.orders.publish(u.Symbol, u, false, "order_events"); dropped > 0 {
		r.log.Error("order event dropped, subscriber queue full",
			utils.Symbol(u.Symbol),
			utils.OrderID(u.OrderID),
			zap.String("status", u.Status),
			utils.Quantity(u.FilledQty),
			zap.Int("subscribers", dropped),
			utils.Alert())
	}
}

func (r *EventRouter) OnBalance(u exchange.BalanceUpdate) {
	r.balances.publish(u.Asset, u, true, "balance_events")
}

// Books - последние стаканы символа
func (r *EventRouter) Books(symbol string) (<-chan exchange.OrderBook, func()) {
	return r.books.subscribe(symbol, 1)
}

// Orders - события ордеров символа
func (r *EventRouter) Orders(symbol string) (<-chan exchange.OrderUpdate, func()) {
	return r.orders.subscribe(symbol, orderEventBuffer)
}

// Balances - последнее обновление баланса актива
func (r *EventRouter) Balances(asset string) (<-chan exchange.BalanceUpdate, func()) {
	return r.balances.subscribe(asset, 1)
}
