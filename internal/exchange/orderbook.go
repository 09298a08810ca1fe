package exchange

import (
	"sort"
	"sync"
	"time"
)

// localBook - локальная копия стакана, собираемая из snapshot + delta.
// Объём "0" в delta удаляет уровень.
type localBook struct {
	bids map[float64]float64
	asks map[float64]float64
}

func newLocalBook() *localBook {
	return &localBook{bids: make(map[float64]float64), asks: make(map[float64]float64)}
}

func (lb *localBook) reset() {
	lb.bids = make(map[float64]float64)
	lb.asks = make(map[float64]float64)
}

func (lb *localBook) apply(bids, asks [][]string) {
	applyLevels(lb.bids, bids)
	applyLevels(lb.asks, asks)
}

func applyLevels(side map[float64]float64, levels [][]string) {
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		price, qty := parseFloat(lvl[0]), parseFloat(lvl[1])
		if qty == 0 {
			delete(side, price)
			continue
		}
		side[price] = qty
	}
}

// view возвращает отсортированный стакан глубиной depth (<= 0 - весь)
func (lb *localBook) view(venue, symbol string, depth int, ts time.Time) OrderBook {
	return OrderBook{
		Venue:     venue,
		Symbol:    symbol,
		Bids:      sortedLevels(lb.bids, true, depth),
		Asks:      sortedLevels(lb.asks, false, depth),
		Timestamp: ts,
	}
}

func sortedLevels(side map[float64]float64, desc bool, depth int) []PriceLevel {
	levels := make([]PriceLevel, 0, len(side))
	for p, q := range side {
		levels = append(levels, PriceLevel{Price: p, Volume: q})
	}
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}

// bookCache - локальные стаканы по ключу (топик подписки)
type bookCache struct {
	mu    sync.Mutex
	books map[string]*localBook
}

func newBookCache() *bookCache {
	return &bookCache{books: make(map[string]*localBook)}
}

// update применяет snapshot (snapshot=true) или delta и возвращает текущий вид
func (c *bookCache) update(key, venue, symbol string, snapshot bool, bids, asks [][]string, depth int, ts time.Time) (OrderBook, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lb, ok := c.books[key]
	if !ok {
		if !snapshot {
			// delta без snapshot применять не к чему
			return OrderBook{}, false
		}
		lb = newLocalBook()
		c.books[key] = lb
	}
	if snapshot {
		lb.reset()
	}
	lb.apply(bids, asks)
	return lb.view(venue, symbol, depth, ts), true
}

// parseLevels переводит уровни площадки [["price","qty"], ...]
func parseLevels(levels [][]string) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, PriceLevel{Price: parseFloat(lvl[0]), Volume: parseFloat(lvl[1])})
	}
	return out
}
