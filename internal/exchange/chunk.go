package exchange

import (
	"context"
	"sync"

	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

// ChunkSymbols делит символы на группы не более size штук (size <= 0 - одна группа)
func ChunkSymbols(symbols []string, size int) [][]string {
	if len(symbols) == 0 {
		return nil
	}
	if size <= 0 || size >= len(symbols) {
		return [][]string{symbols}
	}

	chunks := make([][]string, 0, (len(symbols)+size-1)/size)
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		chunks = append(chunks, symbols[start:end])
	}
	return chunks
}

// connSet - все соединения одной площадки
type connSet struct {
	mu    sync.Mutex
	conns []*WSConn
	next  map[models.ChannelClass]int
}

func newConnSet() *connSet {
	return &connSet{next: make(map[models.ChannelClass]int)}
}

// nextChunk выдаёт номер чанка, уникальный в пределах класса канала
func (s *connSet) nextChunk(class models.ChannelClass) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next[class]
	s.next[class] = n + 1
	return n
}

func (s *connSet) add(c *WSConn) {
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
}

func (s *connSet) states() []models.ConnectionState {
	s.mu.Lock()
	conns := make([]*WSConn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	out := make([]models.ConnectionState, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.State())
	}
	return out
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// chunkedStream описывает публичный поток, разбитый на соединения по чанкам символов
type chunkedStream struct {
	venue     string
	url       string
	key       string // имя подписки (для логов и восстановления)
	perConn   int
	cfg       WSConfig
	log       *utils.Logger
	onMessage func([]byte)
	// subscribe строит подписку для символов одного чанка
	subscribe func(symbols []string) SubscribeFunc
}

// open создаёт по соединению на каждый чанк; каждое соединение восстанавливает
// только свои символы. Если какой-то чанк не подключился, открытые закрываются.
func (s chunkedStream) open(ctx context.Context, set *connSet, symbols []string) error {
	var opened []*WSConn

	for _, chunk := range ChunkSymbols(symbols, s.perConn) {
		conn := NewWSConn(s.venue, models.ChannelPublic, set.nextChunk(models.ChannelPublic), s.url, s.cfg, s.log)
		conn.SetOnMessage(s.onMessage)
		if err := conn.Subscribe(ctx, s.key, chunk, s.subscribe(chunk)); err != nil {
			return err
		}
		if err := conn.Connect(ctx); err != nil {
			_ = conn.Close()
			for _, c := range opened {
				_ = c.Close()
			}
			return err
		}
		opened = append(opened, conn)
	}

	for _, c := range opened {
		set.add(c)
	}
	return nil
}
