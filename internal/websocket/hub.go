package websocket

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

const broadcastBufferSize = 1024

// Hub управляет WebSocket соединениями операторов и рассылает им
// котировки, сигналы и итоги циклов.
//
// Реализует publisher.Sink: подключается к рассылке наравне с логом и Redis.
// Broadcast не блокируется: при переполненной очереди сообщение отбрасывается,
// клиент, не успевающий читать, отключается.
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]struct{}

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // закрывается при остановке Run

	origins *OriginChecker
	dropped atomic.Uint64
	now     func() time.Time
	log     *utils.Logger

	mu sync.RWMutex
}

// NewHub создает новый Hub. Пустой список origins разрешает любой Origin.
func NewHub(origins []string, log *utils.Logger) *Hub {
	if log == nil {
		log = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		origins:    NewOriginChecker(origins),
		now:        time.Now,
		log:        log.WithComponent("ws_hub"),
	}
}

// Run обрабатывает регистрацию, отключение и рассылку до отмены ctx.
// При остановке закрывает каналы всех клиентов.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", zap.Int("clients", total))

		case message := <-h.broadcast:
			// копируем список под коротким RLock, отправляем без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}

			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("removed slow clients", zap.Int("removed", len(slow)), zap.Int("clients", total))
			}
		}
	}
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) error {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		return err
	}

	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	msg := make([]byte, len(data))
	copy(msg, data)

	h.BroadcastRaw(msg)
	return nil
}

// BroadcastRaw ставит в очередь уже сериализованное сообщение
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сообщения, отброшенные из-за переполнения очереди
func (h *Hub) DroppedMessages() uint64 {
	return h.dropped.Load()
}

// ============ publisher.Sink ============

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Spread(_ context.Context, q models.PriceQuote) error {
	// без подписчиков котировки не сериализуем
	if h.ClientCount() == 0 {
		return nil
	}
	return h.Broadcast(NewSpreadMessage(q, h.now()))
}

func (h *Hub) Signal(_ context.Context, sig models.Signal) error {
	return h.Broadcast(NewSignalMessage(sig, h.now()))
}

func (h *Hub) CycleResult(_ context.Context, out models.CycleOutcome) error {
	return h.Broadcast(NewCycleResultMessage(out, h.now()))
}
