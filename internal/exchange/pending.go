package exchange

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// errSlotTimeout - слот не разрешился за отведённое время
var errSlotTimeout = errors.New("result slot timeout")

// resultSlot - результат, который разрешается ровно один раз.
// Один писатель (цикл чтения соединения), один или несколько читателей с таймаутом.
type resultSlot[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newResultSlot[T any]() *resultSlot[T] {
	return &resultSlot[T]{done: make(chan struct{})}
}

// resolve устанавливает значение; false если слот уже разрешён
func (s *resultSlot[T]) resolve(v T) bool {
	ok := false
	s.once.Do(func() {
		s.val = v
		close(s.done)
		ok = true
	})
	return ok
}

// fail разрешает слот ошибкой; false если слот уже разрешён
func (s *resultSlot[T]) fail(err error) bool {
	ok := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		ok = true
	})
	return ok
}

// wait ждёт разрешения слота, отмены ctx или истечения timeout (errSlotTimeout)
func (s *resultSlot[T]) wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		if s.err != nil {
			return zero, s.err
		}
		return s.val, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, errSlotTimeout
	}
}

// pendingRegistry - ожидающие ответа запросы по ключу (correlation id или имя канала)
type pendingRegistry[T any] struct {
	mu    sync.Mutex
	slots map[string]*resultSlot[T]
}

func newPendingRegistry[T any]() *pendingRegistry[T] {
	return &pendingRegistry[T]{slots: make(map[string]*resultSlot[T])}
}

// register создаёт слот для ключа, заменяя незавершённый слот с тем же ключом
func (r *pendingRegistry[T]) register(key string) *resultSlot[T] {
	s := newResultSlot[T]()
	r.mu.Lock()
	if old, ok := r.slots[key]; ok {
		old.fail(errors.New("superseded by a newer request"))
	}
	r.slots[key] = s
	r.mu.Unlock()
	return s
}

func (r *pendingRegistry[T]) take(key string) *resultSlot[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[key]
	if ok {
		delete(r.slots, key)
	}
	return s
}

// resolve разрешает слот ключа; false если такого ожидания нет
func (r *pendingRegistry[T]) resolve(key string, v T) bool {
	if s := r.take(key); s != nil {
		return s.resolve(v)
	}
	return false
}

func (r *pendingRegistry[T]) fail(key string, err error) bool {
	if s := r.take(key); s != nil {
		return s.fail(err)
	}
	return false
}

// remove убирает слот без разрешения (после таймаута ожидающей стороны)
func (r *pendingRegistry[T]) remove(key string) {
	r.take(key)
}

// failAll разрешает ошибкой все ожидающие слоты (разрыв соединения)
func (r *pendingRegistry[T]) failAll(err error) int {
	r.mu.Lock()
	slots := r.slots
	r.slots = make(map[string]*resultSlot[T])
	r.mu.Unlock()

	for _, s := range slots {
		s.fail(err)
	}
	return len(slots)
}

func (r *pendingRegistry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// NewCorrelationID возвращает уникальный идентификатор запроса (24 hex символа).
// Укладывается в ограничения client order id обеих площадок.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
