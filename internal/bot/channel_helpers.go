package bot

import "time"

// tryEnqueue отправляет значение в канал без блокировки с метриками переполнения.
// Возвращает true, если значение поставлено в очередь.
func tryEnqueue[T any](ch chan T, v T, buffer string) bool {
	if ch == nil {
		return false
	}

	select {
	case ch <- v:
		return true
	default:
		RecordBufferOverflow(buffer)
		RecordBufferBacklog(buffer, cap(ch), len(ch))
		return false
	}
}

// enqueueWithin ставит значение в очередь, ожидая место не дольше wait.
// Возвращает false, если очередь не освободилась за это время.
func enqueueWithin[T any](ch chan T, v T, wait time.Duration, buffer string) bool {
	if ch == nil {
		return false
	}

	select {
	case ch <- v:
		return true
	default:
	}

	RecordBufferBacklog(buffer, cap(ch), len(ch))
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- v:
		return true
	case <-timer.C:
		RecordBufferOverflow(buffer)
		return false
	}
}

// replaceLatest кладёт значение в канал ёмкости 1, вытесняя непрочитанное.
// Для стаканов и балансов важна только последняя версия.
func replaceLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
