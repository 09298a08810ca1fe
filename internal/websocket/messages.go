package websocket

import (
	"time"

	"arbtrader/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeSpread - котировка площадки (bid/ask/спред)
	MessageTypeSpread MessageType = "spread"

	// MessageTypeSignal - сигнал входа/выхода детектора
	MessageTypeSignal MessageType = "signal"

	// MessageTypeCycleResult - итог арбитражного цикла
	MessageTypeCycleResult MessageType = "cycleResult"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// SpreadMessage - котировка площадки
type SpreadMessage struct {
	BaseMessage
	Data models.PriceQuote `json:"data"`
}

// SignalMessage - сигнал детектора
type SignalMessage struct {
	BaseMessage
	Data models.Signal `json:"data"`
}

// CycleResultMessage - итог цикла с реализованным PnL
type CycleResultMessage struct {
	BaseMessage
	Data CycleResultData `json:"data"`
}

// CycleResultData - итог цикла для оператора
type CycleResultData struct {
	models.CycleOutcome
	RealizedPnL float64 `json:"pnl"`
}

// NewSpreadMessage создает сообщение с котировкой
func NewSpreadMessage(q models.PriceQuote, now time.Time) *SpreadMessage {
	return &SpreadMessage{
		BaseMessage: BaseMessage{Type: MessageTypeSpread, Timestamp: now},
		Data:        q,
	}
}

// NewSignalMessage создает сообщение с сигналом
func NewSignalMessage(sig models.Signal, now time.Time) *SignalMessage {
	return &SignalMessage{
		BaseMessage: BaseMessage{Type: MessageTypeSignal, Timestamp: now},
		Data:        sig,
	}
}

// NewCycleResultMessage создает сообщение с итогом цикла
func NewCycleResultMessage(out models.CycleOutcome, now time.Time) *CycleResultMessage {
	return &CycleResultMessage{
		BaseMessage: BaseMessage{Type: MessageTypeCycleResult, Timestamp: now},
		Data:        CycleResultData{CycleOutcome: out, RealizedPnL: out.PnL()},
	}
}
