package models

import "time"

// ChannelClass - класс WebSocket канала площадки
type ChannelClass string

const (
	ChannelPublic  ChannelClass = "public"
	ChannelPrivate ChannelClass = "private"
	ChannelTrade   ChannelClass = "trade"
)

// ConnectionPhase - фаза соединения
type ConnectionPhase string

const (
	ConnDisconnected ConnectionPhase = "DISCONNECTED"
	ConnConnecting   ConnectionPhase = "CONNECTING"
	ConnAuthPending  ConnectionPhase = "AUTH_PENDING"
	ConnReady        ConnectionPhase = "READY"
	ConnClosed       ConnectionPhase = "CLOSED" // закрыто вызовом Close, без переподключения
)

// ConnectionState - снимок состояния одного соединения (venue, class, chunk)
type ConnectionState struct {
	Venue             string          `json:"venue"`
	Class             ChannelClass    `json:"class"`
	Chunk             int             `json:"chunk"`
	Phase             ConnectionPhase `json:"phase"`
	SubscribedSymbols []string        `json:"subscribed_symbols"`
	Reconnects        int             `json:"reconnects"`
	Since             time.Time       `json:"since"`
}
