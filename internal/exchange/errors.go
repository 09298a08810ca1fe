package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Таксономия ошибок площадки. Все типы сопоставимы через errors.Is с сентинелами.
var (
	ErrConnection     = errors.New("venue connection error")
	ErrAuthentication = errors.New("venue authentication error")
	ErrOrderRejected  = errors.New("order rejected by venue")
	ErrRequestTimeout = errors.New("venue request timeout")
	ErrNotConnected   = errors.New("channel not ready")
)

// ConnectionError - временная ошибка транспорта; обрабатывается переподключением
// и не попадает в состояние цикла
type ConnectionError struct {
	Venue string
	Op    string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error        { return e.Err }
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// AuthenticationError - аутентификация не подтверждена (отказ или таймаут)
type AuthenticationError struct {
	Venue   string
	Channel string
	Reason  string
	Err     error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("%s: authentication failed on %s: %s", e.Venue, e.Channel, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error        { return e.Err }
func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// OrderRejectedError - бизнес-отказ площадки
type OrderRejectedError struct {
	Venue   string
	Code    string
	Message string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("%s: order rejected [%s]: %s", e.Venue, e.Code, e.Message)
}

func (e *OrderRejectedError) Is(target error) bool { return target == ErrOrderRejected }

// RequestTimeoutError - ответ с нужным correlation id не пришёл вовремя.
// Состояние ордера на площадке неизвестно.
type RequestTimeoutError struct {
	Venue         string
	Op            string
	CorrelationID string
	Timeout       time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s: %s %s: no response within %v", e.Venue, e.Op, e.CorrelationID, e.Timeout)
}

func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// ExchangeError - ошибка REST API площадки
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	return e.Exchange + ": " + e.Message
}

func (e *ExchangeError) Unwrap() error {
	return e.Original
}
