// Package exchange реализует клиентов площадок: WebSocket каналы с аутентификацией,
// переподключением и сопоставлением ответов на торговые запросы, плюс REST снимки.
package exchange

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"arbtrader/pkg/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// rawMessage - отложенный разбор вложенного поля data/result
type rawMessage = jsoniter.RawMessage

// HTTPClientConfig содержит настройки HTTP клиента для REST запросов площадок
type HTTPClientConfig struct {
	ConnectTimeout time.Duration // таймаут установки TCP соединения
	ReadTimeout    time.Duration // таймаут ожидания заголовков ответа
	TotalTimeout   time.Duration // общий таймаут операции

	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
}

// DefaultHTTPClientConfig возвращает конфигурацию по умолчанию
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:      5 * time.Second,
		ReadTimeout:         10 * time.Second,
		TotalTimeout:        30 * time.Second,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
}

var (
	globalClient     *http.Client
	globalClientOnce sync.Once
)

// GetGlobalHTTPClient возвращает общий клиент с пулом соединений
func GetGlobalHTTPClient() *http.Client {
	globalClientOnce.Do(func() {
		globalClient = NewHTTPClient(DefaultHTTPClientConfig())
	})
	return globalClient
}

// NewHTTPClient создаёт HTTP клиент с keep-alive пулом
func NewHTTPClient(config HTTPClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: config.ReadTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.TotalTimeout,
	}
}

// CloseGlobalClient закрывает idle соединения общего клиента при завершении
func CloseGlobalClient() {
	if globalClient != nil {
		globalClient.CloseIdleConnections()
	}
}

// ============ REST запросы ============

// signFunc добавляет заголовки аутентификации к запросу
type signFunc func(req *http.Request, query string, body []byte)

// restClient - REST запросы одной площадки с ограничением частоты
type restClient struct {
	venue   string
	baseURL string
	http    *http.Client
	limiter *ratelimit.MultiLimiter
}

// do выполняет запрос и декодирует JSON ответ в out.
// Ответ со статусом >= 400 возвращается как *ExchangeError, сетевой сбой - как *ConnectionError.
func (r *restClient) do(ctx context.Context, method, path string, query url.Values, body interface{}, sign signFunc, out interface{}) error {
	if err := r.limiter.Wait(ctx, ratelimit.CategoryREST); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	rawQuery := query.Encode()
	reqURL := r.baseURL + path
	if rawQuery != "" {
		reqURL += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sign != nil {
		sign(req, rawQuery, payload)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return &ConnectionError{Venue: r.venue, Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{Venue: r.venue, Op: method + " " + path, Err: err}
	}

	if resp.StatusCode >= 400 {
		return &ExchangeError{
			Exchange: r.venue,
			Code:     strconv.Itoa(resp.StatusCode),
			Message:  fmt.Sprintf("%s %s: %s", method, path, truncate(string(data), 256)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", r.venue, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// parseFloat разбирает числовую строку площадки; пустая строка - 0
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// formatFloat форматирует количество/цену без экспоненты и лишних нулей
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// msToTime переводит миллисекунды Unix (строкой или числом) во время
func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
