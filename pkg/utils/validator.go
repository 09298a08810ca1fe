package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// validator.go - валидация входных данных
//
// Функции:
// - ValidateSymbol / NormalizeSymbol: канонический формат символа (BTCUSDT)
// - ExtractBaseCurrency / ExtractQuoteCurrency: разбор символа по известной котируемой валюте
// - ValidateVenue / NormalizeVenue: поддерживаемые площадки
// - ValidateThreshold: порог отклонения в процентах
// - ValidationErrors: накопление ошибок по полям

var (
	ErrInvalidSymbol    = errors.New("invalid symbol")
	ErrInvalidVenue     = errors.New("unsupported venue")
	ErrInvalidThreshold = errors.New("invalid threshold")
)

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9]+([-_/]?[A-Za-z0-9]+)?$`)

// Котируемые валюты в порядке проверки (длинные раньше коротких)
var knownQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "USD", "EUR", "BTC", "ETH"}

var supportedVenues = map[string]bool{
	"gate":  true,
	"bybit": true,
}

// ValidateSymbol проверяет формат символа: 2-20 символов, буквы/цифры,
// допускается один разделитель -, _ или /
func ValidateSymbol(symbol string) error {
	if len(symbol) < 2 || len(symbol) > 20 {
		return fmt.Errorf("%w: %q length must be 2-20", ErrInvalidSymbol, symbol)
	}
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

func IsValidSymbol(symbol string) bool {
	return ValidateSymbol(symbol) == nil
}

// NormalizeSymbol приводит символ к каноническому виду: BTC_USDT, btc-usdt -> BTCUSDT
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
}

// ExtractBaseCurrency возвращает базовую валюту символа (BTCUSDT -> BTC)
func ExtractBaseCurrency(symbol string) string {
	base, _ := splitSymbol(symbol)
	return base
}

// ExtractQuoteCurrency возвращает котируемую валюту символа (BTCUSDT -> USDT)
func ExtractQuoteCurrency(symbol string) string {
	_, quote := splitSymbol(symbol)
	return quote
}

func splitSymbol(symbol string) (string, string) {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"-", "_", "/"} {
		if parts := strings.SplitN(upper, sep, 2); len(parts) == 2 {
			return parts[0], parts[1]
		}
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) {
			return strings.TrimSuffix(upper, q), q
		}
	}
	return upper, ""
}

// ValidateVenue проверяет, что площадка поддерживается
func ValidateVenue(venue string) error {
	if !supportedVenues[NormalizeVenue(venue)] {
		return fmt.Errorf("%w: %q", ErrInvalidVenue, venue)
	}
	return nil
}

func NormalizeVenue(venue string) string {
	return strings.ToLower(strings.TrimSpace(venue))
}

// SupportedVenues возвращает список поддерживаемых площадок
func SupportedVenues() []string {
	return []string{"bybit", "gate"}
}

// ValidateThreshold проверяет порог в процентах: (0, 100]
func ValidateThreshold(pct float64) error {
	if pct <= 0 || pct > 100 {
		return fmt.Errorf("%w: %v must be in (0, 100]", ErrInvalidThreshold, pct)
	}
	return nil
}

// ============ Накопление ошибок ============

// ValidationError - ошибка валидации конкретного поля
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors - список ошибок валидации
type ValidationErrors []ValidationError

func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// AddError добавляет ошибку, если err != nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}
