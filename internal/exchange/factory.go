package exchange

import (
	"fmt"
	"strings"

	"arbtrader/pkg/utils"
)

// SupportedVenues - список поддерживаемых площадок
var SupportedVenues = []string{
	"bybit",
	"gate",
}

// NewVenue создаёт клиент площадки по имени
func NewVenue(name string, cfg VenueConfig, log *utils.Logger) (Venue, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	switch name {
	case "bybit":
		return NewBybit(cfg, log), nil
	case "gate":
		return NewGate(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", name)
	}
}

// IsSupported проверяет, поддерживается ли площадка
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedVenues {
		if name == supported {
			return true
		}
	}
	return false
}
