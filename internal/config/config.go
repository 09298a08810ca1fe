package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"arbtrader/pkg/crypto"
	"arbtrader/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Security SecurityConfig
	Venues   map[string]VenueCredentials
	Trading  TradingConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера операционных эндпоинтов
type ServerConfig struct {
	Port             int
	Host             string
	OperatorUsername string
	// bcrypt хеш пароля оператора; пусто - /api/v1 без аутентификации
	OperatorPasswordHash string
	AllowedOrigins       []string
}

// DatabaseConfig - настройки подключения к БД (журнал циклов)
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// RedisConfig - публикация событий в Redis pub/sub. Пустой Addr - выключено.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	EncryptionKey string
}

// VenueCredentials - ключи площадки (секрет может быть зашифрован, префикс enc:)
type VenueCredentials struct {
	APIKey    string
	APISecret string
}

// TradingConfig - параметры торгового ядра
type TradingConfig struct {
	Symbols   []string
	VenuePair []string

	// Пороги в процентах
	EntryThreshold        float64
	ExitThreshold         float64
	MinDeviationThreshold float64
	SignalCooldown        time.Duration
	MaxDataAge            time.Duration

	// Трейлинг
	TradeSizeQuote          float64
	TrailingLiquidityOffset float64 // в валюте котировки
	TrailingTickTolerance   float64

	// Таймауты цикла
	BalanceDebounce       time.Duration
	BuyFillTimeout        time.Duration
	SellFillTimeout       time.Duration
	BalanceConfirmTimeout time.Duration
	PreSellDelay          time.Duration
	FallbackFillDelay     time.Duration

	// Протокол площадок
	OrderTimeout         time.Duration
	AuthTimeout          time.Duration
	SymbolsPerConnection int
	OrderRateLimit       float64
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string
	Format      string
	Output      string
	Development bool
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:                 getEnvAsInt("SERVER_PORT", 8080),
			Host:                 getEnv("SERVER_HOST", "0.0.0.0"),
			OperatorUsername:     getEnv("OPERATOR_USERNAME", "operator"),
			OperatorPasswordHash: getEnv("OPERATOR_PASSWORD_HASH", ""),
			AllowedOrigins:       getEnvAsList("ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "arbtrader"),
			User:     getEnv("DB_USER", "arbtrader"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", ""),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvAsInt("REDIS_DB", 0),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "arb"),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Venues: map[string]VenueCredentials{
			"gate": {
				APIKey:    getEnv("GATE_API_KEY", ""),
				APISecret: getEnv("GATE_API_SECRET", ""),
			},
			"bybit": {
				APIKey:    getEnv("BYBIT_API_KEY", ""),
				APISecret: getEnv("BYBIT_API_SECRET", ""),
			},
		},
		Trading: TradingConfig{
			Symbols:   getEnvAsList("SYMBOLS", []string{"BTCUSDT"}),
			VenuePair: getEnvAsList("VENUE_PAIR", []string{"gate", "bybit"}),

			EntryThreshold:        getEnvAsFloat("ENTRY_THRESHOLD", 0.35),
			ExitThreshold:         getEnvAsFloat("EXIT_THRESHOLD", 0.05),
			MinDeviationThreshold: getEnvAsFloat("MIN_DEVIATION_THRESHOLD", 0),
			SignalCooldown:        getEnvAsDuration("SIGNAL_COOLDOWN", 10*time.Second),
			MaxDataAge:            time.Duration(getEnvAsInt("MAX_DATA_AGE_SECONDS", 7)) * time.Second,

			TradeSizeQuote:          getEnvAsFloat("TRADE_SIZE_QUOTE", 20),
			TrailingLiquidityOffset: getEnvAsFloat("TRAILING_LIQUIDITY_OFFSET", 100),
			TrailingTickTolerance:   getEnvAsFloat("TRAILING_TICK_TOLERANCE", 0),

			BalanceDebounce:       time.Duration(getEnvAsInt("BALANCE_CONFIRMATION_DEBOUNCE_MS", 150)) * time.Millisecond,
			BuyFillTimeout:        getEnvAsDuration("BUY_FILL_TIMEOUT", 2*time.Minute),
			SellFillTimeout:       getEnvAsDuration("SELL_FILL_TIMEOUT", 10*time.Second),
			BalanceConfirmTimeout: getEnvAsDuration("BALANCE_CONFIRM_TIMEOUT", 5*time.Second),
			PreSellDelay:          getEnvAsDuration("PRE_SELL_DELAY", 0),
			FallbackFillDelay:     getEnvAsDuration("FALLBACK_FILL_DELAY", time.Second),

			OrderTimeout:         getEnvAsDuration("ORDER_TIMEOUT", 10*time.Second),
			AuthTimeout:          getEnvAsDuration("AUTH_TIMEOUT", 10*time.Second),
			SymbolsPerConnection: getEnvAsInt("SYMBOLS_PER_CONNECTION", 10),
			OrderRateLimit:       getEnvAsFloat("ORDER_RATE_LIMIT", 10),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Format:      getEnv("LOG_FORMAT", "json"),
			Output:      getEnv("LOG_OUTPUT", "stderr"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	for i, s := range cfg.Trading.Symbols {
		cfg.Trading.Symbols[i] = utils.NormalizeSymbol(s)
	}
	for i, v := range cfg.Trading.VenuePair {
		cfg.Trading.VenuePair[i] = utils.NormalizeVenue(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Расшифровка секретов площадок (значения с префиксом enc:)
	if err := cfg.decryptSecrets(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет всю конфигурацию и возвращает все найденные ошибки разом
func (c *Config) Validate() error {
	var errs utils.ValidationErrors
	c.validateTrading(&errs)
	c.validateRanges(&errs)
	c.validateSecurity(&errs)
	if errs.HasErrors() {
		return fmt.Errorf("invalid configuration: %w", errs)
	}
	return nil
}

// validateTrading проверяет пороги, символы и пару площадок
func (c *Config) validateTrading(errs *utils.ValidationErrors) {
	t := c.Trading

	if len(t.Symbols) == 0 {
		errs.Add("SYMBOLS", "at least one symbol is required")
	}
	for _, s := range t.Symbols {
		errs.AddError("SYMBOLS", utils.ValidateSymbol(s))
	}

	if len(t.VenuePair) != 2 {
		errs.Add("VENUE_PAIR", fmt.Sprintf("exactly two venues required, got %d", len(t.VenuePair)))
	} else {
		for _, v := range t.VenuePair {
			errs.AddError("VENUE_PAIR", utils.ValidateVenue(v))
		}
		if t.VenuePair[0] == t.VenuePair[1] {
			errs.Add("VENUE_PAIR", "venues must be distinct")
		}
	}

	errs.AddError("ENTRY_THRESHOLD", utils.ValidateThreshold(t.EntryThreshold))
	errs.AddError("EXIT_THRESHOLD", utils.ValidateThreshold(t.ExitThreshold))
	if t.ExitThreshold >= t.EntryThreshold {
		errs.Add("EXIT_THRESHOLD", fmt.Sprintf("must be below ENTRY_THRESHOLD (%v >= %v)", t.ExitThreshold, t.EntryThreshold))
	}
	// иначе отклонение ниже порога выхода до детектора не дойдёт
	if t.MinDeviationThreshold < 0 || t.MinDeviationThreshold > t.ExitThreshold {
		errs.Add("MIN_DEVIATION_THRESHOLD", fmt.Sprintf("must be in [0, EXIT_THRESHOLD], got %v", t.MinDeviationThreshold))
	}

	if t.TradeSizeQuote <= 0 {
		errs.Add("TRADE_SIZE_QUOTE", "must be positive")
	}
	if t.TrailingLiquidityOffset < 0 {
		errs.Add("TRAILING_LIQUIDITY_OFFSET", "cannot be negative")
	}
	if t.TrailingTickTolerance < 0 {
		errs.Add("TRAILING_TICK_TOLERANCE", "cannot be negative")
	}
	if t.SignalCooldown < 0 {
		errs.Add("SIGNAL_COOLDOWN", "cannot be negative")
	}
	if t.PreSellDelay < 0 {
		errs.Add("PRE_SELL_DELAY", "cannot be negative")
	}
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges(errs *utils.ValidationErrors) {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs.Add("SERVER_PORT", fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Database.Enabled && (c.Database.Port < 1 || c.Database.Port > 65535) {
		errs.Add("DB_PORT", fmt.Sprintf("must be between 1 and 65535, got %d", c.Database.Port))
	}
	if c.Redis.DB < 0 {
		errs.Add("REDIS_DB", "cannot be negative")
	}

	// Таймауты должны быть положительными
	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"MAX_DATA_AGE_SECONDS", c.Trading.MaxDataAge},
		{"BALANCE_CONFIRMATION_DEBOUNCE_MS", c.Trading.BalanceDebounce},
		{"BUY_FILL_TIMEOUT", c.Trading.BuyFillTimeout},
		{"SELL_FILL_TIMEOUT", c.Trading.SellFillTimeout},
		{"BALANCE_CONFIRM_TIMEOUT", c.Trading.BalanceConfirmTimeout},
		{"FALLBACK_FILL_DELAY", c.Trading.FallbackFillDelay},
		{"ORDER_TIMEOUT", c.Trading.OrderTimeout},
		{"AUTH_TIMEOUT", c.Trading.AuthTimeout},
	}
	for _, tt := range timeouts {
		if tt.value <= 0 {
			errs.Add(tt.name, fmt.Sprintf("must be positive, got %v", tt.value))
		}
	}
	if c.Trading.BalanceDebounce >= c.Trading.BalanceConfirmTimeout {
		errs.Add("BALANCE_CONFIRMATION_DEBOUNCE_MS", "must be shorter than BALANCE_CONFIRM_TIMEOUT")
	}

	if c.Trading.SymbolsPerConnection < 1 {
		errs.Add("SYMBOLS_PER_CONNECTION", fmt.Sprintf("must be at least 1, got %d", c.Trading.SymbolsPerConnection))
	}
	if c.Trading.OrderRateLimit <= 0 {
		errs.Add("ORDER_RATE_LIMIT", "must be positive")
	}
}

// validateSecurity проверяет ключ шифрования и наличие ключей торгуемых площадок
func (c *Config) validateSecurity(errs *utils.ValidationErrors) {
	encrypted := false
	for _, name := range c.Trading.VenuePair {
		creds, ok := c.Venues[name]
		if !ok {
			continue
		}
		if creds.APIKey == "" || creds.APISecret == "" {
			errs.Add(strings.ToUpper(name)+"_API_KEY", "API key and secret are required")
		}
		if strings.HasPrefix(creds.APISecret, crypto.EncryptedPrefix) {
			encrypted = true
		}
	}

	// ENCRYPTION_KEY обязателен только для зашифрованных секретов
	if encrypted && len(c.Security.EncryptionKey) != 32 {
		errs.Add("ENCRYPTION_KEY", "must be exactly 32 bytes for AES-256 when secrets are encrypted")
	}
}

// decryptSecrets заменяет зашифрованные секреты открытыми значениями
func (c *Config) decryptSecrets() error {
	key := []byte(c.Security.EncryptionKey)
	for name, creds := range c.Venues {
		secret, err := crypto.DecryptSecret(creds.APISecret, key)
		if err != nil {
			return fmt.Errorf("decrypt %s secret: %w", name, err)
		}
		creds.APISecret = secret
		c.Venues[name] = creds
	}
	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Addr - адрес HTTP сервера
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig - настройки логгера для pkg/utils
func (l LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:       l.Level,
		Format:      l.Format,
		Output:      l.Output,
		Development: l.Development,
	}
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList читает список через запятую, пустые элементы отбрасываются
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
