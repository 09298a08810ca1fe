package publisher

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"arbtrader/internal/config"
	"arbtrader/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// cycleStreamMaxLen - приблизительный предел длины потока итогов (XADD MAXLEN ~)
const cycleStreamMaxLen int64 = 10000

// redisCommander - подмножество *redis.Client, нужное получателю
type redisCommander interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// NewRedisClient подключается к Redis и проверяет соединение через PING
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// RedisSink публикует события в Redis pub/sub:
//
//	<prefix>:spread:<SYMBOL>  котировки
//	<prefix>:signal           сигналы
//	<prefix>:cycle            итоги циклов
//
// Итоги циклов дополнительно дописываются в поток <prefix>:cycles,
// чтобы потребитель, подключившийся позже, мог их дочитать.
type RedisSink struct {
	rdb    redisCommander
	prefix string
}

func NewRedisSink(rdb redisCommander, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "arb"
	}
	return &RedisSink{rdb: rdb, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) SpreadChannel(symbol string) string { return s.prefix + ":spread:" + symbol }
func (s *RedisSink) SignalChannel() string              { return s.prefix + ":signal" }
func (s *RedisSink) CycleChannel() string               { return s.prefix + ":cycle" }
func (s *RedisSink) CycleStream() string                { return s.prefix + ":cycles" }

func (s *RedisSink) Spread(ctx context.Context, q models.PriceQuote) error {
	return s.publish(ctx, s.SpreadChannel(q.Symbol), q)
}

func (s *RedisSink) Signal(ctx context.Context, sig models.Signal) error {
	return s.publish(ctx, s.SignalChannel(), sig)
}

func (s *RedisSink) CycleResult(ctx context.Context, out models.CycleOutcome) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("redis: marshal cycle: %w", err)
	}

	if err := s.rdb.Publish(ctx, s.CycleChannel(), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", s.CycleChannel(), err)
	}

	args := &redis.XAddArgs{
		Stream: s.CycleStream(),
		MaxLen: cycleStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"symbol":  out.Key.Symbol,
			"success": out.Success,
			"payload": payload,
		},
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", s.CycleStream(), err)
	}
	return nil
}

func (s *RedisSink) publish(ctx context.Context, channel string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", channel, err)
	}
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}
