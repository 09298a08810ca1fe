package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arbtrader/internal/api"
	"arbtrader/internal/bot"
	"arbtrader/internal/config"
	"arbtrader/internal/exchange"
	"arbtrader/internal/publisher"
	"arbtrader/internal/repository"
	"arbtrader/internal/websocket"
	"arbtrader/pkg/utils"
)

// shutdownTimeout - лимит на остановку HTTP сервера
const shutdownTimeout = 10 * time.Second

func main() {
	// вспомогательные команды: hash-password, encrypt-secret
	if len(os.Args) > 1 {
		if err := runTool(os.Args[1], os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(cfg.Logging.LogConfig())
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("trader stopped with error", zap.Error(err))
	}
	log.Info("trader exited")
}

func run(cfg *config.Config, log *utils.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Получатели событий: лог и поток операторов всегда, БД и Redis по настройке
	hub := websocket.NewHub(cfg.Server.AllowedOrigins, log)
	sinks := []publisher.Sink{publisher.NewLogSink(log), hub}

	var history *repository.CycleRepository
	if cfg.Database.Enabled {
		db, err := initDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		log.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

		history = repository.NewCycleRepository(db)
		if err := history.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to create cycles table: %w", err)
		}
		sinks = append(sinks, publisher.NewRepositorySink(history))
	}

	if cfg.Redis.Addr != "" {
		rdb, err := publisher.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		sinks = append(sinks, publisher.NewRedisSink(rdb, cfg.Redis.ChannelPrefix))
	}

	fanout := publisher.NewFanout(publisher.DefaultFanoutConfig(), log, sinks...)

	venues, err := buildVenues(cfg, log)
	if err != nil {
		return err
	}

	engine, err := bot.NewEngine(engineConfig(cfg.Trading), venues, fanout, log, nil)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	deps := &api.Dependencies{
		Engine:               engine,
		Stream:               hub.ServeWS,
		OperatorUsername:     cfg.Server.OperatorUsername,
		OperatorPasswordHash: cfg.Server.OperatorPasswordHash,
		AllowedOrigins:       cfg.Server.AllowedOrigins,
		Log:                  log,
	}
	if history != nil {
		deps.History = history
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.SetupRoutes(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Рассылка живёт дольше ядра: итоги циклов, завершённых при остановке,
	// должны дойти до получателей
	pubCtx, stopPub := context.WithCancel(context.Background())
	defer stopPub()

	var background errgroup.Group
	background.Go(func() error { return fanout.Run(pubCtx) })
	background.Go(func() error { return hub.Run(pubCtx) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		log.Info("ops server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	stopPub()
	_ = background.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildVenues создаёт клиентов площадок из VENUE_PAIR
func buildVenues(cfg *config.Config, log *utils.Logger) (map[string]exchange.Venue, error) {
	t := cfg.Trading
	venues := make(map[string]exchange.Venue, len(t.VenuePair))

	for _, name := range t.VenuePair {
		creds := cfg.Venues[name]
		v, err := exchange.NewVenue(name, exchange.VenueConfig{
			APIKey:               creds.APIKey,
			APISecret:            creds.APISecret,
			SymbolsPerConnection: t.SymbolsPerConnection,
			OrderTimeout:         t.OrderTimeout,
			AuthTimeout:          t.AuthTimeout,
			OrderRateLimit:       t.OrderRateLimit,
		}, log)
		if err != nil {
			return nil, err
		}
		venues[name] = v
	}
	return venues, nil
}

// engineConfig переводит торговые настройки в конфигурацию ядра
func engineConfig(t config.TradingConfig) bot.EngineConfig {
	cycle := bot.DefaultCycleConfig()
	cycle.TradeSizeQuote = t.TradeSizeQuote
	cycle.Trailing = bot.TrailingConfig{
		LiquidityOffset: t.TrailingLiquidityOffset,
		TickTolerance:   t.TrailingTickTolerance,
	}
	cycle.BuyFillTimeout = t.BuyFillTimeout
	cycle.SellFillTimeout = t.SellFillTimeout
	cycle.BalanceConfirmTimeout = t.BalanceConfirmTimeout
	cycle.BalanceDebounce = t.BalanceDebounce
	cycle.PreSellDelay = t.PreSellDelay
	cycle.FallbackFillDelay = t.FallbackFillDelay

	return bot.EngineConfig{
		Symbols: t.Symbols,
		VenueA:  t.VenuePair[0],
		VenueB:  t.VenuePair[1],
		Deviation: bot.DeviationConfig{
			MaxDataAge:      t.MaxDataAge,
			MinDeviationPct: t.MinDeviationThreshold,
		},
		Detector: bot.DetectorConfig{
			EntryThreshold: t.EntryThreshold,
			ExitThreshold:  t.ExitThreshold,
			Cooldown:       t.SignalCooldown,
		},
		Cycle: cycle,
	}
}

// initDatabase создает подключение к базе данных журнала циклов
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений (пишет только публикатор)
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
