package publisher

import (
	"context"

	"go.uber.org/zap"

	"arbtrader/internal/models"
	"arbtrader/pkg/utils"
)

// LogSink пишет события в структурированный лог. Подключается всегда.
type LogSink struct {
	log *utils.Logger
}

func NewLogSink(log *utils.Logger) *LogSink {
	if log == nil {
		log = utils.L()
	}
	return &LogSink{log: log.WithComponent("events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Spread(_ context.Context, q models.PriceQuote) error {
	s.log.Debug("quote",
		utils.Venue(q.Venue),
		utils.Symbol(q.Symbol),
		zap.Float64("bid", q.BestBid),
		zap.Float64("ask", q.BestAsk),
		zap.Float64("spread_pct", q.SpreadPct),
	)
	return nil
}

func (s *LogSink) Signal(_ context.Context, sig models.Signal) error {
	s.log.Info("signal",
		utils.Symbol(sig.Symbol),
		zap.String("type", string(sig.Type)),
		zap.String("cheap_venue", sig.CheapVenue),
		zap.String("expensive_venue", sig.ExpensiveVenue),
		utils.Deviation(sig.DeviationPct),
	)
	return nil
}

func (s *LogSink) CycleResult(_ context.Context, out models.CycleOutcome) error {
	fields := []zap.Field{
		utils.Symbol(out.Key.Symbol),
		zap.String("buy_venue", out.Key.BuyVenue),
		zap.String("sell_venue", out.Key.SellVenue),
		zap.Float64("bought", out.BoughtQuantity),
		zap.Float64("sold", out.SoldQuantity),
		zap.Float64("entry_price", out.EntryPrice),
		zap.Float64("exit_price", out.ExitPrice),
		zap.Duration("server_latency", out.ServerLatency),
		zap.Duration("local_latency", out.LocalLatency),
	}

	if out.Success {
		fields = append(fields, zap.Float64("pnl", out.PnL()), zap.Bool("estimated", out.ProceedsEstimated))
		if out.Exposure > 0 {
			fields = append(fields, zap.Float64("residual", out.Exposure))
		}
		s.log.Info("cycle completed", fields...)
		return nil
	}

	fields = append(fields,
		utils.Phase(string(out.FailedPhase)),
		zap.String("error", out.Error),
		zap.Float64("exposure", out.Exposure),
	)
	if out.Exposure > 0 {
		fields = append(fields, utils.Alert())
		s.log.Error("cycle failed with open exposure", fields...)
		return nil
	}
	s.log.Warn("cycle failed", fields...)
	return nil
}
