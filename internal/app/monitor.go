package app

import (
	"context"
	"fmt"
	"time"

	"forexpaper/internal/domain"
	"forexpaper/internal/metrics"
	"forexpaper/internal/ports"

	"github.com/google/uuid"
)

// Monitor enforces stop-loss/take-profit semantics without requiring the
// trader to be present: a periodic task fetches open trades, one price per
// distinct symbol, evaluates threshold crossings and closes eligible trades
// atomically with a closure audit event.
type Monitor struct {
	logger   ports.Logger
	trades   ports.TradeRepository
	prices   ports.PriceSource
	interval time.Duration
}

// MonitorConfig holds the monitor's dependencies.
type MonitorConfig struct {
	Logger   ports.Logger
	Trades   ports.TradeRepository
	Prices   ports.PriceSource
	Interval time.Duration
}

// NewMonitor creates a trade monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Logger == nil || cfg.Trades == nil || cfg.Prices == nil {
		return nil, fmt.Errorf("missing required dependencies for trade monitor")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Monitor{
		logger:   cfg.Logger,
		trades:   cfg.Trades,
		prices:   cfg.Prices,
		interval: cfg.Interval,
	}, nil
}

// Run executes ticks on the configured interval until the context is
// cancelled. Ticks never overlap: each runs to completion on this loop before
// the next is considered.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info(ctx, "Trade monitor started", map[string]interface{}{"interval": m.interval.String()})
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "Trade monitor stopped")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one monitoring pass. Running Tick twice against an unchanged
// trade set and price closes each eligible trade exactly once: the atomic
// status guard in the store rejects the second closure.
func (m *Monitor) Tick(ctx context.Context) {
	metrics.IncMonitorTick()

	open, err := m.trades.FindOpen(ctx)
	if err != nil {
		m.logger.Error(ctx, err, "Failed to fetch open trades, skipping tick")
		return
	}
	if len(open) == 0 {
		return
	}

	// One price fetch per distinct symbol per tick, not per trade.
	bySymbol := make(map[string][]*domain.Trade)
	for _, t := range open {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	for symbol, trades := range bySymbol {
		quote, err := m.prices.GetPrice(ctx, symbol)
		if err != nil {
			// Isolated per symbol: the rest of the tick proceeds.
			metrics.IncPriceFetchError()
			m.logger.Error(ctx, err, "Price fetch failed, skipping symbol this tick", map[string]interface{}{"symbol": symbol})
			continue
		}

		for _, trade := range trades {
			reason, hit := domain.EvaluateTriggers(trade, quote.Price)
			if !hit {
				continue
			}
			m.closeTriggered(ctx, trade, quote.Price, reason)
		}
	}
}

// closeTriggered closes one trade whose protective level was crossed.
func (m *Monitor) closeTriggered(ctx context.Context, trade *domain.Trade, price float64, reason domain.CloseReason) {
	op := "closeTriggered"
	now := time.Now().UTC()

	pnl := domain.ProfitLoss(trade.Direction, trade.EntryPrice, price, trade.Size)
	pct := domain.ProfitLossPct(pnl, trade.RiskAmount)

	action := domain.ActionClosedSLHit
	var distanceToOther float64
	if reason == domain.CloseReasonTakeProfitHit {
		action = domain.ActionClosedTPHit
		if trade.StopLoss != nil {
			distanceToOther = domain.PipDistance(trade.Symbol, price, *trade.StopLoss)
		}
	} else if trade.TakeProfit != nil {
		distanceToOther = domain.PipDistance(trade.Symbol, price, *trade.TakeProfit)
	}

	event := &domain.HistoryEvent{
		ID:      uuid.NewString(),
		TradeID: trade.ID,
		Action:  action,
		Time:    now,
		Price:   price,
		Details: domain.EventDetails{
			ProfitLoss:       pnl,
			ProfitLossPct:    pct,
			TimeInTradeSecs:  int64(now.Sub(trade.EntryTime).Seconds()),
			WasInProfit:      pnl > 0,
			DistanceToOther:  distanceToOther,
			PriorMods:        trade.ModCount,
			TargetReachedPct: domain.TargetReachedPct(trade, price),
		},
	}

	closed, err := m.trades.CloseIfOpen(ctx, trade.ID, ports.CloseUpdate{
		Reason:        reason,
		ExitPrice:     price,
		ExitTime:      now,
		ProfitLoss:    pnl,
		ProfitLossPct: pct,
		Event:         event,
	})
	if err != nil {
		m.logger.Error(ctx, err, op+": failed to close trade", map[string]interface{}{"tradeID": trade.ID})
		return
	}
	if !closed {
		// Lost a race with a concurrent closure; not a user-facing error.
		m.logger.Debug(ctx, op+": trade no longer open, closure skipped", map[string]interface{}{"tradeID": trade.ID})
		return
	}

	metrics.IncClosure(string(reason))
	m.logger.Info(ctx, op+": trade closed", map[string]interface{}{
		"tradeID":   trade.ID,
		"symbol":    trade.Symbol,
		"reason":    reason,
		"exitPrice": price,
		"pnl":       pnl,
	})
}
