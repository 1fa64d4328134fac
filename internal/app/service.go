package app

import (
	"context"
	"fmt"
	"time"

	"forexpaper/internal/domain"
	"forexpaper/internal/ports"

	"github.com/google/uuid"
)

// TradeService implements the trader-facing operations: opening, closing,
// cancelling and modifying paper trades, plus journal notes. Every state
// change is paired with the history events that make the trade auditable.
type TradeService struct {
	logger  ports.Logger
	trades  ports.TradeRepository
	history ports.HistoryRepository
}

// ServiceConfig holds the trade service's dependencies.
type ServiceConfig struct {
	Logger  ports.Logger
	Trades  ports.TradeRepository
	History ports.HistoryRepository
}

// NewTradeService creates a trade service.
func NewTradeService(cfg ServiceConfig) (*TradeService, error) {
	if cfg.Logger == nil || cfg.Trades == nil || cfg.History == nil {
		return nil, fmt.Errorf("missing required dependencies for trade service")
	}
	return &TradeService{logger: cfg.Logger, trades: cfg.Trades, history: cfg.History}, nil
}

// OpenTradeParams carries everything needed to open a paper position.
type OpenTradeParams struct {
	Symbol      string
	Direction   domain.Direction
	EntryPrice  float64
	Size        float64
	StopLoss    *float64
	TakeProfit  *float64
	RiskAmount  float64
	RiskPercent float64
}

// OpenTrade validates the request and persists a new open trade together with
// its trade_opened event.
func (s *TradeService) OpenTrade(ctx context.Context, params OpenTradeParams) (*domain.Trade, error) {
	op := "OpenTrade"
	if params.Symbol == "" || params.EntryPrice <= 0 || params.Size <= 0 {
		return nil, fmt.Errorf("%s: symbol, entry price and size are required: %w", op, ports.ErrInvalidRequest)
	}
	if params.Direction != domain.Long && params.Direction != domain.Short {
		return nil, fmt.Errorf("%s: unknown direction %q: %w", op, params.Direction, ports.ErrInvalidRequest)
	}
	if !domain.ValidateLevels(params.Direction, params.EntryPrice, params.StopLoss, params.TakeProfit) {
		return nil, fmt.Errorf("%s: levels on the wrong side of entry: %w", op, ports.ErrInvalidLevels)
	}

	now := time.Now().UTC()
	trade := &domain.Trade{
		ID:          uuid.NewString(),
		Symbol:      params.Symbol,
		Direction:   params.Direction,
		EntryPrice:  params.EntryPrice,
		Size:        params.Size,
		StopLoss:    params.StopLoss,
		TakeProfit:  params.TakeProfit,
		RiskAmount:  params.RiskAmount,
		RiskPercent: params.RiskPercent,
		Status:      domain.StatusOpen,
		EntryTime:   now,
	}
	opened := &domain.HistoryEvent{
		ID:      uuid.NewString(),
		TradeID: trade.ID,
		Action:  domain.ActionTradeOpened,
		Time:    now,
		Price:   params.EntryPrice,
	}

	if err := s.trades.Create(ctx, trade, opened); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Info(ctx, op+": trade opened", map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "direction": trade.Direction, "entry": trade.EntryPrice,
	})
	return trade, nil
}

// CloseManual closes an open trade at the trader's request. The reason
// category and emotional state are mandatory journal fields; a manual close
// always succeeds regardless of where price sits relative to the levels.
func (s *TradeService) CloseManual(ctx context.Context, id string, price float64, reasonCategory, emotionalState string) (*domain.Trade, error) {
	op := "CloseManual"
	if reasonCategory == "" || emotionalState == "" {
		return nil, fmt.Errorf("%s: reason category and emotional state are required: %w", op, ports.ErrInvalidRequest)
	}

	trade, err := s.mustFindOpen(ctx, op, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pnl := domain.ProfitLoss(trade.Direction, trade.EntryPrice, price, trade.Size)
	pct := domain.ProfitLossPct(pnl, trade.RiskAmount)

	event := &domain.HistoryEvent{
		ID:      uuid.NewString(),
		TradeID: trade.ID,
		Action:  domain.ActionClosedManual,
		Time:    now,
		Price:   price,
		Details: domain.EventDetails{
			ProfitLoss:       pnl,
			ProfitLossPct:    pct,
			TimeInTradeSecs:  int64(now.Sub(trade.EntryTime).Seconds()),
			WasInProfit:      pnl > 0,
			PriorMods:        trade.ModCount,
			TargetReachedPct: domain.TargetReachedPct(trade, price),
			ReasonCategory:   reasonCategory,
			EmotionalState:   emotionalState,
		},
	}

	closed, err := s.trades.CloseIfOpen(ctx, id, ports.CloseUpdate{
		Reason:        domain.CloseReasonManual,
		ExitPrice:     price,
		ExitTime:      now,
		ProfitLoss:    pnl,
		ProfitLossPct: pct,
		Event:         event,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !closed {
		// The monitor got there first.
		return nil, fmt.Errorf("%s: trade %s: %w", op, id, ports.ErrTradeNotOpen)
	}

	trade.Status = domain.StatusClosed
	trade.CloseReason = domain.CloseReasonManual
	trade.ExitPrice = price
	trade.ExitTime = now
	trade.ProfitLoss = pnl
	trade.ProfitLossPct = pct

	s.logger.Info(ctx, op+": trade closed", map[string]interface{}{"tradeID": id, "pnl": pnl})
	return trade, nil
}

// CancelTrade voids an open trade without realizing any P&L. Cancelled trades
// are excluded from performance statistics.
func (s *TradeService) CancelTrade(ctx context.Context, id string) error {
	op := "CancelTrade"
	trade, err := s.mustFindOpen(ctx, op, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	event := &domain.HistoryEvent{
		ID:      uuid.NewString(),
		TradeID: trade.ID,
		Action:  domain.ActionCancelled,
		Time:    now,
		Price:   trade.EntryPrice,
	}

	cancelled, err := s.trades.CloseIfOpen(ctx, id, ports.CloseUpdate{
		Reason:    domain.CloseReasonCancelled,
		ExitPrice: trade.EntryPrice,
		ExitTime:  now,
		Event:     event,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !cancelled {
		return fmt.Errorf("%s: trade %s: %w", op, id, ports.ErrTradeNotOpen)
	}
	s.logger.Info(ctx, op+": trade cancelled", map[string]interface{}{"tradeID": id})
	return nil
}

// ModifyLevels changes the stop-loss and/or take-profit of an open trade.
// A nil level leaves that field unchanged. The merged levels are validated
// against the entry price before anything is written: a rejected modification
// leaves both the trade and its history untouched.
func (s *TradeService) ModifyLevels(ctx context.Context, id string, stopLoss, takeProfit *float64) error {
	op := "ModifyLevels"
	if stopLoss == nil && takeProfit == nil {
		return fmt.Errorf("%s: nothing to modify: %w", op, ports.ErrInvalidRequest)
	}

	trade, err := s.mustFindOpen(ctx, op, id)
	if err != nil {
		return err
	}

	effSL := trade.StopLoss
	if stopLoss != nil {
		effSL = stopLoss
	}
	effTP := trade.TakeProfit
	if takeProfit != nil {
		effTP = takeProfit
	}
	if !domain.ValidateLevels(trade.Direction, trade.EntryPrice, effSL, effTP) {
		return fmt.Errorf("%s: levels on the wrong side of entry: %w", op, ports.ErrInvalidLevels)
	}

	now := time.Now().UTC()
	var events []*domain.HistoryEvent
	if ev := stopLossEvent(trade, stopLoss, now); ev != nil {
		events = append(events, ev)
	}
	if ev := takeProfitEvent(trade, takeProfit, now); ev != nil {
		events = append(events, ev)
	}
	if len(events) == 0 {
		// Same values as before; nothing to record.
		return nil
	}

	if err := s.trades.UpdateLevels(ctx, id, ports.LevelUpdate{
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Events:     events,
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Info(ctx, op+": levels updated", map[string]interface{}{"tradeID": id, "changes": len(events)})
	return nil
}

// AddNote appends a free-form journal note to a trade's history.
func (s *TradeService) AddNote(ctx context.Context, id, note string) error {
	op := "AddNote"
	if note == "" {
		return fmt.Errorf("%s: note is required: %w", op, ports.ErrInvalidRequest)
	}
	trade, err := s.trades.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if trade == nil {
		return fmt.Errorf("%s: trade %s: %w", op, id, ports.ErrNotFound)
	}

	event := &domain.HistoryEvent{
		ID:      uuid.NewString(),
		TradeID: id,
		Action:  domain.ActionNotesAdded,
		Time:    time.Now().UTC(),
		Details: domain.EventDetails{Metadata: map[string]string{"note": note}},
	}
	if err := s.history.Append(ctx, event); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// History returns a trade's full audit trail, oldest first.
func (s *TradeService) History(ctx context.Context, id string) ([]*domain.HistoryEvent, error) {
	op := "History"
	events, err := s.history.FindByTradeID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return events, nil
}

func (s *TradeService) mustFindOpen(ctx context.Context, op, id string) (*domain.Trade, error) {
	trade, err := s.trades.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if trade == nil {
		return nil, fmt.Errorf("%s: trade %s: %w", op, id, ports.ErrNotFound)
	}
	if !trade.IsOpen() {
		return nil, fmt.Errorf("%s: trade %s: %w", op, id, ports.ErrTradeNotOpen)
	}
	return trade, nil
}

// stopLossEvent builds the sl_modified event when the requested level differs
// from the current one. A first-time stop on a trade opened without one has no
// previous level; the direction classification is skipped and the magnitude is
// measured from the entry price.
func stopLossEvent(trade *domain.Trade, newLevel *float64, now time.Time) *domain.HistoryEvent {
	if newLevel == nil {
		return nil
	}
	if trade.StopLoss != nil && *trade.StopLoss == *newLevel {
		return nil
	}

	details := domain.EventDetails{NewLevel: *newLevel}
	if trade.StopLoss != nil {
		details.OldLevel = *trade.StopLoss
		details.ChangeDirection = domain.StopLossChange(trade.Direction, *trade.StopLoss, *newLevel)
		details.ChangePips = domain.PipDistance(trade.Symbol, *trade.StopLoss, *newLevel)
	} else {
		details.ChangePips = domain.PipDistance(trade.Symbol, trade.EntryPrice, *newLevel)
	}

	return &domain.HistoryEvent{
		ID:      uuid.NewString(),
		TradeID: trade.ID,
		Action:  domain.ActionSLModified,
		Time:    now,
		Price:   *newLevel,
		Details: details,
	}
}

// takeProfitEvent builds the tp_modified event, mirroring stopLossEvent.
func takeProfitEvent(trade *domain.Trade, newLevel *float64, now time.Time) *domain.HistoryEvent {
	if newLevel == nil {
		return nil
	}
	if trade.TakeProfit != nil && *trade.TakeProfit == *newLevel {
		return nil
	}

	details := domain.EventDetails{NewLevel: *newLevel}
	if trade.TakeProfit != nil {
		details.OldLevel = *trade.TakeProfit
		details.ChangeDirection = domain.TakeProfitChange(trade.Direction, *trade.TakeProfit, *newLevel)
		details.ChangePips = domain.PipDistance(trade.Symbol, *trade.TakeProfit, *newLevel)
	} else {
		details.ChangePips = domain.PipDistance(trade.Symbol, trade.EntryPrice, *newLevel)
	}

	return &domain.HistoryEvent{
		ID:      uuid.NewString(),
		TradeID: trade.ID,
		Action:  domain.ActionTPModified,
		Time:    now,
		Price:   *newLevel,
		Details: details,
	}
}
