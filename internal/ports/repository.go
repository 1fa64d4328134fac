package ports

import (
	"context"
	"time"

	"forexpaper/internal/domain"
)

// CloseUpdate carries the fields written atomically when a trade is closed,
// together with the single closure audit event appended in the same
// transaction.
type CloseUpdate struct {
	Reason        domain.CloseReason
	ExitPrice     float64
	ExitTime      time.Time
	ProfitLoss    float64
	ProfitLossPct float64
	Event         *domain.HistoryEvent
}

// LevelUpdate carries a stop-loss/take-profit modification for an open trade
// and the audit events describing each changed field.
type LevelUpdate struct {
	StopLoss   *float64 // nil = leave unchanged
	TakeProfit *float64
	Events     []*domain.HistoryEvent
}

// TradeRepository defines the interface for storing and retrieving trades.
type TradeRepository interface {
	// Create saves a new trade together with its trade_opened event.
	Create(ctx context.Context, trade *domain.Trade, opened *domain.HistoryEvent) error
	// FindByID retrieves a trade by its unique ID. Returns nil, nil if not found.
	FindByID(ctx context.Context, id string) (*domain.Trade, error)
	// FindOpen retrieves all trades with status open.
	FindOpen(ctx context.Context) ([]*domain.Trade, error)
	// FindOpenBySymbol retrieves open trades for a single symbol.
	FindOpenBySymbol(ctx context.Context, symbol string) ([]*domain.Trade, error)
	// CloseIfOpen atomically transitions the trade to closed (or cancelled)
	// only if its status is still open, writing the exit fields and appending
	// the closure event in the same transaction. Returns false without error
	// when the trade was not open, which callers treat as a lost race rather
	// than a failure.
	CloseIfOpen(ctx context.Context, id string, upd CloseUpdate) (bool, error)
	// UpdateLevels modifies stop-loss/take-profit on a trade only if it is
	// still open, incrementing its modification count and appending the
	// modification events in the same transaction. Returns ErrTradeNotOpen
	// when the status guard fails.
	UpdateLevels(ctx context.Context, id string, upd LevelUpdate) error
}

// HistoryRepository defines the append-only interface for trade audit events.
type HistoryRepository interface {
	// Append saves one history event.
	Append(ctx context.Context, event *domain.HistoryEvent) error
	// FindByTradeID retrieves all events for a trade, oldest first.
	FindByTradeID(ctx context.Context, tradeID string) ([]*domain.HistoryEvent, error)
	// CountModifications counts sl_modified/tp_modified events for a trade.
	CountModifications(ctx context.Context, tradeID string) (int, error)
}
