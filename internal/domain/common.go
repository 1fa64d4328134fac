package domain

// Direction represents which way a trade is positioned.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// TradeStatus represents the lifecycle state of a trade.
// StatusClosed and StatusCancelled are terminal.
type TradeStatus string

const (
	StatusOpen      TradeStatus = "open"
	StatusClosed    TradeStatus = "closed"
	StatusCancelled TradeStatus = "cancelled"
)

// CloseReason indicates why a trade left the open state.
type CloseReason string

const (
	CloseReasonManual        CloseReason = "manual"
	CloseReasonStopLossHit   CloseReason = "stop_loss_hit"
	CloseReasonTakeProfitHit CloseReason = "take_profit_hit"
	CloseReasonCancelled     CloseReason = "cancelled"
)

// HistoryAction tags a trade history event.
type HistoryAction string

const (
	ActionTradeOpened  HistoryAction = "trade_opened"
	ActionSLModified   HistoryAction = "sl_modified"
	ActionTPModified   HistoryAction = "tp_modified"
	ActionClosedManual HistoryAction = "closed_manual"
	ActionClosedSLHit  HistoryAction = "closed_sl_hit"
	ActionClosedTPHit  HistoryAction = "closed_tp_hit"
	ActionCancelled    HistoryAction = "cancelled"
	ActionNotesAdded   HistoryAction = "notes_added"
)

// LevelChangeDirection describes how a stop-loss or take-profit edit relates
// to the trade's risk. Stop-loss edits are tightened/widened, take-profit
// edits are moved_closer/moved_further, both relative to the entry price and
// mirrored for short trades.
type LevelChangeDirection string

const (
	LevelTightened   LevelChangeDirection = "tightened"
	LevelWidened     LevelChangeDirection = "widened"
	LevelMovedCloser LevelChangeDirection = "moved_closer"
	LevelMovedAway   LevelChangeDirection = "moved_further"
)
