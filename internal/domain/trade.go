package domain

import (
	"math"
	"strings"
	"time"
)

// Trade represents a single paper position.
type Trade struct {
	ID         string    // Opaque unique identifier (UUID)
	Symbol     string    // Currency pair, e.g. "EURUSD"
	Direction  Direction // long or short
	EntryPrice float64   // Price at which the trade was opened
	Size       float64   // Position size in lot units

	// Optional protective levels. A nil level never triggers.
	StopLoss   *float64
	TakeProfit *float64

	RiskAmount  float64 // Amount at risk in account currency
	RiskPercent float64 // Risk as a percentage of account balance

	Status      TradeStatus
	CloseReason CloseReason // Set exactly once, at closure

	EntryTime time.Time
	ExitTime  time.Time // Zero value while open
	ExitPrice float64   // 0 while open

	ProfitLoss    float64 // Realized P&L, set at closure
	ProfitLossPct float64 // P&L as a percentage of RiskAmount, set at closure

	ModCount int // Number of level modifications while open
}

// IsOpen reports whether the trade is still open.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusOpen
}

// PipSize returns the conventional pip increment for the trade's pair:
// 0.01 for JPY-quoted pairs, 0.0001 otherwise.
func (t *Trade) PipSize() float64 {
	return PipSize(t.Symbol)
}

// PipSize returns the pip increment for a currency pair symbol.
func PipSize(symbol string) float64 {
	if strings.HasSuffix(strings.ToUpper(symbol), "JPY") {
		return 0.01
	}
	return 0.0001
}

// HitStopLoss reports whether price has crossed the trade's stop-loss.
// Long trades stop out at or below the level, short trades at or above it.
func HitStopLoss(t *Trade, price float64) bool {
	if t.StopLoss == nil {
		return false
	}
	if t.Direction == Long {
		return price <= *t.StopLoss
	}
	return price >= *t.StopLoss
}

// HitTakeProfit reports whether price has crossed the trade's take-profit.
func HitTakeProfit(t *Trade, price float64) bool {
	if t.TakeProfit == nil {
		return false
	}
	if t.Direction == Long {
		return price >= *t.TakeProfit
	}
	return price <= *t.TakeProfit
}

// EvaluateTriggers checks both protective levels against the current price.
// Stop-loss is checked before take-profit: when a single tick satisfies both,
// the stop-loss wins. Returns false when neither level triggers.
func EvaluateTriggers(t *Trade, price float64) (CloseReason, bool) {
	if HitStopLoss(t, price) {
		return CloseReasonStopLossHit, true
	}
	if HitTakeProfit(t, price) {
		return CloseReasonTakeProfitHit, true
	}
	return "", false
}

// ProfitLoss computes realized P&L for a closed trade:
// (exit-entry)*size for long, (entry-exit)*size for short.
func ProfitLoss(dir Direction, entryPrice, exitPrice, size float64) float64 {
	if dir == Long {
		return (exitPrice - entryPrice) * size
	}
	return (entryPrice - exitPrice) * size
}

// ProfitLossPct expresses P&L as a percentage of the amount risked.
// Returns 0 when no risk amount was recorded.
func ProfitLossPct(pnl, riskAmount float64) float64 {
	if riskAmount == 0 {
		return 0
	}
	return pnl / riskAmount * 100
}

// ValidateLevels checks that protective levels sit on the correct side of the
// entry price for the trade's direction: the stop-loss beyond entry against
// the direction, the take-profit beyond entry in the direction's favor.
// Nil levels are always valid.
func ValidateLevels(dir Direction, entryPrice float64, stopLoss, takeProfit *float64) bool {
	if dir == Long {
		if stopLoss != nil && *stopLoss >= entryPrice {
			return false
		}
		if takeProfit != nil && *takeProfit <= entryPrice {
			return false
		}
		return true
	}
	if stopLoss != nil && *stopLoss <= entryPrice {
		return false
	}
	if takeProfit != nil && *takeProfit >= entryPrice {
		return false
	}
	return true
}

// StopLossChange classifies a stop-loss edit relative to the entry price.
// Moving the stop toward entry reduces risk (tightened), away increases it.
func StopLossChange(dir Direction, oldLevel, newLevel float64) LevelChangeDirection {
	if dir == Long {
		if newLevel > oldLevel {
			return LevelTightened
		}
		return LevelWidened
	}
	if newLevel < oldLevel {
		return LevelTightened
	}
	return LevelWidened
}

// TakeProfitChange classifies a take-profit edit relative to the entry price.
func TakeProfitChange(dir Direction, oldLevel, newLevel float64) LevelChangeDirection {
	if dir == Long {
		if newLevel < oldLevel {
			return LevelMovedCloser
		}
		return LevelMovedAway
	}
	if newLevel > oldLevel {
		return LevelMovedCloser
	}
	return LevelMovedAway
}

// PipDistance converts an absolute price delta into pip units for the symbol.
func PipDistance(symbol string, from, to float64) float64 {
	return math.Abs(to-from) / PipSize(symbol)
}

// TargetReachedPct reports how far along the path from entry to take-profit
// the exit price landed, as a percentage. Returns 0 without a take-profit.
func TargetReachedPct(t *Trade, exitPrice float64) float64 {
	if t.TakeProfit == nil {
		return 0
	}
	span := *t.TakeProfit - t.EntryPrice
	if span == 0 {
		return 0
	}
	return (exitPrice - t.EntryPrice) / span * 100
}
