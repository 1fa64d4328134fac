package domain

import "time"

// HistoryEvent is one append-only audit record for a trade.
// A trade has exactly one ActionTradeOpened event, exactly one closure event
// (ActionClosedManual, ActionClosedSLHit, ActionClosedTPHit or
// ActionCancelled) and any number of modification events while open.
type HistoryEvent struct {
	ID      string // Opaque unique identifier (UUID)
	TradeID string
	Action  HistoryAction
	Time    time.Time
	Price   float64 // Price at the moment of the action

	Details EventDetails
}

// EventDetails carries the action-specific payload of a history event.
// Only the fields relevant to the action are populated; the whole struct is
// stored as a JSON document by the repository.
type EventDetails struct {
	// Level modifications
	OldLevel        float64              `json:"old_level,omitempty"`
	NewLevel        float64              `json:"new_level,omitempty"`
	ChangeDirection LevelChangeDirection `json:"change_direction,omitempty"`
	ChangePips      float64              `json:"change_pips,omitempty"`

	// Closures
	ProfitLoss       float64 `json:"profit_loss,omitempty"`
	ProfitLossPct    float64 `json:"profit_loss_pct,omitempty"`
	TimeInTradeSecs  int64   `json:"time_in_trade_secs,omitempty"`
	WasInProfit      bool    `json:"was_in_profit,omitempty"`
	DistanceToOther  float64 `json:"distance_to_other_pips,omitempty"` // pips to the level that did not trigger
	PriorMods        int     `json:"prior_mods,omitempty"`
	TargetReachedPct float64 `json:"target_reached_pct,omitempty"`

	// Manual closures
	ReasonCategory string `json:"reason_category,omitempty"`
	EmotionalState string `json:"emotional_state,omitempty"`

	// Free-form metadata (notes, client context)
	Metadata map[string]string `json:"metadata,omitempty"`
}
