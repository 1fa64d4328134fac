package ports

import (
	"context"
	"time"

	"forexpaper/internal/domain"
)

// PriceSource is the pull-based price collaborator: one synchronous request
// per latest-price or historical-bars query.
type PriceSource interface {
	// GetPrice retrieves the latest quote for a symbol.
	GetPrice(ctx context.Context, symbol string) (*domain.Quote, error)
	// GetBars retrieves historical OHLC bars for a symbol, timeframe and
	// date range, ordered ascending by bucket start. Implementations paginate
	// client-side when the provider caps the result count.
	GetBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error)
}
