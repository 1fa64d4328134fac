package domain

import "time"

// Quote is the latest known price for a symbol from either transport.
type Quote struct {
	Symbol string
	Price  float64
	Bid    float64 // 0 when the source does not report it
	Ask    float64
	Spread float64
	Time   time.Time
}
