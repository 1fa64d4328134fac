package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these sentinels.
var (
	// General
	ErrUnknown         = errors.New("unknown error occurred")
	ErrInvalidRequest  = errors.New("invalid request parameters or format")
	ErrNotFound        = errors.New("resource not found")
	ErrTimeout         = errors.New("operation timed out")
	ErrContextCanceled = errors.New("operation canceled via context")

	// Price source / streaming feed
	ErrConnectionFailed     = errors.New("failed to connect to the price source")
	ErrRateLimited          = errors.New("price source rate limit exceeded")
	ErrAuthenticationFailed = errors.New("price feed authentication failed (check API key)")
	ErrTooManyConnections   = errors.New("price feed rejected connection: concurrent connection limit")
	ErrNoPriceData          = errors.New("no price data returned for symbol")

	// Trade store
	ErrTradeNotOpen  = errors.New("trade is not open")
	ErrInvalidLevels = errors.New("stop-loss/take-profit on wrong side of entry price")
	ErrQueryFailed   = errors.New("trade store query failed")
	ErrUpdateFailed  = errors.New("trade store update failed")
)
