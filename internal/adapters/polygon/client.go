package polygon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"forexpaper/internal/domain"
	"forexpaper/internal/ports"

	"github.com/jpillora/backoff"
)

const (
	defaultBaseURL = "https://api.polygon.io"

	// The aggregates endpoint caps each response; ranges larger than the cap
	// are fetched with client-side pagination.
	maxAggsLimit = 5000
)

// Client implements ports.PriceSource against a polygon-style forex REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     ports.Logger

	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// Config holds configuration specific to the REST price source adapter.
type Config struct {
	BaseURL   string
	APIKey    string
	Logger    ports.Logger
	Attempts  int           // Retry attempts per request (default 3)
	BaseDelay time.Duration // First retry delay (default 1s), doubled per attempt
	MaxDelay  time.Duration // Backoff cap (default 8s)
	Timeout   time.Duration // Per-request HTTP timeout (default 10s)
}

// New creates a new REST price source adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for price source client")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for price source client")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
		attempts:   attempts,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

type lastQuoteResponse struct {
	Status string `json:"status"`
	Last   struct {
		Ask       float64 `json:"ask"`
		Bid       float64 `json:"bid"`
		Timestamp int64   `json:"timestamp"` // ms
	} `json:"last"`
}

type aggsResponse struct {
	Status       string `json:"status"`
	ResultsCount int    `json:"resultsCount"`
	Results      []struct {
		T int64   `json:"t"` // bucket start, ms
		O float64 `json:"o"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		C float64 `json:"c"`
		V float64 `json:"v"`
	} `json:"results"`
}

// GetPrice retrieves the latest quote for a symbol, e.g. "EURUSD".
func (c *Client) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	op := "GetPrice"
	if len(symbol) != 6 {
		return nil, fmt.Errorf("%s: malformed symbol %q: %w", op, symbol, ports.ErrInvalidRequest)
	}
	endpoint := fmt.Sprintf("%s/v1/last_quote/currencies/%s/%s", c.baseURL, symbol[:3], symbol[3:])

	var resp lastQuoteResponse
	if err := c.getJSON(ctx, op, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Last.Bid == 0 && resp.Last.Ask == 0 {
		return nil, fmt.Errorf("%s: symbol %s: %w", op, symbol, ports.ErrNoPriceData)
	}

	mid := (resp.Last.Bid + resp.Last.Ask) / 2
	return &domain.Quote{
		Symbol: symbol,
		Price:  mid,
		Bid:    resp.Last.Bid,
		Ask:    resp.Last.Ask,
		Spread: resp.Last.Ask - resp.Last.Bid,
		Time:   time.UnixMilli(resp.Last.Timestamp),
	}, nil
}

// GetBars retrieves historical OHLC bars for the symbol and timeframe,
// paginating past the provider's per-response cap.
func (c *Client) GetBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	op := "GetBars"
	timespan, err := timespanFor(tf.Unit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	mult := tf.Multiplier
	if mult <= 0 {
		mult = 1
	}

	var all []domain.Candle
	cursor := from
	for {
		endpoint := fmt.Sprintf("%s/v2/aggs/ticker/C:%s/range/%d/%s/%d/%d",
			c.baseURL, symbol, mult, timespan, cursor.UnixMilli(), to.UnixMilli())
		params := url.Values{"adjusted": {"true"}, "sort": {"asc"}, "limit": {fmt.Sprint(maxAggsLimit)}}

		var resp aggsResponse
		if err := c.getJSON(ctx, op, endpoint, params, &resp); err != nil {
			return nil, err
		}
		if len(resp.Results) == 0 {
			break
		}
		for _, bar := range resp.Results {
			all = append(all, domain.Candle{
				BucketStart: time.UnixMilli(bar.T),
				Open:        bar.O,
				High:        bar.H,
				Low:         bar.L,
				Close:       bar.C,
				Volume:      bar.V,
			})
		}
		if len(resp.Results) < maxAggsLimit {
			break
		}
		last := resp.Results[len(resp.Results)-1]
		cursor = time.UnixMilli(last.T).Add(time.Millisecond)
		if !cursor.Before(to) {
			break
		}
	}
	return all, nil
}

// getJSON performs one GET with retries. Transient failures (network errors,
// 5xx, rate limiting) are retried with exponential backoff up to the attempt
// cap; authentication failures are not retried.
func (c *Client) getJSON(ctx context.Context, op, endpoint string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apiKey", c.apiKey)
	fullURL := endpoint + "?" + params.Encode()

	b := &backoff.Backoff{Min: c.baseDelay, Max: c.maxDelay, Factor: 2}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := c.doOnce(ctx, fullURL, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return fmt.Errorf("%s failed: %w", op, err)
		}
		if attempt == c.attempts {
			break
		}
		delay := b.Duration()
		c.logger.Warn(ctx, op+": request failed, retrying", map[string]interface{}{
			"attempt": attempt, "delay": delay.String(), "error": err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, c.attempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, fullURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ports.ErrAuthenticationFailed
	case resp.StatusCode == http.StatusTooManyRequests:
		return ports.ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return ports.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: provider returned %d", ports.ErrConnectionFailed, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: provider returned %d", ports.ErrInvalidRequest, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ports.ErrAuthenticationFailed),
		errors.Is(err, ports.ErrInvalidRequest),
		errors.Is(err, ports.ErrNotFound):
		return false
	}
	return true
}

func timespanFor(unit domain.TimeframeUnit) (string, error) {
	switch unit {
	case domain.UnitMinute:
		return "minute", nil
	case domain.UnitHour:
		return "hour", nil
	case domain.UnitDay:
		return "day", nil
	}
	return "", fmt.Errorf("unsupported timeframe unit %q: %w", unit, ports.ErrInvalidRequest)
}
