// Package feed maintains a single current price per subscribed symbol,
// preferring a push-based websocket feed and degrading to pull-based polling
// when the stream cannot be kept alive. Push ticks and poll results flow
// through the same candle-update path, so consumers observe identical
// behavior regardless of transport.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"forexpaper/internal/domain"
	"forexpaper/internal/metrics"
	"forexpaper/internal/ports"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// State is the connection state of the streaming feed.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrPermanentFallback is reported once via Observer.OnError when the
// controller gives up on the stream for the rest of the session and relies on
// polling only.
var ErrPermanentFallback = errors.New("streaming feed abandoned for this session, using polling")

// Observer receives feed notifications. Exactly four categories exist:
// aggregates, connection-level errors, state changes and per-symbol
// subscription errors.
type Observer interface {
	// OnAggregate is invoked after a push tick or poll result has been folded
	// into the candle series; bar is the updated in-progress candle.
	OnAggregate(symbol string, bar domain.Candle)
	// OnError reports network/parse/keepalive errors. These do not by
	// themselves terminate the connection.
	OnError(err error)
	// OnStatusChange reports every connection state transition.
	OnStatusChange(state State)
	// OnSubscriptionError reports a failure to subscribe one symbol.
	OnSubscriptionError(symbol string, err error)
}

// Config holds configuration for a feed controller.
type Config struct {
	URL       string
	APIKey    string
	Symbols   []string
	Timeframe domain.Timeframe

	Dialer   ports.StreamDialer
	Source   ports.PriceSource // Pull source for the polling fallback
	Logger   ports.Logger
	Observer Observer

	// PushEnabled false means polling only, by design.
	PushEnabled bool

	KeepaliveInterval  time.Duration
	PollInterval       time.Duration
	ReconnectBaseDelay time.Duration // Doubled per consecutive failure
	ReconnectMaxDelay  time.Duration // Backoff cap
	MaxFailures        int           // Consecutive failures before permanent fallback
}

// Controller owns one streaming connection, its timers and the per-symbol
// candle series. Construct one instance per logical subscription context; it
// holds no process-wide state.
type Controller struct {
	cfg    Config
	logger ports.Logger

	mu        sync.Mutex
	state     State
	conn      ports.StreamConn
	symbols   map[string]struct{}
	timeframe domain.Timeframe
	series    map[string][]domain.Candle
	prices    map[string]domain.Quote
	failures  int
	fallback  bool // Permanent fallback declared, no further dials
	dialing   bool // Connection in progress or open; guards double-dial
	epoch     int  // Bumped on symbol/timeframe change; stale-response guard

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// control errors used inside the stream loop
var (
	errStopped     = errors.New("feed stopped")
	errAuthFailed  = errors.New("feed auth failed")
	errMaxConns    = errors.New("feed connection limit reached")
	errNormalClose = errors.New("feed closed normally")
)

// New creates a feed controller. Start must be called to begin streaming and
// polling.
func New(cfg Config) (*Controller, error) {
	if cfg.Logger == nil || cfg.Observer == nil || cfg.Source == nil {
		return nil, fmt.Errorf("missing required dependencies for feed controller")
	}
	if cfg.PushEnabled && cfg.Dialer == nil {
		return nil, fmt.Errorf("dialer is required when push is enabled")
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}

	c := &Controller{
		cfg:       cfg,
		logger:    cfg.Logger,
		state:     StateDisconnected,
		symbols:   make(map[string]struct{}, len(cfg.Symbols)),
		timeframe: cfg.Timeframe,
		series:    make(map[string][]domain.Candle),
		prices:    make(map[string]domain.Quote),
		stopCh:    make(chan struct{}),
	}
	for _, s := range cfg.Symbols {
		c.symbols[s] = struct{}{}
	}
	return c, nil
}

// Start launches the stream loop (when push is enabled) and the polling
// fallback loop.
func (c *Controller) Start(ctx context.Context) {
	if c.cfg.PushEnabled {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runStream(ctx)
		}()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runPolling(ctx)
	}()
}

// Stop tears the controller down: all timers cleared, the active connection
// closed. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	c.wg.Wait()
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PollingOnly reports whether the controller has permanently fallen back to
// polling for this session.
func (c *Controller) PollingOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

// CurrentPrice returns the latest known quote for a symbol.
func (c *Controller) CurrentPrice(symbol string) (domain.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.prices[symbol]
	return q, ok
}

// Series returns a copy of the in-memory candle series for a symbol.
func (c *Controller) Series(symbol string) []domain.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.series[symbol]
	out := make([]domain.Candle, len(src))
	copy(out, src)
	return out
}

// SetSymbols replaces the subscription set. On a live connection the removed
// symbols are unsubscribed and the added ones subscribed without tearing down
// the socket; otherwise the new set is batched into the next connect.
func (c *Controller) SetSymbols(symbols []string) {
	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		next[s] = struct{}{}
	}

	c.mu.Lock()
	var added, removed []string
	for s := range next {
		if _, ok := c.symbols[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range c.symbols {
		if _, ok := next[s]; !ok {
			removed = append(removed, s)
			delete(c.series, s)
			delete(c.prices, s)
		}
	}
	c.symbols = next
	c.epoch++ // In-flight backfills for the old set are stale now
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return
	}
	if len(removed) > 0 {
		if err := conn.WriteJSON(request{Action: "unsubscribe", Params: channelParams(removed)}); err != nil {
			c.cfg.Observer.OnError(fmt.Errorf("unsubscribe: %w", err))
		}
	}
	for _, s := range added {
		if err := conn.WriteJSON(request{Action: "subscribe", Params: channelParams([]string{s})}); err != nil {
			c.cfg.Observer.OnSubscriptionError(s, err)
		}
	}
}

// SetTimeframe switches the candle aggregation period, resetting the series.
func (c *Controller) SetTimeframe(tf domain.Timeframe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeframe = tf
	c.series = make(map[string][]domain.Candle)
	c.epoch++
}

// Backfill fetches historical bars from the pull source and merges them into
// the in-memory series. Results belonging to a symbol/timeframe configuration
// that changed while the request was in flight are dropped.
func (c *Controller) Backfill(ctx context.Context, symbol string, from, to time.Time) ([]domain.Candle, error) {
	c.mu.Lock()
	epoch := c.epoch
	tf := c.timeframe
	c.mu.Unlock()

	bars, err := c.cfg.Source.GetBars(ctx, symbol, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("backfill %s: %w", symbol, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		c.logger.Debug(ctx, "Dropping stale backfill response", map[string]interface{}{"symbol": symbol})
		return nil, nil
	}
	c.series[symbol] = domain.MergeHistory(c.series[symbol], bars)
	out := make([]domain.Candle, len(c.series[symbol]))
	copy(out, c.series[symbol])
	return out, nil
}

// --- Streaming ---

// request is an outbound control message.
type request struct {
	Action string `json:"action"`
	Params string `json:"params,omitempty"`
}

// event is one inbound message element; inbound frames are JSON arrays.
type event struct {
	Ev      string  `json:"ev"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Pair    string  `json:"pair"`
	Open    float64 `json:"o"`
	High    float64 `json:"h"`
	Low     float64 `json:"l"`
	Close   float64 `json:"c"`
	Volume  float64 `json:"v"`
	Start   int64   `json:"s"` // ms
	End     int64   `json:"e"` // ms
}

func (c *Controller) runStream(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    c.cfg.ReconnectBaseDelay,
		Max:    c.cfg.ReconnectMaxDelay,
		Factor: 2,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		err := c.connectOnce(ctx, b)
		switch {
		case errors.Is(err, errStopped):
			c.setState(StateDisconnected)
			return
		case errors.Is(err, errAuthFailed):
			// Terminal for this connection attempt; no automatic retry.
			c.setState(StateError)
			c.cfg.Observer.OnError(ports.ErrAuthenticationFailed)
			return
		case errors.Is(err, errMaxConns):
			// The provider enforces one connection per account. Not retryable.
			c.declareFallback(ctx, ports.ErrTooManyConnections)
			return
		case errors.Is(err, errNormalClose):
			c.setState(StateDisconnected)
			// Intentional server close: reconnect on schedule without
			// counting a failure.
			if !c.sleep(ctx, b.Duration()) {
				return
			}
		default:
			c.setState(StateDisconnected)
			if !c.registerFailure(ctx, err, b) {
				return
			}
		}
	}
}

// connectOnce dials, authenticates and pumps messages until the connection
// ends. The double-dial guard: dialing is checked and set under the mutex
// before any network activity.
func (c *Controller) connectOnce(ctx context.Context, b *backoff.Backoff) error {
	c.mu.Lock()
	if c.dialing || c.fallback {
		c.mu.Unlock()
		return errStopped
	}
	c.dialing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(StateConnecting)
	metrics.IncFeedReconnect()

	conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := conn.WriteJSON(request{Action: "auth", Params: c.cfg.APIKey}); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}

	// Keepalive armed on auth success, cleared when this connection ends.
	keepaliveDone := make(chan struct{})
	defer close(keepaliveDone)

	for {
		select {
		case <-c.stopCh:
			return errStopped
		case <-ctx.Done():
			return errStopped
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return errStopped
			case <-ctx.Done():
				return errStopped
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errNormalClose
			}
			return fmt.Errorf("read: %w", err)
		}

		var events []event
		if err := json.Unmarshal(data, &events); err != nil {
			// Parse errors are reported but do not end the connection.
			c.cfg.Observer.OnError(fmt.Errorf("parse feed message: %w", err))
			continue
		}

		for i := range events {
			if err := c.handleEvent(ctx, conn, &events[i], b, keepaliveDone); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, conn ports.StreamConn, ev *event, b *backoff.Backoff, keepaliveDone chan struct{}) error {
	switch ev.Ev {
	case "status":
		return c.handleStatus(ctx, conn, ev, b, keepaliveDone)
	case "CAS", "CA", "A":
		c.handleAggregate(ev)
		return nil
	default:
		return nil
	}
}

func (c *Controller) handleStatus(ctx context.Context, conn ports.StreamConn, ev *event, b *backoff.Backoff, keepaliveDone chan struct{}) error {
	switch ev.Status {
	case "connected":
		return nil
	case "auth_success":
		c.mu.Lock()
		c.failures = 0
		syms := c.symbolList()
		c.mu.Unlock()
		b.Reset()
		c.setState(StateConnected)
		for _, s := range syms {
			if err := conn.WriteJSON(request{Action: "subscribe", Params: channelParams([]string{s})}); err != nil {
				c.cfg.Observer.OnSubscriptionError(s, err)
			}
		}
		c.startKeepalive(conn, keepaliveDone)
		return nil
	case "auth_failed", "auth_timeout":
		return errAuthFailed
	case "error":
		if strings.Contains(strings.ToLower(ev.Message), "max") && strings.Contains(strings.ToLower(ev.Message), "connection") {
			return errMaxConns
		}
		c.cfg.Observer.OnError(fmt.Errorf("feed error: %s", ev.Message))
		return nil
	default:
		c.logger.Debug(ctx, "Unhandled feed status", map[string]interface{}{"status": ev.Status})
		return nil
	}
}

// handleAggregate folds one per-second aggregate into the candle series and
// refreshes the current price.
func (c *Controller) handleAggregate(ev *event) {
	symbol := strings.ReplaceAll(ev.Pair, "/", "")
	ts := time.UnixMilli(ev.Start)

	c.mu.Lock()
	if _, ok := c.symbols[symbol]; !ok {
		c.mu.Unlock()
		return
	}
	bar := domain.Candle{
		BucketStart: ts,
		Open:        ev.Open,
		High:        ev.High,
		Low:         ev.Low,
		Close:       ev.Close,
		Volume:      ev.Volume,
	}
	c.series[symbol] = domain.ApplyBar(c.series[symbol], c.timeframe, bar)
	updated := c.series[symbol][len(c.series[symbol])-1]
	c.prices[symbol] = domain.Quote{Symbol: symbol, Price: ev.Close, Time: ts}
	c.mu.Unlock()

	c.cfg.Observer.OnAggregate(symbol, updated)
}

func (c *Controller) startKeepalive(conn ports.StreamConn, done chan struct{}) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(request{Action: "ping"}); err != nil {
					c.cfg.Observer.OnError(fmt.Errorf("keepalive: %w", err))
					return
				}
			}
		}
	}()
}

// registerFailure counts one abnormal termination. Returns false when the
// failure threshold is reached (permanent fallback declared) or the
// controller is stopping; otherwise waits the backoff delay and returns true.
func (c *Controller) registerFailure(ctx context.Context, cause error, b *backoff.Backoff) bool {
	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()

	c.cfg.Observer.OnError(cause)
	if failures >= c.cfg.MaxFailures {
		c.declareFallback(ctx, ErrPermanentFallback)
		return false
	}

	delay := b.Duration()
	c.logger.Warn(ctx, "Feed connection lost, scheduling reconnect", map[string]interface{}{
		"failures": failures, "delay": delay.String(),
	})
	return c.sleep(ctx, delay)
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

// declareFallback abandons the stream for the rest of the session. The
// polling loop keeps the prices flowing; consumers see a status change, not a
// hard error.
func (c *Controller) declareFallback(ctx context.Context, cause error) {
	c.mu.Lock()
	c.fallback = true
	c.mu.Unlock()
	c.setState(StateDisconnected)
	c.cfg.Observer.OnError(cause)
	c.logger.Warn(ctx, "Streaming feed permanently unavailable, serving prices via polling", map[string]interface{}{
		"cause": cause.Error(),
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	metrics.SetFeedState(string(s))
	c.cfg.Observer.OnStatusChange(s)
}

// symbolList returns the subscribed symbols; callers must hold c.mu.
func (c *Controller) symbolList() []string {
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	return out
}

func channelParams(symbols []string) string {
	parts := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if len(s) == 6 {
			parts = append(parts, "CAS."+s[:3]+"/"+s[3:])
		} else {
			parts = append(parts, "CAS."+s)
		}
	}
	return strings.Join(parts, ",")
}

// --- Polling fallback ---

// runPolling fetches the latest price for each subscribed symbol on a fixed
// interval whenever the stream is not connected (always, when push is
// disabled), feeding results through the same candle-update path as push
// ticks.
func (c *Controller) runPolling(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		active := c.state == StateConnected
		syms := c.symbolList()
		c.mu.Unlock()
		if active {
			continue // Push feed is serving prices
		}

		metrics.IncPollTick()
		for _, symbol := range syms {
			quote, err := c.cfg.Source.GetPrice(ctx, symbol)
			if err != nil {
				c.cfg.Observer.OnError(fmt.Errorf("poll %s: %w", symbol, err))
				continue
			}
			c.applyQuote(quote)
		}
	}
}

// applyQuote routes a poll result through the shared reconciler path.
func (c *Controller) applyQuote(q *domain.Quote) {
	ts := q.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	c.mu.Lock()
	if _, ok := c.symbols[q.Symbol]; !ok {
		c.mu.Unlock()
		return
	}
	c.series[q.Symbol] = domain.ApplyTick(c.series[q.Symbol], c.timeframe, q.Price, ts)
	updated := c.series[q.Symbol][len(c.series[q.Symbol])-1]
	c.prices[q.Symbol] = *q
	c.mu.Unlock()

	c.cfg.Observer.OnAggregate(q.Symbol, updated)
}
