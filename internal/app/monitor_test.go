package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"forexpaper/internal/domain"
	"forexpaper/internal/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// memRepo is an in-memory ports.TradeRepository/ports.HistoryRepository with
// the same compare-and-swap closure semantics as the SQLite adapter.
type memRepo struct {
	mu     sync.Mutex
	trades map[string]*domain.Trade
	events []*domain.HistoryEvent
}

func newMemRepo() *memRepo {
	return &memRepo{trades: make(map[string]*domain.Trade)}
}

func copyTrade(t *domain.Trade) *domain.Trade {
	c := *t
	if t.StopLoss != nil {
		v := *t.StopLoss
		c.StopLoss = &v
	}
	if t.TakeProfit != nil {
		v := *t.TakeProfit
		c.TakeProfit = &v
	}
	return &c
}

func (r *memRepo) Create(ctx context.Context, trade *domain.Trade, opened *domain.HistoryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades[trade.ID] = copyTrade(trade)
	if opened != nil {
		r.events = append(r.events, opened)
	}
	return nil
}

func (r *memRepo) FindByID(ctx context.Context, id string) (*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	if !ok {
		return nil, nil
	}
	return copyTrade(t), nil
}

func (r *memRepo) FindOpen(ctx context.Context) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Trade
	for _, t := range r.trades {
		if t.Status == domain.StatusOpen {
			out = append(out, copyTrade(t))
		}
	}
	return out, nil
}

func (r *memRepo) FindOpenBySymbol(ctx context.Context, symbol string) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Trade
	for _, t := range r.trades {
		if t.Status == domain.StatusOpen && t.Symbol == symbol {
			out = append(out, copyTrade(t))
		}
	}
	return out, nil
}

func (r *memRepo) CloseIfOpen(ctx context.Context, id string, upd ports.CloseUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	if !ok || t.Status != domain.StatusOpen {
		return false, nil
	}
	t.Status = domain.StatusClosed
	if upd.Reason == domain.CloseReasonCancelled {
		t.Status = domain.StatusCancelled
	}
	t.CloseReason = upd.Reason
	t.ExitPrice = upd.ExitPrice
	t.ExitTime = upd.ExitTime
	t.ProfitLoss = upd.ProfitLoss
	t.ProfitLossPct = upd.ProfitLossPct
	if upd.Event != nil {
		r.events = append(r.events, upd.Event)
	}
	return true, nil
}

func (r *memRepo) UpdateLevels(ctx context.Context, id string, upd ports.LevelUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	if !ok || t.Status != domain.StatusOpen {
		return ports.ErrTradeNotOpen
	}
	if upd.StopLoss != nil {
		v := *upd.StopLoss
		t.StopLoss = &v
	}
	if upd.TakeProfit != nil {
		v := *upd.TakeProfit
		t.TakeProfit = &v
	}
	t.ModCount++
	r.events = append(r.events, upd.Events...)
	return nil
}

func (r *memRepo) Append(ctx context.Context, event *domain.HistoryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *memRepo) FindByTradeID(ctx context.Context, tradeID string) ([]*domain.HistoryEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.HistoryEvent
	for _, e := range r.events {
		if e.TradeID == tradeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) CountModifications(ctx context.Context, tradeID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.events {
		if e.TradeID == tradeID && (e.Action == domain.ActionSLModified || e.Action == domain.ActionTPModified) {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) eventsByAction(action domain.HistoryAction) []*domain.HistoryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.HistoryEvent
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// stubPrices is a scripted ports.PriceSource.
type stubPrices struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
	calls  map[string]int
}

func newStubPrices() *stubPrices {
	return &stubPrices{
		prices: make(map[string]float64),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (s *stubPrices) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[symbol]++
	if err, ok := s.errs[symbol]; ok {
		return nil, err
	}
	price, ok := s.prices[symbol]
	if !ok {
		return nil, ports.ErrNoPriceData
	}
	return &domain.Quote{Symbol: symbol, Price: price, Time: time.Now()}, nil
}

func (s *stubPrices) GetBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	return nil, nil
}

func (s *stubPrices) callCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[symbol]
}

func ptr(v float64) *float64 { return &v }

func openTrade(repo *memRepo, symbol string, dir domain.Direction, entry float64, sl, tp *float64) *domain.Trade {
	trade := &domain.Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Direction:  dir,
		EntryPrice: entry,
		Size:       10000,
		StopLoss:   sl,
		TakeProfit: tp,
		RiskAmount: 50,
		Status:     domain.StatusOpen,
		EntryTime:  time.Now().UTC().Add(-time.Hour),
	}
	_ = repo.Create(context.Background(), trade, nil)
	return trade
}

func newTestMonitor(t *testing.T, repo *memRepo, prices *stubPrices) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{
		Logger:   &mockLogger{},
		Trades:   repo,
		Prices:   prices,
		Interval: time.Second,
	})
	require.NoError(t, err)
	return m
}

func TestMonitor_Tick_ClosesOnStopLoss(t *testing.T) {
	repo := newMemRepo()
	prices := newStubPrices()
	trade := openTrade(repo, "EURUSD", domain.Long, 1.1000, ptr(1.0950), ptr(1.1100))
	prices.prices["EURUSD"] = 1.0940

	newTestMonitor(t, repo, prices).Tick(context.Background())

	closed, err := repo.FindByID(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, domain.CloseReasonStopLossHit, closed.CloseReason)
	assert.Equal(t, 1.0940, closed.ExitPrice)
	assert.InDelta(t, -60.0, closed.ProfitLoss, 1e-9)
	assert.InDelta(t, -120.0, closed.ProfitLossPct, 1e-9)

	events := repo.eventsByAction(domain.ActionClosedSLHit)
	require.Len(t, events, 1)
	assert.Equal(t, trade.ID, events[0].TradeID)
	assert.False(t, events[0].Details.WasInProfit)
	assert.Greater(t, events[0].Details.TimeInTradeSecs, int64(0))
	// Distance to the untriggered take-profit, in pips.
	assert.InDelta(t, 160.0, events[0].Details.DistanceToOther, 1e-6)
}

func TestMonitor_Tick_ClosesOnTakeProfit(t *testing.T) {
	repo := newMemRepo()
	prices := newStubPrices()
	trade := openTrade(repo, "EURUSD", domain.Short, 1.1000, ptr(1.1050), ptr(1.0900))
	prices.prices["EURUSD"] = 1.0890

	newTestMonitor(t, repo, prices).Tick(context.Background())

	closed, err := repo.FindByID(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CloseReasonTakeProfitHit, closed.CloseReason)
	assert.InDelta(t, 110.0, closed.ProfitLoss, 1e-9) // Short gains as price falls

	events := repo.eventsByAction(domain.ActionClosedTPHit)
	require.Len(t, events, 1)
	assert.True(t, events[0].Details.WasInProfit)
}

func TestMonitor_Tick_ExactlyOnceAcrossTicks(t *testing.T) {
	repo := newMemRepo()
	prices := newStubPrices()
	openTrade(repo, "EURUSD", domain.Long, 1.1000, ptr(1.0950), nil)
	prices.prices["EURUSD"] = 1.0900

	m := newTestMonitor(t, repo, prices)
	m.Tick(context.Background())
	m.Tick(context.Background())

	assert.Len(t, repo.eventsByAction(domain.ActionClosedSLHit), 1)
}

func TestMonitor_Tick_OneFetchPerSymbol(t *testing.T) {
	repo := newMemRepo()
	prices := newStubPrices()
	openTrade(repo, "EURUSD", domain.Long, 1.1000, nil, nil)
	openTrade(repo, "EURUSD", domain.Short, 1.1020, nil, nil)
	openTrade(repo, "USDJPY", domain.Long, 150.00, nil, nil)
	prices.prices["EURUSD"] = 1.1010
	prices.prices["USDJPY"] = 150.10

	newTestMonitor(t, repo, prices).Tick(context.Background())

	assert.Equal(t, 1, prices.callCount("EURUSD"))
	assert.Equal(t, 1, prices.callCount("USDJPY"))
}

func TestMonitor_Tick_PriceFailureIsolatedPerSymbol(t *testing.T) {
	repo := newMemRepo()
	prices := newStubPrices()
	stuck := openTrade(repo, "USDJPY", domain.Long, 150.00, ptr(149.50), nil)
	closing := openTrade(repo, "EURUSD", domain.Long, 1.1000, ptr(1.0950), nil)
	prices.errs["USDJPY"] = ports.ErrConnectionFailed
	prices.prices["EURUSD"] = 1.0940

	newTestMonitor(t, repo, prices).Tick(context.Background())

	// The failing symbol's trade stays open; the other closes normally.
	got, err := repo.FindByID(context.Background(), stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status)

	got, err = repo.FindByID(context.Background(), closing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
}

func TestMonitor_Tick_NoTriggerNoChange(t *testing.T) {
	repo := newMemRepo()
	prices := newStubPrices()
	trade := openTrade(repo, "EURUSD", domain.Long, 1.1000, ptr(1.0950), ptr(1.1100))
	prices.prices["EURUSD"] = 1.1020 // Between the levels

	newTestMonitor(t, repo, prices).Tick(context.Background())

	got, err := repo.FindByID(context.Background(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status)
	assert.Empty(t, repo.eventsByAction(domain.ActionClosedSLHit))
	assert.Empty(t, repo.eventsByAction(domain.ActionClosedTPHit))
}
