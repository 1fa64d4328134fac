package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"forexpaper/internal/domain"
	"forexpaper/internal/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "papertrader-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(Config{
		DBPath: dbPath,
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}
	return repo, cleanup
}

func ptr(v float64) *float64 { return &v }

func newOpenTrade(symbol string) *domain.Trade {
	return &domain.Trade{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Direction:   domain.Long,
		EntryPrice:  1.1000,
		Size:        10000,
		StopLoss:    ptr(1.0950),
		TakeProfit:  ptr(1.1100),
		RiskAmount:  50,
		RiskPercent: 1,
		Status:      domain.StatusOpen,
		EntryTime:   time.Now().UTC().Truncate(time.Second),
	}
}

func openedEvent(trade *domain.Trade) *domain.HistoryEvent {
	return &domain.HistoryEvent{
		ID:      uuid.NewString(),
		TradeID: trade.ID,
		Action:  domain.ActionTradeOpened,
		Time:    trade.EntryTime,
		Price:   trade.EntryPrice,
	}
}

func TestRepository_CreateAndFind(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	trade := newOpenTrade("EURUSD")
	require.NoError(t, repo.Create(ctx, trade, openedEvent(trade)))

	found, err := repo.FindByID(ctx, trade.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, trade.ID, found.ID)
	assert.Equal(t, trade.Symbol, found.Symbol)
	assert.Equal(t, domain.Long, found.Direction)
	assert.Equal(t, domain.StatusOpen, found.Status)
	require.NotNil(t, found.StopLoss)
	assert.Equal(t, 1.0950, *found.StopLoss)
	require.NotNil(t, found.TakeProfit)
	assert.Equal(t, 1.1100, *found.TakeProfit)
	assert.Equal(t, 0, found.ModCount)

	// The trade_opened event landed in the same transaction.
	events, err := repo.FindByTradeID(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ActionTradeOpened, events[0].Action)
}

func TestRepository_FindByID_NotFound(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	found, err := repo.FindByID(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestRepository_FindOpen(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	first := newOpenTrade("EURUSD")
	second := newOpenTrade("USDJPY")
	second.EntryTime = first.EntryTime.Add(time.Minute)
	require.NoError(t, repo.Create(ctx, first, openedEvent(first)))
	require.NoError(t, repo.Create(ctx, second, openedEvent(second)))

	open, err := repo.FindOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, first.ID, open[0].ID) // Oldest first

	bySymbol, err := repo.FindOpenBySymbol(ctx, "USDJPY")
	require.NoError(t, err)
	require.Len(t, bySymbol, 1)
	assert.Equal(t, second.ID, bySymbol[0].ID)
}

func TestRepository_CloseIfOpen(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	trade := newOpenTrade("EURUSD")
	require.NoError(t, repo.Create(ctx, trade, openedEvent(trade)))

	exitTime := time.Now().UTC().Truncate(time.Second)
	upd := ports.CloseUpdate{
		Reason:        domain.CloseReasonStopLossHit,
		ExitPrice:     1.0950,
		ExitTime:      exitTime,
		ProfitLoss:    -50,
		ProfitLossPct: -100,
		Event: &domain.HistoryEvent{
			ID:      uuid.NewString(),
			TradeID: trade.ID,
			Action:  domain.ActionClosedSLHit,
			Time:    exitTime,
			Price:   1.0950,
			Details: domain.EventDetails{ProfitLoss: -50, ProfitLossPct: -100},
		},
	}

	closed, err := repo.CloseIfOpen(ctx, trade.ID, upd)
	require.NoError(t, err)
	assert.True(t, closed)

	found, err := repo.FindByID(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, found.Status)
	assert.Equal(t, domain.CloseReasonStopLossHit, found.CloseReason)
	assert.Equal(t, 1.0950, found.ExitPrice)
	assert.Equal(t, -50.0, found.ProfitLoss)
	assert.Equal(t, -100.0, found.ProfitLossPct)

	// Second attempt loses the status guard: no error, no second event.
	upd.Event.ID = uuid.NewString()
	closed, err = repo.CloseIfOpen(ctx, trade.ID, upd)
	require.NoError(t, err)
	assert.False(t, closed)

	events, err := repo.FindByTradeID(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, events, 2) // opened + one closure
	assert.Equal(t, domain.ActionClosedSLHit, events[1].Action)
	assert.Equal(t, -50.0, events[1].Details.ProfitLoss)
}

func TestRepository_CloseIfOpen_Cancelled(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	trade := newOpenTrade("EURUSD")
	require.NoError(t, repo.Create(ctx, trade, openedEvent(trade)))

	closed, err := repo.CloseIfOpen(ctx, trade.ID, ports.CloseUpdate{
		Reason:    domain.CloseReasonCancelled,
		ExitPrice: trade.EntryPrice,
		ExitTime:  time.Now().UTC(),
		Event: &domain.HistoryEvent{
			ID:      uuid.NewString(),
			TradeID: trade.ID,
			Action:  domain.ActionCancelled,
			Time:    time.Now().UTC(),
			Price:   trade.EntryPrice,
		},
	})
	require.NoError(t, err)
	assert.True(t, closed)

	found, err := repo.FindByID(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, found.Status)
	assert.Equal(t, domain.CloseReasonCancelled, found.CloseReason)
}

func TestRepository_UpdateLevels(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	trade := newOpenTrade("EURUSD")
	require.NoError(t, repo.Create(ctx, trade, openedEvent(trade)))

	event := &domain.HistoryEvent{
		ID:      uuid.NewString(),
		TradeID: trade.ID,
		Action:  domain.ActionSLModified,
		Time:    time.Now().UTC(),
		Price:   1.0980,
		Details: domain.EventDetails{
			OldLevel:        1.0950,
			NewLevel:        1.0980,
			ChangeDirection: domain.LevelTightened,
			ChangePips:      30,
		},
	}
	err := repo.UpdateLevels(ctx, trade.ID, ports.LevelUpdate{
		StopLoss: ptr(1.0980),
		Events:   []*domain.HistoryEvent{event},
	})
	require.NoError(t, err)

	found, err := repo.FindByID(ctx, trade.ID)
	require.NoError(t, err)
	require.NotNil(t, found.StopLoss)
	assert.Equal(t, 1.0980, *found.StopLoss)
	// Take-profit untouched by the nil field.
	require.NotNil(t, found.TakeProfit)
	assert.Equal(t, 1.1100, *found.TakeProfit)
	assert.Equal(t, 1, found.ModCount)

	count, err := repo.CountModifications(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRepository_UpdateLevels_NotOpen(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	trade := newOpenTrade("EURUSD")
	require.NoError(t, repo.Create(ctx, trade, openedEvent(trade)))

	closed, err := repo.CloseIfOpen(ctx, trade.ID, ports.CloseUpdate{
		Reason:    domain.CloseReasonManual,
		ExitPrice: 1.1050,
		ExitTime:  time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, closed)

	err = repo.UpdateLevels(ctx, trade.ID, ports.LevelUpdate{StopLoss: ptr(1.1000)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrTradeNotOpen)

	// Nothing changed and no event was written.
	found, err := repo.FindByID(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0950, *found.StopLoss)
	assert.Equal(t, 0, found.ModCount)
}

func TestRepository_HistoryRoundTrip(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	trade := newOpenTrade("EURUSD")
	require.NoError(t, repo.Create(ctx, trade, openedEvent(trade)))

	note := &domain.HistoryEvent{
		ID:      uuid.NewString(),
		TradeID: trade.ID,
		Action:  domain.ActionNotesAdded,
		Time:    trade.EntryTime.Add(time.Minute),
		Details: domain.EventDetails{Metadata: map[string]string{"note": "watching NFP release"}},
	}
	require.NoError(t, repo.Append(ctx, note))

	events, err := repo.FindByTradeID(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.ActionNotesAdded, events[1].Action)
	assert.Equal(t, "watching NFP release", events[1].Details.Metadata["note"])
}
