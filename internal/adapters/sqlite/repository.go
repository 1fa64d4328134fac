package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forexpaper/internal/domain"
	"forexpaper/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.TradeRepository and ports.HistoryRepository
// using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/papertrader.db" // Default path
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the monitor and user-invoked writes.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price REAL NOT NULL,
		size REAL NOT NULL,
		stop_loss REAL DEFAULT NULL,
		take_profit REAL DEFAULT NULL,
		risk_amount REAL NOT NULL DEFAULT 0,
		risk_percent REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		close_reason TEXT DEFAULT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		exit_price REAL DEFAULT NULL,
		profit_loss REAL DEFAULT NULL,
		profit_loss_pct REAL DEFAULT NULL,
		mod_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS trade_history (
		id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL,
		action TEXT NOT NULL,
		event_time TIMESTAMP NOT NULL,
		price REAL NOT NULL,
		details TEXT NOT NULL DEFAULT '{}'
	);

	-- Indexes for the monitor's hot lookups
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_trade_history_trade_time ON trade_history (trade_id, event_time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- TradeRepository Implementation ---

// Create saves a new trade together with its trade_opened event in one transaction.
func (r *Repository) Create(ctx context.Context, trade *domain.Trade, opened *domain.HistoryEvent) error {
	const query = `
	INSERT INTO trades (id, symbol, direction, entry_price, size, stop_loss, take_profit,
	                    risk_amount, risk_percent, status, entry_time, mod_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for trade %s: %w", trade.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, query,
		trade.ID, trade.Symbol, trade.Direction, trade.EntryPrice, trade.Size,
		nullFloat(trade.StopLoss), nullFloat(trade.TakeProfit),
		trade.RiskAmount, trade.RiskPercent, trade.Status, trade.EntryTime)
	if err != nil {
		return fmt.Errorf("failed to insert trade for symbol %s: %w", trade.Symbol, err)
	}

	if opened != nil {
		if err := insertEvent(ctx, tx, opened); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trade %s: %w", trade.ID, err)
	}
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol})
	return nil
}

const tradeColumns = `
	id, symbol, direction, entry_price, size, stop_loss, take_profit,
	risk_amount, risk_percent, status, close_reason, entry_time, exit_time,
	COALESCE(exit_price, 0), COALESCE(profit_loss, 0), COALESCE(profit_loss_pct, 0), mod_count`

// FindByID retrieves a trade by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id string) (*domain.Trade, error) {
	query := `SELECT` + tradeColumns + ` FROM trades WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query trade by ID %s: %w", id, err)
	}
	return trade, nil
}

// FindOpen retrieves all trades with status open, oldest entry first.
func (r *Repository) FindOpen(ctx context.Context) ([]*domain.Trade, error) {
	query := `SELECT` + tradeColumns + ` FROM trades WHERE status = ? ORDER BY entry_time ASC`
	return r.queryTrades(ctx, query, domain.StatusOpen)
}

// FindOpenBySymbol retrieves open trades for a single symbol.
func (r *Repository) FindOpenBySymbol(ctx context.Context, symbol string) ([]*domain.Trade, error) {
	query := `SELECT` + tradeColumns + ` FROM trades WHERE symbol = ? AND status = ? ORDER BY entry_time ASC`
	return r.queryTrades(ctx, query, symbol, domain.StatusOpen)
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// CloseIfOpen atomically closes the trade only if its status is still open.
// The status guard lives in the UPDATE's WHERE clause, so concurrent monitor
// ticks cannot double-close: the loser sees zero rows affected and no closure
// event is written.
func (r *Repository) CloseIfOpen(ctx context.Context, id string, upd ports.CloseUpdate) (bool, error) {
	const query = `
	UPDATE trades
	SET status = ?, close_reason = ?, exit_price = ?, exit_time = ?, profit_loss = ?, profit_loss_pct = ?
	WHERE id = ? AND status = ?`

	status := domain.StatusClosed
	if upd.Reason == domain.CloseReasonCancelled {
		status = domain.StatusCancelled
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin close transaction for trade %s: %w", id, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query,
		status, upd.Reason, upd.ExitPrice, upd.ExitTime, upd.ProfitLoss, upd.ProfitLossPct,
		id, domain.StatusOpen)
	if err != nil {
		return false, fmt.Errorf("failed to close trade %s: %w: %w", id, ports.ErrUpdateFailed, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected closing trade %s: %w", id, err)
	}
	if rowsAffected == 0 {
		// Lost the race: trade already closed or cancelled.
		r.logger.Debug(ctx, "Close skipped, trade not open", map[string]interface{}{"tradeID": id})
		return false, nil
	}

	if upd.Event != nil {
		if err := insertEvent(ctx, tx, upd.Event); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit close for trade %s: %w", id, err)
	}
	r.logger.Debug(ctx, "Trade closed", map[string]interface{}{"tradeID": id, "reason": upd.Reason})
	return true, nil
}

// UpdateLevels modifies stop-loss/take-profit on a trade only while it is open.
func (r *Repository) UpdateLevels(ctx context.Context, id string, upd ports.LevelUpdate) error {
	const query = `
	UPDATE trades
	SET stop_loss = COALESCE(?, stop_loss), take_profit = COALESCE(?, take_profit), mod_count = mod_count + 1
	WHERE id = ? AND status = ?`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin level update transaction for trade %s: %w", id, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query,
		nullFloat(upd.StopLoss), nullFloat(upd.TakeProfit), id, domain.StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to update levels for trade %s: %w: %w", id, ports.ErrUpdateFailed, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected updating trade %s: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade %s: %w", id, ports.ErrTradeNotOpen)
	}

	for _, event := range upd.Events {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit level update for trade %s: %w", id, err)
	}
	r.logger.Debug(ctx, "Trade levels updated", map[string]interface{}{"tradeID": id})
	return nil
}

// --- HistoryRepository Implementation ---

// Append saves one history event.
func (r *Repository) Append(ctx context.Context, event *domain.HistoryEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// FindByTradeID retrieves all events for a trade, oldest first.
func (r *Repository) FindByTradeID(ctx context.Context, tradeID string) ([]*domain.HistoryEvent, error) {
	const query = `
	SELECT id, trade_id, action, event_time, price, details
	FROM trade_history
	WHERE trade_id = ? ORDER BY event_time ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for trade %s: %w", tradeID, err)
	}
	defer rows.Close()

	events := make([]*domain.HistoryEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row for trade %s: %w", tradeID, err)
		}
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}
	return events, nil
}

// CountModifications counts level-modification events for a trade.
func (r *Repository) CountModifications(ctx context.Context, tradeID string) (int, error) {
	const query = `SELECT COUNT(*) FROM trade_history WHERE trade_id = ? AND action IN (?, ?)`
	var count int
	err := r.db.QueryRowContext(ctx, query, tradeID, domain.ActionSLModified, domain.ActionTPModified).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count modifications for trade %s: %w", tradeID, err)
	}
	return count, nil
}

// --- Helpers ---

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertEvent(ctx context.Context, e execer, event *domain.HistoryEvent) error {
	const query = `
	INSERT INTO trade_history (id, trade_id, action, event_time, price, details)
	VALUES (?, ?, ?, ?, ?, ?)`

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details for event %s: %w", event.ID, err)
	}
	_, err = e.ExecContext(ctx, query,
		event.ID, event.TradeID, event.Action, event.Time, event.Price, string(details))
	if err != nil {
		return fmt.Errorf("failed to insert history event for trade %s: %w", event.TradeID, err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row into a domain.Trade struct.
func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var direction, status string
	var stopLoss, takeProfit sql.NullFloat64
	var closeReason sql.NullString
	var exitTime sql.NullTime
	err := s.Scan(
		&t.ID, &t.Symbol, &direction, &t.EntryPrice, &t.Size, &stopLoss, &takeProfit,
		&t.RiskAmount, &t.RiskPercent, &status, &closeReason, &t.EntryTime, &exitTime,
		&t.ExitPrice, &t.ProfitLoss, &t.ProfitLossPct, &t.ModCount)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	t.Direction = domain.Direction(direction)
	t.Status = domain.TradeStatus(status)
	if stopLoss.Valid {
		t.StopLoss = &stopLoss.Float64
	}
	if takeProfit.Valid {
		t.TakeProfit = &takeProfit.Float64
	}
	if closeReason.Valid {
		t.CloseReason = domain.CloseReason(closeReason.String)
	}
	if exitTime.Valid {
		t.ExitTime = exitTime.Time
	}
	return t, nil
}

// scanEvent scans a row into a domain.HistoryEvent struct.
func scanEvent(s scanner) (*domain.HistoryEvent, error) {
	e := &domain.HistoryEvent{}
	var action, details string
	err := s.Scan(&e.ID, &e.TradeID, &action, &e.Time, &e.Price, &details)
	if err != nil {
		return nil, err
	}
	e.Action = domain.HistoryAction(action)
	if details != "" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal details for event %s: %w", e.ID, err)
		}
	}
	return e, nil
}
