package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_level_bot/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			entry_time DATETIME NOT NULL,
			exit_time DATETIME NOT NULL,
			exit_reason TEXT NOT NULL,
			realized_pnl REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL,
			capital_allocated REAL NOT NULL,
			notional_value REAL NOT NULL,
			entry_time DATETIME NOT NULL,
			status TEXT NOT NULL,
			locked_profit_usd REAL NOT NULL DEFAULT 0,
			profit_floor_activated BOOLEAN NOT NULL DEFAULT 0,
			stop_loss_price REAL NOT NULL DEFAULT 0,
			take_profit_price REAL NOT NULL DEFAULT 0,
			exit_reason TEXT,
			realized_pnl REAL NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS opportunities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			level_price REAL NOT NULL,
			level_type TEXT NOT NULL,
			direction TEXT NOT NULL,
			score REAL NOT NULL,
			tradable BOOLEAN NOT NULL,
			rejection_reason TEXT,
			generated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_symbol ON opportunities(symbol, generated_at);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

// TradeRepository implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	query := `INSERT INTO trades (position_id, symbol, side, quantity, leverage, entry_price, exit_price, entry_time, exit_time, exit_reason, realized_pnl)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		trade.PositionID, trade.Symbol, trade.Side, trade.Quantity, trade.Leverage,
		trade.EntryPrice, trade.ExitPrice, trade.EntryTime, trade.ExitTime,
		trade.ExitReason, trade.RealizedPnL)
	return err
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT position_id, symbol, side, quantity, leverage, entry_price, exit_price, entry_time, exit_time, exit_reason, realized_pnl
			  FROM trades ORDER BY exit_time DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.PositionID, &t.Symbol, &t.Side, &t.Quantity, &t.Leverage,
			&t.EntryPrice, &t.ExitPrice, &t.EntryTime, &t.ExitTime,
			&t.ExitReason, &t.RealizedPnL); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// SavePositionSnapshot upserts the latest state of a position, so a restart
// can show what was open or recently closed.
func (s *SQLiteStore) SavePositionSnapshot(ctx context.Context, pos *domain.Position) error {
	query := `INSERT INTO positions (id, symbol, side, entry_price, quantity, leverage, capital_allocated, notional_value, entry_time, status, locked_profit_usd, profit_floor_activated, stop_loss_price, take_profit_price, exit_reason, realized_pnl, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			  ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				locked_profit_usd = excluded.locked_profit_usd,
				profit_floor_activated = excluded.profit_floor_activated,
				stop_loss_price = excluded.stop_loss_price,
				take_profit_price = excluded.take_profit_price,
				exit_reason = excluded.exit_reason,
				realized_pnl = excluded.realized_pnl,
				updated_at = CURRENT_TIMESTAMP`
	_, err := s.db.ExecContext(ctx, query,
		pos.ID, pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.Leverage,
		pos.CapitalAllocated, pos.NotionalValue, pos.EntryTime, pos.Status,
		pos.LockedProfitUSD, pos.ProfitFloorActivated, pos.StopLossPrice,
		pos.TakeProfitPrice, pos.ExitReason, pos.RealizedPnL)
	return err
}

// SaveOpportunities appends one refresh cycle's batch as an audit trail.
func (s *SQLiteStore) SaveOpportunities(ctx context.Context, opps []*domain.Opportunity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO opportunities (symbol, level_price, level_type, direction, score, tradable, rejection_reason, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, opp := range opps {
		var levelPrice float64
		var levelType domain.LevelType
		if opp.Level != nil {
			levelPrice = opp.Level.Price
			levelType = opp.Level.LevelType
		}
		if _, err := stmt.ExecContext(ctx, opp.Symbol, levelPrice, levelType,
			opp.Direction, opp.Score, opp.Tradable, opp.RejectionReason, opp.GeneratedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
