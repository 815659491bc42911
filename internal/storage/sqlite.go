package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/spreadkeeper/spreadkeeper/internal/models"
)

// SQLiteStorage implements Interface backed by a SQLite database. Records
// are stored as JSON documents with indexed columns for the fields queries
// filter on. Transactions open with an immediate write lock (_txlock), which
// is what makes WithPositionLock a true row-level lock across processes.
type SQLiteStorage struct {
	db *sql.DB
}

// Ensure SQLiteStorage implements Interface.
var _ Interface = (*SQLiteStorage)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS positions (
	id         TEXT PRIMARY KEY,
	account    TEXT NOT NULL,
	state      TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id              TEXT PRIMARY KEY,
	position_id     TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	data            TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);
CREATE INDEX IF NOT EXISTS idx_trades_broker_order ON trades(broker_order_id);
CREATE TABLE IF NOT EXISTS statistics (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	total_closed   INTEGER NOT NULL DEFAULT 0,
	winning_trades INTEGER NOT NULL DEFAULT 0,
	losing_trades  INTEGER NOT NULL DEFAULT 0,
	total_pnl      REAL NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO statistics (id) VALUES (1);
`

// NewSQLiteStorage opens (or creates) a SQLite database at dbPath.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// The write lock serializes everything anyway; one connection avoids
	// SQLITE_BUSY churn under concurrent sweeps.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func upsertPosition(tx *sql.Tx, pos *models.Position, insert bool) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	if insert {
		_, err = tx.Exec(
			`INSERT INTO positions (id, account, state, data, updated_at) VALUES (?, ?, ?, ?, ?)`,
			pos.ID, pos.Account, string(pos.State), string(raw), pos.UpdatedAt.Format(time.RFC3339Nano))
		return err
	}
	res, err := tx.Exec(
		`UPDATE positions SET account = ?, state = ?, data = ?, updated_at = ? WHERE id = ?`,
		pos.Account, string(pos.State), string(raw), pos.UpdatedAt.Format(time.RFC3339Nano), pos.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("position %s: %w", pos.ID, ErrNotFound)
	}
	return nil
}

func upsertTrade(tx *sql.Tx, trade *models.Trade, insert bool) error {
	raw, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	if insert {
		_, err = tx.Exec(
			`INSERT INTO trades (id, position_id, broker_order_id, status, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			trade.ID, trade.PositionID, trade.BrokerOrderID, string(trade.Status),
			string(raw), trade.UpdatedAt.Format(time.RFC3339Nano))
		return err
	}
	res, err := tx.Exec(
		`UPDATE trades SET position_id = ?, broker_order_id = ?, status = ?, data = ?, updated_at = ? WHERE id = ?`,
		trade.PositionID, trade.BrokerOrderID, string(trade.Status), string(raw),
		trade.UpdatedAt.Format(time.RFC3339Nano), trade.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trade %s: %w", trade.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStorage) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CreatePositionWithTrade persists a position and its trade in one transaction.
func (s *SQLiteStorage) CreatePositionWithTrade(pos *models.Position, trade *models.Trade) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := upsertPosition(tx, pos, true); err != nil {
			return err
		}
		return upsertTrade(tx, trade, true)
	})
}

func scanPosition(row interface{ Scan(...any) error }) (*models.Position, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var pos models.Position
	if err := json.Unmarshal([]byte(raw), &pos); err != nil {
		return nil, fmt.Errorf("decoding position: %w", err)
	}
	return &pos, nil
}

// GetPosition returns the position with the given id.
func (s *SQLiteStorage) GetPosition(id string) (*models.Position, error) {
	pos, err := scanPosition(s.db.QueryRow(`SELECT data FROM positions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return pos, nil
}

func (s *SQLiteStorage) queryPositions(query string, args ...any) ([]models.Position, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.Position
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var pos models.Position
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			return nil, fmt.Errorf("decoding position: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// GetOpenPositions returns all positions that still carry exposure.
func (s *SQLiteStorage) GetOpenPositions() ([]models.Position, error) {
	return s.queryPositions(
		`SELECT data FROM positions WHERE state NOT IN (?, ?) ORDER BY id`,
		string(models.StateClosed), string(models.StateExpired))
}

// GetPositionsByAccount returns all positions owned by an account.
func (s *SQLiteStorage) GetPositionsByAccount(account string) ([]models.Position, error) {
	return s.queryPositions(`SELECT data FROM positions WHERE account = ? ORDER BY id`, account)
}

// UpdatePosition persists a modified position.
func (s *SQLiteStorage) UpdatePosition(pos *models.Position) error {
	pos.UpdatedAt = time.Now().UTC()
	return s.withTx(func(tx *sql.Tx) error {
		return upsertPosition(tx, pos, false)
	})
}

// DeletePositionWithTrade removes a position and its trade in one transaction.
func (s *SQLiteStorage) DeletePositionWithTrade(positionID, tradeID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM positions WHERE id = ?`, positionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("position %s: %w", positionID, ErrNotFound)
		}
		_, err = tx.Exec(`DELETE FROM trades WHERE id = ?`, tradeID)
		return err
	})
}

// CreateTrade persists a new trade.
func (s *SQLiteStorage) CreateTrade(trade *models.Trade) error {
	return s.withTx(func(tx *sql.Tx) error {
		return upsertTrade(tx, trade, true)
	})
}

func (s *SQLiteStorage) queryTrades(query string, args ...any) ([]models.Trade, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.Trade
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var trade models.Trade
		if err := json.Unmarshal([]byte(raw), &trade); err != nil {
			return nil, fmt.Errorf("decoding trade: %w", err)
		}
		out = append(out, trade)
	}
	return out, rows.Err()
}

// GetTrade returns the trade with the given id.
func (s *SQLiteStorage) GetTrade(id string) (*models.Trade, error) {
	trades, err := s.queryTrades(`SELECT data FROM trades WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return &trades[0], nil
}

// GetTradeByBrokerOrderID finds the trade holding a broker order id.
func (s *SQLiteStorage) GetTradeByBrokerOrderID(brokerOrderID string) (*models.Trade, error) {
	trades, err := s.queryTrades(`SELECT data FROM trades WHERE broker_order_id = ?`, brokerOrderID)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("trade with broker order %s: %w", brokerOrderID, ErrNotFound)
	}
	return &trades[0], nil
}

// GetTradesByPosition returns every trade tied to a position.
func (s *SQLiteStorage) GetTradesByPosition(positionID string) ([]models.Trade, error) {
	return s.queryTrades(`SELECT data FROM trades WHERE position_id = ? ORDER BY id`, positionID)
}

// UpdateTrade persists a modified trade.
func (s *SQLiteStorage) UpdateTrade(trade *models.Trade) error {
	trade.UpdatedAt = time.Now().UTC()
	return s.withTx(func(tx *sql.Tx) error {
		return upsertTrade(tx, trade, false)
	})
}

// WithPositionLock runs fn inside an immediate-mode transaction holding the
// database write lock, then persists the mutated position before commit.
func (s *SQLiteStorage) WithPositionLock(id string, fn func(*models.Position) error) error {
	return s.withTx(func(tx *sql.Tx) error {
		pos, err := scanPosition(tx.QueryRow(`SELECT data FROM positions WHERE id = ?`, id))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("position %s: %w", id, ErrNotFound)
			}
			return err
		}
		if err := fn(pos); err != nil {
			return err
		}
		pos.UpdatedAt = time.Now().UTC()
		return upsertPosition(tx, pos, false)
	})
}

// GetStatistics returns the closed-position statistics.
func (s *SQLiteStorage) GetStatistics() (*Statistics, error) {
	var stats Statistics
	err := s.db.QueryRow(
		`SELECT total_closed, winning_trades, losing_trades, total_pnl FROM statistics WHERE id = 1`).
		Scan(&stats.TotalClosed, &stats.WinningTrades, &stats.LosingTrades, &stats.TotalPnL)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// RecordClose folds a realized P&L into the statistics.
func (s *SQLiteStorage) RecordClose(finalPnL float64) error {
	win := 0
	loss := 0
	if finalPnL > 0 {
		win = 1
	} else {
		loss = 1
	}
	_, err := s.db.Exec(
		`UPDATE statistics SET total_closed = total_closed + 1,
			winning_trades = winning_trades + ?,
			losing_trades = losing_trades + ?,
			total_pnl = total_pnl + ?
		 WHERE id = 1`, win, loss, finalPnL)
	return err
}
