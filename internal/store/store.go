// Package store persists a queryable ledger of loop headers and trade
// records to SQLite, grounded on SynapseStrike/store/strategy.go's
// sql.DB-wrapping pattern. This supplements (never replaces) the
// filesystem-based JSON/JSONL/CSV audit trail in internal/observability.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"turtleagent/internal/types"
)

// Store wraps a SQLite database holding the queryable trading ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS loops (
			loop_id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			signal_count INTEGER NOT NULL,
			decision_action TEXT NOT NULL,
			duration_ms REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			order_id TEXT PRIMARY KEY,
			loop_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			status TEXT NOT NULL,
			notional REAL,
			qty REAL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// RecordLoop inserts a loop header row.
func (s *Store) RecordLoop(ctx context.Context, result types.LoopResult) error {
	action := "no_trade"
	if _, ok := result.Decision.(types.TradeIntent); ok {
		action = "trade"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO loops (loop_id, timestamp, signal_count, decision_action, duration_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		result.LoopID, result.Timestamp.UTC().Format(time.RFC3339), len(result.Signals), action, result.DurationMS,
	)
	return err
}

// RecordTrade inserts an executed order row.
func (s *Store) RecordTrade(ctx context.Context, loopID string, order types.OrderResult) error {
	var notional, qty any
	if order.Notional != nil {
		notional = *order.Notional
	}
	if order.Qty != nil {
		qty = *order.Qty
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO trades (order_id, loop_id, symbol, side, status, notional, qty, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderID, loopID, order.Symbol, order.Side, order.Status, notional, qty, order.Timestamp.UTC().Format(time.RFC3339),
	)
	return err
}

// RecordPendingTrade upserts a pending trade's current status.
func (s *Store) RecordPendingTrade(ctx context.Context, pt types.PendingTrade) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending_trades (id, symbol, side, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		pt.ID, pt.TradeIntent.Symbol, pt.TradeIntent.Side, pt.Status,
		pt.CreatedAt.UTC().Format(time.RFC3339), pt.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecentTrades returns the most recent n trade rows, newest first.
func (s *Store) RecentTrades(ctx context.Context, n int) ([]TradeRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, loop_id, symbol, side, status, notional, qty, timestamp
		 FROM trades ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var r TradeRow
		var notional, qty sql.NullFloat64
		if err := rows.Scan(&r.OrderID, &r.LoopID, &r.Symbol, &r.Side, &r.Status, &notional, &qty, &r.Timestamp); err != nil {
			return nil, err
		}
		if notional.Valid {
			r.Notional = &notional.Float64
		}
		if qty.Valid {
			r.Qty = &qty.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TradeRow is a queryable trade ledger row.
type TradeRow struct {
	OrderID   string
	LoopID    string
	Symbol    string
	Side      string
	Status    string
	Notional  *float64
	Qty       *float64
	Timestamp string
}
