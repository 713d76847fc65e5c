package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"lobster/internal/orderbook"
)

// Store persists executed trades in SQLite.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and applies pending migrations.
// ":memory:" gives a private in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if _, err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// TradeStats aggregates every recorded trade.
type TradeStats struct {
	Trades    int64   `json:"trades"`
	Volume    int64   `json:"volume"`
	Notional  int64   `json:"notional"`
	VWAP      float64 `json:"vwap"`
	High      int64   `json:"high"`
	Low       int64   `json:"low"`
	LastPrice int64   `json:"last_price"`
}

// RecordTrades inserts trades in one transaction. Trades already stored
// under the same id are skipped.
func (s *Store) RecordTrades(ctx context.Context, trades []orderbook.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trades (id, price, quantity, buy_order_id, sell_order_id, taker, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.Price, t.Quantity,
			int64(t.BuyOrderID), int64(t.SellOrderID),
			t.Taker.String(), t.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

const tradeColumns = "id, price, quantity, buy_order_id, sell_order_id, taker, executed_at"

// RecentTrades returns up to limit trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]orderbook.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tradeColumns+" FROM trades ORDER BY seq DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

// TradesForOrder returns the fills of one order in execution order.
func (s *Store) TradesForOrder(ctx context.Context, orderID uint64) ([]orderbook.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE buy_order_id = ? OR sell_order_id = ? ORDER BY seq",
		int64(orderID), int64(orderID))
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]orderbook.Trade, error) {
	defer rows.Close()

	trades := []orderbook.Trade{}
	for rows.Next() {
		var (
			t          orderbook.Trade
			buy, sell  int64
			taker      string
			executedAt int64
		)
		if err := rows.Scan(&t.ID, &t.Price, &t.Quantity, &buy, &sell, &taker, &executedAt); err != nil {
			return nil, err
		}
		side, err := orderbook.ParseSide(taker)
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		t.BuyOrderID = uint64(buy)
		t.SellOrderID = uint64(sell)
		t.Taker = side
		t.Timestamp = time.Unix(0, executedAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Stats summarizes all recorded trades. VWAP is zero when there are none.
func (s *Store) Stats(ctx context.Context) (TradeStats, error) {
	var st TradeStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(quantity), 0),
		       COALESCE(SUM(price * quantity), 0),
		       COALESCE(MAX(price), 0),
		       COALESCE(MIN(price), 0)
		FROM trades`).Scan(&st.Trades, &st.Volume, &st.Notional, &st.High, &st.Low)
	if err != nil {
		return st, err
	}
	if st.Trades == 0 {
		return st, nil
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT price FROM trades ORDER BY seq DESC LIMIT 1").Scan(&st.LastPrice)
	if err != nil {
		return st, err
	}
	if st.Volume > 0 {
		st.VWAP = float64(st.Notional) / float64(st.Volume)
	}
	return st, nil
}
