package store

import (
	"context"
	"fmt"
	"time"
)

// migration is one schema step. Versions are applied in slice order and
// never edited once released; new steps go at the end.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "trades",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS trades (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT UNIQUE NOT NULL,
				price INTEGER NOT NULL,
				quantity INTEGER NOT NULL,
				buy_order_id INTEGER NOT NULL,
				sell_order_id INTEGER NOT NULL,
				taker TEXT NOT NULL,
				executed_at INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "trade lookup by order",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_trades_buy_order ON trades(buy_order_id)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_sell_order ON trades(sell_order_id)`,
		},
	},
}

// SchemaStatus reports which schema version a database is at.
type SchemaStatus struct {
	Version int   `json:"version"`
	Latest  int   `json:"latest"`
	Pending []int `json:"pending,omitempty"`
}

// Current reports whether every known migration has been applied.
func (s SchemaStatus) Current() bool {
	return len(s.Pending) == 0
}

func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].version
}

func (s *Store) ensureSchemaTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`)
	return err
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// migrate applies every migration missing from schema_migrations and
// returns the versions it applied.
func (s *Store) migrate(ctx context.Context) ([]int, error) {
	if err := s.ensureSchemaTable(ctx); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}

	var done []int
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return done, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		done = append(done, m.version)
	}
	return done, nil
}

// apply runs one migration and records it in the same transaction.
func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Schema returns the applied version and any migrations still pending.
func (s *Store) Schema(ctx context.Context) (SchemaStatus, error) {
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return SchemaStatus{}, err
	}

	status := SchemaStatus{Latest: latestVersion()}
	for _, m := range migrations {
		if applied[m.version] {
			status.Version = max(status.Version, m.version)
		} else {
			status.Pending = append(status.Pending, m.version)
		}
	}
	return status, nil
}
