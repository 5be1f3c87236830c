package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    testnet INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS instrument_settings (
    api_key_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 0,
    allocated_quote REAL NOT NULL DEFAULT 0 CHECK (allocated_quote >= 0),
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (api_key_id, symbol, timeframe),
    FOREIGN KEY(api_key_id) REFERENCES api_keys(id)
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    api_key_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'MARKET',
    quantity REAL NOT NULL DEFAULT 0,
    quote_order_qty REAL NOT NULL DEFAULT 0,
    price REAL,
    executed_price REAL NOT NULL DEFAULT 0,
    executed_qty REAL NOT NULL DEFAULT 0,
    commission REAL NOT NULL DEFAULT 0,
    commission_asset TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    parent_order_id TEXT NOT NULL DEFAULT '',
    is_split INTEGER NOT NULL DEFAULT 0,
    split_fills_count INTEGER NOT NULL DEFAULT 0,
    pnl_quote REAL,
    pnl_pct REAL,
    created_at INTEGER NOT NULL,
    executed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(api_key_id, symbol, side, status);
CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at);

CREATE TABLE IF NOT EXISTS trading_events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    order_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    api_key_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity REAL NOT NULL DEFAULT 0,
    price REAL NOT NULL DEFAULT 0,
    quote_amount REAL NOT NULL DEFAULT 0,
    pnl_quote REAL,
    pnl_pct REAL,
    source TEXT NOT NULL,
    extra TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'PENDING',
    error TEXT NOT NULL DEFAULT '',
    processed_at INTEGER,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_status ON trading_events(status, created_at);
`

// ApplyMigrations creates tables and adds columns introduced after the first release.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Client order ids are sent as newClientOrderId.
	if err := ensureColumn(d.DB, "orders", "client_order_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	// Delivery attempts of the outbox relay.
	if err := ensureColumn(d.DB, "trading_events", "attempts", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
