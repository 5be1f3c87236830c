package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    testnet BOOLEAN NOT NULL DEFAULT FALSE,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS instrument_settings (
    api_key_id TEXT NOT NULL REFERENCES api_keys(id),
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT FALSE,
    allocated_quote DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (allocated_quote >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (api_key_id, symbol, timeframe)
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    api_key_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'MARKET',
    quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
    quote_order_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
    price DOUBLE PRECISION,
    executed_price DOUBLE PRECISION NOT NULL DEFAULT 0,
    executed_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
    commission DOUBLE PRECISION NOT NULL DEFAULT 0,
    commission_asset TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    client_order_id TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    parent_order_id TEXT NOT NULL DEFAULT '',
    is_split BOOLEAN NOT NULL DEFAULT FALSE,
    split_fills_count INTEGER NOT NULL DEFAULT 0,
    pnl_quote DOUBLE PRECISION,
    pnl_pct DOUBLE PRECISION,
    created_at TIMESTAMPTZ NOT NULL,
    executed_at TIMESTAMPTZ
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
    quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
    price DOUBLE PRECISION NOT NULL DEFAULT 0,
    quote_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    pnl_quote DOUBLE PRECISION,
    pnl_pct DOUBLE PRECISION,
    source TEXT NOT NULL,
    extra JSONB NOT NULL DEFAULT '{}'::jsonb,
    status TEXT NOT NULL DEFAULT 'PENDING',
    error TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    processed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_status ON trading_events(status, created_at);
`

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
