package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"reversal-core/pkg/db"
)

const orderColumns = `id, user_id, api_key_id, symbol, side, type, quantity, quote_order_qty, price,
	executed_price, executed_qty, commission, commission_asset, status, exchange_order_id, client_order_id,
	reason, parent_order_id, is_split, split_fills_count, pnl_quote, pnl_pct, created_at, executed_at`

func scanOrder(r pgx.Row) (db.Order, error) {
	var o db.Order
	err := r.Scan(&o.ID, &o.UserID, &o.APIKeyID, &o.Symbol, &o.Side, &o.Type, &o.Quantity, &o.QuoteOrderQty, &o.Price,
		&o.ExecutedPrice, &o.ExecutedQty, &o.Commission, &o.CommissionAsset, &o.Status, &o.ExchangeOrderID, &o.ClientOrderID,
		&o.Reason, &o.ParentOrderID, &o.IsSplit, &o.SplitFillsCount, &o.PnLQuote, &o.PnLPct, &o.CreatedAt, &o.ExecutedAt)
	return o, err
}

func (s *Store) insertOrder(ctx context.Context, tx pgx.Tx, o *db.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	if o.Type == "" {
		o.Type = "MARKET"
	}
	_, err := tx.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		o.ID, o.UserID, o.APIKeyID, o.Symbol, o.Side, o.Type, o.Quantity, o.QuoteOrderQty, o.Price,
		o.ExecutedPrice, o.ExecutedQty, o.Commission, o.CommissionAsset, o.Status, o.ExchangeOrderID, o.ClientOrderID,
		o.Reason, o.ParentOrderID, o.IsSplit, o.SplitFillsCount, o.PnLQuote, o.PnLPct, o.CreatedAt, o.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// CreateOrder locks the api key row so concurrent BUYs for the same key queue
// behind the open-position check.
func (s *Store) CreateOrder(ctx context.Context, o db.Order) (string, error) {
	if o.Status == "" {
		o.Status = db.StatusPending
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if o.Side == db.SideBuy {
		var keyID string
		err := tx.QueryRow(ctx, `SELECT id FROM api_keys WHERE id = $1 FOR UPDATE`, o.APIKeyID).Scan(&keyID)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("api key %s: %w", o.APIKeyID, db.ErrNotFound)
		}
		if err != nil {
			return "", fmt.Errorf("lock api key: %w", err)
		}
		var n int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM orders
			WHERE api_key_id = $1 AND symbol = $2 AND side = 'BUY' AND status IN ('PENDING', 'FILLED', 'PARTIALLY_FILLED')
		`, o.APIKeyID, o.Symbol).Scan(&n)
		if err != nil {
			return "", fmt.Errorf("check open position: %w", err)
		}
		if n > 0 {
			return "", db.ErrPositionOpen
		}
	}
	if err := s.insertOrder(ctx, tx, &o); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit order: %w", err)
	}
	return o.ID, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, patch db.OrderPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock order: %w", err)
	}
	if patch.Status != nil && !db.CanTransition(current, *patch.Status) {
		return fmt.Errorf("%s -> %s: %w", current, *patch.Status, db.ErrInvalidTransition)
	}

	sets, args := db.PatchAssignments(patch, dialect)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE orders SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit order update: %w", err)
	}
	return nil
}

// CompleteExit locks every BUY row before inserting the SELL so two exits for
// the same position cannot both commit.
func (s *Store) CompleteExit(ctx context.Context, sell db.Order, buyIDs []string) (string, error) {
	if len(buyIDs) == 0 {
		return "", fmt.Errorf("complete exit: no buy orders")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, side, status FROM orders WHERE id = ANY($1) ORDER BY id FOR UPDATE`, buyIDs)
	if err != nil {
		return "", fmt.Errorf("lock buys: %w", err)
	}
	seen := 0
	for rows.Next() {
		var id, side, status string
		if err := rows.Scan(&id, &side, &status); err != nil {
			rows.Close()
			return "", fmt.Errorf("scan buy: %w", err)
		}
		seen++
		if side != db.SideBuy || !db.IsOpenStatus(status) {
			rows.Close()
			return "", fmt.Errorf("buy %s is %s: %w", id, status, db.ErrAlreadyClosed)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("lock buys: %w", err)
	}
	if seen != len(buyIDs) {
		return "", fmt.Errorf("buys %v: %w", buyIDs, db.ErrNotFound)
	}

	sell.Side = db.SideSell
	if sell.ParentOrderID == "" {
		sell.ParentOrderID = buyIDs[0]
	}
	if err := s.insertOrder(ctx, tx, &sell); err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET status = $1 WHERE id = ANY($2)`, db.StatusCompleted, buyIDs); err != nil {
		return "", fmt.Errorf("complete buys: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit exit: %w", err)
	}
	return sell.ID, nil
}

func (s *Store) GetOpenPosition(ctx context.Context, apiKeyID, symbol string) (*db.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE api_key_id = $1 AND symbol = $2 AND side = 'BUY' AND status IN ('FILLED', 'PARTIALLY_FILLED')
		ORDER BY created_at LIMIT 1`, apiKeyID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open position: %w", err)
	}
	return &o, nil
}

func (s *Store) GetOpenPositionsAll(ctx context.Context, apiKeyIDs []string, symbol string) ([]db.Order, error) {
	if len(apiKeyIDs) == 0 {
		return nil, nil
	}
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE api_key_id = ANY($1) AND symbol = $2 AND side = 'BUY' AND status IN ('FILLED', 'PARTIALLY_FILLED')
		ORDER BY created_at, id`, apiKeyIDs, symbol)
}

func (s *Store) GetPendingBuys(ctx context.Context, apiKeyIDs []string, symbol string, before time.Time) ([]db.Order, error) {
	if len(apiKeyIDs) == 0 {
		return nil, nil
	}
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE api_key_id = ANY($1) AND symbol = $2 AND side = 'BUY' AND status = 'PENDING' AND created_at < $3
		ORDER BY created_at, id`, apiKeyIDs, symbol, before)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*db.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

func (s *Store) RecentOrders(ctx context.Context, userID string, window time.Duration) ([]db.Order, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at DESC, id`, userID, s.now().Add(-window))
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]db.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []db.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
