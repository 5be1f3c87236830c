package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const orderColumns = `id, user_id, api_key_id, symbol, side, type, quantity, quote_order_qty, price,
	executed_price, executed_qty, commission, commission_asset, status, exchange_order_id, client_order_id,
	reason, parent_order_id, is_split, split_fills_count, pnl_quote, pnl_pct, created_at, executed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (Order, error) {
	var (
		o          Order
		price      sql.NullFloat64
		pnlQuote   sql.NullFloat64
		pnlPct     sql.NullFloat64
		isSplit    int
		createdAt  int64
		executedAt sql.NullInt64
	)
	err := r.Scan(&o.ID, &o.UserID, &o.APIKeyID, &o.Symbol, &o.Side, &o.Type, &o.Quantity, &o.QuoteOrderQty, &price,
		&o.ExecutedPrice, &o.ExecutedQty, &o.Commission, &o.CommissionAsset, &o.Status, &o.ExchangeOrderID, &o.ClientOrderID,
		&o.Reason, &o.ParentOrderID, &isSplit, &o.SplitFillsCount, &pnlQuote, &pnlPct, &createdAt, &executedAt)
	if err != nil {
		return Order{}, err
	}
	if price.Valid {
		o.Price = Ptr(price.Float64)
	}
	if pnlQuote.Valid {
		o.PnLQuote = Ptr(pnlQuote.Float64)
	}
	if pnlPct.Valid {
		o.PnLPct = Ptr(pnlPct.Float64)
	}
	if executedAt.Valid {
		o.ExecutedAt = Ptr(fromMillis(executedAt.Int64))
	}
	o.IsSplit = isSplit == 1
	o.CreatedAt = fromMillis(createdAt)
	return o, nil
}

func (d *Database) insertOrder(ctx context.Context, tx *sql.Tx, o *Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = d.now()
	}
	if o.Type == "" {
		o.Type = "MARKET"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.APIKeyID, o.Symbol, o.Side, o.Type, o.Quantity, o.QuoteOrderQty, nullFloat(o.Price),
		o.ExecutedPrice, o.ExecutedQty, o.Commission, o.CommissionAsset, o.Status, o.ExchangeOrderID, o.ClientOrderID,
		o.Reason, o.ParentOrderID, boolInt(o.IsSplit), o.SplitFillsCount, nullFloat(o.PnLQuote), nullFloat(o.PnLPct),
		toMillis(o.CreatedAt), nullMillis(o.ExecutedAt))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// CreateOrder inserts a PENDING order. The BUY check and the insert share one
// transaction, and the single connection serialises concurrent callers.
func (d *Database) CreateOrder(ctx context.Context, o Order) (string, error) {
	if o.Status == "" {
		o.Status = StatusPending
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if o.Side == SideBuy {
		var n int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM orders
			WHERE api_key_id = ? AND symbol = ? AND side = 'BUY' AND status IN ('PENDING', 'FILLED', 'PARTIALLY_FILLED')
		`, o.APIKeyID, o.Symbol).Scan(&n)
		if err != nil {
			return "", fmt.Errorf("check open position: %w", err)
		}
		if n > 0 {
			return "", ErrPositionOpen
		}
	}
	if err := d.insertOrder(ctx, tx, &o); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit order: %w", err)
	}
	return o.ID, nil
}

// UpdateOrderStatus applies patch to the order after validating the status transition.
func (d *Database) UpdateOrderStatus(ctx context.Context, id string, patch OrderPatch) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load order status: %w", err)
	}
	if patch.Status != nil && !CanTransition(current, *patch.Status) {
		return fmt.Errorf("%s -> %s: %w", current, *patch.Status, ErrInvalidTransition)
	}

	sets, args := PatchAssignments(patch, sqliteDialect)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order update: %w", err)
	}
	return nil
}

// Dialect adapts generated SQL to a driver.
type Dialect struct {
	// Placeholder maps the 1-based argument index to driver syntax.
	Placeholder func(n int) string
	Bool        func(bool) any
	Time        func(time.Time) any
}

var sqliteDialect = Dialect{
	Placeholder: func(int) string { return "?" },
	Bool:        func(b bool) any { return boolInt(b) },
	Time:        func(t time.Time) any { return toMillis(t) },
}

// PatchAssignments renders the non-nil patch fields as SET assignments.
func PatchAssignments(p OrderPatch, d Dialect) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+d.Placeholder(len(args)))
	}
	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.ExecutedPrice != nil {
		add("executed_price", *p.ExecutedPrice)
	}
	if p.ExecutedQty != nil {
		add("executed_qty", *p.ExecutedQty)
	}
	if p.Commission != nil {
		add("commission", *p.Commission)
	}
	if p.CommissionAsset != nil {
		add("commission_asset", *p.CommissionAsset)
	}
	if p.ExchangeOrderID != nil {
		add("exchange_order_id", *p.ExchangeOrderID)
	}
	if p.Reason != nil {
		add("reason", *p.Reason)
	}
	if p.IsSplit != nil {
		add("is_split", d.Bool(*p.IsSplit))
	}
	if p.SplitFillsCount != nil {
		add("split_fills_count", *p.SplitFillsCount)
	}
	if p.ExecutedAt != nil {
		add("executed_at", d.Time(*p.ExecutedAt))
	}
	return sets, args
}

// CompleteExit inserts the SELL and completes its BUYs in one transaction.
func (d *Database) CompleteExit(ctx context.Context, sell Order, buyIDs []string) (string, error) {
	if len(buyIDs) == 0 {
		return "", fmt.Errorf("complete exit: no buy orders")
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range buyIDs {
		var side, status string
		err := tx.QueryRowContext(ctx, `SELECT side, status FROM orders WHERE id = ?`, id).Scan(&side, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("buy %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return "", fmt.Errorf("load buy %s: %w", id, err)
		}
		if side != SideBuy || !IsOpenStatus(status) {
			return "", fmt.Errorf("buy %s is %s: %w", id, status, ErrAlreadyClosed)
		}
	}

	sell.Side = SideSell
	if sell.ParentOrderID == "" {
		sell.ParentOrderID = buyIDs[0]
	}
	if err := d.insertOrder(ctx, tx, &sell); err != nil {
		return "", err
	}
	for _, id := range buyIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, StatusCompleted, id); err != nil {
			return "", fmt.Errorf("complete buy %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit exit: %w", err)
	}
	return sell.ID, nil
}

// GetOpenPosition returns the oldest open BUY of the key on symbol.
func (d *Database) GetOpenPosition(ctx context.Context, apiKeyID, symbol string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE api_key_id = ? AND symbol = ? AND side = 'BUY' AND status IN ('FILLED', 'PARTIALLY_FILLED')
		ORDER BY created_at LIMIT 1`, apiKeyID, symbol)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open position: %w", err)
	}
	return &o, nil
}

// GetOpenPositionsAll returns every open BUY of the keys on symbol, oldest first.
func (d *Database) GetOpenPositionsAll(ctx context.Context, apiKeyIDs []string, symbol string) ([]Order, error) {
	if len(apiKeyIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(apiKeyIDs)), ", ")
	args := make([]any, 0, len(apiKeyIDs)+1)
	for _, id := range apiKeyIDs {
		args = append(args, id)
	}
	args = append(args, symbol)
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE api_key_id IN (`+placeholders+`) AND symbol = ? AND side = 'BUY' AND status IN ('FILLED', 'PARTIALLY_FILLED')
		ORDER BY created_at, id`, args...)
}

// GetPendingBuys returns PENDING BUYs created before the cutoff, oldest first.
func (d *Database) GetPendingBuys(ctx context.Context, apiKeyIDs []string, symbol string, before time.Time) ([]Order, error) {
	if len(apiKeyIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(apiKeyIDs)), ", ")
	args := make([]any, 0, len(apiKeyIDs)+2)
	for _, id := range apiKeyIDs {
		args = append(args, id)
	}
	args = append(args, symbol, toMillis(before))
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE api_key_id IN (`+placeholders+`) AND symbol = ? AND side = 'BUY' AND status = 'PENDING' AND created_at < ?
		ORDER BY created_at, id`, args...)
}

// GetOrder loads one order.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// RecentOrders returns the user's orders created within window, newest first.
func (d *Database) RecentOrders(ctx context.Context, userID string, window time.Duration) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	since := toMillis(d.now().Add(-window))
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC, id`, userID, since)
}

// OrdersByParent returns the SELLs recorded against a BUY.
func (d *Database) OrdersByParent(ctx context.Context, parentID string) ([]Order, error) {
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE parent_order_id = ? ORDER BY created_at`, parentID)
}

func (d *Database) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
