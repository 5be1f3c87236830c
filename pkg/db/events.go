package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CreateEvent appends a PENDING outbox row.
func (d *Database) CreateEvent(ctx context.Context, e TradingEvent) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = d.now()
	}
	extra, err := MarshalExtra(e.Extra)
	if err != nil {
		return "", err
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO trading_events (id, kind, order_id, user_id, api_key_id, symbol, side, quantity, price,
			quote_amount, pnl_quote, pnl_pct, source, extra, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, e.OrderID, e.UserID, e.APIKeyID, e.Symbol, e.Side, e.Quantity, e.Price,
		e.QuoteAmount, nullFloat(e.PnLQuote), nullFloat(e.PnLPct), e.Source, extra, EventPending, toMillis(e.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return e.ID, nil
}

// PendingEvents returns undelivered events, oldest first. FAILED events are
// retried until they reach maxAttempts.
func (d *Database) PendingEvents(ctx context.Context, limit, maxAttempts int) ([]TradingEvent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, kind, order_id, user_id, api_key_id, symbol, side, quantity, price, quote_amount,
			pnl_quote, pnl_pct, source, extra, status, error, attempts, processed_at, created_at
		FROM trading_events
		WHERE status = 'PENDING' OR (status = 'FAILED' AND attempts < ?)
		ORDER BY created_at, id
		LIMIT ?
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []TradingEvent
	for rows.Next() {
		var (
			e           TradingEvent
			pnlQuote    sql.NullFloat64
			pnlPct      sql.NullFloat64
			extra       string
			processedAt sql.NullInt64
			createdAt   int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.OrderID, &e.UserID, &e.APIKeyID, &e.Symbol, &e.Side, &e.Quantity,
			&e.Price, &e.QuoteAmount, &pnlQuote, &pnlPct, &e.Source, &extra, &e.Status, &e.Error, &e.Attempts,
			&processedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if pnlQuote.Valid {
			e.PnLQuote = Ptr(pnlQuote.Float64)
		}
		if pnlPct.Valid {
			e.PnLPct = Ptr(pnlPct.Float64)
		}
		if processedAt.Valid {
			e.ProcessedAt = Ptr(fromMillis(processedAt.Int64))
		}
		e.CreatedAt = fromMillis(createdAt)
		e.Extra = UnmarshalExtra(extra)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEvent records a delivery outcome.
func (d *Database) MarkEvent(ctx context.Context, id, status, errMsg string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trading_events SET status = ?, error = ?, attempts = attempts + 1, processed_at = ?
		WHERE id = ?
	`, status, errMsg, toMillis(d.now()), id)
	if err != nil {
		return fmt.Errorf("mark event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarshalExtra encodes the free-form event payload.
func MarshalExtra(extra map[string]any) (string, error) {
	if len(extra) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("encode event extra: %w", err)
	}
	return string(b), nil
}

// UnmarshalExtra decodes a stored payload; malformed data yields nil.
func UnmarshalExtra(s string) map[string]any {
	var extra map[string]any
	if err := json.Unmarshal([]byte(s), &extra); err != nil || len(extra) == 0 {
		return nil
	}
	return extra
}
