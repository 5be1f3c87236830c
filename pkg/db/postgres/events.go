package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"reversal-core/pkg/db"
)

func (s *Store) CreateEvent(ctx context.Context, e db.TradingEvent) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	extra, err := db.MarshalExtra(e.Extra)
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO trading_events (id, kind, order_id, user_id, api_key_id, symbol, side, quantity, price,
			quote_amount, pnl_quote, pnl_pct, source, extra, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15, $16)
	`, e.ID, e.Kind, e.OrderID, e.UserID, e.APIKeyID, e.Symbol, e.Side, e.Quantity, e.Price,
		e.QuoteAmount, e.PnLQuote, e.PnLPct, e.Source, extra, db.EventPending, e.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return e.ID, nil
}

func (s *Store) PendingEvents(ctx context.Context, limit, maxAttempts int) ([]db.TradingEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, order_id, user_id, api_key_id, symbol, side, quantity, price, quote_amount,
			pnl_quote, pnl_pct, source, extra::text, status, error, attempts, processed_at, created_at
		FROM trading_events
		WHERE status = 'PENDING' OR (status = 'FAILED' AND attempts < $1)
		ORDER BY created_at, id
		LIMIT $2
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []db.TradingEvent
	for rows.Next() {
		var (
			e     db.TradingEvent
			extra string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.OrderID, &e.UserID, &e.APIKeyID, &e.Symbol, &e.Side, &e.Quantity,
			&e.Price, &e.QuoteAmount, &e.PnLQuote, &e.PnLPct, &e.Source, &extra, &e.Status, &e.Error, &e.Attempts,
			&e.ProcessedAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Extra = db.UnmarshalExtra(extra)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) MarkEvent(ctx context.Context, id, status, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trading_events SET status = $1, error = $2, attempts = attempts + 1, processed_at = $3
		WHERE id = $4
	`, status, errMsg, s.now(), id)
	if err != nil {
		return fmt.Errorf("mark event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}
