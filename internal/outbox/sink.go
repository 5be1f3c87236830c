package outbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"reversal-core/pkg/db"
)

// Sink delivers one event downstream. Delivery is at-least-once: a sink may
// see the same event id again after a failed mark.
type Sink interface {
	Deliver(ctx context.Context, e db.TradingEvent) error
}

// RedisConfig configures the stream sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// RedisStreamSink appends events to a Redis stream with XADD.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink connects to Redis and checks the connection.
func NewRedisStreamSink(ctx context.Context, cfg RedisConfig) (*RedisStreamSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamSink{client: client, stream: cfg.Stream, maxLen: maxLen}, nil
}

func (s *RedisStreamSink) Deliver(ctx context.Context, e db.TradingEvent) error {
	values, err := streamValues(e)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}

func (s *RedisStreamSink) Close() error { return s.client.Close() }

// streamValues flattens an event into stream fields. Null PnL becomes "".
func streamValues(e db.TradingEvent) (map[string]any, error) {
	extra, err := db.MarshalExtra(e.Extra)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"event_id":     e.ID,
		"kind":         e.Kind,
		"order_id":     e.OrderID,
		"user_id":      e.UserID,
		"api_key_id":   e.APIKeyID,
		"symbol":       e.Symbol,
		"side":         e.Side,
		"quantity":     formatFloat(e.Quantity),
		"price":        formatFloat(e.Price),
		"quote_amount": formatFloat(e.QuoteAmount),
		"pnl_quote":    formatOptional(e.PnLQuote),
		"pnl_pct":      formatOptional(e.PnLPct),
		"source":       e.Source,
		"extra":        extra,
		"created_at":   e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func formatOptional(f *float64) string {
	if f == nil {
		return ""
	}
	return formatFloat(*f)
}

// LogSink writes events to the process log when no broker is configured.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Deliver(ctx context.Context, e db.TradingEvent) error {
	ev := s.Logger.Info().
		Str("event_id", e.ID).
		Str("kind", e.Kind).
		Str("order_id", e.OrderID).
		Str("symbol", e.Symbol).
		Str("side", e.Side).
		Float64("quantity", e.Quantity).
		Float64("price", e.Price).
		Str("source", e.Source)
	if e.PnLQuote != nil {
		ev = ev.Float64("pnl_quote", *e.PnLQuote)
	}
	if e.PnLPct != nil {
		ev = ev.Float64("pnl_pct", *e.PnLPct)
	}
	ev.Msg("trading event")
	return nil
}
