package db

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrUserIDRequired    = errors.New("user_id is required")
	ErrPositionOpen      = errors.New("position already open for api key and symbol")
	ErrAlreadyClosed     = errors.New("position already closed")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrNoCredentials     = errors.New("credentials unavailable")
)

// Repository is the persistence surface of the trading core.
type Repository interface {
	// GetAPIKeysForInstrument returns active keys with the instrument enabled.
	GetAPIKeysForInstrument(ctx context.Context, symbol, timeframe, env string) ([]APIKeyConfig, error)
	ResolveCredentials(ctx context.Context, apiKeyID string) (key, secret string, err error)
	// GetOpenPosition returns nil, nil when the key holds no open BUY.
	GetOpenPosition(ctx context.Context, apiKeyID, symbol string) (*Order, error)
	GetOpenPositionsAll(ctx context.Context, apiKeyIDs []string, symbol string) ([]Order, error)
	// GetPendingBuys returns the PENDING BUYs of the keys on symbol created
	// before the cutoff, oldest first.
	GetPendingBuys(ctx context.Context, apiKeyIDs []string, symbol string, before time.Time) ([]Order, error)
	// CreateOrder inserts a PENDING order. BUYs fail with ErrPositionOpen when
	// the key already has an open or pending BUY on the symbol.
	CreateOrder(ctx context.Context, o Order) (string, error)
	UpdateOrderStatus(ctx context.Context, id string, patch OrderPatch) error
	// CompleteExit inserts sell and marks every buy COMPLETED atomically.
	CompleteExit(ctx context.Context, sell Order, buyIDs []string) (string, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	RecentOrders(ctx context.Context, userID string, window time.Duration) ([]Order, error)

	CreateEvent(ctx context.Context, e TradingEvent) (string, error)
	PendingEvents(ctx context.Context, limit, maxAttempts int) ([]TradingEvent, error)
	MarkEvent(ctx context.Context, id, status, errMsg string) error
}

// Admin is the write surface used by operators to configure keys.
type Admin interface {
	CreateAPIKey(ctx context.Context, k NewAPIKey) (string, error)
	UpsertInstrumentSetting(ctx context.Context, s InstrumentSetting) error
}

// Opener decrypts stored credentials. A nil Opener means credentials are stored in clear.
type Opener interface {
	Open(sealed string) (string, error)
}

// Store bundles both surfaces; every backend implements it.
type Store interface {
	Repository
	Admin
	Close() error
}

// CanTransition enforces PENDING -> terminal once, and open BUY -> COMPLETED.
func CanTransition(current, next string) bool {
	if current == StatusPending {
		return next != StatusCompleted && next != StatusPending
	}
	return next == StatusCompleted && IsOpenStatus(current)
}
