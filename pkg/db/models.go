package db

import "time"

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order statuses.
const (
	StatusPending         = "PENDING"
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusRejected        = "REJECTED"
	StatusCancelled       = "CANCELLED"
	StatusCompleted       = "COMPLETED"
)

// Order reason codes written by the engine.
const (
	ReasonUPattern      = "U_PATTERN"
	ReasonTakeProfit    = "TAKE_PROFIT"
	ReasonStopLoss      = "STOP_LOSS"
	ReasonMaxHoldTime   = "MAX_HOLD_TIME"
	ReasonExternalSell  = "EXTERNAL_SELL"
	ReasonNoCredentials = "NO_CREDENTIALS"
)

// Event kinds, statuses and sources.
const (
	EventBuyFilled  = "BUY_FILLED"
	EventSellFilled = "SELL_FILLED"

	EventPending = "PENDING"
	EventSent    = "SENT"
	EventFailed  = "FAILED"

	SourceExecutor       = "executor"
	SourceReconciliation = "reconciliation"
)

// Environments.
const (
	EnvMainnet = "mainnet"
	EnvTestnet = "testnet"
)

// APIKeyConfig is an api key joined with its setting for one instrument.
type APIKeyConfig struct {
	ID             string
	UserID         string
	Label          string
	Testnet        bool
	Active         bool
	Symbol         string
	Timeframe      string
	Enabled        bool
	AllocatedQuote float64
}

// Env returns the venue environment of the key.
func (k APIKeyConfig) Env() string {
	if k.Testnet {
		return EnvTestnet
	}
	return EnvMainnet
}

// CanTrade holds when orders may be placed with the key.
func (k APIKeyConfig) CanTrade() bool {
	return k.Active && k.Enabled && k.AllocatedQuote > 0
}

// NewAPIKey is the admin input for storing credentials. Key and Secret are
// stored as given; callers seal them first.
type NewAPIKey struct {
	UserID  string
	Label   string
	Key     string
	Secret  string
	Testnet bool
}

// InstrumentSetting toggles trading of one (symbol, timeframe) for an api key.
type InstrumentSetting struct {
	APIKeyID       string
	Symbol         string
	Timeframe      string
	Enabled        bool
	AllocatedQuote float64
}

// Order is a placed exchange order and its lifecycle.
type Order struct {
	ID              string
	UserID          string
	APIKeyID        string
	Symbol          string
	Side            string
	Type            string
	Quantity        float64
	QuoteOrderQty   float64
	Price           *float64
	ExecutedPrice   float64
	ExecutedQty     float64
	Commission      float64
	CommissionAsset string
	Status          string
	ExchangeOrderID string
	ClientOrderID   string
	Reason          string
	ParentOrderID   string
	IsSplit         bool
	SplitFillsCount int
	PnLQuote        *float64
	PnLPct          *float64
	CreatedAt       time.Time
	ExecutedAt      *time.Time
}

// IsOpenBuy reports whether the order is an open position.
func (o Order) IsOpenBuy() bool {
	return o.Side == SideBuy && IsOpenStatus(o.Status)
}

// IsOpenStatus reports whether a BUY in this status is an open position.
func IsOpenStatus(status string) bool {
	return status == StatusFilled || status == StatusPartiallyFilled
}

// OrderPatch lists the fields UpdateOrderStatus changes; nil fields are kept.
type OrderPatch struct {
	Status          *string
	ExecutedPrice   *float64
	ExecutedQty     *float64
	Commission      *float64
	CommissionAsset *string
	ExchangeOrderID *string
	Reason          *string
	IsSplit         *bool
	SplitFillsCount *int
	ExecutedAt      *time.Time
}

// TradingEvent is a durable outbox record.
type TradingEvent struct {
	ID          string
	Kind        string
	OrderID     string
	UserID      string
	APIKeyID    string
	Symbol      string
	Side        string
	Quantity    float64
	Price       float64
	QuoteAmount float64
	PnLQuote    *float64
	PnLPct      *float64
	Source      string
	Extra       map[string]any
	Status      string
	Error       string
	Attempts    int
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
