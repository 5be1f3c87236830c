package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes order types. Only MARKET is placed by the engine.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Env selects the venue environment of a gateway.
type Env string

const (
	EnvMainnet Env = "mainnet"
	EnvTestnet Env = "testnet"
)

// ParseEnv validates an environment name.
func ParseEnv(s string) (Env, bool) {
	switch Env(s) {
	case EnvMainnet, EnvTestnet:
		return Env(s), true
	}
	return "", false
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// SymbolInfo carries the trading filters of a symbol.
type SymbolInfo struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	MinQty      float64
	StepSize    float64
	MinNotional float64
	// Fallback is set when the values are defaults rather than exchange data.
	Fallback bool
}

// Balance is the free/locked amount of one asset.
type Balance struct {
	Free   float64
	Locked float64
}

// OrderRequest captures a MARKET order intent. Exactly one of Quantity or
// QuoteOrderQty is set.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	QuoteOrderQty float64
	ClientID      string
}

// OrderResult returns the exchange ack with its fills.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	ExecutedQty     float64
	QuoteQty        float64
	Fills           []Fill
}

// Fill is one execution piece of an order.
type Fill struct {
	TradeID         string
	Price           float64
	Qty             float64
	Commission      float64
	CommissionAsset string
}

// Trade is an account trade from the exchange history.
type Trade struct {
	ID              string
	OrderID         string
	Symbol          string
	Price           float64
	Qty             float64
	QuoteQty        float64
	Commission      float64
	CommissionAsset string
	Time            time.Time
	IsBuyer         bool
	IsMaker         bool
}
