package common

import "context"

// Gateway abstracts the spot venue used by the engine. Signed calls take the
// id of the api key whose credentials sign the request.
type Gateway interface {
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	FetchSymbolFilters(ctx context.Context, symbol string) (SymbolInfo, error)
	FetchTickerPrice(ctx context.Context, symbol string) (float64, error)
	FetchBalances(ctx context.Context, apiKeyID string) (map[string]Balance, error)
	PlaceOrder(ctx context.Context, apiKeyID string, req OrderRequest) (OrderResult, error)
	FetchMyTrades(ctx context.Context, apiKeyID, symbol string, limit int) ([]Trade, error)
	// QueryOrder looks an order up by the client id it was placed with.
	// Unknown orders fail with an error satisfying IsOrderNotFound.
	QueryOrder(ctx context.Context, apiKeyID, symbol, clientOrderID string) (OrderResult, error)
}

// knownQuotes is ordered so longer suffixes win.
var knownQuotes = []string{"FDUSD", "USDT", "BUSD", "USDC", "BTC", "ETH", "BNB"}

// SplitSymbol derives base and quote assets from a symbol using known quote suffixes.
func SplitSymbol(symbol string) (base, quote string) {
	for _, q := range knownQuotes {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	return symbol, ""
}

// DefaultFilters are the conservative filters used when exchangeInfo is unavailable.
func DefaultFilters(symbol string) SymbolInfo {
	base, quote := SplitSymbol(symbol)
	return SymbolInfo{
		Symbol:      symbol,
		BaseAsset:   base,
		QuoteAsset:  quote,
		MinQty:      0.00001,
		StepSize:    0.00001,
		MinNotional: 10,
		Fallback:    true,
	}
}
