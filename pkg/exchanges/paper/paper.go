// Package paper simulates MARKET fills on top of live market data.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"reversal-core/pkg/exchanges/common"
)

// Config controls the simulation.
type Config struct {
	FeeRate     float64 // fraction of notional charged in the quote asset
	SlippageBps float64 // applied against the taker on every fill
	// InitialBalances seeds every api key on first use.
	InitialBalances map[string]float64
}

// Gateway serves market data from a delegate and fills orders in memory.
type Gateway struct {
	market common.Gateway
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	balances map[string]map[string]common.Balance
	trades   map[string][]common.Trade
	orders   map[string]common.OrderResult // api key + client id
	seq      int64
}

var _ common.Gateway = (*Gateway)(nil)

// New returns a paper gateway.
func New(market common.Gateway, cfg Config) *Gateway {
	return &Gateway{
		market:   market,
		cfg:      cfg,
		now:      time.Now,
		balances: make(map[string]map[string]common.Balance),
		trades:   make(map[string][]common.Trade),
		orders:   make(map[string]common.OrderResult),
	}
}

func (g *Gateway) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	return g.market.FetchKlines(ctx, symbol, interval, limit)
}

func (g *Gateway) FetchSymbolFilters(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	return g.market.FetchSymbolFilters(ctx, symbol)
}

func (g *Gateway) FetchTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return g.market.FetchTickerPrice(ctx, symbol)
}

func (g *Gateway) FetchBalances(_ context.Context, apiKeyID string) (map[string]common.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct := g.accountLocked(apiKeyID)
	out := make(map[string]common.Balance, len(acct))
	for k, v := range acct {
		out[k] = v
	}
	return out, nil
}

func (g *Gateway) accountLocked(apiKeyID string) map[string]common.Balance {
	acct, ok := g.balances[apiKeyID]
	if !ok {
		acct = make(map[string]common.Balance, len(g.cfg.InitialBalances))
		for asset, amt := range g.cfg.InitialBalances {
			acct[asset] = common.Balance{Free: amt}
		}
		g.balances[apiKeyID] = acct
	}
	return acct
}

// PlaceOrder fills the whole order at the ticker price moved by the slippage.
func (g *Gateway) PlaceOrder(ctx context.Context, apiKeyID string, req common.OrderRequest) (common.OrderResult, error) {
	if req.Type != "" && req.Type != common.OrderTypeMarket {
		return common.OrderResult{}, rejected("order type not supported")
	}
	ticker, err := g.market.FetchTickerPrice(ctx, req.Symbol)
	if err != nil {
		return common.OrderResult{}, err
	}
	base, quote := common.SplitSymbol(req.Symbol)
	slip := g.cfg.SlippageBps / 10000
	price := ticker * (1 + slip)
	if req.Side == common.SideSell {
		price = ticker * (1 - slip)
	}
	if price <= 0 {
		return common.OrderResult{}, rejected("no price")
	}

	qty := req.Quantity
	if req.QuoteOrderQty > 0 {
		qty = req.QuoteOrderQty / price
	}
	if qty <= 0 {
		return common.OrderResult{}, rejected("invalid quantity")
	}
	notional := qty * price
	fee := notional * g.cfg.FeeRate

	g.mu.Lock()
	defer g.mu.Unlock()
	acct := g.accountLocked(apiKeyID)
	b, q := acct[base], acct[quote]
	switch req.Side {
	case common.SideBuy:
		if q.Free < notional+fee {
			return common.OrderResult{}, rejected("Account has insufficient balance for requested action.")
		}
		q.Free -= notional + fee
		b.Free += qty
	case common.SideSell:
		if b.Free < qty {
			return common.OrderResult{}, rejected("Account has insufficient balance for requested action.")
		}
		b.Free -= qty
		q.Free += notional - fee
	default:
		return common.OrderResult{}, rejected("invalid side")
	}
	acct[base], acct[quote] = b, q

	g.seq++
	orderID := strconv.FormatInt(g.seq, 10)
	g.trades[apiKeyID] = append(g.trades[apiKeyID], common.Trade{
		ID:              orderID,
		OrderID:         orderID,
		Symbol:          req.Symbol,
		Price:           price,
		Qty:             qty,
		QuoteQty:        notional,
		Commission:      fee,
		CommissionAsset: quote,
		Time:            g.now(),
		IsBuyer:         req.Side == common.SideBuy,
	})
	res := common.OrderResult{
		ExchangeOrderID: orderID,
		ClientID:        req.ClientID,
		Status:          common.StatusFilled,
		ExecutedQty:     qty,
		QuoteQty:        notional,
		Fills: []common.Fill{{
			TradeID:         orderID,
			Price:           price,
			Qty:             qty,
			Commission:      fee,
			CommissionAsset: quote,
		}},
	}
	if req.ClientID != "" {
		g.orders[apiKeyID+"/"+req.ClientID] = res
	}
	return res, nil
}

// QueryOrder returns a filled order by client id. Rejected orders were never
// accepted and are unknown, as on the venue.
func (g *Gateway) QueryOrder(_ context.Context, apiKeyID, symbol, clientOrderID string) (common.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.orders[apiKeyID+"/"+clientOrderID]
	if !ok {
		return common.OrderResult{}, &common.Error{
			Kind: common.KindExchange, Op: "paper query order", Status: 400,
			Code: common.CodeOrderNotFound, Msg: "Order does not exist.",
		}
	}
	return res, nil
}

func (g *Gateway) FetchMyTrades(_ context.Context, apiKeyID, symbol string, limit int) ([]common.Trade, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []common.Trade
	for _, t := range g.trades[apiKeyID] {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func rejected(msg string) error {
	return &common.Error{Kind: common.KindExchange, Op: "paper order", Status: 400, Code: -2010, Msg: msg, Err: fmt.Errorf("%s", msg)}
}
