package paper

import (
	"context"
	"math"
	"testing"

	"reversal-core/pkg/exchanges/common"
)

type fixedMarket struct{ price float64 }

func (f fixedMarket) FetchKlines(context.Context, string, string, int) ([]common.Candle, error) {
	return nil, nil
}
func (f fixedMarket) FetchSymbolFilters(_ context.Context, s string) (common.SymbolInfo, error) {
	return common.DefaultFilters(s), nil
}
func (f fixedMarket) FetchTickerPrice(context.Context, string) (float64, error) { return f.price, nil }
func (f fixedMarket) FetchBalances(context.Context, string) (map[string]common.Balance, error) {
	return nil, nil
}
func (f fixedMarket) PlaceOrder(context.Context, string, common.OrderRequest) (common.OrderResult, error) {
	return common.OrderResult{}, nil
}
func (f fixedMarket) FetchMyTrades(context.Context, string, string, int) ([]common.Trade, error) {
	return nil, nil
}
func (f fixedMarket) QueryOrder(context.Context, string, string, string) (common.OrderResult, error) {
	return common.OrderResult{}, nil
}

func TestRoundTrip(t *testing.T) {
	g := New(fixedMarket{price: 100}, Config{FeeRate: 0.001, SlippageBps: 0, InitialBalances: map[string]float64{"USDT": 1000}})
	ctx := context.Background()

	buy, err := g.PlaceOrder(ctx, "k", common.OrderRequest{Symbol: "BNBUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, QuoteOrderQty: 200})
	if err != nil {
		t.Fatal(err)
	}
	if buy.Status != common.StatusFilled || len(buy.Fills) != 1 || math.Abs(buy.ExecutedQty-2) > 1e-12 {
		t.Fatalf("unexpected buy %+v", buy)
	}
	bal, _ := g.FetchBalances(ctx, "k")
	if math.Abs(bal["USDT"].Free-799.8) > 1e-9 || math.Abs(bal["BNB"].Free-2) > 1e-12 {
		t.Fatalf("unexpected balances %+v", bal)
	}

	if _, err := g.PlaceOrder(ctx, "k", common.OrderRequest{Symbol: "BNBUSDT", Side: common.SideSell, Quantity: 3}); !common.IsKind(err, common.KindExchange) {
		t.Fatalf("expected exchange rejection, got %v", err)
	}
	if _, err := g.PlaceOrder(ctx, "k", common.OrderRequest{Symbol: "BNBUSDT", Side: common.SideSell, Quantity: 2}); err != nil {
		t.Fatal(err)
	}
	trades, _ := g.FetchMyTrades(ctx, "k", "BNBUSDT", 200)
	if len(trades) != 2 || !trades[0].IsBuyer || trades[1].IsBuyer {
		t.Fatalf("unexpected trades %+v", trades)
	}
	if other, _ := g.FetchBalances(ctx, "other"); other["USDT"].Free != 1000 {
		t.Fatal("accounts must be isolated")
	}
}

func TestSlippageAgainstTaker(t *testing.T) {
	g := New(fixedMarket{price: 100}, Config{SlippageBps: 10, InitialBalances: map[string]float64{"USDT": 1000, "BTC": 1}})
	buy, _ := g.PlaceOrder(context.Background(), "k", common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, QuoteOrderQty: 10})
	sell, _ := g.PlaceOrder(context.Background(), "k", common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, Quantity: 0.01})
	if math.Abs(buy.Fills[0].Price-100.1) > 1e-9 || math.Abs(sell.Fills[0].Price-99.9) > 1e-9 {
		t.Fatalf("buy %v sell %v", buy.Fills[0].Price, sell.Fills[0].Price)
	}
}

func TestQueryOrderByClientID(t *testing.T) {
	g := New(fixedMarket{price: 100}, Config{InitialBalances: map[string]float64{"USDT": 1000}})
	ctx := context.Background()

	placed, err := g.PlaceOrder(ctx, "k", common.OrderRequest{Symbol: "BNBUSDT", Side: common.SideBuy, QuoteOrderQty: 200, ClientID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := g.QueryOrder(ctx, "k", "BNBUSDT", "c1")
	if err != nil {
		t.Fatalf("QueryOrder: %v", err)
	}
	if got.ExchangeOrderID != placed.ExchangeOrderID || got.Status != common.StatusFilled {
		t.Errorf("unexpected order %+v", got)
	}

	if _, err := g.PlaceOrder(ctx, "k", common.OrderRequest{Symbol: "BNBUSDT", Side: common.SideBuy, QuoteOrderQty: 5000, ClientID: "c2"}); err == nil {
		t.Fatal("expected insufficient balance")
	}
	if _, err := g.QueryOrder(ctx, "k", "BNBUSDT", "c2"); !common.IsOrderNotFound(err) {
		t.Errorf("rejected order should be unknown, got %v", err)
	}
	if _, err := g.QueryOrder(ctx, "other", "BNBUSDT", "c1"); !common.IsOrderNotFound(err) {
		t.Errorf("orders must be isolated per key, got %v", err)
	}
}
