package order

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reversal-core/internal/events"
	"reversal-core/internal/journal"
	"reversal-core/internal/pattern"
	"reversal-core/internal/reconciliation"
	"reversal-core/internal/risk"
	"reversal-core/pkg/db"
	"reversal-core/pkg/exchanges/common"
)

type fakeGateway struct {
	mu       sync.Mutex
	price    float64
	filters  common.SymbolInfo
	balances map[string]common.Balance
	place    func(req common.OrderRequest) (common.OrderResult, error)
	query    func(clientID string) (common.OrderResult, error)
	placed   []common.OrderRequest
	trades   []common.Trade
}

func (g *fakeGateway) FetchKlines(context.Context, string, string, int) ([]common.Candle, error) {
	return nil, nil
}

func (g *fakeGateway) FetchSymbolFilters(_ context.Context, symbol string) (common.SymbolInfo, error) {
	if g.filters.Symbol == "" {
		return common.DefaultFilters(symbol), nil
	}
	return g.filters, nil
}

func (g *fakeGateway) FetchTickerPrice(context.Context, string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.price, nil
}

func (g *fakeGateway) FetchBalances(context.Context, string) (map[string]common.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances, nil
}

func (g *fakeGateway) PlaceOrder(_ context.Context, _ string, req common.OrderRequest) (common.OrderResult, error) {
	g.mu.Lock()
	g.placed = append(g.placed, req)
	fn := g.place
	g.mu.Unlock()
	return fn(req)
}

func (g *fakeGateway) FetchMyTrades(context.Context, string, string, int) ([]common.Trade, error) {
	return g.trades, nil
}

func (g *fakeGateway) QueryOrder(_ context.Context, _, _, clientID string) (common.OrderResult, error) {
	g.mu.Lock()
	fn := g.query
	g.mu.Unlock()
	if fn == nil {
		return common.OrderResult{}, &common.Error{Kind: common.KindExchange, Code: common.CodeOrderNotFound, Msg: "Order does not exist."}
	}
	return fn(clientID)
}

func (g *fakeGateway) orders() []common.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]common.OrderRequest(nil), g.placed...)
}

type harness struct {
	db      *db.Database
	gw      *fakeGateway
	exec    *Executor
	journal *journal.Journal
	key     db.APIKeyConfig
	clock   time.Time
	buys    <-chan any
	sells   <-chan any
}

func newHarness(t *testing.T, symbol, timeframe string, allocated float64) *harness {
	t.Helper()
	ctx := context.Background()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatal(err)
	}
	keyID, err := d.CreateAPIKey(ctx, db.NewAPIKey{UserID: "u1", Key: "k", Secret: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.UpsertInstrumentSetting(ctx, db.InstrumentSetting{APIKeyID: keyID, Symbol: symbol, Timeframe: timeframe, Enabled: true, AllocatedQuote: allocated}); err != nil {
		t.Fatal(err)
	}
	keys, err := d.GetAPIKeysForInstrument(ctx, symbol, timeframe, db.EnvMainnet)
	if err != nil || len(keys) != 1 {
		t.Fatalf("keys %+v %v", keys, err)
	}

	rules, _ := risk.RulesFor(timeframe)
	gw := &fakeGateway{balances: map[string]common.Balance{"USDT": {Free: 1000}}}
	bus := events.NewBus()
	buys, unsubBuys := bus.Subscribe(events.EventBuyFilled, 16)
	sells, unsubSells := bus.Subscribe(events.EventSellFilled, 16)
	t.Cleanup(unsubBuys)
	t.Cleanup(unsubSells)
	outbox := events.NewOutbox(d, bus)

	h := &harness{db: d, gw: gw, key: keys[0], clock: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), buys: buys, sells: sells}
	h.journal = journal.New(100, zerolog.Nop())
	clock := func() time.Time { return h.clock }
	recon := reconciliation.NewService(d, gw, outbox, h.journal).WithClock(clock)
	h.exec = NewExecutor(Config{Symbol: symbol, Timeframe: timeframe, Env: db.EnvMainnet, Rules: rules}, d, gw, outbox, recon, h.journal).
		WithClock(clock)
	return h
}

func fill(id string, fills ...common.Fill) common.OrderResult {
	res := common.OrderResult{ExchangeOrderID: id, Status: common.StatusFilled, Fills: fills}
	for _, f := range fills {
		res.ExecutedQty += f.Qty
		res.QuoteQty += f.Price * f.Qty
	}
	return res
}

func TestExecuteBuyFillsOnce(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "30m", 200)
	h.gw.place = func(req common.OrderRequest) (common.OrderResult, error) {
		if req.QuoteOrderQty != 200 || req.Quantity != 0 || req.Side != common.SideBuy {
			t.Errorf("unexpected request %+v", req)
		}
		return fill("9001", common.Fill{Price: 100050, Qty: 0.001999, Commission: 0.000002, CommissionAsset: "BTC"}), nil
	}
	ctx := context.Background()
	out, err := h.exec.ExecuteBuy(ctx, pattern.Signal{EntryPrice: 99500}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Placed || out.ExecutedPrice != 100050 || out.ExecutedQty != 0.001999 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	o, err := h.db.GetOrder(ctx, out.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != db.StatusFilled || o.ExecutedPrice != 100050 || o.ExecutedQty != 0.001999 || o.IsSplit || o.ExchangeOrderID != "9001" || o.Reason != db.ReasonUPattern {
		t.Fatalf("unexpected order %+v", o)
	}
	ev := (<-h.buys).(db.TradingEvent)
	if ev.OrderID != out.OrderID || ev.Source != db.SourceExecutor {
		t.Fatalf("unexpected event %+v", ev)
	}

	// the open position blocks a second buy
	out, err = h.exec.ExecuteBuy(ctx, pattern.Signal{EntryPrice: 99500}, "")
	if err != nil || out.Placed || len(out.Skipped) != 1 || out.Skipped[0].Reason != SkipPositionOpen {
		t.Fatalf("second buy %+v %v", out, err)
	}
	if n := len(h.gw.orders()); n != 1 {
		t.Fatalf("exchange saw %d orders", n)
	}
}

func TestExecuteBuySplitFills(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "30m", 300)
	h.gw.place = func(common.OrderRequest) (common.OrderResult, error) {
		return fill("77",
			common.Fill{Price: 100000, Qty: 0.001, Commission: 0.1, CommissionAsset: "USDT"},
			common.Fill{Price: 100100, Qty: 0.0015, Commission: 0.15, CommissionAsset: "USDT"},
			common.Fill{Price: 100200, Qty: 0.0005, Commission: 0.05, CommissionAsset: "USDT"},
		), nil
	}
	out, err := h.exec.ExecuteBuy(context.Background(), pattern.Signal{}, "u1")
	if err != nil || !out.Placed {
		t.Fatalf("%+v %v", out, err)
	}
	o, _ := h.db.GetOrder(context.Background(), out.OrderID)
	wantPrice := (100000*0.001 + 100100*0.0015 + 100200*0.0005) / 0.003
	if math.Abs(o.ExecutedPrice-wantPrice) > 1e-6 || math.Abs(o.ExecutedQty-0.003) > 1e-12 || math.Abs(o.Commission-0.3) > 1e-12 {
		t.Fatalf("unexpected aggregation %+v", o)
	}
	if !o.IsSplit || o.SplitFillsCount != 3 {
		t.Fatalf("split flags not set: %+v", o)
	}
}

func TestExecuteBuyRejected(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "30m", 200)
	h.gw.place = func(common.OrderRequest) (common.OrderResult, error) {
		return common.OrderResult{}, common.StatusError("place order", 400, []byte(`{"code":-2010,"msg":"insufficient balance"}`))
	}
	ctx := context.Background()
	out, err := h.exec.ExecuteBuy(ctx, pattern.Signal{}, "")
	if err != nil || out.Placed || len(out.Rejected) != 1 {
		t.Fatalf("%+v %v", out, err)
	}
	o, _ := h.db.GetOrder(ctx, out.Rejected[0])
	if o.Status != db.StatusRejected || o.Reason != "insufficient balance" {
		t.Fatalf("unexpected order %+v", o)
	}
	select {
	case ev := <-h.buys:
		t.Fatalf("no event expected, got %+v", ev)
	default:
	}
	// a rejected BUY does not hold the position
	if pos, _ := h.db.GetOpenPosition(ctx, h.key.ID, "BTCUSDT"); pos != nil {
		t.Fatalf("rejected order is open: %+v", pos)
	}
}

func TestExecuteBuyCredentialsFailure(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "30m", 200)
	h.gw.place = func(common.OrderRequest) (common.OrderResult, error) {
		return common.OrderResult{}, common.CredentialsError("place order", db.ErrNoCredentials)
	}
	out, _ := h.exec.ExecuteBuy(context.Background(), pattern.Signal{}, "")
	o, _ := h.db.GetOrder(context.Background(), out.Rejected[0])
	if o.Reason != db.ReasonNoCredentials {
		t.Fatalf("reason %q", o.Reason)
	}
}

func TestExecuteBuySkips(t *testing.T) {
	t.Run("insufficient balance", func(t *testing.T) {
		h := newHarness(t, "BTCUSDT", "30m", 200)
		h.gw.balances = map[string]common.Balance{"USDT": {Free: 150}}
		out, _ := h.exec.ExecuteBuy(context.Background(), pattern.Signal{}, "")
		if out.Placed || out.Skipped[0].Reason != SkipInsufficientBalance {
			t.Fatalf("%+v", out)
		}
	})
	t.Run("no allocation", func(t *testing.T) {
		h := newHarness(t, "BTCUSDT", "30m", 0)
		out, _ := h.exec.ExecuteBuy(context.Background(), pattern.Signal{}, "")
		if out.Placed || out.Skipped[0].Reason != SkipNoAllocation {
			t.Fatalf("%+v", out)
		}
	})
	t.Run("other user", func(t *testing.T) {
		h := newHarness(t, "BTCUSDT", "30m", 200)
		out, _ := h.exec.ExecuteBuy(context.Background(), pattern.Signal{}, "someone-else")
		if out.Placed || len(out.Skipped) != 0 {
			t.Fatalf("%+v", out)
		}
	})
}

func TestConcurrentBuysSingleWinner(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "30m", 200)
	h.gw.place = func(common.OrderRequest) (common.OrderResult, error) {
		return fill("1", common.Fill{Price: 100, Qty: 2}), nil
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.exec.ExecuteBuy(context.Background(), pattern.Signal{}, "")
			if err != nil {
				t.Error(err)
				return
			}
			if out.Placed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 || len(h.gw.orders()) != 1 {
		t.Fatalf("winners %d, exchange orders %d", winners, len(h.gw.orders()))
	}
}

// openBuy stores a filled BUY created at the harness clock minus age.
func (h *harness) openBuy(t *testing.T, price, qty float64, age time.Duration, exchangeID string) string {
	t.Helper()
	ctx := context.Background()
	created := h.clock.Add(-age)
	id, err := h.db.CreateOrder(ctx, db.Order{UserID: "u1", APIKeyID: h.key.ID, Symbol: h.exec.cfg.Symbol, Side: db.SideBuy, CreatedAt: created})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.db.UpdateOrderStatus(ctx, id, db.OrderPatch{
		Status: db.Ptr(db.StatusFilled), ExecutedPrice: db.Ptr(price), ExecutedQty: db.Ptr(qty),
		ExchangeOrderID: db.Ptr(exchangeID), ExecutedAt: &created,
	}); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestTakeProfitExit(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "30m", 200)
	buyID := h.openBuy(t, 100000, 0.002, time.Hour, "500")
	h.gw.price = 104500
	h.gw.balances = map[string]common.Balance{"BTC": {Free: 0.002}}
	h.gw.place = func(req common.OrderRequest) (common.OrderResult, error) {
		if req.Side != common.SideSell || req.Quantity != 0.002 {
			t.Errorf("unexpected sell %+v", req)
		}
		return fill("501", common.Fill{Price: 104500, Qty: 0.002, Commission: 0.209, CommissionAsset: "USDT"}), nil
	}
	ctx := context.Background()
	rep, err := h.exec.CheckAndExecuteExits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Exits) != 1 || rep.Exits[0].Reason != risk.ExitTakeProfit {
		t.Fatalf("unexpected report %+v", rep)
	}
	ex := rep.Exits[0]
	if math.Abs(ex.PnLPct-4.3955) > 1e-9 || math.Abs(ex.PnLQuote-8.791) > 1e-9 {
		t.Fatalf("pnl %v %v", ex.PnLQuote, ex.PnLPct)
	}
	buy, _ := h.db.GetOrder(ctx, buyID)
	if buy.Status != db.StatusCompleted {
		t.Fatalf("buy status %s", buy.Status)
	}
	sell, _ := h.db.GetOrder(ctx, ex.SellOrderID)
	if sell.ParentOrderID != buyID || sell.PnLPct == nil || math.Abs(*sell.PnLPct-4.3955) > 1e-9 || sell.Reason != db.ReasonTakeProfit {
		t.Fatalf("unexpected sell %+v", sell)
	}
	ev := (<-h.sells).(db.TradingEvent)
	if ev.PnLPct == nil || ev.OrderID != sell.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestMaxHoldExit(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "30m", 200)
	h.openBuy(t, 100000, 0.002, 24*time.Hour+time.Minute, "600")
	h.gw.price = 100100
	h.gw.balances = map[string]common.Balance{"BTC": {Free: 0.0019999}}
	h.gw.place = func(req common.OrderRequest) (common.OrderResult, error) {
		// base asset commission on the BUY left less than the position
		if req.Quantity != 0.00199 {
			t.Errorf("quantity %v not floored to step", req.Quantity)
		}
		return fill("601", common.Fill{Price: 100100, Qty: req.Quantity, Commission: 0.0000002, CommissionAsset: "BTC"}), nil
	}
	rep, err := h.exec.CheckAndExecuteExits(context.Background())
	if err != nil || len(rep.Exits) != 1 || rep.Exits[0].Reason != risk.ExitMaxHoldTime {
		t.Fatalf("%+v %v", rep, err)
	}
	// base commission is not subtracted again
	want := (100100*0.00199 - 100000*0.002) / 200 * 100
	if math.Abs(rep.Exits[0].PnLPct-want) > 1e-9 {
		t.Fatalf("pnl pct %v want %v", rep.Exits[0].PnLPct, want)
	}
}

func TestExitCooldownAndHold(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "30m", 200)
	h.openBuy(t, 100000, 0.002, 2*time.Minute, "700")
	h.gw.price = 50000
	h.gw.place = func(common.OrderRequest) (common.OrderResult, error) {
		t.Fatal("no order inside the cooldown")
		return common.OrderResult{}, nil
	}
	rep, err := h.exec.CheckAndExecuteExits(context.Background())
	if err != nil || rep.InCooldown != 1 || len(rep.Exits) != 0 {
		t.Fatalf("%+v %v", rep, err)
	}

	h.clock = h.clock.Add(10 * time.Minute)
	h.gw.price = 100500
	rep, err = h.exec.CheckAndExecuteExits(context.Background())
	if err != nil || rep.Held != 1 {
		t.Fatalf("%+v %v", rep, err)
	}
}

func TestExitBelowFiltersKeepsPosition(t *testing.T) {
	h := newHarness(t, "BTCUSDT", "30m", 200)
	buyID := h.openBuy(t, 100000, 0.00005, time.Hour, "800")
	h.gw.price = 90000
	h.gw.balances = map[string]common.Balance{"BTC": {Free: 0.00005}}
	h.gw.filters = common.SymbolInfo{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", MinQty: 0.0001, StepSize: 0.0001, MinNotional: 10}
	h.gw.place = func(common.OrderRequest) (common.OrderResult, error) {
		t.Fatal("order below filters must not be placed")
		return common.OrderResult{}, nil
	}
	rep, err := h.exec.CheckAndExecuteExits(context.Background())
	if err != nil || rep.Skipped != 1 {
		t.Fatalf("%+v %v", rep, err)
	}
	if buy, _ := h.db.GetOrder(context.Background(), buyID); buy.Status != db.StatusFilled {
		t.Fatalf("position closed: %s", buy.Status)
	}
}

func TestGroupPositions(t *testing.T) {
	t0 := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	keys := map[string]db.APIKeyConfig{"k1": {ID: "k1"}, "k2": {ID: "k2"}}
	open := []db.Order{
		{ID: "a", APIKeyID: "k1", ExchangeOrderID: "900", ExecutedPrice: 100, ExecutedQty: 1, CreatedAt: t0},
		{ID: "b", APIKeyID: "k1", ExchangeOrderID: "900", ExecutedPrice: 103, ExecutedQty: 2, CreatedAt: t0.Add(time.Minute)},
		{ID: "c", APIKeyID: "k2", ExchangeOrderID: "900", ExecutedPrice: 50, ExecutedQty: 1, CreatedAt: t0},
		{ID: "d", APIKeyID: "k1", ExecutedPrice: 10, ExecutedQty: 1, CreatedAt: t0},
	}
	got := groupPositions(open, keys)
	if len(got) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(got))
	}
	legacy := got[0]
	if len(legacy.buys) != 2 || math.Abs(legacy.entry-102) > 1e-9 || legacy.qty != 3 {
		t.Fatalf("unexpected group %+v", legacy)
	}
	if !legacy.openedAt.Equal(t0) || !legacy.lastBuyAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("group times %v %v", legacy.openedAt, legacy.lastBuyAt)
	}
	if got[1].key.ID != "k2" || got[2].buys[0].ID != "d" {
		t.Fatalf("unexpected grouping %+v", got)
	}
}

func TestNormalizeSell(t *testing.T) {
	coarse := common.SymbolInfo{MinQty: 0.001, StepSize: 0.001, MinNotional: 10}
	fine := common.SymbolInfo{MinQty: 0.001, StepSize: 0.0001, MinNotional: 10}
	cases := []struct {
		name      string
		filters   common.SymbolInfo
		qty       float64
		price     float64
		wantQty   float64
		wantQuote float64
		ok        bool
	}{
		{"floored", coarse, 0.0129, 1000, 0.012, 0, true},
		{"quote fallback uses floored qty", fine, 0.00095, 20000, 0, 18, true},
		{"floored to zero", coarse, 0.0009, 20000, 0, 0, false},
		{"floored notional below min", fine, 0.00049, 22000, 0, 0, false},
		{"too small", fine, 0.0009, 100, 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, ok := normalizeSell(tc.qty, tc.price, tc.filters)
			if ok != tc.ok || req.Quantity != tc.wantQty || req.QuoteOrderQty != tc.wantQuote {
				t.Fatalf("got %+v ok=%v", req, ok)
			}
			if ok && req.Quantity > 0 && math.Abs(math.Round(req.Quantity/tc.filters.StepSize)*tc.filters.StepSize-req.Quantity) > 1e-12 {
				t.Fatalf("quantity %v not a step multiple", req.Quantity)
			}
			if ok && req.QuoteOrderQty > 0 && req.QuoteOrderQty < tc.filters.MinNotional {
				t.Fatalf("quote %v below min notional", req.QuoteOrderQty)
			}
		})
	}
}

func TestRealizedPnL(t *testing.T) {
	quote := Execution{Price: 104500, Qty: 0.002, Commission: 0.209, CommissionAsset: "USDT"}
	pnl, pct := realizedPnL(100000, 0.002, quote, "USDT")
	if math.Abs(pnl-8.791) > 1e-9 || math.Abs(pct-4.3955) > 1e-9 {
		t.Fatalf("quote fee: %v %v", pnl, pct)
	}
	base := Execution{Price: 104500, Qty: 0.002, Commission: 0.000002, CommissionAsset: "BTC"}
	pnl, _ = realizedPnL(100000, 0.002, base, "USDT")
	if math.Abs(pnl-9) > 1e-9 {
		t.Fatalf("base fee: %v", pnl)
	}
}
