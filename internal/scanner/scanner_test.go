package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reversal-core/internal/journal"
	"reversal-core/internal/monitor"
	"reversal-core/internal/order"
	"reversal-core/internal/pattern"
	"reversal-core/internal/readiness"
	"reversal-core/pkg/cache"
	"reversal-core/pkg/config"
	"reversal-core/pkg/db"
	"reversal-core/pkg/exchanges/common"
	"reversal-core/pkg/i18n"
)

type fakeMarket struct {
	mu       sync.Mutex
	calls    int
	failures int
	price    float64
}

func (m *fakeMarket) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return nil, &common.Error{Kind: common.KindTransport, Op: "klines", Msg: "timeout"}
	}
	return []common.Candle{{Close: m.price - 10}, {Close: m.price}}, nil
}

func (m *fakeMarket) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakePositions struct {
	mu    sync.Mutex
	open  []db.Order
	err   error
	calls int
}

func (p *fakePositions) GetAPIKeysForInstrument(ctx context.Context, symbol, timeframe, env string) ([]db.APIKeyConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return []db.APIKeyConfig{{ID: "key-x", Active: true, Enabled: true, AllocatedQuote: 200}}, nil
}

func (p *fakePositions) GetOpenPositionsAll(ctx context.Context, ids []string, symbol string) ([]db.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, nil
}

type fakeTrader struct {
	mu     sync.Mutex
	buys   []pattern.Signal
	exits  int
	buyErr error
}

func (t *fakeTrader) ExecuteBuy(ctx context.Context, sig pattern.Signal, userID string) (*order.BuyOutcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buys = append(t.buys, sig)
	if t.buyErr != nil {
		return nil, t.buyErr
	}
	return &order.BuyOutcome{Placed: true, OrderID: "o1"}, nil
}

func (t *fakeTrader) CheckAndExecuteExits(ctx context.Context) (*order.ExitReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exits++
	return &order.ExitReport{Positions: 1, Exits: []order.ExitResult{{SellOrderID: "s1"}}}, nil
}

type fixedReadiness struct{ snap readiness.Snapshot }

func (f fixedReadiness) Evaluate(ctx context.Context, symbol, timeframe, env string) readiness.Snapshot {
	return f.snap
}

type harness struct {
	sc        *Scanner
	market    *fakeMarket
	positions *fakePositions
	trader    *fakeTrader
	prices    *cache.PriceCache
	metrics   *monitor.SystemMetrics
	now       time.Time
}

func newHarness(t *testing.T, signal bool) *harness {
	t.Helper()
	i18n.SetLanguage(i18n.LangES)
	cfg, err := DefaultConfig("BTCUSDT", "30m", "mainnet")
	if err != nil {
		t.Fatal(err)
	}
	cfg.KlineRetryWait = time.Millisecond
	cfg.StateRetryWait = time.Millisecond

	h := &harness{
		market:    &fakeMarket{price: 100000},
		positions: &fakePositions{},
		trader:    &fakeTrader{},
		prices:    cache.NewPriceCache(),
		metrics:   monitor.NewSystemMetrics(),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	detect := func([]common.Candle, pattern.Params) []pattern.Signal {
		if !signal {
			return nil
		}
		return []pattern.Signal{{EntryPrice: 99500, Depth: 0.018, PreSlope: -0.10, RecentSlope: -0.005, Strength: 0.10}}
	}
	h.sc = New(cfg, Deps{
		Market:    h.market,
		Positions: h.positions,
		Trader:    h.trader,
		Readiness: fixedReadiness{readiness.Snapshot{AutoReady: true, EnabledKeysCount: 1, AllocatedOK: true, BalanceOK: true}},
		Prices:    h.prices,
		Metrics:   h.metrics,
		Detect:    detect,
	}, zerolog.Nop())
	h.sc.now = func() time.Time { return h.now }
	return h
}

func hasLog(entries []journal.Entry, level journal.Level, substr string) bool {
	for _, e := range entries {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestCycleBuysThenRespectsAlertCooldown(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.sc.Cycle(ctx)
	if len(h.trader.buys) != 1 {
		t.Fatalf("expected one buy, got %d", len(h.trader.buys))
	}
	if h.trader.buys[0].Symbol != "BTCUSDT" {
		t.Fatalf("signal symbol not set: %+v", h.trader.buys[0])
	}
	st := h.sc.Status(0)
	if st.AlertsCount != 1 || st.State != StateSearchingBuy || st.LastScanPrice != 100000 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.CooldownRemaining != 300 {
		t.Fatalf("cooldown remaining %d", st.CooldownRemaining)
	}

	h.now = h.now.Add(30 * time.Minute / 10)
	h.sc.Cycle(ctx)
	if len(h.trader.buys) != 1 {
		t.Fatalf("cooldown ignored: %d buys", len(h.trader.buys))
	}
	if !hasLog(h.sc.Status(0).Logs, journal.LevelInfo, "Cooldown activo (120s restantes)") {
		t.Fatalf("missing cooldown log: %+v", h.sc.Status(0).Logs)
	}

	h.now = h.now.Add(5 * time.Minute)
	h.sc.Cycle(ctx)
	if len(h.trader.buys) != 2 || h.sc.Status(0).AlertsCount != 2 {
		t.Fatalf("expected a second buy after cooldown, got %d", len(h.trader.buys))
	}
	snap := h.metrics.GetSnapshot()
	if snap.ScansCompleted != 3 || snap.SignalsGenerated != 3 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
	if p, ok := h.prices.Fresh("mainnet", "BTCUSDT", time.Hour); !ok || p != 100000 {
		t.Fatalf("price cache: %v %v", p, ok)
	}
}

func TestCycleNoSignal(t *testing.T) {
	h := newHarness(t, false)
	h.sc.Cycle(context.Background())
	if len(h.trader.buys) != 0 {
		t.Fatal("unexpected buy")
	}
	if !hasLog(h.sc.Status(0).Logs, journal.LevelInfo, "Sin señal") {
		t.Fatal("missing no-signal log")
	}
}

func TestCycleMonitorsOpenPosition(t *testing.T) {
	h := newHarness(t, true)
	h.positions.open = []db.Order{{ID: "b1", Side: db.SideBuy, Status: db.StatusFilled}}

	h.sc.Cycle(context.Background())
	if h.sc.State() != StateMonitoringSell {
		t.Fatalf("state %s", h.sc.State())
	}
	if h.trader.exits != 1 || len(h.trader.buys) != 0 {
		t.Fatalf("exits=%d buys=%d", h.trader.exits, len(h.trader.buys))
	}
	if !hasLog(h.sc.Status(0).Logs, journal.LevelInfo, "IDLE -> MONITORING_SELL") {
		t.Fatal("missing state change log")
	}
}

func TestKlineRetries(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		h := newHarness(t, false)
		h.market.failures = 2
		h.sc.Cycle(context.Background())
		if h.market.Calls() != 3 {
			t.Fatalf("calls %d", h.market.Calls())
		}
		if h.sc.State() != StateSearchingBuy {
			t.Fatalf("state %s", h.sc.State())
		}
	})
	t.Run("exhausted", func(t *testing.T) {
		h := newHarness(t, true)
		h.market.failures = 5
		h.sc.Cycle(context.Background())
		if h.market.Calls() != 3 {
			t.Fatalf("calls %d", h.market.Calls())
		}
		if h.positions.calls != 0 || len(h.trader.buys) != 0 {
			t.Fatal("cycle should be skipped")
		}
		if !hasLog(h.sc.Status(0).Logs, journal.LevelWarning, "3 intentos") {
			t.Fatal("missing warning")
		}
	})
}

func TestStateCheckFailureKeepsPreviousState(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.sc.Cycle(ctx)
	if h.sc.State() != StateSearchingBuy {
		t.Fatalf("state %s", h.sc.State())
	}

	h.positions.err = errors.New("database is locked")
	h.positions.calls = 0
	h.sc.Cycle(ctx)
	if h.positions.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.positions.calls)
	}
	if h.sc.State() != StateSearchingBuy {
		t.Fatalf("state %s", h.sc.State())
	}
	if !hasLog(h.sc.Status(0).Logs, journal.LevelError, "database is locked") {
		t.Fatal("missing error log")
	}
}

func TestNotReadyLogsWarning(t *testing.T) {
	h := newHarness(t, false)
	h.sc.deps.Readiness = fixedReadiness{readiness.Snapshot{Reasons: []string{readiness.ReasonNoEnabledKeys}}}
	h.sc.Cycle(context.Background())
	if !hasLog(h.sc.Status(0).Logs, journal.LevelWarning, readiness.ReasonNoEnabledKeys) {
		t.Fatal("missing readiness warning")
	}
	if h.sc.Readiness().AutoReady {
		t.Fatal("readiness not cached")
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.sc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// Cancelling the start context does not stop the loop.
	cancel()
	if err := h.sc.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.market.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop never scanned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !h.sc.Running() {
		t.Fatal("scanner should be running")
	}

	select {
	case <-h.sc.Stop():
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop")
	}
	st := h.sc.Status(0)
	if st.IsRunning || st.State != StateIdle {
		t.Fatalf("unexpected status after stop: %+v", st)
	}
	last := st.Logs[len(st.Logs)-1]
	if last.Message != i18n.M().ScannerStopped {
		t.Fatalf("last entry %q", last.Message)
	}

	// Entries after stop are dropped.
	h.sc.Journal().Log(journal.LevelInfo, "late", nil)
	if n := len(h.sc.Status(0).Logs); n != len(st.Logs) {
		t.Fatalf("late entry stored")
	}

	if err := h.sc.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	<-h.sc.Stop()
}

func TestStopIdleScanner(t *testing.T) {
	h := newHarness(t, false)
	select {
	case <-h.sc.Stop():
	default:
		t.Fatal("stop of an idle scanner should return a closed channel")
	}
}

func TestConfigPresets(t *testing.T) {
	c30, err := DefaultConfig("BTCUSDT", "30m", "mainnet")
	if err != nil || c30.ScanInterval != 1800*time.Second || c30.AlertCooldown != 300*time.Second {
		t.Fatalf("30m: %+v %v", c30, err)
	}
	c4h, err := DefaultConfig("BTCUSDT", "4h", "testnet")
	if err != nil || c4h.ScanInterval != time.Hour || c4h.Params.Window != pattern.Params4h.Window {
		t.Fatalf("4h: %+v %v", c4h, err)
	}
	if _, err := DefaultConfig("BTCUSDT", "1d", "mainnet"); err == nil {
		t.Fatal("expected unsupported timeframe")
	}

	cfg, err := FromDef(config.ScannerDef{Symbol: "ETHUSDT", Timeframe: "30m", Env: "testnet", AlertCooldownSeconds: 60, ScanIntervalSeconds: 10})
	if err != nil || cfg.AlertCooldown != time.Minute || cfg.ScanInterval != 10*time.Second || cfg.Env != "testnet" {
		t.Fatalf("from def: %+v %v", cfg, err)
	}
}
