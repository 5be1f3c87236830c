package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"reversal-core/internal/events"
	"reversal-core/internal/journal"
	"reversal-core/internal/monitor"
	"reversal-core/internal/readiness"
	"reversal-core/internal/scanner"
	"reversal-core/internal/supervisor"
	"reversal-core/pkg/db"
)

type fakeController struct {
	mu       sync.Mutex
	running  map[supervisor.Triple]bool
	logLimit int
	priceErr error
}

func (f *fakeController) Start(_ context.Context, t supervisor.Triple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[t] {
		return supervisor.ErrAlreadyRunning
	}
	f.running[t] = true
	return nil
}

func (f *fakeController) Stop(_ context.Context, t supervisor.Triple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[t] {
		return supervisor.ErrNotRunning
	}
	delete(f.running, t)
	return nil
}

func (f *fakeController) Status(t supervisor.Triple) scanner.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := scanner.Status{Symbol: t.Symbol, Timeframe: t.Timeframe, Env: t.Env, State: scanner.StateIdle, Logs: []journal.Entry{}}
	if f.running[t] {
		st.IsRunning = true
		st.State = scanner.StateSearchingBuy
	}
	return st
}

func (f *fakeController) List() []scanner.Status {
	f.mu.Lock()
	triples := make([]supervisor.Triple, 0, len(f.running))
	for t := range f.running {
		triples = append(triples, t)
	}
	f.mu.Unlock()
	out := make([]scanner.Status, 0, len(triples))
	for _, t := range triples {
		out = append(out, f.Status(t))
	}
	return out
}

func (f *fakeController) Logs(_ supervisor.Triple, limit int) []journal.Entry {
	f.mu.Lock()
	f.logLimit = limit
	f.mu.Unlock()
	return []journal.Entry{{Level: journal.LevelInfo, Message: "Scanner iniciado"}}
}

func (f *fakeController) Readiness(_ context.Context, t supervisor.Triple) readiness.Snapshot {
	return readiness.Snapshot{AutoReady: false, Reasons: []string{readiness.ReasonNoEnabledKeys}}
}

func (f *fakeController) CurrentPrice(_ context.Context, _ supervisor.Triple) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return 100000, nil
}

type testEnv struct {
	server *httptest.Server
	ctrl   *fakeController
	db     *db.Database
	bus    *events.Bus
}

func newTestAPIServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	ctrl := &fakeController{running: make(map[supervisor.Triple]bool)}
	bus := events.NewBus()
	server := NewServer(ctrl, database, bus, monitor.NewSystemMetrics(), SystemMeta{
		DryRun:   true,
		DBDriver: "sqlite",
		Envs:     []string{"mainnet"},
		Version:  "test",
	}, zerolog.Nop())

	httpServer := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		httpServer.Close()
		_ = database.Close()
	})
	return &testEnv{server: httpServer, ctrl: ctrl, db: database, bus: bus}
}

func doRequest(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndRequestID(t *testing.T) {
	env := newTestAPIServer(t)
	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestScannerLifecycleRoutes(t *testing.T) {
	env := newTestAPIServer(t)
	base := env.server.URL + "/api/scanners/btcusdt/30m/mainnet"

	var st scanner.Status
	if code := doRequest(t, http.MethodPost, base+"/start", &st); code != http.StatusOK {
		t.Fatalf("start status %d", code)
	}
	if !st.IsRunning || st.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected status %+v", st)
	}

	var apiErr map[string]string
	if code := doRequest(t, http.MethodPost, base+"/start", &apiErr); code != http.StatusConflict || apiErr["code"] != "ALREADY_RUNNING" {
		t.Fatalf("second start: %d %v", code, apiErr)
	}

	var list []scanner.Status
	if code := doRequest(t, http.MethodGet, env.server.URL+"/api/scanners", &list); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %+v", code, list)
	}

	if code := doRequest(t, http.MethodPost, base+"/stop", &st); code != http.StatusOK || st.IsRunning {
		t.Fatalf("stop: %d %+v", code, st)
	}
	if code := doRequest(t, http.MethodPost, base+"/stop", &apiErr); code != http.StatusConflict || apiErr["code"] != "NOT_RUNNING" {
		t.Fatalf("second stop: %d %v", code, apiErr)
	}
	if code := doRequest(t, http.MethodGet, base+"/status", &st); code != http.StatusOK || st.State != scanner.StateIdle {
		t.Fatalf("status: %d %+v", code, st)
	}
}

func TestInvalidTriple(t *testing.T) {
	env := newTestAPIServer(t)
	var apiErr map[string]string
	code := doRequest(t, http.MethodPost, env.server.URL+"/api/scanners/BTCUSDT/1h/mainnet/start", &apiErr)
	if code != http.StatusBadRequest || apiErr["code"] != "INVALID_SCANNER" {
		t.Fatalf("got %d %v", code, apiErr)
	}
}

func TestLogsReadinessAndPrice(t *testing.T) {
	env := newTestAPIServer(t)
	base := env.server.URL + "/api/scanners/ETHUSDT/4h/testnet"

	var logs []journal.Entry
	if code := doRequest(t, http.MethodGet, base+"/logs?limit=5000", &logs); code != http.StatusOK || len(logs) != 1 {
		t.Fatalf("logs: %d %+v", code, logs)
	}
	env.ctrl.mu.Lock()
	limit := env.ctrl.logLimit
	env.ctrl.mu.Unlock()
	if limit != 1000 {
		t.Fatalf("limit not clamped: %d", limit)
	}

	var snap readiness.Snapshot
	if code := doRequest(t, http.MethodGet, base+"/readiness", &snap); code != http.StatusOK || snap.AutoReady || len(snap.Reasons) != 1 {
		t.Fatalf("readiness: %d %+v", code, snap)
	}

	var price map[string]any
	if code := doRequest(t, http.MethodGet, base+"/price", &price); code != http.StatusOK || price["price"] != 100000.0 {
		t.Fatalf("price: %d %v", code, price)
	}
	env.ctrl.mu.Lock()
	env.ctrl.priceErr = errors.New("ticker timeout")
	env.ctrl.mu.Unlock()
	if code := doRequest(t, http.MethodGet, base+"/price", &price); code != http.StatusBadGateway {
		t.Fatalf("price error status %d", code)
	}
}

func TestGetOrders(t *testing.T) {
	env := newTestAPIServer(t)
	ctx := context.Background()

	keyID, err := env.db.CreateAPIKey(ctx, db.NewAPIKey{UserID: "u1", Key: "k", Secret: "s"})
	if err != nil {
		t.Fatal(err)
	}
	id, err := env.db.CreateOrder(ctx, db.Order{UserID: "u1", APIKeyID: keyID, Symbol: "BTCUSDT", Side: db.SideBuy, QuoteOrderQty: 200})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.UpdateOrderStatus(ctx, id, db.OrderPatch{Status: db.Ptr(db.StatusFilled), ExecutedPrice: db.Ptr(100050.0), ExecutedQty: db.Ptr(0.001999)}); err != nil {
		t.Fatal(err)
	}

	var apiErr map[string]string
	if code := doRequest(t, http.MethodGet, env.server.URL+"/api/orders", &apiErr); code != http.StatusBadRequest || apiErr["code"] != "USER_ID_REQUIRED" {
		t.Fatalf("missing user: %d %v", code, apiErr)
	}

	var orders []map[string]any
	if code := doRequest(t, http.MethodGet, env.server.URL+"/api/orders?user_id=u1&hours=1", &orders); code != http.StatusOK {
		t.Fatalf("orders status %d", code)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders", len(orders))
	}
	o := orders[0]
	if o["id"] != id || o["status"] != db.StatusFilled || o["executed_price"] != 100050.0 || o["pnl_pct"] != nil {
		t.Fatalf("unexpected order %v", o)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	env := newTestAPIServer(t)
	var snap monitor.MetricsSnapshot
	if code := doRequest(t, http.MethodGet, env.server.URL+"/api/metrics", &snap); code != http.StatusOK {
		t.Fatalf("metrics status %d", code)
	}

	resp, err := http.Get(env.server.URL + "/api/metrics/prom")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "reversal_scans_total 0") {
		t.Fatalf("unexpected exposition:\n%s", body)
	}

	var status map[string]any
	if code := doRequest(t, http.MethodGet, env.server.URL+"/api/system/status", &status); code != http.StatusOK || status["running_scanners"] != 0.0 {
		t.Fatalf("system status: %d %v", code, status)
	}
}

func TestWebsocketStreamsFills(t *testing.T) {
	env := newTestAPIServer(t)
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Subscription happens after the upgrade; publish until the client sees it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.bus.Publish(events.EventBuyFilled, db.TradingEvent{ID: "e1", Kind: db.EventBuyFilled, Symbol: "BTCUSDT", Price: 100050})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != string(events.EventBuyFilled) || msg.Data["symbol"] != "BTCUSDT" || msg.Data["pnl_pct"] != nil {
		t.Fatalf("unexpected message %+v", msg)
	}
}
