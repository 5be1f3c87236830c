package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"reversal-core/internal/events"
	"reversal-core/pkg/db"
	"reversal-core/pkg/exchanges/common"
)

func pendingBuy(t *testing.T, d *db.Database, key db.APIKeyConfig, clientID string, at time.Time) string {
	t.Helper()
	id, err := d.CreateOrder(context.Background(), db.Order{
		UserID: key.UserID, APIKeyID: key.ID, Symbol: "BNBUSDT", Side: db.SideBuy,
		QuoteOrderQty: 100, ClientOrderID: clientID, Reason: db.ReasonUPattern, CreatedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestResolvePending(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		order      *common.OrderResult
		wantStatus string
		wantReason string
		resolved   int
	}{
		{
			name:       "filled on the exchange",
			order:      &common.OrderResult{ExchangeOrderID: "77", Status: common.StatusFilled, ExecutedQty: 0.16, QuoteQty: 96},
			wantStatus: db.StatusFilled,
			wantReason: db.ReasonUPattern,
			resolved:   1,
		},
		{
			name:       "expired after a partial fill",
			order:      &common.OrderResult{ExchangeOrderID: "78", Status: common.StatusExpired, ExecutedQty: 0.1, QuoteQty: 60},
			wantStatus: db.StatusPartiallyFilled,
			wantReason: db.ReasonUPattern,
			resolved:   1,
		},
		{
			name:       "never reached the exchange",
			wantStatus: db.StatusRejected,
			wantReason: ReasonOrderNotFound,
			resolved:   1,
		},
		{
			name:       "expired unfilled",
			order:      &common.OrderResult{ExchangeOrderID: "79", Status: common.StatusExpired},
			wantStatus: db.StatusRejected,
			wantReason: "order status EXPIRED",
			resolved:   1,
		},
		{
			name:       "still working",
			order:      &common.OrderResult{ExchangeOrderID: "80", Status: common.StatusNew},
			wantStatus: db.StatusPending,
			wantReason: db.ReasonUPattern,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, key := setup(t)
			ctx := context.Background()
			id := pendingBuy(t, d, key, "cid", now.Add(-5*time.Minute))

			ex := &fakeTrades{orders: map[string]common.OrderResult{}}
			if tt.order != nil {
				ex.orders["cid"] = *tt.order
			}
			bus := events.NewBus()
			bought, unsub := bus.Subscribe(events.EventBuyFilled, 4)
			defer unsub()
			svc := NewService(d, ex, events.NewOutbox(d, bus), nil).WithClock(func() time.Time { return now })

			report, err := svc.ResolvePending(ctx, []db.APIKeyConfig{key}, "BNBUSDT")
			if err != nil {
				t.Fatalf("ResolvePending: %v", err)
			}
			if report.Resolved != tt.resolved {
				t.Errorf("resolved = %d, want %d", report.Resolved, tt.resolved)
			}
			o, err := d.GetOrder(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if o.Status != tt.wantStatus || o.Reason != tt.wantReason {
				t.Fatalf("order %s/%q, want %s/%q", o.Status, o.Reason, tt.wantStatus, tt.wantReason)
			}
			if !db.IsOpenStatus(tt.wantStatus) {
				if len(bought) != 0 {
					t.Errorf("no event expected, got %d", len(bought))
				}
				return
			}
			if o.ExchangeOrderID != tt.order.ExchangeOrderID || o.ExecutedQty != tt.order.ExecutedQty ||
				o.ExecutedPrice != tt.order.QuoteQty/tt.order.ExecutedQty {
				t.Errorf("unexpected execution %+v", o)
			}
			ev := (<-bought).(db.TradingEvent)
			if ev.Source != db.SourceReconciliation || ev.OrderID != id {
				t.Errorf("unexpected event %+v", ev)
			}
			rows, _ := d.PendingEvents(ctx, 10, 5)
			if len(rows) != 1 || rows[0].Kind != db.EventBuyFilled {
				t.Errorf("expected one BUY_FILLED outbox row, got %+v", rows)
			}
		})
	}
}

func TestResolvePendingWaitsForGrace(t *testing.T) {
	d, key := setup(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	id := pendingBuy(t, d, key, "cid", now.Add(-30*time.Second))

	ex := &fakeTrades{}
	svc := NewService(d, ex, nil, nil).WithClock(func() time.Time { return now })
	report, err := svc.ResolvePending(ctx, []db.APIKeyConfig{key}, "BNBUSDT")
	if err != nil || report.Resolved != 0 {
		t.Fatalf("report %+v %v", report, err)
	}
	if ex.queries != 0 {
		t.Fatalf("fresh pending buy queried %d times", ex.queries)
	}
	if o, _ := d.GetOrder(ctx, id); o.Status != db.StatusPending {
		t.Fatalf("status = %s", o.Status)
	}

	svc.SetPendingGrace(10 * time.Second)
	if report, err = svc.Run(ctx, []db.APIKeyConfig{key}, "BNBUSDT"); err != nil || report.Resolved != 1 {
		t.Fatalf("Run %+v %v", report, err)
	}
	if o, _ := d.GetOrder(ctx, id); o.Status != db.StatusRejected {
		t.Fatalf("status = %s", o.Status)
	}
}

type failingQuery struct{ fakeTrades }

func (failingQuery) QueryOrder(context.Context, string, string, string) (common.OrderResult, error) {
	return common.OrderResult{}, common.TransportError("query order", context.DeadlineExceeded)
}

func TestResolvePendingKeepsOrderOnQueryFailure(t *testing.T) {
	d, key := setup(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	id := pendingBuy(t, d, key, "cid", now.Add(-time.Hour))

	svc := NewService(d, &failingQuery{}, nil, nil).WithClock(func() time.Time { return now })
	report, err := svc.ResolvePending(ctx, []db.APIKeyConfig{key}, "BNBUSDT")
	if err == nil || report.Errors != 1 {
		t.Fatalf("expected a per key error, got %+v %v", report, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap the transport cause: %v", err)
	}
	if o, _ := d.GetOrder(ctx, id); o.Status != db.StatusPending {
		t.Fatalf("status = %s", o.Status)
	}
}

func TestResolvePendingSurvivesCanceledCaller(t *testing.T) {
	d, key := setup(t)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	id := pendingBuy(t, d, key, "cid", now.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	ex := &cancelingQuery{cancel: cancel, res: common.OrderResult{ExchangeOrderID: "81", Status: common.StatusFilled, ExecutedQty: 0.2, QuoteQty: 120}}
	svc := NewService(d, ex, events.NewOutbox(d, events.NewBus()), nil).WithClock(func() time.Time { return now })
	if _, err := svc.ResolvePending(ctx, []db.APIKeyConfig{key}, "BNBUSDT"); err != nil {
		t.Fatalf("ResolvePending: %v", err)
	}

	o, _ := d.GetOrder(context.Background(), id)
	if o.Status != db.StatusFilled || o.ExecutedPrice != 600 {
		t.Fatalf("order %+v", o)
	}
	rows, _ := d.PendingEvents(context.Background(), 10, 5)
	if len(rows) != 1 {
		t.Fatalf("expected the BUY_FILLED row, got %d", len(rows))
	}
}

// cancelingQuery cancels the caller while the exchange answers.
type cancelingQuery struct {
	fakeTrades
	cancel context.CancelFunc
	res    common.OrderResult
}

func (c *cancelingQuery) QueryOrder(context.Context, string, string, string) (common.OrderResult, error) {
	c.cancel()
	return c.res, nil
}
