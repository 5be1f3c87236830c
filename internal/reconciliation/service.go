package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"reversal-core/internal/journal"
	"reversal-core/pkg/db"
	"reversal-core/pkg/exchanges/common"
	"reversal-core/pkg/i18n"
)

const (
	// DefaultTradeLimit is how many recent trades are pulled per api key.
	DefaultTradeLimit = 200
	// DefaultPendingGrace is how old a PENDING BUY must be before the
	// exchange is asked what became of it.
	DefaultPendingGrace = 2 * time.Minute
)

// ReasonOrderNotFound marks a PENDING BUY the exchange never accepted.
const ReasonOrderNotFound = "ORDER_NOT_FOUND"

// Exchange is the part of the gateway used here.
type Exchange interface {
	FetchMyTrades(ctx context.Context, apiKeyID, symbol string, limit int) ([]common.Trade, error)
	QueryOrder(ctx context.Context, apiKeyID, symbol, clientOrderID string) (common.OrderResult, error)
}

// Publisher records trading events.
type Publisher interface {
	Publish(ctx context.Context, e db.TradingEvent) (string, error)
}

// Service settles BUYs whose placement outcome was lost and closes local
// positions that were sold outside the engine.
type Service struct {
	repo       db.Repository
	exchange   Exchange
	pub        Publisher
	sink       journal.Sink
	tradeLimit int
	grace      time.Duration
	now        func() time.Time
	mu         sync.Mutex
}

// Report summarises one run.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Resolved  int       `json:"resolved"`
	Checked   int       `json:"checked"`
	Closed    int       `json:"closed"`
	Errors    int       `json:"errors"`
}

// NewService builds a reconciler; sink may be nil.
func NewService(repo db.Repository, exchange Exchange, pub Publisher, sink journal.Sink) *Service {
	if sink == nil {
		sink = journal.Discard{}
	}
	return &Service{
		repo:       repo,
		exchange:   exchange,
		pub:        pub,
		sink:       sink,
		tradeLimit: DefaultTradeLimit,
		grace:      DefaultPendingGrace,
		now:        time.Now,
	}
}

// WithClock replaces the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SetPendingGrace overrides DefaultPendingGrace.
func (s *Service) SetPendingGrace(d time.Duration) {
	if d > 0 {
		s.grace = d
	}
}

// SetTradeLimit overrides DefaultTradeLimit.
func (s *Service) SetTradeLimit(n int) {
	if n > 0 {
		s.tradeLimit = n
	}
}

// ResolvePending asks the exchange, by client order id, what became of every
// PENDING BUY older than the grace period and records the answer. Orders the
// exchange does not know are REJECTED; orders still working stay PENDING.
func (s *Service) ResolvePending(ctx context.Context, keys []db.APIKeyConfig, symbol string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.each(ctx, keys, symbol, s.resolveKey)
}

// Run resolves stale PENDING BUYs and then checks every open BUY of keys on
// symbol against the recent trade history. A SELL trade later than the BUY
// closes it with EXTERNAL_SELL. Running twice against the same history
// closes nothing new.
func (s *Service) Run(ctx context.Context, keys []db.APIKeyConfig, symbol string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.each(ctx, keys, symbol, func(ctx context.Context, key db.APIKeyConfig, symbol string, report *Report) error {
		if err := s.resolveKey(ctx, key, symbol, report); err != nil {
			return err
		}
		return s.reconcileKey(ctx, key, symbol, report)
	})
}

type keyStep func(ctx context.Context, key db.APIKeyConfig, symbol string, report *Report) error

func (s *Service) each(ctx context.Context, keys []db.APIKeyConfig, symbol string, step keyStep) (Report, error) {
	report := Report{Timestamp: s.now().UTC()}
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := step(ctx, key, symbol, &report); err != nil {
			report.Errors++
			errs = append(errs, fmt.Errorf("api key %s: %w", key.ID, err))
			s.sink.Log(journal.LevelWarning, fmt.Sprintf(i18n.M().ReconFailed, key.ID, err), nil)
		}
	}
	return report, errors.Join(errs...)
}

func (s *Service) reconcileKey(ctx context.Context, key db.APIKeyConfig, symbol string, report *Report) error {
	buys, err := s.repo.GetOpenPositionsAll(ctx, []string{key.ID}, symbol)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	if len(buys) == 0 {
		return nil
	}
	trades, err := s.exchange.FetchMyTrades(ctx, key.ID, symbol, s.tradeLimit)
	if err != nil {
		return fmt.Errorf("fetch trades: %w", err)
	}
	sells := make([]common.Trade, 0, len(trades))
	for _, t := range trades {
		if !t.IsBuyer && t.Symbol == symbol {
			sells = append(sells, t)
		}
	}
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Time.Before(sells[j].Time) })

	for _, buy := range buys {
		report.Checked++
		trade, ok := firstSellAfter(sells, buy.CreatedAt)
		if !ok {
			continue
		}
		closed, err := s.closeExternally(ctx, key, buy, trade)
		if err != nil {
			return err
		}
		if closed {
			report.Closed++
		}
	}
	return nil
}

func firstSellAfter(sells []common.Trade, t time.Time) (common.Trade, bool) {
	for _, s := range sells {
		if s.Time.After(t) {
			return s, true
		}
	}
	return common.Trade{}, false
}

func (s *Service) closeExternally(ctx context.Context, key db.APIKeyConfig, buy db.Order, trade common.Trade) (bool, error) {
	executedAt := trade.Time.UTC()
	sell := db.Order{
		UserID:          buy.UserID,
		APIKeyID:        buy.APIKeyID,
		Symbol:          buy.Symbol,
		Side:            db.SideSell,
		Type:            string(common.OrderTypeMarket),
		Quantity:        trade.Qty,
		ExecutedPrice:   trade.Price,
		ExecutedQty:     trade.Qty,
		Commission:      trade.Commission,
		CommissionAsset: trade.CommissionAsset,
		Status:          db.StatusFilled,
		ExchangeOrderID: trade.OrderID,
		Reason:          db.ReasonExternalSell,
		ParentOrderID:   buy.ID,
		CreatedAt:       s.now().UTC(),
		ExecutedAt:      &executedAt,
	}
	ctx, cancel := settleContext(ctx)
	defer cancel()
	sellID, err := s.repo.CompleteExit(ctx, sell, []string{buy.ID})
	if errors.Is(err, db.ErrAlreadyClosed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record external sell for %s: %w", buy.ID, err)
	}

	s.sink.Log(journal.LevelAlert, fmt.Sprintf(i18n.M().ReconClosed, buy.ID, trade.ID), map[string]any{
		"buy_order_id":  buy.ID,
		"sell_order_id": sellID,
		"trade_id":      trade.ID,
		"price":         trade.Price,
		"qty":           trade.Qty,
	})
	if s.pub != nil {
		_, err := s.pub.Publish(ctx, db.TradingEvent{
			Kind:        db.EventSellFilled,
			OrderID:     sellID,
			UserID:      key.UserID,
			APIKeyID:    key.ID,
			Symbol:      buy.Symbol,
			Side:        db.SideSell,
			Quantity:    trade.Qty,
			Price:       trade.Price,
			QuoteAmount: trade.Price * trade.Qty,
			Source:      db.SourceReconciliation,
			Extra: map[string]any{
				"reason":       db.ReasonExternalSell,
				"buy_order_id": buy.ID,
				"trade_id":     trade.ID,
			},
		})
		if err != nil {
			s.sink.Log(journal.LevelError, fmt.Sprintf(i18n.M().ReconFailed, key.ID, err), nil)
		}
	}
	return true, nil
}
