package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reversal-core/internal/journal"
	"reversal-core/pkg/db"
	"reversal-core/pkg/exchanges/common"
	"reversal-core/pkg/i18n"
)

// settleTimeout bounds the writes that record an exchange outcome. They run
// detached from the caller so a shutdown cannot split the order row from its
// event.
const settleTimeout = 10 * time.Second

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (s *Service) resolveKey(ctx context.Context, key db.APIKeyConfig, symbol string, report *Report) error {
	pending, err := s.repo.GetPendingBuys(ctx, []string{key.ID}, symbol, s.now().Add(-s.grace))
	if err != nil {
		return fmt.Errorf("load pending buys: %w", err)
	}
	for _, o := range pending {
		resolved, err := s.resolve(ctx, key, o)
		if err != nil {
			return err
		}
		if resolved {
			report.Resolved++
		}
	}
	return nil
}

// resolve reports whether o left PENDING.
func (s *Service) resolve(ctx context.Context, key db.APIKeyConfig, o db.Order) (bool, error) {
	if o.ClientOrderID == "" {
		return s.reject(ctx, o, ReasonOrderNotFound)
	}
	res, err := s.exchange.QueryOrder(ctx, key.ID, o.Symbol, o.ClientOrderID)
	switch {
	case common.IsOrderNotFound(err):
		return s.reject(ctx, o, ReasonOrderNotFound)
	case err != nil:
		return false, fmt.Errorf("query order %s: %w", o.ID, err)
	}

	working := res.Status == common.StatusNew || res.Status == common.StatusUnknown
	switch {
	case res.Status == common.StatusFilled && res.ExecutedQty > 0:
		return s.fill(ctx, key, o, res, db.StatusFilled)
	case res.ExecutedQty > 0 && !working:
		return s.fill(ctx, key, o, res, db.StatusPartiallyFilled)
	case res.Status == common.StatusCanceled, res.Status == common.StatusRejected, res.Status == common.StatusExpired:
		return s.reject(ctx, o, "order status "+string(res.Status))
	}
	return false, nil
}

func (s *Service) reject(ctx context.Context, o db.Order, reason string) (bool, error) {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	err := s.repo.UpdateOrderStatus(ctx, o.ID, db.OrderPatch{
		Status: db.Ptr(db.StatusRejected),
		Reason: db.Ptr(reason),
	})
	if errors.Is(err, db.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reject pending buy %s: %w", o.ID, err)
	}
	s.sink.Log(journal.LevelWarning, fmt.Sprintf(i18n.M().ReconResolved, o.ID, db.StatusRejected), map[string]any{
		"order_id":        o.ID,
		"client_order_id": o.ClientOrderID,
		"reason":          reason,
	})
	return true, nil
}

func (s *Service) fill(ctx context.Context, key db.APIKeyConfig, o db.Order, res common.OrderResult, status string) (bool, error) {
	price := res.QuoteQty / res.ExecutedQty
	var commission float64
	var commissionAsset string
	for _, f := range res.Fills {
		commission += f.Commission
		if commissionAsset == "" {
			commissionAsset = f.CommissionAsset
		}
	}
	executedAt := s.now().UTC()

	ctx, cancel := settleContext(ctx)
	defer cancel()
	err := s.repo.UpdateOrderStatus(ctx, o.ID, db.OrderPatch{
		Status:          db.Ptr(status),
		ExecutedPrice:   db.Ptr(price),
		ExecutedQty:     db.Ptr(res.ExecutedQty),
		Commission:      db.Ptr(commission),
		CommissionAsset: db.Ptr(commissionAsset),
		ExchangeOrderID: db.Ptr(res.ExchangeOrderID),
		IsSplit:         db.Ptr(len(res.Fills) > 1),
		SplitFillsCount: db.Ptr(len(res.Fills)),
		ExecutedAt:      &executedAt,
	})
	if errors.Is(err, db.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record resolved buy %s (exchange order %s): %w", o.ID, res.ExchangeOrderID, err)
	}

	s.sink.Log(journal.LevelAlert, fmt.Sprintf(i18n.M().ReconResolved, o.ID, status), map[string]any{
		"order_id":          o.ID,
		"client_order_id":   o.ClientOrderID,
		"exchange_order_id": res.ExchangeOrderID,
		"price":             price,
		"qty":               res.ExecutedQty,
	})
	if s.pub != nil {
		_, err := s.pub.Publish(ctx, db.TradingEvent{
			Kind:        db.EventBuyFilled,
			OrderID:     o.ID,
			UserID:      key.UserID,
			APIKeyID:    key.ID,
			Symbol:      o.Symbol,
			Side:        db.SideBuy,
			Quantity:    res.ExecutedQty,
			Price:       price,
			QuoteAmount: res.QuoteQty,
			Source:      db.SourceReconciliation,
			Extra: map[string]any{
				"reason":            o.Reason,
				"client_order_id":   o.ClientOrderID,
				"exchange_order_id": res.ExchangeOrderID,
				"commission":        commission,
				"commission_asset":  commissionAsset,
			},
		})
		if err != nil {
			s.sink.Log(journal.LevelError, fmt.Sprintf(i18n.M().ReconFailed, key.ID, err), nil)
		}
	}
	return true, nil
}
