package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"reversal-core/internal/journal"
	"reversal-core/internal/pattern"
	"reversal-core/pkg/db"
	"reversal-core/pkg/exchanges/common"
	"reversal-core/pkg/i18n"
)

// KeySkip records why an api key did not buy.
type KeySkip struct {
	APIKeyID string `json:"api_key_id"`
	Reason   string `json:"reason"`
}

// BuyOutcome describes one ExecuteBuy call.
type BuyOutcome struct {
	Placed        bool      `json:"placed"`
	OrderID       string    `json:"order_id,omitempty"`
	APIKeyID      string    `json:"api_key_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	ExecutedPrice float64   `json:"executed_price,omitempty"`
	ExecutedQty   float64   `json:"executed_qty,omitempty"`
	Skipped       []KeySkip `json:"skipped,omitempty"`
	// Rejected holds the order ids the exchange refused.
	Rejected []string `json:"rejected,omitempty"`
	// Unresolved holds order ids left PENDING because the placement outcome
	// is unknown. The reconciler settles them.
	Unresolved []string `json:"unresolved,omitempty"`
}

// ExecuteBuy places one MARKET BUY for the signal with the first eligible
// api key, spending its allocated quote. userID, when set, restricts the keys.
func (e *Executor) ExecuteBuy(ctx context.Context, sig pattern.Signal, userID string) (*BuyOutcome, error) {
	out := &BuyOutcome{}
	keys, err := e.enabledKeys(ctx, userID)
	if err != nil {
		return out, err
	}
	if len(keys) == 0 {
		e.log(journal.LevelWarning, i18n.M().NoEnabledKeys, e.cfg.Symbol, e.cfg.Timeframe)
		return out, nil
	}

	if e.recon != nil {
		// failures are logged by the reconciler; a PENDING BUY keeps blocking its key
		if _, err := e.recon.ResolvePending(ctx, keys, e.cfg.Symbol); err != nil && ctx.Err() != nil {
			return out, ctx.Err()
		}
	}

	filters := e.symbolFilters(ctx)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if reason := e.checkKey(ctx, key, filters); reason != "" {
			out.Skipped = append(out.Skipped, KeySkip{APIKeyID: key.ID, Reason: reason})
			e.log(journal.LevelInfo, i18n.M().BuySkipped, key.ID, reason)
			continue
		}
		placed, err := e.buyWithKey(ctx, key, filters, sig, out)
		if err != nil {
			return out, err
		}
		if placed || len(out.Unresolved) > 0 {
			return out, nil
		}
	}
	e.log(journal.LevelWarning, i18n.M().BuyNoKeyAvailable, e.cfg.Symbol)
	return out, nil
}

// checkKey returns a skip reason, or "" when the key may buy.
func (e *Executor) checkKey(ctx context.Context, key db.APIKeyConfig, filters common.SymbolInfo) string {
	pos, err := e.repo.GetOpenPosition(ctx, key.ID, e.cfg.Symbol)
	if err != nil {
		return SkipRepositoryError
	}
	if pos != nil {
		return SkipPositionOpen
	}
	if !key.CanTrade() {
		return SkipNoAllocation
	}
	if key.AllocatedQuote < filters.MinNotional {
		return SkipBelowMinNotional
	}
	balances, err := e.gw.FetchBalances(ctx, key.ID)
	if err != nil {
		if common.IsKind(err, common.KindCredentials) {
			// surfaced as a REJECTED order by buyWithKey
			return ""
		}
		e.log(journal.LevelError, i18n.M().BalanceUnavailable, key.ID, err)
		return SkipBalanceError
	}
	if balances[filters.QuoteAsset].Free < key.AllocatedQuote {
		return SkipInsufficientBalance
	}
	return ""
}

// buyWithKey creates the PENDING order, places it and records the result.
// placed is false when the order was rejected or lost a race.
func (e *Executor) buyWithKey(ctx context.Context, key db.APIKeyConfig, filters common.SymbolInfo, sig pattern.Signal, out *BuyOutcome) (bool, error) {
	clientID := strings.ReplaceAll(uuid.NewString(), "-", "")
	orderID, err := e.repo.CreateOrder(ctx, db.Order{
		UserID:        key.UserID,
		APIKeyID:      key.ID,
		Symbol:        e.cfg.Symbol,
		Side:          db.SideBuy,
		Type:          string(common.OrderTypeMarket),
		QuoteOrderQty: key.AllocatedQuote,
		Status:        db.StatusPending,
		ClientOrderID: clientID,
		Reason:        db.ReasonUPattern,
		CreatedAt:     e.now().UTC(),
	})
	if errors.Is(err, db.ErrPositionOpen) {
		out.Skipped = append(out.Skipped, KeySkip{APIKeyID: key.ID, Reason: SkipPositionOpen})
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create buy order: %w", err)
	}

	res, err := e.gw.PlaceOrder(ctx, key.ID, common.OrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          common.SideBuy,
		Type:          common.OrderTypeMarket,
		QuoteOrderQty: key.AllocatedQuote,
		ClientID:      clientID,
	})
	if err == nil && res.Status != common.StatusFilled && res.Status != common.StatusPartial {
		err = &common.Error{Kind: common.KindExchange, Op: "place order", Msg: "order status " + string(res.Status)}
	}
	if common.OutcomeUnknown(err) {
		out.Unresolved = append(out.Unresolved, orderID)
		e.logDetails(journal.LevelWarning, map[string]any{
			"order_id":        orderID,
			"api_key_id":      key.ID,
			"client_order_id": clientID,
		}, i18n.M().BuyUnresolved, orderID, err)
		return false, nil
	}

	ctx, cancel := settleContext(ctx)
	defer cancel()
	if err != nil {
		reason := common.Message(err)
		if common.IsKind(err, common.KindCredentials) {
			reason = db.ReasonNoCredentials
		}
		if uerr := e.repo.UpdateOrderStatus(ctx, orderID, db.OrderPatch{
			Status: db.Ptr(db.StatusRejected),
			Reason: db.Ptr(reason),
		}); uerr != nil {
			return false, fmt.Errorf("reject buy %s: %w", orderID, uerr)
		}
		out.Rejected = append(out.Rejected, orderID)
		e.logDetails(journal.LevelError, map[string]any{
			"order_id":   orderID,
			"api_key_id": key.ID,
			"error_kind": string(common.KindOf(err)),
		}, i18n.M().BuyRejected, reason)
		return false, nil
	}

	ex := aggregateFills(res)
	status := db.StatusFilled
	if res.Status == common.StatusPartial {
		status = db.StatusPartiallyFilled
	}
	executedAt := e.now().UTC()
	patch := db.OrderPatch{
		Status:          db.Ptr(status),
		ExecutedPrice:   db.Ptr(ex.Price),
		ExecutedQty:     db.Ptr(ex.Qty),
		Commission:      db.Ptr(ex.Commission),
		CommissionAsset: db.Ptr(ex.CommissionAsset),
		ExchangeOrderID: db.Ptr(res.ExchangeOrderID),
		IsSplit:         db.Ptr(ex.IsSplit),
		SplitFillsCount: db.Ptr(ex.FillsCount),
		ExecutedAt:      &executedAt,
	}
	if err := e.repo.UpdateOrderStatus(ctx, orderID, patch); err != nil {
		return false, fmt.Errorf("record filled buy %s (exchange order %s): %w", orderID, res.ExchangeOrderID, err)
	}

	out.Placed = true
	out.OrderID = orderID
	out.APIKeyID = key.ID
	out.Status = status
	out.ExecutedPrice = ex.Price
	out.ExecutedQty = ex.Qty

	e.logDetails(journal.LevelTrade, map[string]any{
		"order_id":          orderID,
		"exchange_order_id": res.ExchangeOrderID,
		"is_split":          ex.IsSplit,
		"fills":             ex.FillsCount,
	}, i18n.M().BuyExecuted, ex.Qty, filters.BaseAsset, ex.Price, orderID)

	if e.pub != nil {
		_, err := e.pub.Publish(ctx, db.TradingEvent{
			Kind:        db.EventBuyFilled,
			OrderID:     orderID,
			UserID:      key.UserID,
			APIKeyID:    key.ID,
			Symbol:      e.cfg.Symbol,
			Side:        db.SideBuy,
			Quantity:    ex.Qty,
			Price:       ex.Price,
			QuoteAmount: ex.Price * ex.Qty,
			Source:      db.SourceExecutor,
			Extra: map[string]any{
				"reason":            db.ReasonUPattern,
				"timeframe":         e.cfg.Timeframe,
				"entry_price":       sig.EntryPrice,
				"strength":          sig.Strength,
				"depth":             sig.Depth,
				"commission":        ex.Commission,
				"commission_asset":  ex.CommissionAsset,
				"is_split":          ex.IsSplit,
				"split_fills_count": ex.FillsCount,
			},
		})
		if err != nil {
			e.log(journal.LevelError, "%v", err)
		}
	}
	return true, nil
}
