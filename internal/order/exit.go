package order

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"reversal-core/internal/journal"
	"reversal-core/internal/risk"
	"reversal-core/pkg/db"
	"reversal-core/pkg/exchanges/common"
	"reversal-core/pkg/i18n"
)

// ExitReport summarises one CheckAndExecuteExits pass.
type ExitReport struct {
	Reconciled int          `json:"reconciled"`
	Positions  int          `json:"positions"`
	InCooldown int          `json:"in_cooldown"`
	Held       int          `json:"held"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Exits      []ExitResult `json:"exits,omitempty"`
}

// ExitResult is a recorded SELL.
type ExitResult struct {
	SellOrderID string   `json:"sell_order_id"`
	BuyOrderIDs []string `json:"buy_order_ids"`
	Reason      string   `json:"reason"`
	Price       float64  `json:"price"`
	Qty         float64  `json:"qty"`
	PnLQuote    float64  `json:"pnl_quote"`
	PnLPct      float64  `json:"pnl_pct"`
}

// position is one open BUY, or several legacy BUYs sharing an exchange order id.
type position struct {
	key       db.APIKeyConfig
	buys      []db.Order
	entry     float64
	qty       float64
	openedAt  time.Time
	lastBuyAt time.Time
}

func (p position) buyIDs() []string {
	ids := make([]string, len(p.buys))
	for i, b := range p.buys {
		ids[i] = b.ID
	}
	return ids
}

// CheckAndExecuteExits reconciles against the exchange and then sells every
// open position whose exit rule fired.
func (e *Executor) CheckAndExecuteExits(ctx context.Context) (*ExitReport, error) {
	report := &ExitReport{}
	keys, err := e.enabledKeys(ctx, "")
	if err != nil {
		return report, err
	}
	if len(keys) == 0 {
		return report, nil
	}

	if e.recon != nil {
		rep, err := e.recon.Run(ctx, keys, e.cfg.Symbol)
		report.Reconciled = rep.Closed
		if err != nil {
			// per key failures were logged by the reconciler
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
		}
	}

	ids := make([]string, len(keys))
	byID := make(map[string]db.APIKeyConfig, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
		byID[k.ID] = k
	}
	start := time.Now()
	open, err := e.repo.GetOpenPositionsAll(ctx, ids, e.cfg.Symbol)
	e.observe(start)
	if err != nil {
		return report, fmt.Errorf("load open positions: %w", err)
	}

	positions := groupPositions(open, byID)
	report.Positions = len(positions)
	for _, p := range positions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		e.evaluate(ctx, p, report)
	}
	return report, nil
}

// groupPositions groups BUYs by api key and exchange order id, preserving order.
func groupPositions(open []db.Order, keys map[string]db.APIKeyConfig) []position {
	index := make(map[string]int)
	var out []position
	for _, o := range open {
		group := o.APIKeyID + "/" + o.ExchangeOrderID
		if o.ExchangeOrderID == "" {
			group = "order/" + o.ID
		}
		i, ok := index[group]
		if !ok {
			i = len(out)
			index[group] = i
			out = append(out, position{key: keys[o.APIKeyID]})
		}
		out[i].buys = append(out[i].buys, o)
	}
	for i := range out {
		p := &out[i]
		prices := make([]float64, len(p.buys))
		qtys := make([]float64, len(p.buys))
		for j, b := range p.buys {
			prices[j], qtys[j] = b.ExecutedPrice, b.ExecutedQty
			created := b.CreatedAt
			filled := created
			if b.ExecutedAt != nil && b.ExecutedAt.After(created) {
				filled = *b.ExecutedAt
			}
			if p.openedAt.IsZero() || created.Before(p.openedAt) {
				p.openedAt = created
			}
			if filled.After(p.lastBuyAt) {
				p.lastBuyAt = filled
			}
		}
		p.entry, p.qty = weightedEntry(prices, qtys)
	}
	return out
}

func (e *Executor) evaluate(ctx context.Context, p position, report *ExitReport) {
	m := i18n.M()
	now := e.now()
	label := p.buys[0].ID

	if since := now.Sub(p.lastBuyAt); since < e.cfg.Rules.PostBuyCooldown {
		report.InCooldown++
		remaining := e.cfg.Rules.PostBuyCooldown - since
		e.log(journal.LevelInfo, m.PositionCooldown, label, int(math.Ceil(remaining.Seconds())))
		return
	}

	price, err := e.gw.FetchTickerPrice(ctx, e.cfg.Symbol)
	if err != nil || price <= 0 {
		report.Failed++
		e.log(journal.LevelError, m.PriceUnavailable, e.cfg.Symbol, err)
		return
	}

	decision := e.cfg.Rules.Evaluate(risk.Position{
		EntryPrice:   p.entry,
		Quantity:     p.qty,
		CurrentPrice: price,
		OpenedAt:     p.openedAt,
		LastBuyAt:    p.lastBuyAt,
	}, now)
	if !decision.Exit {
		report.Held++
		e.log(journal.LevelInfo, m.PositionHeld, label, decision.PnLPct*100, price)
		return
	}
	e.log(journal.LevelAlert, m.ExitTriggered, decision.Reason, decision.PnLPct*100)

	filters := e.symbolFilters(ctx)
	balances, err := e.gw.FetchBalances(ctx, p.key.ID)
	if err != nil {
		report.Failed++
		e.log(journal.LevelError, m.BalanceUnavailable, p.key.ID, err)
		return
	}
	sellable := math.Min(balances[filters.BaseAsset].Free, p.qty)
	req, ok := normalizeSell(sellable, price, filters)
	if !ok {
		report.Skipped++
		e.logDetails(journal.LevelError, map[string]any{
			"min_qty":      filters.MinQty,
			"step_size":    filters.StepSize,
			"min_notional": filters.MinNotional,
		}, m.ExitBelowFilters, sellable, e.cfg.Symbol)
		return
	}
	clientID := uuid.NewString()
	req.Symbol = e.cfg.Symbol
	req.Side = common.SideSell
	req.Type = common.OrderTypeMarket
	req.ClientID = clientID

	res, err := e.gw.PlaceOrder(ctx, p.key.ID, req)
	if err == nil && res.Status != common.StatusFilled && res.Status != common.StatusPartial {
		err = &common.Error{Kind: common.KindExchange, Op: "place order", Msg: "order status " + string(res.Status)}
	}
	if err != nil {
		report.Failed++
		e.logDetails(journal.LevelError, map[string]any{
			"api_key_id":      p.key.ID,
			"client_order_id": clientID,
			"error_kind":      string(common.KindOf(err)),
		}, m.SellFailed, e.cfg.Symbol, err)
		return
	}

	ex := aggregateFills(res)
	pnlQuote, pnlPct := realizedPnL(p.entry, p.qty, ex, filters.QuoteAsset)
	status := db.StatusFilled
	if res.Status == common.StatusPartial {
		status = db.StatusPartiallyFilled
	}
	executedAt := now.UTC()
	sell := db.Order{
		UserID:          p.buys[0].UserID,
		APIKeyID:        p.key.ID,
		Symbol:          e.cfg.Symbol,
		Side:            db.SideSell,
		Type:            string(common.OrderTypeMarket),
		Quantity:        req.Quantity,
		QuoteOrderQty:   req.QuoteOrderQty,
		ExecutedPrice:   ex.Price,
		ExecutedQty:     ex.Qty,
		Commission:      ex.Commission,
		CommissionAsset: ex.CommissionAsset,
		Status:          status,
		ExchangeOrderID: res.ExchangeOrderID,
		ClientOrderID:   clientID,
		Reason:          decision.Reason,
		ParentOrderID:   p.buys[0].ID,
		IsSplit:         ex.IsSplit,
		SplitFillsCount: ex.FillsCount,
		PnLQuote:        db.Ptr(pnlQuote),
		PnLPct:          db.Ptr(pnlPct),
		CreatedAt:       executedAt,
		ExecutedAt:      &executedAt,
	}
	buyIDs := p.buyIDs()
	ctx, cancel := settleContext(ctx)
	defer cancel()
	start := time.Now()
	sellID, err := e.repo.CompleteExit(ctx, sell, buyIDs)
	e.observe(start)
	if err != nil {
		report.Failed++
		e.log(journal.LevelError, m.ExitRecordFailed, e.cfg.Symbol, err)
		return
	}

	report.Exits = append(report.Exits, ExitResult{
		SellOrderID: sellID,
		BuyOrderIDs: buyIDs,
		Reason:      decision.Reason,
		Price:       ex.Price,
		Qty:         ex.Qty,
		PnLQuote:    pnlQuote,
		PnLPct:      pnlPct,
	})
	e.logDetails(journal.LevelTrade, map[string]any{
		"sell_order_id": sellID,
		"buy_order_ids": buyIDs,
		"reason":        decision.Reason,
	}, m.SellExecuted, decision.Reason, ex.Qty, filters.BaseAsset, ex.Price, pnlQuote, pnlPct)

	if e.pub != nil {
		_, err := e.pub.Publish(ctx, db.TradingEvent{
			Kind:        db.EventSellFilled,
			OrderID:     sellID,
			UserID:      sell.UserID,
			APIKeyID:    p.key.ID,
			Symbol:      e.cfg.Symbol,
			Side:        db.SideSell,
			Quantity:    ex.Qty,
			Price:       ex.Price,
			QuoteAmount: ex.Price * ex.Qty,
			PnLQuote:    db.Ptr(pnlQuote),
			PnLPct:      db.Ptr(pnlPct),
			Source:      db.SourceExecutor,
			Extra: map[string]any{
				"reason":           decision.Reason,
				"entry_price":      p.entry,
				"position_qty":     p.qty,
				"buy_order_ids":    buyIDs,
				"commission":       ex.Commission,
				"commission_asset": ex.CommissionAsset,
				"hold_seconds":     int64(decision.Age.Seconds()),
			},
		})
		if err != nil {
			e.log(journal.LevelError, "%v", err)
		}
	}
}

// realizedPnL nets the sell commission when it was charged in the quote
// asset. A base asset commission is already reflected in the sold quantity.
// pct is expressed in percent of the invested amount.
func realizedPnL(entry, qty float64, sell Execution, quoteAsset string) (pnl, pct float64) {
	invested := entry * qty
	proceeds := sell.Price * sell.Qty
	if sell.CommissionAsset == quoteAsset {
		proceeds -= sell.Commission
	}
	pnl = proceeds - invested
	if invested > 0 {
		pct = pnl / invested * 100
	}
	return pnl, pct
}
