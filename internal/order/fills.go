package order

import (
	"github.com/shopspring/decimal"

	"reversal-core/pkg/exchanges/common"
)

// Execution is an exchange result folded into one price and quantity.
type Execution struct {
	Price           float64
	Qty             float64
	Commission      float64
	CommissionAsset string
	IsSplit         bool
	FillsCount      int
}

// aggregateFills computes the quantity-weighted price and the summed quantity
// and commission of an order result.
func aggregateFills(res common.OrderResult) Execution {
	if len(res.Fills) == 0 {
		ex := Execution{Qty: res.ExecutedQty}
		if res.ExecutedQty > 0 {
			ex.Price, _ = decimal.NewFromFloat(res.QuoteQty).Div(decimal.NewFromFloat(res.ExecutedQty)).Float64()
		}
		return ex
	}
	notional := decimal.Zero
	qty := decimal.Zero
	fee := decimal.Zero
	for _, f := range res.Fills {
		q := decimal.NewFromFloat(f.Qty)
		notional = notional.Add(decimal.NewFromFloat(f.Price).Mul(q))
		qty = qty.Add(q)
		fee = fee.Add(decimal.NewFromFloat(f.Commission))
	}
	ex := Execution{
		CommissionAsset: res.Fills[0].CommissionAsset,
		IsSplit:         len(res.Fills) > 1,
		FillsCount:      len(res.Fills),
	}
	ex.Qty, _ = qty.Float64()
	ex.Commission, _ = fee.Float64()
	if qty.IsPositive() {
		ex.Price, _ = notional.Div(qty).Float64()
	}
	return ex
}

// normalizeSell floors qty to the step size. Below minQty it falls back to a
// quote notional order of the floored qty when that clears minNotional; ok is
// false otherwise. The fallback never sells more than the floored qty.
func normalizeSell(qty, price float64, f common.SymbolInfo) (req common.OrderRequest, ok bool) {
	q := decimal.NewFromFloat(qty)
	if f.StepSize > 0 {
		step := decimal.NewFromFloat(f.StepSize)
		q = q.Div(step).Floor().Mul(step)
	}
	if q.IsPositive() && q.GreaterThanOrEqual(decimal.NewFromFloat(f.MinQty)) {
		v, _ := q.Float64()
		return common.OrderRequest{Quantity: v}, true
	}
	notional := q.Mul(decimal.NewFromFloat(price)).RoundFloor(8)
	if notional.IsPositive() && notional.GreaterThanOrEqual(decimal.NewFromFloat(f.MinNotional)) {
		v, _ := notional.Float64()
		return common.OrderRequest{QuoteOrderQty: v}, true
	}
	return common.OrderRequest{}, false
}

// weightedEntry averages the entry of several BUYs sharing one exchange order.
func weightedEntry(prices, qtys []float64) (price, qty float64) {
	notional := decimal.Zero
	total := decimal.Zero
	for i := range prices {
		q := decimal.NewFromFloat(qtys[i])
		notional = notional.Add(decimal.NewFromFloat(prices[i]).Mul(q))
		total = total.Add(q)
	}
	qty, _ = total.Float64()
	if total.IsPositive() {
		price, _ = notional.Div(total).Float64()
	}
	return price, qty
}
