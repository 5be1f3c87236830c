// Package risk holds the exit rules applied to open positions.
package risk

import (
	"fmt"
	"time"
)

// Exit reasons, in evaluation order.
const (
	ExitTakeProfit  = "TAKE_PROFIT"
	ExitStopLoss    = "STOP_LOSS"
	ExitMaxHoldTime = "MAX_HOLD_TIME"
)

// DefaultPostBuyCooldown blocks exit evaluation right after entry.
const DefaultPostBuyCooldown = 5 * time.Minute

// ExitRules configures the exit triggers of one timeframe. ProfitTarget and
// StopLoss are fractions of the invested amount.
type ExitRules struct {
	ProfitTarget    float64       `json:"profit_target" yaml:"profit_target"`
	StopLoss        float64       `json:"stop_loss" yaml:"stop_loss"`
	MaxHold         time.Duration `json:"max_hold" yaml:"max_hold"`
	PostBuyCooldown time.Duration `json:"post_buy_cooldown" yaml:"post_buy_cooldown"`
}

// Rules30m and Rules4h are the timeframe presets.
var (
	Rules30m = ExitRules{
		ProfitTarget:    0.04,
		StopLoss:        0.015,
		MaxHold:         24 * time.Hour,
		PostBuyCooldown: DefaultPostBuyCooldown,
	}
	Rules4h = ExitRules{
		ProfitTarget:    0.08,
		StopLoss:        0.03,
		MaxHold:         80 * 4 * time.Hour,
		PostBuyCooldown: DefaultPostBuyCooldown,
	}
)

// RulesFor returns the preset of a timeframe.
func RulesFor(timeframe string) (ExitRules, error) {
	switch timeframe {
	case "30m":
		return Rules30m, nil
	case "4h":
		return Rules4h, nil
	default:
		return ExitRules{}, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
}

// Position is an open BUY (or group of BUYs) valued at the current price.
type Position struct {
	EntryPrice   float64
	Quantity     float64
	CurrentPrice float64
	OpenedAt     time.Time // oldest BUY, drives max hold
	LastBuyAt    time.Time // newest BUY, drives the cooldown
}

// Invested is entry price times quantity.
func (p Position) Invested() float64 { return p.EntryPrice * p.Quantity }

// PnL returns the unrealised result in quote and as a fraction of invested.
func (p Position) PnL() (quote, pct float64) {
	invested := p.Invested()
	quote = p.Quantity*p.CurrentPrice - invested
	if invested > 0 {
		pct = quote / invested
	}
	return quote, pct
}

// Decision is the outcome of Evaluate.
type Decision struct {
	InCooldown        bool
	CooldownRemaining time.Duration
	Exit              bool
	Reason            string
	PnLQuote          float64
	PnLPct            float64 // fraction
	Age               time.Duration
}

// Evaluate applies the cooldown and then take profit, stop loss and max hold, in that order.
func (r ExitRules) Evaluate(p Position, now time.Time) Decision {
	d := Decision{Age: now.Sub(p.OpenedAt)}
	if since := now.Sub(p.LastBuyAt); since < r.PostBuyCooldown {
		d.InCooldown = true
		d.CooldownRemaining = r.PostBuyCooldown - since
		return d
	}
	d.PnLQuote, d.PnLPct = p.PnL()
	switch {
	case d.PnLPct >= r.ProfitTarget:
		d.Exit, d.Reason = true, ExitTakeProfit
	case d.PnLPct <= -r.StopLoss:
		d.Exit, d.Reason = true, ExitStopLoss
	case r.MaxHold > 0 && d.Age >= r.MaxHold:
		d.Exit, d.Reason = true, ExitMaxHoldTime
	}
	return d
}
