// Package order places the BUY and exit orders of one instrument.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reversal-core/internal/journal"
	"reversal-core/internal/reconciliation"
	"reversal-core/internal/risk"
	"reversal-core/pkg/db"
	"reversal-core/pkg/exchanges/common"
)

// Skip reasons recorded when an api key is passed over for a BUY.
const (
	SkipPositionOpen        = "position_open"
	SkipNoAllocation        = "no_allocation"
	SkipInsufficientBalance = "insufficient_balance"
	SkipBalanceError        = "balance_error"
	SkipBelowMinNotional    = "below_min_notional"
	SkipRepositoryError     = "repository_error"
)

// Publisher records trading events.
type Publisher interface {
	Publish(ctx context.Context, e db.TradingEvent) (string, error)
}

// Reconciler settles PENDING BUYs whose outcome was lost and closes
// positions sold outside the engine.
type Reconciler interface {
	ResolvePending(ctx context.Context, keys []db.APIKeyConfig, symbol string) (reconciliation.Report, error)
	Run(ctx context.Context, keys []db.APIKeyConfig, symbol string) (reconciliation.Report, error)
}

// settleTimeout bounds the repository writes and event publish that record
// what the exchange did with an order.
const settleTimeout = 10 * time.Second

// settleContext is not canceled with ctx: once the exchange has answered the
// answer is recorded even if the caller is stopping.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// LatencyRecorder receives repository round-trip durations.
type LatencyRecorder interface {
	RecordDuration(d time.Duration)
}

// Config names the instrument an Executor trades.
type Config struct {
	Symbol    string
	Timeframe string
	Env       string
	Rules     risk.ExitRules
}

// Executor runs one BUY or one exit pass per call. It keeps no state across
// calls besides the cached symbol filters.
type Executor struct {
	cfg   Config
	repo  db.Repository
	gw    common.Gateway
	pub   Publisher
	recon Reconciler
	sink  journal.Sink
	now   func() time.Time

	dbLatency LatencyRecorder

	mu      sync.Mutex
	filters *common.SymbolInfo
}

// NewExecutor wires an executor. recon and sink may be nil.
func NewExecutor(cfg Config, repo db.Repository, gw common.Gateway, pub Publisher, recon Reconciler, sink journal.Sink) *Executor {
	if sink == nil {
		sink = journal.Discard{}
	}
	return &Executor{
		cfg:   cfg,
		repo:  repo,
		gw:    gw,
		pub:   pub,
		recon: recon,
		sink:  sink,
		now:   time.Now,
	}
}

// WithClock replaces the wall clock.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// WithDBLatency records the duration of key repository calls.
func (e *Executor) WithDBLatency(r LatencyRecorder) *Executor {
	e.dbLatency = r
	return e
}

// Config returns the executor configuration.
func (e *Executor) Config() Config { return e.cfg }

func (e *Executor) observe(start time.Time) {
	if e.dbLatency != nil {
		e.dbLatency.RecordDuration(time.Since(start))
	}
}

// enabledKeys loads the keys enabled for the instrument, optionally for one user.
func (e *Executor) enabledKeys(ctx context.Context, userID string) ([]db.APIKeyConfig, error) {
	defer e.observe(time.Now())
	keys, err := e.repo.GetAPIKeysForInstrument(ctx, e.cfg.Symbol, e.cfg.Timeframe, e.cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}
	if userID == "" {
		return keys, nil
	}
	filtered := keys[:0]
	for _, k := range keys {
		if k.UserID == userID {
			filtered = append(filtered, k)
		}
	}
	return filtered, nil
}

// symbolFilters returns the exchange filters, cached once real values were fetched.
func (e *Executor) symbolFilters(ctx context.Context) common.SymbolInfo {
	e.mu.Lock()
	cached := e.filters
	e.mu.Unlock()
	if cached != nil {
		return *cached
	}
	info, err := e.gw.FetchSymbolFilters(ctx, e.cfg.Symbol)
	if err != nil {
		info = common.DefaultFilters(e.cfg.Symbol)
	}
	if info.BaseAsset == "" || info.QuoteAsset == "" {
		info.BaseAsset, info.QuoteAsset = common.SplitSymbol(e.cfg.Symbol)
	}
	if !info.Fallback {
		e.mu.Lock()
		e.filters = &info
		e.mu.Unlock()
	}
	return info
}

func (e *Executor) log(level journal.Level, format string, args ...any) {
	e.sink.Log(level, fmt.Sprintf(format, args...), nil)
}

func (e *Executor) logDetails(level journal.Level, details map[string]any, format string, args ...any) {
	e.sink.Log(level, fmt.Sprintf(format, args...), details)
}
