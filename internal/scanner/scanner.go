// Package scanner runs the search/monitor loop of one instrument.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"reversal-core/internal/journal"
	"reversal-core/internal/monitor"
	"reversal-core/internal/order"
	"reversal-core/internal/pattern"
	"reversal-core/internal/readiness"
	"reversal-core/pkg/cache"
	"reversal-core/pkg/db"
	"reversal-core/pkg/exchanges/common"
	"reversal-core/pkg/i18n"
)

// State of the scanner state machine.
type State string

const (
	StateIdle           State = "IDLE"
	StateSearchingBuy   State = "SEARCHING_BUY"
	StateMonitoringSell State = "MONITORING_SELL"
)

var ErrRunning = errors.New("scanner already running")

// Market supplies candles.
type Market interface {
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error)
}

// Positions answers whether the instrument holds an open BUY.
type Positions interface {
	GetAPIKeysForInstrument(ctx context.Context, symbol, timeframe, env string) ([]db.APIKeyConfig, error)
	GetOpenPositionsAll(ctx context.Context, apiKeyIDs []string, symbol string) ([]db.Order, error)
}

// Trader places entries and exits.
type Trader interface {
	ExecuteBuy(ctx context.Context, sig pattern.Signal, userID string) (*order.BuyOutcome, error)
	CheckAndExecuteExits(ctx context.Context) (*order.ExitReport, error)
}

// ReadinessSource evaluates auto-trading preconditions.
type ReadinessSource interface {
	Evaluate(ctx context.Context, symbol, timeframe, env string) readiness.Snapshot
}

// Deps are the collaborators of a scanner. Journal, Prices, Metrics and
// Detect are optional.
type Deps struct {
	Market    Market
	Positions Positions
	Trader    Trader
	Readiness ReadinessSource
	Journal   *journal.Journal
	Prices    *cache.PriceCache
	Metrics   *monitor.SystemMetrics
	Detect    func([]common.Candle, pattern.Params) []pattern.Signal
}

// Scanner owns the state machine of one (symbol, timeframe, env) triple.
type Scanner struct {
	cfg    Config
	deps   Deps
	log    *journal.Journal
	logger zerolog.Logger
	now    func() time.Time

	mu            sync.RWMutex
	state         State
	running       bool
	stopping      bool
	cancel        context.CancelFunc
	done          chan struct{}
	lastScanTime  time.Time
	lastScanPrice float64
	lastAlertAt   time.Time
	alertsCount   int
	ready         readiness.Snapshot
}

// New builds an idle scanner.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Scanner {
	logger = logger.With().
		Str("component", "scanner").
		Str("symbol", cfg.Symbol).
		Str("timeframe", cfg.Timeframe).
		Str("env", cfg.Env).
		Logger()
	if deps.Journal == nil {
		deps.Journal = journal.New(cfg.JournalCapacity, logger)
	}
	if deps.Detect == nil {
		deps.Detect = pattern.Detect
	}
	if cfg.KlineAttempts <= 0 {
		cfg.KlineAttempts = 1
	}
	if cfg.StateAttempts <= 0 {
		cfg.StateAttempts = 1
	}
	return &Scanner{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Journal,
		logger: logger,
		now:    time.Now,
		state:  StateIdle,
		ready:  readiness.Snapshot{Reasons: []string{}},
	}
}

// Config returns the scanner configuration.
func (s *Scanner) Config() Config { return s.cfg }

// Journal returns the scanner log, also used as the executor sink.
func (s *Scanner) Journal() *journal.Journal { return s.log }

// Start launches the loop. The loop outlives ctx cancellation; use Stop.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.stopping = false
	s.log.Reopen()
	s.log.Log(journal.LevelInfo, fmt.Sprintf(i18n.M().ScannerStarted, s.cfg.Symbol, s.cfg.Timeframe, s.cfg.Env), nil)
	go s.run(runCtx, s.done)
	return nil
}

// Stop seals the journal with a single stopped entry and cancels the loop.
// The returned channel closes when the loop has exited.
func (s *Scanner) Stop() <-chan struct{} {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if cancel == nil {
		s.mu.Unlock()
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	s.stopping = true
	s.mu.Unlock()

	s.log.Seal(journal.LevelInfo, i18n.M().ScannerStopped)
	cancel()
	return done
}

func (s *Scanner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.state = StateIdle
		s.mu.Unlock()
	}()

	for ctx.Err() == nil {
		s.runCycle(ctx)
		if !s.sleep(ctx) {
			return
		}
	}
}

func (s *Scanner) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("scan cycle panicked")
			s.log.Log(journal.LevelError, fmt.Sprintf("panic: %v", r), nil)
			s.countError()
		}
	}()
	s.Cycle(ctx)
}

func (s *Scanner) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.cfg.ScanInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Cycle runs one iteration: readiness, candles, state, dispatch.
func (s *Scanner) Cycle(ctx context.Context) {
	start := time.Now()
	if m := s.deps.Metrics; m != nil {
		defer func() {
			m.ScanLatency.RecordDuration(time.Since(start))
			m.IncrementScans()
		}()
	}

	s.refreshReadiness(ctx)

	candles, err := s.fetchKlines(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Log(journal.LevelWarning, fmt.Sprintf(i18n.M().KlinesFailed, s.cfg.KlineAttempts, err), nil)
		s.countError()
		return
	}
	price := candles[len(candles)-1].Close
	s.recordScan(price)

	switch s.checkState(ctx) {
	case StateSearchingBuy:
		s.searchBuy(ctx, candles, price)
	case StateMonitoringSell:
		s.monitorSell(ctx)
	}
}

func (s *Scanner) refreshReadiness(ctx context.Context) {
	if s.deps.Readiness == nil {
		return
	}
	snap := s.deps.Readiness.Evaluate(ctx, s.cfg.Symbol, s.cfg.Timeframe, s.cfg.Env)
	s.mu.Lock()
	s.ready = snap
	s.mu.Unlock()
	if !snap.AutoReady {
		s.log.Log(journal.LevelWarning, fmt.Sprintf(i18n.M().NotReady, strings.Join(snap.Reasons, ", ")), nil)
	}
}

func (s *Scanner) fetchKlines(ctx context.Context) ([]common.Candle, error) {
	var candles []common.Candle
	err := retry(ctx, s.cfg.KlineAttempts, s.cfg.KlineRetryWait, func() error {
		c, err := s.deps.Market.FetchKlines(ctx, s.cfg.Symbol, s.cfg.Timeframe, s.cfg.Params.Window)
		if err != nil {
			return err
		}
		if len(c) == 0 {
			return errors.New("empty kline response")
		}
		candles = c
		return nil
	})
	return candles, err
}

func (s *Scanner) recordScan(price float64) {
	s.mu.Lock()
	s.lastScanTime = s.now().UTC()
	s.lastScanPrice = price
	s.mu.Unlock()
	s.log.SetPrice(price)
	if s.deps.Prices != nil {
		s.deps.Prices.Set(s.cfg.Env, s.cfg.Symbol, price, "scan")
	}
}

// checkState derives the state from open positions. After the retries are
// exhausted the previous state is kept.
func (s *Scanner) checkState(ctx context.Context) State {
	var open bool
	err := retry(ctx, s.cfg.StateAttempts, s.cfg.StateRetryWait, func() error {
		keys, err := s.deps.Positions.GetAPIKeysForInstrument(ctx, s.cfg.Symbol, s.cfg.Timeframe, s.cfg.Env)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(keys))
		for _, k := range keys {
			ids = append(ids, k.ID)
		}
		orders, err := s.deps.Positions.GetOpenPositionsAll(ctx, ids, s.cfg.Symbol)
		if err != nil {
			return err
		}
		open = len(orders) > 0
		return nil
	})

	prev := s.State()
	if err != nil {
		if ctx.Err() == nil {
			s.log.Log(journal.LevelError, fmt.Sprintf(i18n.M().StateCheckFailed, prev, err), nil)
			s.countError()
		}
		return prev
	}
	next := StateSearchingBuy
	if open {
		next = StateMonitoringSell
	}
	if next != prev {
		s.log.Log(journal.LevelInfo, fmt.Sprintf(i18n.M().StateChanged, prev, next), nil)
		s.mu.Lock()
		s.state = next
		s.mu.Unlock()
	}
	return next
}

// searchBuy actions the first signal of the cycle unless the alert cooldown is active.
func (s *Scanner) searchBuy(ctx context.Context, candles []common.Candle, price float64) {
	signals := s.deps.Detect(candles, s.cfg.Params)
	if len(signals) == 0 {
		s.log.Log(journal.LevelInfo, fmt.Sprintf(i18n.M().NoSignal, price), nil)
		return
	}
	sig := signals[0]
	sig.Symbol = s.cfg.Symbol
	if m := s.deps.Metrics; m != nil {
		m.IncrementSignals()
	}
	s.log.Log(journal.LevelAlert,
		fmt.Sprintf(i18n.M().SignalDetected, sig.EntryPrice, sig.Strength, sig.Depth*100),
		map[string]any{
			"entry_price":  sig.EntryPrice,
			"local_min":    sig.LocalMin,
			"local_high":   sig.LocalHigh,
			"width":        sig.Width,
			"pre_slope":    sig.PreSlope,
			"recent_slope": sig.RecentSlope,
			"factor":       sig.Factor,
		})

	if rem := s.CooldownRemaining(); rem > 0 {
		s.log.Log(journal.LevelInfo, fmt.Sprintf(i18n.M().AlertCooldown, ceilSeconds(rem)), nil)
		return
	}
	s.mu.Lock()
	s.lastAlertAt = s.now()
	s.alertsCount++
	s.mu.Unlock()

	if _, err := s.deps.Trader.ExecuteBuy(ctx, sig, ""); err != nil {
		s.log.Log(journal.LevelError, err.Error(), nil)
		s.countError()
	}
}

func (s *Scanner) monitorSell(ctx context.Context) {
	if _, err := s.deps.Trader.CheckAndExecuteExits(ctx); err != nil && ctx.Err() == nil {
		s.log.Log(journal.LevelError, err.Error(), nil)
		s.countError()
	}
}

func (s *Scanner) countError() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.IncrementErrors()
	}
}

// State returns the current state.
func (s *Scanner) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Running reports whether the loop is active and not stopping.
func (s *Scanner) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running && !s.stopping
}

// CooldownRemaining returns the time left in the alert cooldown.
func (s *Scanner) CooldownRemaining() time.Duration {
	s.mu.RLock()
	last := s.lastAlertAt
	s.mu.RUnlock()
	if last.IsZero() {
		return 0
	}
	rem := s.cfg.AlertCooldown - s.now().Sub(last)
	if rem < 0 {
		return 0
	}
	return rem
}

// Readiness returns the snapshot of the last cycle.
func (s *Scanner) Readiness() readiness.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Status is the snapshot served to the control API.
type Status struct {
	Symbol            string             `json:"symbol"`
	Timeframe         string             `json:"timeframe"`
	Env               string             `json:"env"`
	IsRunning         bool               `json:"is_running"`
	State             State              `json:"state"`
	LastScanTime      *time.Time         `json:"last_scan_time"`
	LastScanPrice     float64            `json:"last_scan_price"`
	AlertsCount       int                `json:"alerts_count"`
	Logs              []journal.Entry    `json:"logs"`
	Readiness         readiness.Snapshot `json:"readiness"`
	CooldownRemaining int                `json:"cooldown_remaining"`
}

// Status returns a copy of the scanner state with up to logLimit entries.
func (s *Scanner) Status(logLimit int) Status {
	cooldown := ceilSeconds(s.CooldownRemaining())
	s.mu.RLock()
	st := Status{
		Symbol:            s.cfg.Symbol,
		Timeframe:         s.cfg.Timeframe,
		Env:               s.cfg.Env,
		IsRunning:         s.running && !s.stopping,
		State:             s.state,
		LastScanPrice:     s.lastScanPrice,
		AlertsCount:       s.alertsCount,
		Readiness:         s.ready,
		CooldownRemaining: cooldown,
	}
	if !s.lastScanTime.IsZero() {
		t := s.lastScanTime
		st.LastScanTime = &t
	}
	s.mu.RUnlock()
	st.Logs = s.log.Snapshot(logLimit)
	return st
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// retry runs op up to attempts times, waiting wait, 2*wait, ... between tries.
func retry(ctx context.Context, attempts int, wait time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = wait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = wait << uint(attempts)
	b.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(b, uint64(attempts-1))
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
