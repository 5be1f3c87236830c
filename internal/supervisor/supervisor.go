// Package supervisor keeps the registry of running scanners.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reversal-core/internal/journal"
	"reversal-core/internal/monitor"
	"reversal-core/internal/readiness"
	"reversal-core/internal/scanner"
	"reversal-core/pkg/cache"
)

var (
	ErrAlreadyRunning = errors.New("scanner already running")
	ErrNotRunning     = errors.New("scanner not running")
	ErrInvalidTriple  = errors.New("invalid scanner triple")
)

const (
	DefaultStopWait    = 5 * time.Second
	DefaultPriceMaxAge = 30 * time.Second
	StatusLogLimit     = 100
)

// Triple identifies a scanner.
type Triple struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Env       string `json:"env"`
}

func (t Triple) String() string {
	return t.Symbol + "/" + t.Timeframe + "/" + t.Env
}

// ParseTriple normalises and validates the path parameters of a scanner.
func ParseTriple(symbol, timeframe, env string) (Triple, error) {
	t := Triple{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Timeframe: strings.TrimSpace(timeframe),
		Env:       strings.ToLower(strings.TrimSpace(env)),
	}
	if t.Symbol == "" {
		return t, fmt.Errorf("%w: empty symbol", ErrInvalidTriple)
	}
	if t.Timeframe != "30m" && t.Timeframe != "4h" {
		return t, fmt.Errorf("%w: timeframe %q", ErrInvalidTriple, t.Timeframe)
	}
	if t.Env != "mainnet" && t.Env != "testnet" {
		return t, fmt.Errorf("%w: env %q", ErrInvalidTriple, t.Env)
	}
	return t, nil
}

// Factory builds a fresh scanner with its executor wired.
type Factory func(t Triple) (*scanner.Scanner, error)

// TickerSource quotes the last trade price of a symbol.
type TickerSource interface {
	FetchTickerPrice(ctx context.Context, symbol string) (float64, error)
}

// Options are the optional collaborators of a Supervisor.
type Options struct {
	Tickers     map[string]TickerSource // by env
	Prices      *cache.PriceCache
	Readiness   scanner.ReadinessSource
	Metrics     *monitor.SystemMetrics
	StopWait    time.Duration
	PriceMaxAge time.Duration
}

// Supervisor owns the scanner instances. Start and Stop on one triple are
// serialised; distinct triples proceed in parallel.
type Supervisor struct {
	factory Factory
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	scanners map[Triple]*scanner.Scanner
	locks    map[Triple]*sync.Mutex
}

func New(factory Factory, opts Options, logger zerolog.Logger) *Supervisor {
	if opts.StopWait <= 0 {
		opts.StopWait = DefaultStopWait
	}
	if opts.PriceMaxAge <= 0 {
		opts.PriceMaxAge = DefaultPriceMaxAge
	}
	if opts.Prices == nil {
		opts.Prices = cache.NewPriceCache()
	}
	return &Supervisor{
		factory:  factory,
		opts:     opts,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		scanners: make(map[Triple]*scanner.Scanner),
		locks:    make(map[Triple]*sync.Mutex),
	}
}

func (s *Supervisor) lock(t Triple) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[t]
	if !ok {
		l = &sync.Mutex{}
		s.locks[t] = l
	}
	return l
}

func (s *Supervisor) get(t Triple) *scanner.Scanner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanners[t]
}

// Start launches the scanner of t. An existing idle instance is reused so its
// log survives restarts.
func (s *Supervisor) Start(ctx context.Context, t Triple) error {
	l := s.lock(t)
	l.Lock()
	defer l.Unlock()

	if sc := s.get(t); sc != nil {
		if sc.Running() {
			return ErrAlreadyRunning
		}
		err := sc.Start(ctx)
		if err == nil {
			s.logger.Info().Str("scanner", t.String()).Msg("scanner restarted")
			s.updateRunning()
			return nil
		}
		if !errors.Is(err, scanner.ErrRunning) {
			return err
		}
		// The previous loop never exited; replace the instance.
		s.logger.Warn().Str("scanner", t.String()).Msg("replacing scanner whose loop did not exit")
	}

	sc, err := s.factory(t)
	if err != nil {
		return fmt.Errorf("build scanner %s: %w", t, err)
	}
	if err := sc.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.scanners[t] = sc
	s.mu.Unlock()
	s.logger.Info().Str("scanner", t.String()).Msg("scanner started")
	s.updateRunning()
	return nil
}

// Stop cancels the scanner and waits up to StopWait for the loop to exit.
// A loop that does not exit in time is abandoned.
func (s *Supervisor) Stop(ctx context.Context, t Triple) error {
	l := s.lock(t)
	l.Lock()
	defer l.Unlock()

	sc := s.get(t)
	if sc == nil || !sc.Running() {
		return ErrNotRunning
	}
	done := sc.Stop()
	timer := time.NewTimer(s.opts.StopWait)
	defer timer.Stop()
	select {
	case <-done:
		s.logger.Info().Str("scanner", t.String()).Msg("scanner stopped")
	case <-timer.C:
		s.logger.Warn().Str("scanner", t.String()).Dur("wait", s.opts.StopWait).Msg("scanner did not exit in time, abandoned")
	case <-ctx.Done():
		s.logger.Warn().Str("scanner", t.String()).Msg("stop wait interrupted")
	}
	s.updateRunning()
	return nil
}

// StopAll stops every running scanner in parallel.
func (s *Supervisor) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.triples() {
		wg.Add(1)
		go func(t Triple) {
			defer wg.Done()
			if err := s.Stop(ctx, t); err != nil && !errors.Is(err, ErrNotRunning) {
				s.logger.Error().Err(err).Str("scanner", t.String()).Msg("stop failed")
			}
		}(t)
	}
	wg.Wait()
}

func (s *Supervisor) triples() []Triple {
	s.mu.Lock()
	out := make([]Triple, 0, len(s.scanners))
	for t := range s.scanners {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Status returns the snapshot of t; never-started triples report IDLE.
func (s *Supervisor) Status(t Triple) scanner.Status {
	sc := s.get(t)
	if sc == nil {
		return scanner.Status{
			Symbol:    t.Symbol,
			Timeframe: t.Timeframe,
			Env:       t.Env,
			State:     scanner.StateIdle,
			Logs:      []journal.Entry{},
			Readiness: readiness.Snapshot{Reasons: []string{}},
		}
	}
	return sc.Status(StatusLogLimit)
}

// List returns the status of every known scanner, ordered by triple.
func (s *Supervisor) List() []scanner.Status {
	triples := s.triples()
	out := make([]scanner.Status, 0, len(triples))
	for _, t := range triples {
		out = append(out, s.get(t).Status(StatusLogLimit))
	}
	return out
}

// Logs returns up to limit journal entries of t, oldest first.
func (s *Supervisor) Logs(t Triple, limit int) []journal.Entry {
	sc := s.get(t)
	if sc == nil {
		return []journal.Entry{}
	}
	return sc.Journal().Snapshot(limit)
}

// Readiness evaluates t now. Without an evaluator the cached scanner snapshot is used.
func (s *Supervisor) Readiness(ctx context.Context, t Triple) readiness.Snapshot {
	if s.opts.Readiness != nil {
		return s.opts.Readiness.Evaluate(ctx, t.Symbol, t.Timeframe, t.Env)
	}
	return s.Status(t).Readiness
}

// CurrentPrice serves a recent cached price or quotes the ticker of t's env.
func (s *Supervisor) CurrentPrice(ctx context.Context, t Triple) (float64, error) {
	if p, ok := s.opts.Prices.Fresh(t.Env, t.Symbol, s.opts.PriceMaxAge); ok {
		return p, nil
	}
	src, ok := s.opts.Tickers[t.Env]
	if !ok {
		return 0, fmt.Errorf("no price source for env %q", t.Env)
	}
	p, err := src.FetchTickerPrice(ctx, t.Symbol)
	if err != nil {
		return 0, err
	}
	s.opts.Prices.Set(t.Env, t.Symbol, p, "ticker")
	return p, nil
}

func (s *Supervisor) updateRunning() {
	if s.opts.Metrics == nil {
		return
	}
	n := 0
	for _, t := range s.triples() {
		if sc := s.get(t); sc != nil && sc.Running() {
			n++
		}
	}
	s.opts.Metrics.SetRunningScanners(n)
}
