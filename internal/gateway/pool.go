// Package gateway serves the exchange for one environment, signing each
// request with the credentials of the api key it acts for.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reversal-core/pkg/exchanges/binance/spot"
	"reversal-core/pkg/exchanges/common"
)

// CredentialSource resolves clear credentials for an api key id.
type CredentialSource interface {
	ResolveCredentials(ctx context.Context, apiKeyID string) (key, secret string, err error)
}

// LatencyRecorder receives order round-trip durations.
type LatencyRecorder interface {
	RecordDuration(d time.Duration)
}

// Config holds pool settings.
type Config struct {
	Env         common.Env
	BaseURL     string // overrides the venue URL
	RecvWindow  int64
	MaxSize     int           // signed clients kept (LRU eviction)
	IdleTimeout time.Duration // idle signed clients are dropped
	// Requests per second shared by every client of the pool.
	RatePerSecond float64
	RateBurst     int
}

// DefaultConfig returns the settings used in production.
func DefaultConfig(env common.Env) Config {
	return Config{
		Env:           env,
		RecvWindow:    5000,
		MaxSize:       100,
		IdleTimeout:   30 * time.Minute,
		RatePerSecond: 20,
		RateBurst:     40,
	}
}

type cachedClient struct {
	client   *spot.Client
	lastUsed time.Time
}

// Pool implements common.Gateway for one environment.
type Pool struct {
	cfg     Config
	creds   CredentialSource
	public  *spot.Client
	pacer   *common.Pacer
	weights *common.WeightTracker
	latency LatencyRecorder
	logger  zerolog.Logger

	mu        sync.Mutex
	signed    map[string]*cachedClient
	lruOrder  []string
	evictions int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ common.Gateway = (*Pool)(nil)

// NewPool builds a pool; latency may be nil.
func NewPool(cfg Config, creds CredentialSource, latency LatencyRecorder) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
		cfg.RateBurst = 40
	}
	weights := common.NewWeightTracker(1200, time.Minute)
	p := &Pool{
		cfg:     cfg,
		creds:   creds,
		pacer:   common.NewPacer(cfg.RatePerSecond, cfg.RateBurst, weights),
		weights: weights,
		latency: latency,
		logger:  log.With().Str("component", "gateway").Str("env", string(cfg.Env)).Logger(),
		signed:  make(map[string]*cachedClient),
		stopCh:  make(chan struct{}),
	}
	p.public = spot.New(p.clientConfig("", ""))
	return p
}

func (p *Pool) clientConfig(key, secret string) spot.Config {
	return spot.Config{
		APIKey:     key,
		APISecret:  secret,
		Testnet:    p.cfg.Env == common.EnvTestnet,
		RecvWindow: p.cfg.RecvWindow,
		BaseURL:    p.cfg.BaseURL,
		Pacer:      p.pacer,
	}
}

// Env returns the environment served by the pool.
func (p *Pool) Env() common.Env { return p.cfg.Env }

// Start runs idle eviction until ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.cleanupIdle()
			}
		}
	}()
}

// Stop ends background work and drops cached clients. It is safe to call
// more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.mu.Lock()
	p.signed = make(map[string]*cachedClient)
	p.lruOrder = nil
	p.mu.Unlock()
}

// Invalidate drops the cached client of an api key, e.g. after rotation.
func (p *Pool) Invalidate(apiKeyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.signed, apiKeyID)
	p.removeLRULocked(apiKeyID)
}

func (p *Pool) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	return p.public.Klines(ctx, symbol, interval, limit)
}

func (p *Pool) FetchTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return p.public.TickerPrice(ctx, symbol)
}

// FetchSymbolFilters falls back to conservative defaults when exchangeInfo fails.
func (p *Pool) FetchSymbolFilters(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	info, err := p.public.SymbolFilters(ctx, symbol)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("symbol filters unavailable, using defaults")
		return common.DefaultFilters(symbol), nil
	}
	return info, nil
}

func (p *Pool) FetchBalances(ctx context.Context, apiKeyID string) (map[string]common.Balance, error) {
	c, err := p.client(ctx, apiKeyID, "account")
	if err != nil {
		return nil, err
	}
	return c.Balances(ctx)
}

func (p *Pool) PlaceOrder(ctx context.Context, apiKeyID string, req common.OrderRequest) (common.OrderResult, error) {
	c, err := p.client(ctx, apiKeyID, "place order")
	if err != nil {
		return common.OrderResult{}, err
	}
	start := time.Now()
	res, err := c.PlaceMarketOrder(ctx, req)
	if p.latency != nil {
		p.latency.RecordDuration(time.Since(start))
	}
	if common.IsKind(err, common.KindAuth) {
		p.Invalidate(apiKeyID)
	}
	return res, err
}

func (p *Pool) FetchMyTrades(ctx context.Context, apiKeyID, symbol string, limit int) ([]common.Trade, error) {
	c, err := p.client(ctx, apiKeyID, "my trades")
	if err != nil {
		return nil, err
	}
	return c.MyTrades(ctx, symbol, limit)
}

func (p *Pool) QueryOrder(ctx context.Context, apiKeyID, symbol, clientOrderID string) (common.OrderResult, error) {
	c, err := p.client(ctx, apiKeyID, "query order")
	if err != nil {
		return common.OrderResult{}, err
	}
	res, err := c.QueryOrder(ctx, symbol, clientOrderID)
	if common.IsKind(err, common.KindAuth) {
		p.Invalidate(apiKeyID)
	}
	return res, err
}

// client returns the cached signed client of an api key, resolving credentials on a miss.
func (p *Pool) client(ctx context.Context, apiKeyID, op string) (*spot.Client, error) {
	p.mu.Lock()
	if cached, ok := p.signed[apiKeyID]; ok {
		cached.lastUsed = time.Now()
		p.touchLRULocked(apiKeyID)
		p.mu.Unlock()
		return cached.client, nil
	}
	p.mu.Unlock()

	if p.creds == nil {
		return nil, common.CredentialsError(op, errors.New("no credential source"))
	}
	key, secret, err := p.creds.ResolveCredentials(ctx, apiKeyID)
	if err != nil {
		return nil, common.CredentialsError(op, err)
	}
	if key == "" || secret == "" {
		return nil, common.CredentialsError(op, errors.New("empty credentials"))
	}

	c := spot.New(p.clientConfig(key, secret))

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.signed[apiKeyID]; ok {
		return cached.client, nil
	}
	if len(p.signed) >= p.cfg.MaxSize {
		p.evictOldestLocked()
	}
	p.signed[apiKeyID] = &cachedClient{client: c, lastUsed: time.Now()}
	p.touchLRULocked(apiKeyID)
	return c, nil
}

// PoolStats describes the signed client cache.
type PoolStats struct {
	Env        string  `json:"env"`
	Size       int     `json:"size"`
	MaxSize    int     `json:"max_size"`
	Evictions  int     `json:"evictions"`
	UsedWeight int     `json:"used_weight"`
	WeightPct  float64 `json:"weight_pct"`
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	used, _, pct := p.weights.Usage()
	return PoolStats{
		Env:        string(p.cfg.Env),
		Size:       len(p.signed),
		MaxSize:    p.cfg.MaxSize,
		Evictions:  p.evictions,
		UsedWeight: used,
		WeightPct:  pct,
	}
}

func (p *Pool) touchLRULocked(id string) {
	p.removeLRULocked(id)
	p.lruOrder = append(p.lruOrder, id)
}

func (p *Pool) removeLRULocked(id string) {
	for i, v := range p.lruOrder {
		if v == id {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			return
		}
	}
}

func (p *Pool) evictOldestLocked() {
	if len(p.lruOrder) == 0 {
		return
	}
	oldest := p.lruOrder[0]
	p.lruOrder = p.lruOrder[1:]
	delete(p.signed, oldest)
	p.evictions++
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	for id, c := range p.signed {
		if c.lastUsed.Before(cutoff) {
			delete(p.signed, id)
			p.removeLRULocked(id)
			p.logger.Debug().Str("api_key_id", id).Msg("idle client dropped")
		}
	}
}
