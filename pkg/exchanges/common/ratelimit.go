package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// WeightTracker follows the request weight the exchange reports per window.
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker.
// limit: maximum weight allowed (1200 for spot)
// resetInterval: the exchange window (1 minute)
func NewWeightTracker(limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader records the X-MBX-USED-WEIGHT-1M value of a response.
func (wt *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	wt.mu.Lock()
	defer wt.mu.Unlock()

	if time.Since(wt.lastReset) >= wt.resetInterval {
		wt.lastReset = time.Now()
	}
	wt.usedWeight = weight

	pct := float64(wt.usedWeight) / float64(wt.limit) * 100
	if pct >= 95 {
		log.Warn().Int("used", wt.usedWeight).Int("limit", wt.limit).Msg("request weight critical")
	} else if pct >= 80 {
		log.Info().Int("used", wt.usedWeight).Int("limit", wt.limit).Msg("request weight high")
	}
}

// Usage returns current usage information.
func (wt *WeightTracker) Usage() (used int, limit int, percentage float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()

	if time.Since(wt.lastReset) >= wt.resetInterval {
		return 0, wt.limit, 0
	}
	return wt.usedWeight, wt.limit, float64(wt.usedWeight) / float64(wt.limit) * 100
}

// untilReset is how long remains in the current weight window.
func (wt *WeightTracker) untilReset() time.Duration {
	wt.mu.RLock()
	defer wt.mu.RUnlock()
	d := wt.resetInterval - time.Since(wt.lastReset)
	if d < 0 {
		return 0
	}
	return d
}

// Pacer spaces outgoing requests and backs off when the reported weight nears
// the exchange limit.
type Pacer struct {
	limiter *rate.Limiter
	weights *WeightTracker
}

// NewPacer creates a pacer allowing perSecond requests with the given burst.
func NewPacer(perSecond float64, burst int, weights *WeightTracker) *Pacer {
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), weights: weights}
}

// Wait blocks until a request may be sent or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.weights != nil {
		if _, _, pct := p.weights.Usage(); pct >= 90 {
			timer := time.NewTimer(p.weights.untilReset())
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return p.limiter.Wait(ctx)
}
