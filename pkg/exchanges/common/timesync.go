package common

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TimeSync keeps the offset between local time and exchange server time so
// signed requests carry timestamps inside recvWindow.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // ms, server - local
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
}

// NewTimeSync creates a time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
	}
}

// Sync measures the server offset assuming symmetric latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	log.Debug().Int64("offset_ms", serverTime-localTime).Msg("exchange time synced")
	return nil
}

// MaybeSync resyncs when the last sync is older than the interval. Failures
// keep the previous offset.
func (ts *TimeSync) MaybeSync(ctx context.Context) {
	ts.mu.RLock()
	stale := time.Since(ts.lastSync) >= ts.syncInterval
	ts.mu.RUnlock()
	if !stale {
		return
	}
	if err := ts.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("exchange time sync failed")
		ts.mu.Lock()
		ts.lastSync = time.Now()
		ts.mu.Unlock()
	}
}

// Now returns the current time in ms adjusted for the server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
