// Package outbox delivers persisted trading events to downstream consumers.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"reversal-core/pkg/db"
)

// Store is the outbox table surface of the repository.
type Store interface {
	PendingEvents(ctx context.Context, limit, maxAttempts int) ([]db.TradingEvent, error)
	MarkEvent(ctx context.Context, id, status, errMsg string) error
}

// Config of a relay.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int // FAILED events are retried until attempts reach this
}

func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, BatchSize: 100, MaxAttempts: 5}
}

// Relay polls PENDING and retryable FAILED events and hands them to a Sink.
type Relay struct {
	cfg    Config
	store  Store
	sink   Sink
	logger zerolog.Logger
}

func NewRelay(cfg Config, store Store, sink Sink, logger zerolog.Logger) *Relay {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Relay{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		logger: logger.With().Str("component", "outbox").Logger(),
	}
}

// Result of one drain pass.
type Result struct {
	Sent   int
	Failed int
}

// RunOnce delivers one batch.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	events, err := r.store.PendingEvents(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return res, err
	}
	var markErrs []error
	for _, e := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		status, msg := db.EventSent, ""
		if err := r.sink.Deliver(ctx, e); err != nil {
			status, msg = db.EventFailed, err.Error()
			res.Failed++
			r.logger.Warn().Err(err).Str("event_id", e.ID).Int("attempts", e.Attempts+1).Msg("event delivery failed")
		} else {
			res.Sent++
		}
		if err := r.store.MarkEvent(ctx, e.ID, status, msg); err != nil {
			markErrs = append(markErrs, err)
		}
	}
	return res, errors.Join(markErrs...)
}

// Run drains the outbox every Interval until ctx is done. Repository errors
// back off exponentially up to one minute.
func (r *Relay) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Interval
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		res, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = b.NextBackOff()
			r.logger.Error().Err(err).Dur("retry_in", wait).Msg("outbox drain failed")
			continue
		}
		b.Reset()
		wait = r.cfg.Interval
		if res.Sent+res.Failed > 0 {
			r.logger.Debug().Int("sent", res.Sent).Int("failed", res.Failed).Msg("outbox drained")
		}
	}
}
