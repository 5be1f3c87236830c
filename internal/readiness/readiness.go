// Package readiness reports whether a scanner can auto-trade.
package readiness

import (
	"context"
	"time"

	"reversal-core/pkg/db"
)

const (
	ReasonNoEnabledKeys = "no enabled api keys"
	ReasonNoAllocation  = "no api key with allocated quote"
	ReasonError         = "error evaluating readiness"
)

// KeySource lists the keys enabled for an instrument.
type KeySource interface {
	GetAPIKeysForInstrument(ctx context.Context, symbol, timeframe, env string) ([]db.APIKeyConfig, error)
}

// Snapshot is the readiness of one instrument at a point in time.
type Snapshot struct {
	AutoReady        bool      `json:"auto_ready"`
	EnabledKeysCount int       `json:"enabled_keys_count"`
	AllocatedOK      bool      `json:"allocated_ok"`
	BalanceOK        bool      `json:"balance_ok"`
	Reasons          []string  `json:"reasons"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Evaluator computes snapshots from the repository.
type Evaluator struct {
	keys KeySource
	now  func() time.Time
}

func NewEvaluator(keys KeySource) *Evaluator {
	return &Evaluator{keys: keys, now: time.Now}
}

// Evaluate never fails; a repository error yields a not-ready snapshot.
// Balance is proxied by the allocation, the executor checks live balances.
func (e *Evaluator) Evaluate(ctx context.Context, symbol, timeframe, env string) Snapshot {
	snap := Snapshot{Reasons: []string{}, CheckedAt: e.now().UTC()}
	keys, err := e.keys.GetAPIKeysForInstrument(ctx, symbol, timeframe, env)
	if err != nil {
		snap.Reasons = append(snap.Reasons, ReasonError)
		return snap
	}
	for _, k := range keys {
		if !k.Active || !k.Enabled {
			continue
		}
		snap.EnabledKeysCount++
		if k.AllocatedQuote > 0 {
			snap.AllocatedOK = true
		}
	}
	snap.BalanceOK = snap.AllocatedOK
	switch {
	case snap.EnabledKeysCount == 0:
		snap.Reasons = append(snap.Reasons, ReasonNoEnabledKeys)
	case !snap.AllocatedOK:
		snap.Reasons = append(snap.Reasons, ReasonNoAllocation)
	}
	snap.AutoReady = snap.EnabledKeysCount > 0 && snap.AllocatedOK
	return snap
}
