package readiness

import (
	"context"
	"errors"
	"testing"

	"reversal-core/pkg/db"
)

type keysFunc func() ([]db.APIKeyConfig, error)

func (f keysFunc) GetAPIKeysForInstrument(context.Context, string, string, string) ([]db.APIKeyConfig, error) {
	return f()
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		keys    []db.APIKeyConfig
		err     error
		ready   bool
		count   int
		reasons []string
	}{
		{name: "ready", keys: []db.APIKeyConfig{{Active: true, Enabled: true, AllocatedQuote: 200}}, ready: true, count: 1, reasons: []string{}},
		{name: "no keys", reasons: []string{ReasonNoEnabledKeys}},
		{name: "no allocation", keys: []db.APIKeyConfig{{Active: true, Enabled: true}}, count: 1, reasons: []string{ReasonNoAllocation}},
		{name: "inactive ignored", keys: []db.APIKeyConfig{{Active: false, Enabled: true, AllocatedQuote: 5}}, reasons: []string{ReasonNoEnabledKeys}},
		{name: "repository error", err: errors.New("db down"), reasons: []string{ReasonError}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewEvaluator(keysFunc(func() ([]db.APIKeyConfig, error) { return tt.keys, tt.err }))
			snap := ev.Evaluate(context.Background(), "BTCUSDT", "30m", db.EnvMainnet)
			if snap.AutoReady != tt.ready || snap.EnabledKeysCount != tt.count || snap.BalanceOK != tt.ready {
				t.Fatalf("unexpected snapshot %+v", snap)
			}
			if len(snap.Reasons) != len(tt.reasons) || (len(tt.reasons) > 0 && snap.Reasons[0] != tt.reasons[0]) {
				t.Fatalf("reasons %v, want %v", snap.Reasons, tt.reasons)
			}
		})
	}
}
