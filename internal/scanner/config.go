package scanner

import (
	"time"

	"reversal-core/internal/pattern"
	"reversal-core/internal/risk"
	"reversal-core/pkg/config"
)

// DefaultAlertCooldown spaces BUY attempts of one scanner.
const DefaultAlertCooldown = 300 * time.Second

// Config is the per-instrument scanner configuration.
type Config struct {
	Symbol    string
	Timeframe string
	Env       string

	ScanInterval  time.Duration
	AlertCooldown time.Duration

	// Kline fetch retries: attempts and first wait, doubled per retry.
	KlineAttempts  int
	KlineRetryWait time.Duration
	// Position state check retries.
	StateAttempts  int
	StateRetryWait time.Duration

	Params pattern.Params
	Rules  risk.ExitRules

	JournalCapacity int
}

// DefaultConfig returns the preset of a timeframe.
func DefaultConfig(symbol, timeframe, env string) (Config, error) {
	params, err := pattern.ParamsFor(timeframe)
	if err != nil {
		return Config{}, err
	}
	rules, err := risk.RulesFor(timeframe)
	if err != nil {
		return Config{}, err
	}
	interval := 1800 * time.Second
	if timeframe == "4h" {
		interval = 3600 * time.Second
	}
	return Config{
		Symbol:         symbol,
		Timeframe:      timeframe,
		Env:            env,
		ScanInterval:   interval,
		AlertCooldown:  DefaultAlertCooldown,
		KlineAttempts:  3,
		KlineRetryWait: time.Second,
		StateAttempts:  3,
		StateRetryWait: 2 * time.Second,
		Params:         params,
		Rules:          rules,
	}, nil
}

// FromDef builds a config from a definition file entry.
func FromDef(d config.ScannerDef) (Config, error) {
	cfg, err := DefaultConfig(d.Symbol, d.Timeframe, d.Env)
	if err != nil {
		return Config{}, err
	}
	if d.AlertCooldownSeconds > 0 {
		cfg.AlertCooldown = time.Duration(d.AlertCooldownSeconds) * time.Second
	}
	if d.ScanIntervalSeconds > 0 {
		cfg.ScanInterval = time.Duration(d.ScanIntervalSeconds) * time.Second
	}
	return cfg, nil
}
