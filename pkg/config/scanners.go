package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScannerDef is one entry of the scanner definition file. Zero durations
// mean the timeframe default.
type ScannerDef struct {
	Symbol               string `yaml:"symbol"`
	Timeframe            string `yaml:"timeframe"`
	Env                  string `yaml:"env"`
	AlertCooldownSeconds int    `yaml:"alert_cooldown_seconds"`
	ScanIntervalSeconds  int    `yaml:"scan_interval_seconds"`
}

type scannersFile struct {
	Scanners []ScannerDef `yaml:"scanners"`
}

var supportedTimeframes = map[string]bool{"30m": true, "4h": true}

// LoadScanners reads and validates a scanner definition file.
func LoadScanners(path string) ([]ScannerDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scanners file: %w", err)
	}
	return ParseScanners(raw)
}

// ParseScanners decodes scanner definitions, normalising symbol and env.
// Duplicate triples are rejected.
func ParseScanners(raw []byte) ([]ScannerDef, error) {
	var f scannersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode scanners file: %w", err)
	}
	seen := make(map[string]bool, len(f.Scanners))
	out := make([]ScannerDef, 0, len(f.Scanners))
	var errs []error
	for i, d := range f.Scanners {
		d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
		d.Timeframe = strings.TrimSpace(d.Timeframe)
		d.Env = strings.ToLower(strings.TrimSpace(d.Env))
		if d.Env == "" {
			d.Env = "mainnet"
		}
		if err := d.validate(); err != nil {
			errs = append(errs, fmt.Errorf("scanner %d: %w", i, err))
			continue
		}
		key := d.Symbol + "/" + d.Timeframe + "/" + d.Env
		if seen[key] {
			errs = append(errs, fmt.Errorf("scanner %d: duplicate %s", i, key))
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (d ScannerDef) validate() error {
	if d.Symbol == "" {
		return errors.New("symbol is required")
	}
	if !supportedTimeframes[d.Timeframe] {
		return fmt.Errorf("unsupported timeframe %q", d.Timeframe)
	}
	if d.Env != "mainnet" && d.Env != "testnet" {
		return fmt.Errorf("unsupported env %q", d.Env)
	}
	if d.AlertCooldownSeconds < 0 || d.ScanIntervalSeconds < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
