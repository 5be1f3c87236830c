package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// GetAPIKeysForInstrument returns active keys of the environment with the instrument enabled.
func (d *Database) GetAPIKeysForInstrument(ctx context.Context, symbol, timeframe, env string) ([]APIKeyConfig, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT k.id, k.user_id, k.label, k.testnet, k.active, s.symbol, s.timeframe, s.enabled, s.allocated_quote
		FROM api_keys k
		JOIN instrument_settings s ON s.api_key_id = k.id
		WHERE s.symbol = ? AND s.timeframe = ? AND k.testnet = ? AND k.active = 1 AND s.enabled = 1
		ORDER BY k.created_at, k.id
	`, symbol, timeframe, boolInt(env == EnvTestnet))
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKeyConfig
	for rows.Next() {
		var (
			k                        APIKeyConfig
			testnet, active, enabled int
		)
		if err := rows.Scan(&k.ID, &k.UserID, &k.Label, &testnet, &active, &k.Symbol, &k.Timeframe, &enabled, &k.AllocatedQuote); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.Testnet, k.Active, k.Enabled = testnet == 1, active == 1, enabled == 1
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ResolveCredentials returns the clear key and secret of an active api key.
func (d *Database) ResolveCredentials(ctx context.Context, apiKeyID string) (string, string, error) {
	var key, secret string
	err := d.DB.QueryRowContext(ctx,
		`SELECT api_key, api_secret FROM api_keys WHERE id = ? AND active = 1`, apiKeyID,
	).Scan(&key, &secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("api key %s: %w", apiKeyID, ErrNoCredentials)
	}
	if err != nil {
		return "", "", fmt.Errorf("query credentials: %w", err)
	}
	return OpenCredentials(d.opener, key, secret)
}

// CreateAPIKey stores a new active api key.
func (d *Database) CreateAPIKey(ctx context.Context, k NewAPIKey) (string, error) {
	if k.UserID == "" {
		return "", ErrUserIDRequired
	}
	id := uuid.NewString()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, label, api_key, api_secret, testnet, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`, id, k.UserID, k.Label, k.Key, k.Secret, boolInt(k.Testnet), toMillis(d.now()))
	if err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return id, nil
}

// UpsertInstrumentSetting creates or replaces the toggles of one instrument.
func (d *Database) UpsertInstrumentSetting(ctx context.Context, s InstrumentSetting) error {
	if s.AllocatedQuote < 0 {
		return fmt.Errorf("allocated quote must be non-negative")
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO instrument_settings (api_key_id, symbol, timeframe, enabled, allocated_quote, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(api_key_id, symbol, timeframe) DO UPDATE SET
			enabled = excluded.enabled,
			allocated_quote = excluded.allocated_quote,
			updated_at = excluded.updated_at
	`, s.APIKeyID, s.Symbol, s.Timeframe, boolInt(s.Enabled), s.AllocatedQuote, toMillis(d.now()))
	if err != nil {
		return fmt.Errorf("upsert instrument setting: %w", err)
	}
	return nil
}

// SetAPIKeyActive toggles an api key.
func (d *Database) SetAPIKeyActive(ctx context.Context, id string, active bool) error {
	res, err := d.DB.ExecContext(ctx, `UPDATE api_keys SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenCredentials decrypts a stored key pair with o, or returns it as is when o is nil.
func OpenCredentials(o Opener, key, secret string) (string, string, error) {
	if o == nil {
		return key, secret, nil
	}
	k, err := o.Open(key)
	if err != nil {
		return "", "", fmt.Errorf("open api key: %w: %v", ErrNoCredentials, err)
	}
	s, err := o.Open(secret)
	if err != nil {
		return "", "", fmt.Errorf("open api secret: %w: %v", ErrNoCredentials, err)
	}
	return k, s, nil
}
