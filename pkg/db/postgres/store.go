// Package postgres implements the repository on PostgreSQL with row-level locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"reversal-core/pkg/db"
)

// Config holds pool settings.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store is the PostgreSQL-backed db.Store.
type Store struct {
	pool   *pgxpool.Pool
	opener db.Opener
	now    func() time.Time
}

var _ db.Store = (*Store)(nil)

var dialect = db.Dialect{
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	Bool:        func(b bool) any { return b },
	Time:        func(t time.Time) any { return t },
}

// Open connects the pool and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("postgres pool ready")
	return &Store{pool: pool, now: time.Now}, nil
}

// WithOpener sets the credential decrypter.
func (s *Store) WithOpener(o db.Opener) *Store {
	s.opener = o
	return s
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetAPIKeysForInstrument(ctx context.Context, symbol, timeframe, env string) ([]db.APIKeyConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT k.id, k.user_id, k.label, k.testnet, k.active, s.symbol, s.timeframe, s.enabled, s.allocated_quote
		FROM api_keys k
		JOIN instrument_settings s ON s.api_key_id = k.id
		WHERE s.symbol = $1 AND s.timeframe = $2 AND k.testnet = $3 AND k.active AND s.enabled
		ORDER BY k.created_at, k.id
	`, symbol, timeframe, env == db.EnvTestnet)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []db.APIKeyConfig
	for rows.Next() {
		var k db.APIKeyConfig
		if err := rows.Scan(&k.ID, &k.UserID, &k.Label, &k.Testnet, &k.Active, &k.Symbol, &k.Timeframe, &k.Enabled, &k.AllocatedQuote); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) ResolveCredentials(ctx context.Context, apiKeyID string) (string, string, error) {
	var key, secret string
	err := s.pool.QueryRow(ctx, `SELECT api_key, api_secret FROM api_keys WHERE id = $1 AND active`, apiKeyID).Scan(&key, &secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", fmt.Errorf("api key %s: %w", apiKeyID, db.ErrNoCredentials)
	}
	if err != nil {
		return "", "", fmt.Errorf("query credentials: %w", err)
	}
	return db.OpenCredentials(s.opener, key, secret)
}

func (s *Store) CreateAPIKey(ctx context.Context, k db.NewAPIKey) (string, error) {
	if k.UserID == "" {
		return "", db.ErrUserIDRequired
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, label, api_key, api_secret, testnet, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
	`, id, k.UserID, k.Label, k.Key, k.Secret, k.Testnet, s.now())
	if err != nil {
		return "", fmt.Errorf("insert api key: %w", err)
	}
	return id, nil
}

func (s *Store) UpsertInstrumentSetting(ctx context.Context, in db.InstrumentSetting) error {
	if in.AllocatedQuote < 0 {
		return fmt.Errorf("allocated quote must be non-negative")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instrument_settings (api_key_id, symbol, timeframe, enabled, allocated_quote, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (api_key_id, symbol, timeframe) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			allocated_quote = EXCLUDED.allocated_quote,
			updated_at = EXCLUDED.updated_at
	`, in.APIKeyID, in.Symbol, in.Timeframe, in.Enabled, in.AllocatedQuote, s.now())
	if err != nil {
		return fmt.Errorf("upsert instrument setting: %w", err)
	}
	return nil
}
