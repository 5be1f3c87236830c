package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reversal-core/pkg/config"
	"reversal-core/pkg/crypto"
	"reversal-core/pkg/db"
	"reversal-core/pkg/db/postgres"
	"reversal-core/pkg/i18n"
)

const masterKeyEnv = "MASTER_ENCRYPTION_KEY"

// setupLogging configures the global zerolog logger from the environment.
func setupLogging(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stderr
	if cfg.Env != "production" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return log.Logger
}

// bootstrap loads config, logging, language and the credential keyring.
// The keyring is nil when no master key is configured.
func bootstrap() (*config.Config, *crypto.Keyring, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logger := setupLogging(cfg)
	i18n.SetLanguage(i18n.Language(cfg.Language))

	kr, err := crypto.LoadKeyring(masterKeyEnv)
	if err != nil {
		if !errors.Is(err, crypto.ErrKeyNotFound) {
			return nil, nil, logger, err
		}
		logger.Warn().Msg("no master encryption key; api credentials are stored unencrypted")
		kr = nil
	}
	return cfg, kr, logger, nil
}

// openStore opens the configured backend and applies its schema.
func openStore(ctx context.Context, cfg *config.Config, kr *crypto.Keyring) (db.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres driver")
		}
		s, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DatabaseURL})
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		if kr != nil {
			s.WithOpener(kr)
		}
		return s, nil
	case "sqlite", "":
		d, err := db.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := db.ApplyMigrations(d); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		if kr != nil {
			d.WithOpener(kr)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}
