package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reversal-core/internal/gateway"
	"reversal-core/internal/pattern"
	"reversal-core/pkg/db"
	"reversal-core/pkg/exchanges/common"
)

func detectCmd() *cobra.Command {
	var symbol, timeframe, env string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Fetch one kline window and print the detector result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := bootstrap()
			if err != nil {
				return err
			}
			e, ok := common.ParseEnv(strings.ToLower(env))
			if !ok {
				return fmt.Errorf("unsupported env %q", env)
			}
			params, err := pattern.ParamsFor(timeframe)
			if err != nil {
				return err
			}

			pcfg := gateway.DefaultConfig(e)
			pcfg.RecvWindow = cfg.RecvWindowMs
			pool := gateway.NewPool(pcfg, nil, nil)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			sym := strings.ToUpper(symbol)
			candles, err := pool.FetchKlines(ctx, sym, timeframe, params.Window)
			if err != nil {
				return fmt.Errorf("fetch klines: %w", err)
			}
			if len(candles) == 0 {
				return errors.New("exchange returned no klines")
			}
			signals := pattern.Detect(candles, params)
			for i := range signals {
				signals[i].Symbol = sym
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"symbol":    sym,
				"timeframe": timeframe,
				"env":       string(e),
				"candles":   len(candles),
				"price":     candles[len(candles)-1].Close,
				"signals":   signals,
			})
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "BTCUSDT", "Trading pair")
	cmd.Flags().StringVar(&timeframe, "timeframe", "30m", "Timeframe: 30m or 4h")
	cmd.Flags().StringVar(&env, "env", "mainnet", "Environment: mainnet or testnet")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, kr, logger, err := bootstrap()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, kr)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info().Str("driver", cfg.DBDriver).Msg("schema up to date")
			return nil
		},
	}
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage exchange api keys",
	}

	var userID, label, key, secret string
	var testnet bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Encrypt and store an api key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || key == "" || secret == "" {
				return errors.New("--user, --key and --secret are required")
			}
			cfg, kr, logger, err := bootstrap()
			if err != nil {
				return err
			}
			storedKey, storedSecret := key, secret
			if kr != nil {
				if storedKey, err = kr.Seal(key); err != nil {
					return fmt.Errorf("seal api key: %w", err)
				}
				if storedSecret, err = kr.Seal(secret); err != nil {
					return fmt.Errorf("seal api secret: %w", err)
				}
			}
			store, err := openStore(cmd.Context(), cfg, kr)
			if err != nil {
				return err
			}
			defer store.Close()
			id, err := store.CreateAPIKey(cmd.Context(), db.NewAPIKey{
				UserID:  userID,
				Label:   label,
				Key:     storedKey,
				Secret:  storedSecret,
				Testnet: testnet,
			})
			if err != nil {
				return err
			}
			logger.Info().Str("api_key_id", id).Bool("testnet", testnet).Bool("sealed", kr != nil).Msg("api key stored")
			fmt.Println(id)
			return nil
		},
	}
	add.Flags().StringVar(&userID, "user", "", "Owner user id")
	add.Flags().StringVar(&label, "label", "", "Optional label")
	add.Flags().StringVar(&key, "key", "", "Exchange api key")
	add.Flags().StringVar(&secret, "secret", "", "Exchange api secret")
	add.Flags().BoolVar(&testnet, "testnet", false, "Key belongs to the spot testnet")
	cmd.AddCommand(add)
	return cmd
}

func instrumentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "Manage per-instrument trading toggles",
	}

	var keyID, symbol, timeframe string
	var allocated float64
	var enabled bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Enable or disable an instrument for an api key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyID == "" || symbol == "" {
				return errors.New("--key-id and --symbol are required")
			}
			if _, err := pattern.ParamsFor(timeframe); err != nil {
				return err
			}
			cfg, kr, logger, err := bootstrap()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, kr)
			if err != nil {
				return err
			}
			defer store.Close()
			setting := db.InstrumentSetting{
				APIKeyID:       keyID,
				Symbol:         strings.ToUpper(symbol),
				Timeframe:      timeframe,
				Enabled:        enabled,
				AllocatedQuote: allocated,
			}
			if err := store.UpsertInstrumentSetting(cmd.Context(), setting); err != nil {
				return err
			}
			logger.Info().
				Str("api_key_id", keyID).
				Str("symbol", setting.Symbol).
				Str("timeframe", timeframe).
				Bool("enabled", enabled).
				Float64("allocated_quote", allocated).
				Msg("instrument setting saved")
			return nil
		},
	}
	set.Flags().StringVar(&keyID, "key-id", "", "Api key id")
	set.Flags().StringVar(&symbol, "symbol", "", "Trading pair")
	set.Flags().StringVar(&timeframe, "timeframe", "30m", "Timeframe: 30m or 4h")
	set.Flags().Float64Var(&allocated, "allocated", 0, "Quote amount per BUY")
	set.Flags().BoolVar(&enabled, "enabled", true, "Whether auto-trading is enabled")
	cmd.AddCommand(set)
	return cmd
}

