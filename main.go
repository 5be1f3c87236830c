// reversal-core runs per-instrument U-reversal scanners against Binance spot.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "v0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "reversal-core",
		Short:         "U-reversal scanner and executor for Binance spot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(instrumentsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reversal-core version %s\n", version)
		},
	}
}
