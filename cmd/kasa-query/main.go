// Kasa-query is a command-line client for TP-Link Kasa and Tapo devices.
//
// It connects to one or more devices over the transport their firmware
// speaks (XOR, KLAP, AES, Linkie or SSL-AES), sends a batch of method calls
// and prints the per-method results. Known devices can be stored by alias
// in the configuration file; passwords are never written to disk.
//
// Usage:
//
//	kasa-query [command] [flags]
//
// See 'kasa-query --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/muurk/kasalink/internal/logging"
	"github.com/muurk/kasalink/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "kasa-query",
	Short: "Query TP-Link Kasa and Tapo devices",
	Long: `A command-line client for TP-Link Kasa and Tapo smart home devices.

Sends batches of method calls over the device's local transport and prints
one result per method. Devices can be addressed directly with --host or by
an alias registered with 'kasa-query add-device'.

Logging is silent unless --log-level or KASALINK_LOG_LEVEL is set.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(logLevel)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kasa-query %s\n", version.Full())
	},
}
