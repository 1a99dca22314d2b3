// Command walletproviderd runs the wallet provider: it hands nonces and wallet
// attestations to wallet apps and signed configurations to enterprise users.
// This file builds the command tree and the process logger.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/ttacon/chalk"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s%v%s\n", chalk.Red, err, chalk.Reset)
		os.Exit(1)
	}
}

// newRootCmd assembles the walletproviderd command tree. Errors are printed by
// main, so cobra's own usage and error output is silenced.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "walletproviderd",
		Short:         "Wallet provider: nonces, wallet attestations and organization configurations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newMigrateCmd(),
		newUserCmd(),
		newOrgCmd(),
	)
	return root
}

// newLogger builds the text logger used by every command. Unknown levels
// fall back to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
