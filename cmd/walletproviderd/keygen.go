// Command walletproviderd runs the wallet provider.
// This file implements the keygen command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ttacon/chalk"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/jose"
)

// newKeygenCmd prints a fresh provider key in the keys file shape read by
// WP_SIGNING_KEY_FILE.
func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a P-256 provider signing key as a keys file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := jose.GenerateKeyFile()
			if err != nil {
				return err
			}
			// No file: print to stdout so the key can be piped into a secret store
			if out == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return err
			}
			if err := os.WriteFile(out, append(raw, '\n'), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%swrote signing key to %s%s\n", chalk.Green, out, chalk.Reset)
			fmt.Fprintf(cmd.ErrOrStderr(), "%spublish its public half in the provider DID document before serving%s\n", chalk.Yellow, chalk.Reset)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the keys file here instead of stdout")
	return cmd
}
