// Command walletproviderd runs the wallet provider.
// This file implements the administrative commands: migrate, user and org.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/ttacon/chalk"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/config"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/storage"
)

// withStore runs fn against the configured persistent store.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store storage.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Writes to the in-memory store would vanish with the process
	if cfg.StoreBackend == "memory" {
		return errors.New("this command needs WP_STORE_BACKEND=postgres or mongo")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	store, closeStore, err := openStore(ctx, cfg, newLogger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, store)
}

// newMigrateCmd applies the PostgreSQL schema or the MongoDB indexes.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema (PostgreSQL tables, MongoDB indexes)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// openStore applies migrations and indexes on connect.
			return withStore(cmd, func(context.Context, storage.Store) error {
				fmt.Fprintf(cmd.OutOrStdout(), "%sschema is up to date%s\n", chalk.Green, chalk.Reset)
				return nil
			})
		},
	}
}

// newUserCmd groups the commands acting on wallet users: add and bindings.
func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage wallet users",
	}

	var email, organization, password string
	add := &cobra.Command{
		Use:   "add",
		Short: "Provision a wallet user; a random password is generated when none is given",
		RunE: func(cmd *cobra.Command, _ []string) error {
			generated := password == ""
			if generated {
				var err error
				if password, err = randomPassword(); err != nil {
					return err
				}
			}
			hash, err := storage.HashPassword(password)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				if err := store.PutUser(ctx, model.UserRecord{
					Email:        strings.TrimSpace(email),
					PasswordHash: hash,
					Organization: organization,
					Status:       model.AccountActive,
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%suser %s added to %s%s\n", chalk.Green, email, organization, chalk.Reset)
				// Shown once; only the hash is stored
				if generated {
					fmt.Fprintf(cmd.OutOrStdout(), "%spassword: %s%s\n", chalk.Yellow, password, chalk.Reset)
				}
				return nil
			})
		},
	}
	add.Flags().StringVar(&email, "email", "", "user login")
	add.Flags().StringVar(&organization, "organization", "", "organization the user belongs to")
	add.Flags().StringVar(&password, "password", "", "password; generated when empty")
	_ = add.MarkFlagRequired("email")
	_ = add.MarkFlagRequired("organization")

	var bindingsEmail string
	bindings := &cobra.Command{
		Use:   "bindings",
		Short: "Show the wallet binding history of a user, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				return writeBindings(ctx, cmd.OutOrStdout(), store, bindingsEmail)
			})
		},
	}
	bindings.Flags().StringVar(&bindingsEmail, "email", "", "user login")
	_ = bindings.MarkFlagRequired("email")

	cmd.AddCommand(add, bindings)
	return cmd
}

// writeBindings prints one line per binding log entry. Entries recorded while
// another attestation was bound are flagged as conflicts.
func writeBindings(ctx context.Context, w io.Writer, store storage.BindingLogStore, email string) error {
	entries, err := store.ListBindings(ctx, email)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(w, "%sno wallet has been bound to %s%s\n", chalk.Yellow, email, chalk.Reset)
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  jti=%s  wallet=%s  correlationId=%s",
			e.BoundAt.UTC().Format(time.RFC3339), e.JTI, e.Thumbprint, e.CorrelationID)
		if e.Conflict {
			fmt.Fprintf(w, "%s%s  conflict%s\n", chalk.Red, line, chalk.Reset)
			continue
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// newOrgCmd groups the commands acting on organization profiles.
func newOrgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organization wallet profiles",
	}

	var name, file string
	put := &cobra.Command{
		Use:   "put",
		Short: "Store an organization's wallet profile from a JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			org, err := organizationFromProfile(name, raw)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				if err := store.PutOrganizationConfig(ctx, org); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sprofile %s stored for %s (active=%t)%s\n",
					chalk.Green, org.ProfileID, org.Organization, org.Active, chalk.Reset)
				return nil
			})
		},
	}
	put.Flags().StringVar(&name, "organization", "", "organization name")
	put.Flags().StringVar(&file, "file", "", "wallet profile JSON document")
	_ = put.MarkFlagRequired("organization")
	_ = put.MarkFlagRequired("file")

	cmd.AddCommand(put)
	return cmd
}

// organizationFromProfile reads the profile identifier from
// generalOptions.profileId and the active flag from organizationStatus,
// which defaults to true.
func organizationFromProfile(name string, raw []byte) (model.OrganizationConfig, error) {
	var profile map[string]any
	if err := json.Unmarshal(raw, &profile); err != nil {
		return model.OrganizationConfig{}, fmt.Errorf("profile: %w", err)
	}
	general, _ := profile["generalOptions"].(map[string]any)
	profileID, _ := general["profileId"].(string)
	if profileID == "" {
		return model.OrganizationConfig{}, errors.New("profile: generalOptions.profileId is required")
	}
	active := true
	if status, ok := profile["organizationStatus"].(bool); ok {
		active = status
	}
	return model.OrganizationConfig{
		Organization: name,
		Active:       active,
		ProfileID:    profileID,
		Profile:      profile,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

// randomPassword returns 16 URL-safe characters for a generated login.
func randomPassword() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
