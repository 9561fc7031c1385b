package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/benmeehan/boxrelay/internal/auth"
	"github.com/benmeehan/boxrelay/internal/store"
	"github.com/benmeehan/boxrelay/pkg/file"
	"github.com/benmeehan/boxrelay/pkg/identity"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// withAuthenticator opens the configured store for one admin command.
func withAuthenticator(cmd *cobra.Command, fn func(ctx context.Context, st store.Store, a *auth.Authenticator) error) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if config.Storage.Driver == store.DriverMemory {
		return errors.New("admin commands need persistent storage; set storage.driver to sqlite")
	}
	ctx := cmd.Context()
	st, err := openStore(ctx, config, file.NewFileService())
	if err != nil {
		return err
	}
	defer st.Close()

	a, err := auth.NewAuthenticator(st, config.Relay.MinAgentVersion, zerolog.Nop())
	if err != nil {
		return err
	}
	return fn(ctx, st, a)
}

func newKeysCommand() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage box API keys",
	}

	issue := &cobra.Command{
		Use:   "issue <box-id>",
		Short: "Issue a new API key for a box; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuthenticator(cmd, func(ctx context.Context, _ store.Store, a *auth.Authenticator) error {
				issued, err := a.IssueAPIKey(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonMode, _ := cmd.Flags().GetBool("json"); jsonMode {
					return printJSON(cmd, issued)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Key ID: %s\nSecret: %s\n", issued.Key.ID, issued.Secret)
				return nil
			})
		},
	}
	issue.Flags().Bool("json", false, "Output JSON")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key; open connections stay up until they reconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuthenticator(cmd, func(ctx context.Context, _ store.Store, a *auth.Authenticator) error {
				if err := a.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
				return nil
			})
		},
	}

	keys.AddCommand(issue, revoke)
	return keys
}

func newBoxesCommand() *cobra.Command {
	boxes := &cobra.Command{
		Use:   "boxes",
		Short: "Manage boxes",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a box for a customer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			customer, _ := cmd.Flags().GetString("customer")
			name, _ := cmd.Flags().GetString("name")
			hardwareID, _ := cmd.Flags().GetString("hardware-id")
			return withAuthenticator(cmd, func(ctx context.Context, _ store.Store, a *auth.Authenticator) error {
				box, err := a.CreateBox(ctx, customer, name, hardwareID)
				if err != nil {
					return err
				}
				return printJSON(cmd, box)
			})
		},
	}
	create.Flags().String("customer", "", "Owning customer ID")
	create.Flags().String("name", "", "Display name")
	create.Flags().String("hardware-id", "", "Pin the box to this hardware ID instead of binding on first auth")
	_ = create.MarkFlagRequired("customer")

	boxes.AddCommand(create)
	return boxes
}

func newHwidCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hwid",
		Short: "Generate a random hardware ID",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := identity.GenerateHardwareID()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <box-id>",
		Short: "Show recent commands executed on a box",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withAuthenticator(cmd, func(ctx context.Context, st store.Store, _ *auth.Authenticator) error {
				logs, err := st.ListCommandLogs(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if jsonMode, _ := cmd.Flags().GetBool("json"); jsonMode {
					return printJSON(cmd, logs)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tCOMMAND\tSTATUS\tERROR\tDURATION")
				for _, entry := range logs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", entry.CreatedAt.Format(time.RFC3339), entry.Command,
						entry.Status, entry.Error, time.Duration(entry.DurationMs)*time.Millisecond)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum entries to show")
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}
