package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"media-intelligence/pkg/secrets"
)

func newSecretsCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage stored credentials",
		Long: `Manage the credentials media-intel reads at startup: huggingface_token for
the local diarization helper, transcribe_key and service_key for the hosted
services.

The store is chosen by secrets.backend: the OS keyring, Azure Key Vault
(secrets.vault_url) or the environment. Values are never printed.`,
	}

	open := func() (*secrets.Manager, error) {
		return secrets.Open(g.cfg.Secrets, g.log)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			value := strings.TrimSpace(line)
			if value == "" {
				if err != nil {
					return fmt.Errorf("reading secret from stdin: %w", err)
				}
				return errors.New("empty secret")
			}
			if err := m.Set(cmd.Context(), args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s in %s\n", args[0], m.Backend())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <name>...",
		Short: "Report which secrets can be resolved",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			missing := 0
			for _, name := range args {
				_, err := m.Get(cmd.Context(), name)
				switch {
				case err == nil:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: found\n", name)
				case errors.Is(err, secrets.ErrNotFound):
					fmt.Fprintf(cmd.OutOrStdout(), "%s: missing\n", name)
					missing++
				default:
					return err
				}
			}
			if missing > 0 {
				return fmt.Errorf("%d of %d secrets missing", missing, len(args))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			if err := m.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s from %s\n", args[0], m.Backend())
			return nil
		},
	})

	return cmd
}
