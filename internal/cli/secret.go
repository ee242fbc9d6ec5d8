package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var secretName string

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage stored secrets (admin)",
}

var secretSetCmd = &cobra.Command{
	Use:   "set [secret-id]",
	Short: "Store or replace a secret",
	Long: `Store a secret under the given ID. The value is read from stdin so it
never appears in shell history or process listings.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(os.Stderr, "Secret value: ")
		reader := bufio.NewReader(os.Stdin)
		value, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read secret value: %w", err)
		}
		value = strings.TrimRight(value, "\r\n")
		if value == "" {
			return fmt.Errorf("secret value must not be empty")
		}

		if err := newClient().SetSecret(context.Background(), args[0], secretName, value); err != nil {
			return fmt.Errorf("failed to store secret: %w", err)
		}
		fmt.Printf("Secret %s stored.\n", args[0])
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newClient().ListSecrets(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list secrets: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No secrets stored.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprint(w, "ID\tNAME\tUPDATED\n")
		for _, s := range list {
			name := s.Name
			if name == "" {
				name = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s ago\n", s.SecretID, name, formatDuration(time.Since(s.UpdatedAt)))
		}
		_ = w.Flush()
		return nil
	},
}

var secretRmCmd = &cobra.Command{
	Use:   "rm [secret-id]",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeleteSecret(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to delete secret: %w", err)
		}
		fmt.Printf("Secret %s deleted.\n", args[0])
		return nil
	},
}

func init() {
	secretSetCmd.Flags().StringVar(&secretName, "name", "", "human-readable secret name")

	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretRmCmd)
	rootCmd.AddCommand(secretCmd)
}
