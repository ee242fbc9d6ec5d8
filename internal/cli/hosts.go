package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var hostsAccountID string

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List live hosts by workspace",
	Long:  `List hosts whose heartbeat is within the liveness window, grouped by the workspaces they serve.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		groups, err := newClient().ListHosts(context.Background(), hostsAccountID)
		if err != nil {
			return fmt.Errorf("failed to list hosts: %w", err)
		}

		if len(groups) == 0 {
			fmt.Println("No live hosts.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprint(w, "WORKSPACE\tACCOUNT\tHOST\tACTIVE\tMAX\tLAST HEARTBEAT\n")

		total := 0
		for _, g := range groups {
			workspace := g.WorkspaceID
			if workspace == "" {
				workspace = "-"
			}
			for _, h := range g.Hosts {
				_, _ = fmt.Fprintf(
					w, "%s\t%s\t%s\t%d\t%d\t%s ago\n",
					truncate(workspace, 40),
					h.AccountID,
					h.HostURL,
					h.ActiveWorkers,
					h.MaxWorkers,
					formatDuration(time.Since(h.LastHeartbeatAt)),
				)
				total++
			}
		}

		_ = w.Flush()

		if IsVerbose() {
			fmt.Printf("\nTotal: %d host(s) across %d workspace(s)\n", total, len(groups))
		}
		return nil
	},
}

func init() {
	hostsCmd.Flags().StringVar(&hostsAccountID, "account", "", "filter by account ID")
	rootCmd.AddCommand(hostsCmd)
}
