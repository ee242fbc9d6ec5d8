package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentgrid/agentgrid/internal/host/client"
	"github.com/agentgrid/agentgrid/internal/types"
)

var workersAccountID string

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List workers",
	Long:  `List workers and their lifecycle state, optionally filtered by account.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, err := newClient().ListWorkers(context.Background(), workersAccountID)
		if err != nil {
			return fmt.Errorf("failed to list workers: %w", err)
		}

		if len(workers) == 0 {
			fmt.Println("No workers found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprint(w, "ID\tTASK\tSTATUS\tACTION\tCOST\tTOKENS\tUPDATED\n")

		for _, worker := range workers {
			action := worker.Action
			if worker.Status == types.WorkerWaitingInput && worker.WaitingFor != "" {
				action = "waiting: " + worker.WaitingFor
			}
			if action == "" {
				action = "-"
			}
			_, _ = fmt.Fprintf(
				w, "%s\t%s\t%s\t%s\t$%.2f\t%d\t%s ago\n",
				worker.WorkerID,
				worker.TaskID,
				worker.Status,
				truncate(action, 40),
				worker.CostUSD,
				worker.Tokens,
				formatDuration(time.Since(worker.UpdatedAt)),
			)
		}

		_ = w.Flush()

		if IsVerbose() {
			fmt.Printf("\nTotal workers: %d\n", len(workers))
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [worker-id] [message]",
	Short: "Send a message to a running worker",
	Long:  `Relay a follow-up instruction into a running worker's session.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := newClient().SendCommand(context.Background(), args[0], types.CommandMessage, args[1])
		if err != nil {
			return describeCommandError(err)
		}
		fmt.Printf("Message sent to worker %s\n", args[0])
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort [worker-id]",
	Short: "Abort a running worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("worker-id is required")
		}
		err := newClient().SendCommand(context.Background(), args[0], types.CommandAbort, "")
		if err != nil {
			return describeCommandError(err)
		}
		fmt.Printf("Abort requested for worker %s\n", args[0])
		return nil
	},
}

func describeCommandError(err error) error {
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == 404 {
		return fmt.Errorf("worker not found")
	}
	return fmt.Errorf("failed to send command: %w", err)
}

func init() {
	workersCmd.Flags().StringVar(&workersAccountID, "account", "", "filter by account ID")

	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(abortCmd)
}
