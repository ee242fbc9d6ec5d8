package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentgrid/agentgrid/internal/coordinator/claim"
	"github.com/agentgrid/agentgrid/internal/types"
)

var (
	claimAccountID   string
	claimMaxTasks    int
	claimWorkspaceID string
	claimTaskID      string
	claimRunner      string
	claimCaps        []string
	claimHostURL     string
	claimBranch      string

	reassignForce bool
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim pending tasks for an account",
	Long: `Atomically claim up to --max pending tasks and mint one worker per
claimed task. Claims respect the account's concurrent worker limit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if claimAccountID == "" {
			return fmt.Errorf("account is required (use --account flag)")
		}

		result, err := newClient().Claim(context.Background(), claim.ClaimRequest{
			AccountID:    claimAccountID,
			MaxTasks:     claimMaxTasks,
			WorkspaceID:  claimWorkspaceID,
			TaskID:       claimTaskID,
			Runner:       types.Runner(claimRunner),
			Capabilities: claimCaps,
			HostURL:      claimHostURL,
			Branch:       claimBranch,
		})
		if err != nil {
			var capErr *claim.CapacityError
			if errors.As(err, &capErr) {
				return fmt.Errorf("account at capacity: %d of %d workers active", capErr.Current, capErr.Limit)
			}
			return fmt.Errorf("claim failed: %w", err)
		}

		if len(result.Workers) == 0 {
			fmt.Println("No claimable tasks.")
			if result.Diagnostics != "" && IsVerbose() {
				fmt.Printf("  %s\n", result.Diagnostics)
			}
			return nil
		}

		fmt.Printf("Claimed %d task(s):\n", len(result.Workers))
		for _, cw := range result.Workers {
			fmt.Printf("  worker %s  task %s  %q\n", cw.WorkerID, cw.Task.TaskID, cw.Task.Title)
			if cw.SecretRef != "" {
				fmt.Printf("    secret ref: %s (single use, expires soon)\n", cw.SecretRef)
			}
		}
		return nil
	},
}

var reassignCmd = &cobra.Command{
	Use:   "reassign [task-id]",
	Short: "Release a claimed task back to pending",
	Long: `Release a claimed task so another host can pick it up. Without --force
this only succeeds when the claiming host has gone stale.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().ReassignTask(context.Background(), args[0], reassignForce)
		if err != nil {
			return fmt.Errorf("reassign failed: %w", err)
		}

		fmt.Printf("Task %s released back to pending.\n", result.Task.TaskID)
		if IsVerbose() {
			fmt.Printf("  stale claim:    %v\n", result.IsStale)
			fmt.Printf("  online hosts:   %d\n", result.OnlineHosts)
			fmt.Printf("  spare capacity: %d\n", result.SpareCapacity)
		}
		return nil
	},
}

func init() {
	claimCmd.Flags().StringVar(&claimAccountID, "account", "", "account ID (required)")
	claimCmd.Flags().IntVar(&claimMaxTasks, "max", 1, "maximum tasks to claim")
	claimCmd.Flags().StringVar(&claimWorkspaceID, "workspace", "", "restrict to one workspace")
	claimCmd.Flags().StringVar(&claimTaskID, "task", "", "claim one specific task")
	claimCmd.Flags().StringVar(&claimRunner, "runner", "", "runner kind of the claiming host")
	claimCmd.Flags().StringSliceVar(&claimCaps, "capability", nil, "capability offered by the claiming host (repeatable)")
	claimCmd.Flags().StringVar(&claimHostURL, "host-url", "", "URL of the host that will run the workers")
	claimCmd.Flags().StringVar(&claimBranch, "branch", "", "branch the workers should start from")

	reassignCmd.Flags().BoolVar(&reassignForce, "force", false, "release even if the claiming host looks alive (admin)")

	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(reassignCmd)
}
