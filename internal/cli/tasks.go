package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentgrid/agentgrid/internal/coordinator/api"
	"github.com/agentgrid/agentgrid/internal/types"
)

var (
	taskWorkspace    string
	taskDescription  string
	taskPriority     int
	taskRunner       string
	taskCapabilities []string
	taskSecretID     string
	taskExpiresIn    time.Duration
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a new task",
	Long:  `Create a pending task that any eligible host may claim.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskWorkspace == "" {
			return fmt.Errorf("workspace is required (use --workspace flag)")
		}

		req := api.CreateTaskRequest{
			WorkspaceID:          taskWorkspace,
			Title:                args[0],
			Description:          taskDescription,
			Priority:             taskPriority,
			Runner:               types.Runner(taskRunner),
			RequiredCapabilities: taskCapabilities,
			SecretID:             taskSecretID,
		}
		if taskExpiresIn > 0 {
			t := time.Now().Add(taskExpiresIn)
			req.ExpiresAt = &t
		}

		task, err := newClient().CreateTask(context.Background(), req)
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}

		fmt.Println("Task created successfully:")
		fmt.Printf("  ID:        %s\n", task.TaskID)
		fmt.Printf("  Workspace: %s\n", task.WorkspaceID)
		fmt.Printf("  Title:     %s\n", task.Title)
		fmt.Printf("  Status:    %s\n", task.Status)
		fmt.Printf("  Priority:  %d\n", task.Priority)
		if task.SecretID != "" {
			fmt.Printf("  Secret:    %s\n", task.SecretID)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long:  `List tasks, optionally filtered by workspace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := newClient().ListTasks(context.Background(), taskWorkspace)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprint(w, "ID\tWORKSPACE\tTITLE\tSTATUS\tPRIORITY\tCLAIMED BY\tAGE\n")

		for _, task := range tasks {
			claimedBy := task.ClaimedBy
			if claimedBy == "" {
				claimedBy = "-"
			}
			_, _ = fmt.Fprintf(
				w, "%s\t%s\t%s\t%s\t%d\t%s\t%s ago\n",
				task.TaskID,
				task.WorkspaceID,
				truncate(task.Title, 40),
				task.Status,
				task.Priority,
				claimedBy,
				formatDuration(time.Since(task.CreatedAt)),
			)
		}

		_ = w.Flush()

		if IsVerbose() {
			fmt.Printf("\nTotal tasks: %d\n", len(tasks))
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskWorkspace, "workspace", "", "workspace ID (required)")
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	taskCreateCmd.Flags().IntVar(&taskPriority, "priority", 0, "task priority (higher claims first)")
	taskCreateCmd.Flags().StringVar(&taskRunner, "runner", "", "runner restriction (any, user, service, action)")
	taskCreateCmd.Flags().StringSliceVar(&taskCapabilities, "capability", nil, "required host capability (repeatable)")
	taskCreateCmd.Flags().StringVar(&taskSecretID, "secret", "", "secret ID the worker needs at start")
	taskCreateCmd.Flags().DurationVar(&taskExpiresIn, "expires-in", 0, "drop the task if unclaimed after this duration")

	taskListCmd.Flags().StringVar(&taskWorkspace, "workspace", "", "filter by workspace ID")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	rootCmd.AddCommand(taskCmd)
}
