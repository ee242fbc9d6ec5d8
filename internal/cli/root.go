package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/agentgrid/agentgrid/internal/host/client"
)

var (
	coordinatorURL string
	authToken      string
	verbose        bool
)

var rootCmd = &cobra.Command{
	Use:   "gridctl",
	Short: "gridctl - control plane CLI for the agentgrid coordinator",
	Long: `gridctl talks to the agentgrid coordinator REST API.

It creates tasks, claims work onto hosts, inspects workers and hosts,
relays control commands to running workers, and manages stored secrets.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&coordinatorURL, "coordinator", "http://localhost:8080", "coordinator API URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token (defaults to $AGENTGRID_TOKEN)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func initConfig() {
	if envURL := os.Getenv("AGENTGRID_COORDINATOR_URL"); envURL != "" && coordinatorURL == "http://localhost:8080" {
		coordinatorURL = envURL
	}
	if authToken == "" {
		authToken = os.Getenv("AGENTGRID_TOKEN")
	}
}

func newClient() *client.Client {
	return client.NewClient(coordinatorURL, authToken)
}

// IsVerbose returns whether verbose mode is enabled
func IsVerbose() bool {
	return verbose
}
