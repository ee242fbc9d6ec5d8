package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentgrid/agentgrid/internal/coordinator/claim"
	"github.com/agentgrid/agentgrid/internal/host/client"
	"github.com/agentgrid/agentgrid/internal/host/health"
	"github.com/agentgrid/agentgrid/internal/host/manager"
	"github.com/agentgrid/agentgrid/internal/host/outbox"
	"github.com/agentgrid/agentgrid/internal/host/runtime"
	"github.com/agentgrid/agentgrid/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	accountID := flag.String("account-id", "", "Account ID (required)")
	coordinatorURL := flag.String("coordinator-url", "http://localhost:8080", "Coordinator API URL")
	hostURL := flag.String("host-url", "", "URL this host is reachable at (required)")
	token := flag.String("token", os.Getenv("BEARER_TOKEN"), "Bearer token for the coordinator API")
	workspaceRoot := flag.String("workspace-root", ".", "Directory containing one checkout per workspace ID")
	workspaces := flag.String("workspaces", "", "Comma-separated workspace IDs this host serves")
	maxWorkers := flag.Int("max-workers", 3, "Maximum concurrent workers on this host")
	outboxPath := flag.String("outbox", "outbox.db", "Path to the offline outbox database")
	agentCmd := flag.String("agent-cmd", "agent", "Agent binary to run per worker")
	claimInterval := flag.Duration("claim-interval", time.Minute, "How often to poll for claimable tasks")
	flag.Parse()

	if *accountID == "" {
		log.Fatal("account-id is required")
	}
	if *hostURL == "" {
		log.Fatal("host-url is required")
	}

	logger := telemetry.NewLogger("host", os.Getenv("LOG_LEVEL"))

	box, err := outbox.Open(*outboxPath, logger)
	if err != nil {
		log.Fatalf("failed to open outbox: %v", err)
	}
	defer func() {
		if err := box.Close(); err != nil {
			logger.Warn("error closing outbox", "error", err)
		}
	}()

	api := client.NewClient(
		*coordinatorURL, *token,
		client.WithOutbox(box),
		client.WithLogger(logger),
	)

	workspaceIDs := splitList(*workspaces)
	mgr := manager.New(manager.Config{
		Client: api,
		Runtime: &runtime.ExecRuntime{
			Command:   *agentCmd,
			SecretEnv: "AGENT_SECRET",
			Logger:    logger,
		},
		Resolver:     dirResolver(*workspaceRoot),
		Logger:       logger,
		AccountID:    *accountID,
		HostURL:      *hostURL,
		WorkspaceIDs: workspaceIDs,
		MaxWorkers:   *maxWorkers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewChecker(*coordinatorURL, logger, nil)

	go checker.Run(ctx, health.DefaultInterval)
	go mgr.RunHeartbeatLoop(ctx, nil)
	go mgr.RunSyncLoop(ctx)
	go mgr.RunStaleSweep(ctx)
	go box.Run(ctx, 30*time.Second, func(ctx context.Context, e outbox.Entry) error {
		return api.Replay(ctx, e.Method, e.Path, e.Body)
	})
	go runClaimLoop(ctx, mgr, checker, *maxWorkers, *claimInterval, logger)

	logger.Info("host started",
		"accountId", *accountID,
		"coordinator", *coordinatorURL,
		"maxWorkers", *maxWorkers,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received, stopping workers")
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	for _, lw := range mgr.Workers() {
		mgr.Abort(drainCtx, lw.WorkerID)
	}

	logger.Info("host stopped")
}

// runClaimLoop polls for claimable work whenever local capacity is free.
// Capacity refusals from the server are expected and only logged.
func runClaimLoop(ctx context.Context, mgr *manager.Manager, checker *health.Checker, maxWorkers int, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !checker.Online() {
			continue
		}
		spare := maxWorkers - mgr.ActiveCount()
		if spare <= 0 {
			continue
		}
		started, err := mgr.ClaimAndStart(ctx, claim.ClaimRequest{MaxTasks: spare})
		if err != nil {
			logger.Debug("claim attempt failed", "error", err)
			continue
		}
		if len(started) > 0 {
			logger.Info("claimed tasks", "workers", started)
		}
	}
}

func dirResolver(root string) manager.WorkspaceResolver {
	return func(workspaceID string) (string, error) {
		dir := filepath.Join(root, workspaceID)
		info, err := os.Stat(dir)
		if err != nil {
			return "", fmt.Errorf("workspace checkout missing: %w", err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("workspace path %s is not a directory", dir)
		}
		return dir, nil
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
