package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/robfig/cron/v3"

	"github.com/agentgrid/agentgrid/internal/coordinator/state"
	"github.com/agentgrid/agentgrid/internal/types"
)

// workerAbandonWindow is how long a non-terminal worker may go without an
// update before the cleanup sweep fails it and frees its task.
const workerAbandonWindow = 10 * time.Minute

// CleanupReport summarizes one maintenance sweep.
type CleanupReport struct {
	ExpiredHeartbeats int `json:"expiredHeartbeats"`
	ExpiredRefs       int `json:"expiredRefs"`
	FailedWorkers     int `json:"failedWorkers"`
	ReleasedTasks     int `json:"releasedTasks"`
	DeletedTasks      int `json:"deletedTasks"`
}

// StartMaintenance schedules the periodic sweeps and returns a stop
// function. The sweeps are hygiene, not correctness: expired heartbeats
// and refs already fail their respective checks.
func (s *Server) StartMaintenance() func() {
	c := cron.New()

	_, _ = c.AddFunc("@every 1m", func() {
		report, err := s.runCleanup(context.Background())
		if err != nil {
			s.logger.Warn("maintenance sweep failed", "error", err)
			return
		}
		if report.ExpiredHeartbeats > 0 || report.ExpiredRefs > 0 || report.FailedWorkers > 0 {
			s.logger.Info("maintenance sweep",
				"expiredHeartbeats", report.ExpiredHeartbeats,
				"expiredRefs", report.ExpiredRefs,
				"failedWorkers", report.FailedWorkers,
				"releasedTasks", report.ReleasedTasks,
				"deletedTasks", report.DeletedTasks,
			)
		}
	})

	c.Start()
	return func() { <-c.Stop().Done() }
}

// Cleanup handles POST /api/v1/tasks/cleanup (admin only): one immediate
// sweep of expired heartbeats, expired secret refs, abandoned workers,
// and orphaned or expired tasks.
func (s *Server) Cleanup(c echo.Context) error {
	report, err := s.runCleanup(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, report)
}

func (s *Server) runCleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	now := time.Now()

	expiredHBs, err := s.store.DeleteExpiredHeartbeats(ctx, now.Add(-types.LivenessWindow))
	if err != nil {
		return report, err
	}
	report.ExpiredHeartbeats = expiredHBs

	if s.broker != nil {
		expiredRefs, err := s.broker.CleanupExpiredRefs(ctx)
		if err != nil {
			return report, err
		}
		report.ExpiredRefs = expiredRefs
	}

	// Abandoned workers: non-terminal, no sync in workerAbandonWindow.
	// Fail them and return their tasks to pending so another host can
	// claim the work.
	workers, err := s.store.ListWorkers(ctx, "")
	if err != nil {
		return report, err
	}
	for _, worker := range workers {
		if worker.Status.Terminal() || now.Sub(worker.UpdatedAt) <= workerAbandonWindow {
			continue
		}

		status := types.WorkerFailed
		reason := "abandoned: no status sync within " + workerAbandonWindow.String()
		update := state.WorkerUpdate{Status: &status, Error: &reason}
		if err := s.store.UpdateWorker(ctx, worker.WorkerID, update); err != nil {
			s.logger.Warn("failed to fail abandoned worker", "workerId", worker.WorkerID, "error", err)
			continue
		}
		report.FailedWorkers++

		if worker.TaskID != "" {
			if err := s.store.ReleaseTask(ctx, worker.TaskID); err == nil {
				report.ReleasedTasks++
			}
		}
	}

	// Expired pending tasks are the only rows the protocol ever deletes.
	tasks, err := s.store.ListTasks(ctx, "")
	if err != nil {
		return report, err
	}
	for _, task := range tasks {
		if task.Status != types.TaskPending || task.ExpiresAt == nil || task.ExpiresAt.After(now) {
			continue
		}
		if err := s.store.DeleteTask(ctx, task.TaskID); err == nil {
			report.DeletedTasks++
		}
	}

	return report, nil
}
