package manager

import (
	"context"
	"time"

	"github.com/agentgrid/agentgrid/internal/coordinator/api"
	"github.com/agentgrid/agentgrid/internal/coordinator/relay"
	"github.com/agentgrid/agentgrid/internal/types"
)

const (
	staleSweepInterval = 30 * time.Second
	syncInterval       = 10 * time.Second
	heartbeatInterval  = 30 * time.Second
)

// consumeRelay feeds relay events for one worker into the command
// handler. The goroutine exits when the subscription's channel closes.
func (m *Manager) consumeRelay(sub *relay.Subscription) {
	for event := range sub.Ch() {
		m.DispatchCommand(context.Background(), event.Command)
	}
}

// DispatchCommand applies one control command to a local worker. Used
// both by the relay subscription and by commands handed back in the
// heartbeat response. Commands for workers this host does not run are
// ignored; abort is idempotent.
func (m *Manager) DispatchCommand(ctx context.Context, cmd types.Command) {
	m.mu.RLock()
	lw, ok := m.workers[cmd.WorkerID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("command for unknown worker ignored", "workerId", cmd.WorkerID, "action", cmd.Action)
		return
	}

	switch cmd.Action {
	case types.CommandAbort:
		m.Abort(ctx, cmd.WorkerID)
	case types.CommandMessage:
		if !m.SendMessage(cmd.WorkerID, cmd.Text) {
			m.logger.Warn("message dropped, worker not accepting input", "workerId", cmd.WorkerID)
			return
		}
		if err := m.client.AckCommand(ctx, cmd.WorkerID); err != nil {
			m.logger.Debug("instruction ack failed", "workerId", cmd.WorkerID, "error", err)
		}
	case types.CommandPause:
		m.setPaused(lw, true)
	case types.CommandResume:
		m.setPaused(lw, false)
	default:
		m.logger.Warn("unknown command action", "workerId", cmd.WorkerID, "action", cmd.Action)
	}
}

func (m *Manager) setPaused(lw *LocalWorker, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lw.Status == StatusWorking || lw.Status == StatusStale {
		lw.Paused = paused
	}
}

// RunStaleSweep periodically flags working sessions with no recent
// activity. Stale is advisory; the session keeps running and flips back
// to working on its next event.
func (m *Manager) RunStaleSweep(ctx context.Context) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale(time.Now())
		}
	}
}

func (m *Manager) sweepStale(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lw := range m.workers {
		if lw.Status == StatusWorking && now.Sub(lw.LastActivity) > StaleAfter {
			lw.Status = StatusStale
			m.logger.Warn("worker went stale", "workerId", lw.WorkerID, "lastActivity", lw.LastActivity)
		}
	}
}

// RunSyncLoop periodically PATCHes progress for running workers
// upstream. Failures are non-fatal: the client queues eligible requests
// into the outbox when the server is unreachable, and anything else is
// logged and retried next tick.
func (m *Manager) RunSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.syncOnce(ctx)
		}
	}
}

func (m *Manager) syncOnce(ctx context.Context) {
	for _, lw := range m.Workers() {
		if lw.Status != StatusWorking && lw.Status != StatusStale {
			continue
		}
		status := types.WorkerRunning
		if lw.Paused {
			status = types.WorkerPaused
		}
		action := lw.Action
		update := api.UpdateWorkerRequest{
			Status:     status,
			Action:     &action,
			Milestones: lw.Milestones,
		}
		if err := m.client.UpdateWorker(ctx, lw.WorkerID, update); err != nil {
			m.logger.Debug("progress sync failed", "workerId", lw.WorkerID, "error", err)
		}
	}
}

// RunHeartbeatLoop announces this host's presence and capacity, then
// dispatches any commands the server parked for it while no live relay
// subscriber was listening.
func (m *Manager) RunHeartbeatLoop(ctx context.Context, headCommit func() string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	m.heartbeatOnce(ctx, headCommit)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeatOnce(ctx, headCommit)
		}
	}
}

func (m *Manager) heartbeatOnce(ctx context.Context, headCommit func() string) {
	req := api.HeartbeatRequest{
		AccountID:     m.accountID,
		HostURL:       m.hostURL,
		WorkspaceIDs:  m.workspaceIDs,
		MaxWorkers:    m.maxWorkers,
		ActiveWorkers: m.ActiveCount(),
	}
	if headCommit != nil {
		req.HeadCommit = headCommit()
	}

	resp, err := m.client.Heartbeat(ctx, req)
	if err != nil {
		m.logger.Debug("heartbeat failed", "error", err)
		return
	}
	for _, cmd := range resp.Commands {
		m.DispatchCommand(ctx, cmd)
	}
}
