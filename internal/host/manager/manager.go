// Package manager owns the authoritative in-host view of the workers
// currently executing on this machine. It bridges the opaque agent
// runtime to the claim/sync protocol: claims start sessions, session
// events become milestones and progress syncs, relay commands interrupt
// running sessions, and terminal states are reported upstream.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentgrid/agentgrid/internal/coordinator/api"
	"github.com/agentgrid/agentgrid/internal/coordinator/claim"
	"github.com/agentgrid/agentgrid/internal/coordinator/relay"
	"github.com/agentgrid/agentgrid/internal/host/client"
	"github.com/agentgrid/agentgrid/internal/host/runtime"
	"github.com/agentgrid/agentgrid/internal/types"
)

// LocalStatus is the host-side worker state machine: working flows to
// done or error; stale is advisory, set by the sweep while still working.
type LocalStatus string

const (
	StatusWorking LocalStatus = "working"
	StatusDone    LocalStatus = "done"
	StatusError   LocalStatus = "error"
	StatusStale   LocalStatus = "stale"
)

const (
	// StaleAfter is how long a working session may go without activity
	// before the sweep flags it.
	StaleAfter = 120 * time.Second
	// maxOutputBytes bounds the accumulated session output kept per
	// worker for the post-hoc auth scan.
	maxOutputBytes = 64 * 1024
)

// WorkspaceResolver maps a workspace identity to a local filesystem
// path. Provided by the host environment, not specified by this engine.
type WorkspaceResolver func(workspaceID string) (string, error)

// LocalWorker is the manager's record for one running worker. The
// manager is the single writer; the sweeps and snapshot readers only
// read it under the manager's lock.
type LocalWorker struct {
	WorkerID     string
	TaskID       string
	Title        string
	Status       LocalStatus
	Action       string
	Error        string
	LastActivity time.Time
	Milestones   []types.Milestone
	Unread       bool
	Paused       bool

	output strings.Builder
	queue  *runtime.MessageQueue
	cancel context.CancelFunc
	sub    *relay.Subscription
	done   chan struct{}
}

// Manager runs workers on one host.
type Manager struct {
	client   *client.Client
	runtime  runtime.Runtime
	resolver WorkspaceResolver
	relay    *relay.Relay // nil when commands arrive via heartbeat only
	logger   *slog.Logger

	accountID    string
	hostURL      string
	workspaceIDs []string
	maxWorkers   int

	mu      sync.RWMutex
	workers map[string]*LocalWorker
}

// Config wires a Manager.
type Config struct {
	Client       *client.Client
	Runtime      runtime.Runtime
	Resolver     WorkspaceResolver
	Relay        *relay.Relay
	Logger       *slog.Logger
	AccountID    string
	HostURL      string
	WorkspaceIDs []string
	MaxWorkers   int
}

// New creates a Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:       cfg.Client,
		runtime:      cfg.Runtime,
		resolver:     cfg.Resolver,
		relay:        cfg.Relay,
		logger:       logger,
		accountID:    cfg.AccountID,
		hostURL:      cfg.HostURL,
		workspaceIDs: cfg.WorkspaceIDs,
		maxWorkers:   cfg.MaxWorkers,
		workers:      make(map[string]*LocalWorker),
	}
}

// ActiveCount returns the number of workers still working or stale.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, lw := range m.workers {
		if lw.Status == StatusWorking || lw.Status == StatusStale {
			count++
		}
	}
	return count
}

// Get returns a snapshot of one local worker.
func (m *Manager) Get(workerID string) (LocalWorker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lw, ok := m.workers[workerID]
	if !ok {
		return LocalWorker{}, false
	}
	return snapshot(lw), true
}

// Workers returns a snapshot of all local workers.
func (m *Manager) Workers() []LocalWorker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LocalWorker, 0, len(m.workers))
	for _, lw := range m.workers {
		out = append(out, snapshot(lw))
	}
	return out
}

func snapshot(lw *LocalWorker) LocalWorker {
	return LocalWorker{
		WorkerID:     lw.WorkerID,
		TaskID:       lw.TaskID,
		Title:        lw.Title,
		Status:       lw.Status,
		Action:       lw.Action,
		Error:        lw.Error,
		LastActivity: lw.LastActivity,
		Milestones:   append([]types.Milestone(nil), lw.Milestones...),
		Unread:       lw.Unread,
		Paused:       lw.Paused,
	}
}

// ClaimAndStart claims up to maxTasks tasks for this host's account and
// starts one agent session per claimed worker. Capacity errors pass
// through untouched so the caller can present current/limit verbatim.
func (m *Manager) ClaimAndStart(ctx context.Context, req claim.ClaimRequest) ([]string, error) {
	if req.AccountID == "" {
		req.AccountID = m.accountID
	}
	req.HostURL = m.hostURL

	// Claims stay within the workspaces this host can resolve locally,
	// otherwise a claimed task dies on workspace resolution.
	if req.WorkspaceID == "" && len(req.WorkspaceIDs) == 0 {
		req.WorkspaceIDs = m.workspaceIDs
	}

	result, err := m.client.Claim(ctx, req)
	if err != nil {
		return nil, err
	}

	started := make([]string, 0, len(result.Workers))
	for _, cw := range result.Workers {
		dir, err := m.resolver(cw.Task.WorkspaceID)
		if err != nil {
			m.reportFailure(ctx, cw.WorkerID, fmt.Sprintf("no local path for workspace %s: %v", cw.Task.WorkspaceID, err))
			continue
		}

		secret := ""
		if cw.SecretRef != "" {
			value, ok, err := m.client.RedeemSecret(ctx, cw.SecretRef, cw.WorkerID)
			if err != nil || !ok {
				m.reportFailure(ctx, cw.WorkerID, "secret ref redemption failed")
				continue
			}
			secret = value
		}

		if err := m.start(ctx, cw, dir, secret); err != nil {
			m.reportFailure(ctx, cw.WorkerID, err.Error())
			continue
		}
		started = append(started, cw.WorkerID)
	}

	return started, nil
}

// start registers the local record and launches the session goroutine.
func (m *Manager) start(ctx context.Context, cw claim.ClaimedWorker, dir, secret string) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	queue := runtime.NewMessageQueue()

	prompt := cw.Task.Title
	if cw.Task.Description != "" {
		prompt += "\n\n" + cw.Task.Description
	}

	session, err := m.runtime.Start(sessionCtx, runtime.SessionConfig{
		Prompt: prompt,
		Dir:    dir,
		Branch: cw.Branch,
		Input:  queue,
		Secret: secret,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start session: %w", err)
	}

	lw := &LocalWorker{
		WorkerID:     cw.WorkerID,
		TaskID:       cw.Task.TaskID,
		Title:        cw.Task.Title,
		Status:       StatusWorking,
		LastActivity: time.Now(),
		queue:        queue,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if m.relay != nil {
		lw.sub = m.relay.Subscribe(relay.WorkerTopic(cw.WorkerID))
		go m.consumeRelay(lw.sub)
	}

	m.mu.Lock()
	m.workers[cw.WorkerID] = lw
	m.mu.Unlock()

	m.logger.Info("worker started", "workerId", cw.WorkerID, "taskId", cw.Task.TaskID, "title", cw.Task.Title)

	go m.runSession(ctx, lw, session)
	return nil
}

// runSession consumes the session's event stream until it closes, then
// classifies the outcome and reports it upstream.
func (m *Manager) runSession(ctx context.Context, lw *LocalWorker, session runtime.Session) {
	defer close(lw.done)

	aborted := false
	var resultErr bool

	for ev := range session.Events() {
		m.mu.Lock()
		lw.LastActivity = time.Now()
		if lw.Status == StatusStale {
			lw.Status = StatusWorking
		}
		switch ev.Type {
		case runtime.EventText:
			lw.Action = firstLine(ev.Text)
			appendOutput(lw, ev.Text)
		case runtime.EventToolUse:
			lw.Action = ev.Tool
			lw.Milestones = append(lw.Milestones, types.Milestone{Text: ev.Tool, At: time.Now()})
			if len(lw.Milestones) > types.MaxMilestones {
				lw.Milestones = lw.Milestones[len(lw.Milestones)-types.MaxMilestones:]
			}
		case runtime.EventResult:
			resultErr = ev.IsError
			appendOutput(lw, ev.Text)
		}
		m.mu.Unlock()
	}

	if ctx.Err() != nil {
		aborted = true
	}

	m.mu.Lock()
	if lw.Status == StatusDone || lw.Status == StatusError {
		// Abort already finalized this worker.
		m.mu.Unlock()
		return
	}
	output := lw.output.String()
	switch {
	case aborted:
		lw.Status = StatusError
		lw.Error = "Aborted"
	case resultErr:
		lw.Status = StatusError
		lw.Error = "session reported an error"
	case runtime.AuthFailure(output):
		// The runtime can exit cleanly after failing to authenticate;
		// that is a failure, not a completion.
		lw.Status = StatusError
		lw.Error = "authentication failure detected in session output"
	default:
		lw.Status = StatusDone
	}
	lw.Unread = true
	status := lw.Status
	reason := lw.Error
	m.mu.Unlock()

	m.teardown(lw)
	m.reportTerminal(ctx, lw.WorkerID, status, reason)
}

func appendOutput(lw *LocalWorker, text string) {
	if lw.output.Len() > maxOutputBytes {
		return
	}
	lw.output.WriteString(text)
	lw.output.WriteString("\n")
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

// teardown closes the input queue and drops the relay subscription. Safe
// to call more than once.
func (m *Manager) teardown(lw *LocalWorker) {
	lw.queue.Close()
	if m.relay != nil && lw.sub != nil {
		m.relay.Unsubscribe(lw.sub)
	}
}

// reportTerminal PATCHes the terminal status upstream. A 409 from the
// server means it already considers the worker finished; the client
// treats that as success, and remaining failures are logged, not fatal.
func (m *Manager) reportTerminal(ctx context.Context, workerID string, status LocalStatus, reason string) {
	update := updateFor(status, reason)
	if err := m.client.UpdateWorker(ctx, workerID, update); err != nil {
		m.logger.Warn("failed to report terminal status", "workerId", workerID, "status", status, "error", err)
	}
}

func (m *Manager) reportFailure(ctx context.Context, workerID, reason string) {
	m.logger.Error("worker failed before start", "workerId", workerID, "reason", reason)
	m.reportTerminal(ctx, workerID, StatusError, reason)
}

// SendMessage enqueues a follow-up user turn into the running session's
// input stream. It reports false when the worker is not in a state that
// accepts input.
func (m *Manager) SendMessage(workerID, text string) bool {
	m.mu.RLock()
	lw, ok := m.workers[workerID]
	accepts := ok && (lw.Status == StatusWorking || lw.Status == StatusStale)
	var queue *runtime.MessageQueue
	if accepts {
		queue = lw.queue
	}
	m.mu.RUnlock()

	if !accepts {
		return false
	}
	return queue.Push(text)
}

// Abort cancels the worker's session cooperatively and reports
// failed/Aborted upstream. Idempotent: aborting a finished or unknown
// worker is a no-op.
func (m *Manager) Abort(ctx context.Context, workerID string) {
	m.mu.Lock()
	lw, ok := m.workers[workerID]
	if !ok || lw.Status == StatusDone || lw.Status == StatusError {
		m.mu.Unlock()
		return
	}
	lw.Status = StatusError
	lw.Error = "Aborted"
	m.mu.Unlock()

	lw.cancel()
	m.teardown(lw)
	m.reportTerminal(ctx, workerID, StatusError, "Aborted")
}

// MarkDone flips a finished worker's advisory state. Local bookkeeping
// only; no session interaction.
func (m *Manager) MarkDone(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lw, ok := m.workers[workerID]
	if !ok || lw.Status != StatusWorking && lw.Status != StatusStale {
		return false
	}
	lw.Status = StatusDone
	return true
}

// MarkRead clears the unread flag. Local bookkeeping only.
func (m *Manager) MarkRead(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lw, ok := m.workers[workerID]
	if !ok {
		return false
	}
	lw.Unread = false
	return true
}

// Remove drops a terminal worker from the local registry.
func (m *Manager) Remove(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lw, ok := m.workers[workerID]; ok && (lw.Status == StatusDone || lw.Status == StatusError) {
		delete(m.workers, workerID)
	}
}

func updateFor(status LocalStatus, reason string) api.UpdateWorkerRequest {
	update := api.UpdateWorkerRequest{Status: types.WorkerCompleted}
	if status != StatusDone {
		update.Status = types.WorkerFailed
		if reason != "" {
			update.Error = &reason
		}
	}
	return update
}
