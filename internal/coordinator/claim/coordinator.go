// Package claim implements the atomic give-me-up-to-N-tasks operation and
// its reassignment counterpart. Correctness rests on the store's
// conditional updates; this package adds the per-account concurrency
// gate, capacity accounting from the heartbeat registry, and the worker
// and secret-ref minting that follow a successful claim.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgrid/agentgrid/internal/coordinator/relay"
	"github.com/agentgrid/agentgrid/internal/coordinator/state"
	"github.com/agentgrid/agentgrid/internal/secrets"
	"github.com/agentgrid/agentgrid/internal/types"
)

// DefaultMaxConcurrentWorkers applies to accounts without an explicit limit.
const DefaultMaxConcurrentWorkers = 3

// ErrForbidden is returned when a reassignment needs force but the caller
// lacks administrative rights.
var ErrForbidden = errors.New("reassignment requires force and administrative rights")

// CapacityError reports that an account is at its concurrency limit. It
// is an expected outcome, carried as structured data so callers can show
// it verbatim.
type CapacityError struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("account at capacity: %d of %d workers active", e.Current, e.Limit)
}

// LimitProvider resolves the configured maxConcurrentWorkers for an
// account. The account schema itself lives outside this engine.
type LimitProvider interface {
	MaxConcurrentWorkers(ctx context.Context, accountID string) (int, error)
}

// StaticLimits is a LimitProvider backed by a fixed map with a default.
type StaticLimits struct {
	Default  int
	Accounts map[string]int
}

// MaxConcurrentWorkers returns the account's limit or the default.
func (l StaticLimits) MaxConcurrentWorkers(_ context.Context, accountID string) (int, error) {
	if n, ok := l.Accounts[accountID]; ok {
		return n, nil
	}
	if l.Default > 0 {
		return l.Default, nil
	}
	return DefaultMaxConcurrentWorkers, nil
}

// ClaimRequest describes one claim attempt.
type ClaimRequest struct {
	AccountID    string       `json:"accountId"`
	MaxTasks     int          `json:"maxTasks"`
	WorkspaceID  string       `json:"workspaceId,omitempty"`
	WorkspaceIDs []string     `json:"workspaceIds,omitempty"`
	TaskID       string       `json:"taskId,omitempty"`
	Runner       types.Runner `json:"runner,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	HostURL      string       `json:"hostUrl,omitempty"`
	Branch       string       `json:"branch,omitempty"`
}

// ClaimedWorker is a freshly minted worker plus, when the task requires
// credential injection, the single-use secret ref scoped to it. The ref
// travels only in this response; it is never persisted in redeemable form.
type ClaimedWorker struct {
	types.Worker
	Task      types.Task `json:"task"`
	SecretRef string     `json:"secretRef,omitempty"`
}

// ClaimResult is what a successful (possibly empty) claim returns.
type ClaimResult struct {
	Workers     []ClaimedWorker `json:"workers"`
	Granted     int             `json:"granted"`
	Diagnostics string          `json:"diagnostics,omitempty"`
}

// ReassignResult carries the staleness diagnostics a UI needs before
// forcing a takeover of a possibly-still-running worker.
type ReassignResult struct {
	Task          types.Task `json:"task"`
	IsStale       bool       `json:"isStale"`
	OnlineHosts   int        `json:"onlineHosts"`
	SpareCapacity int        `json:"spareCapacity"`
	CanTakeover   bool       `json:"canTakeover"`
}

// Coordinator hands out tasks at-most-once under per-account limits.
type Coordinator struct {
	store  state.Store
	relay  *relay.Relay
	broker *secrets.Broker
	limits LimitProvider
	refTTL time.Duration
}

// NewCoordinator creates a claim coordinator.
func NewCoordinator(
	store state.Store, r *relay.Relay, broker *secrets.Broker, limits LimitProvider,
) *Coordinator {
	if limits == nil {
		limits = StaticLimits{Default: DefaultMaxConcurrentWorkers}
	}
	return &Coordinator{
		store:  store,
		relay:  r,
		broker: broker,
		limits: limits,
		refTTL: secrets.DefaultRefTTL,
	}
}

// Claim atomically claims up to req.MaxTasks pending tasks for the
// account and mints one worker per claimed task. A specific TaskID that
// is no longer pending yields zero workers, not an error.
func (c *Coordinator) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if req.AccountID == "" {
		return ClaimResult{}, errors.New("accountId is required")
	}
	if req.MaxTasks <= 0 {
		req.MaxTasks = 1
	}

	limit, err := c.limits.MaxConcurrentWorkers(ctx, req.AccountID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("failed to resolve account limit: %w", err)
	}

	active, err := c.store.CountActiveWorkers(ctx, req.AccountID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("failed to count active workers: %w", err)
	}
	if active >= limit {
		return ClaimResult{}, &CapacityError{Current: active, Limit: limit}
	}

	slots := limit - active
	if req.MaxTasks < slots {
		slots = req.MaxTasks
	}

	now := time.Now()
	filter := state.TaskFilter{
		WorkspaceID:  req.WorkspaceID,
		WorkspaceIDs: req.WorkspaceIDs,
		TaskID:       req.TaskID,
		Runner:       req.Runner,
		Capabilities: req.Capabilities,
	}

	claimed, err := c.store.ClaimPending(ctx, req.AccountID, slots, filter, now)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("failed to claim tasks: %w", err)
	}

	result := ClaimResult{Workers: make([]ClaimedWorker, 0, len(claimed))}
	if len(claimed) == 0 {
		if req.TaskID != "" {
			result.Diagnostics = "requested task is no longer pending"
		} else {
			result.Diagnostics = "no eligible pending tasks"
		}
		return result, nil
	}

	for _, task := range claimed {
		worker := types.Worker{
			WorkerID:    uuid.NewString(),
			TaskID:      task.TaskID,
			WorkspaceID: task.WorkspaceID,
			AccountID:   req.AccountID,
			HostURL:     req.HostURL,
			Branch:      req.Branch,
			Status:      types.WorkerStarting,
			StartedAt:   now,
			UpdatedAt:   now,
		}
		if err := c.store.AddWorker(ctx, worker); err != nil {
			return ClaimResult{}, fmt.Errorf("failed to create worker for task %s: %w", task.TaskID, err)
		}

		entry := ClaimedWorker{Worker: worker, Task: task}
		if task.SecretID != "" && c.broker != nil {
			token, err := c.broker.CreateRef(ctx, task.SecretID, worker.WorkerID, c.refTTL)
			if err != nil {
				return ClaimResult{}, fmt.Errorf("failed to mint secret ref for task %s: %w", task.TaskID, err)
			}
			entry.SecretRef = token
		}
		result.Workers = append(result.Workers, entry)

		if c.relay != nil {
			c.relay.Publish(relay.TopicTaskClaimed, types.Command{WorkerID: worker.WorkerID})
		}
	}

	result.Granted = len(result.Workers)
	if result.Granted < req.MaxTasks {
		result.Diagnostics = fmt.Sprintf(
			"granted %d of %d requested (%d account slots, %d eligible tasks)",
			result.Granted, req.MaxTasks, slots, len(claimed),
		)
	}

	return result, nil
}

// Reassign conditionally or forcibly returns a claimed/running task to
// pending so another host may claim it. The in-flight worker row is never
// deleted; the old worker fails via abort propagation or stale detection.
func (c *Coordinator) Reassign(ctx context.Context, taskID string, force, admin bool) (ReassignResult, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return ReassignResult{}, err
	}

	diag, err := c.staleness(ctx, task)
	if err != nil {
		return ReassignResult{}, err
	}
	diag.Task = task

	if !diag.CanTakeover {
		if !force || !admin {
			return diag, ErrForbidden
		}
	}

	if err := c.store.ReleaseTask(ctx, taskID); err != nil {
		return diag, err
	}

	task.Status = types.TaskPending
	task.ClaimedBy = ""
	task.ClaimedAt = nil
	diag.Task = task

	if c.relay != nil {
		c.relay.Publish(relay.TopicTaskReleased, types.Command{})
	}

	return diag, nil
}

// staleness computes the "is this really abandoned" diagnostic for a
// claimed task: whether the owning account's hosts have gone quiet, and
// how much live capacity remains.
func (c *Coordinator) staleness(ctx context.Context, task types.Task) (ReassignResult, error) {
	hbs, err := c.store.ListHeartbeats(ctx, task.ClaimedBy)
	if err != nil {
		return ReassignResult{}, fmt.Errorf("failed to list heartbeats: %w", err)
	}

	now := time.Now()
	diag := ReassignResult{IsStale: true}
	for _, hb := range hbs {
		if !hb.Live(now) {
			continue
		}
		diag.OnlineHosts++
		diag.SpareCapacity += hb.SpareCapacity()
		diag.IsStale = false
	}

	// A task nobody claims, or one whose owner has gone dark, is free for
	// the taking without force.
	diag.CanTakeover = task.ClaimedBy == "" || diag.IsStale
	return diag, nil
}
