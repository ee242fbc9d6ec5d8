package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentgrid/agentgrid/internal/types"
)

var (
	// ErrTaskNotFound is returned when a task is not found in the store
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskAlreadyExists is returned when attempting to add a duplicate task
	ErrTaskAlreadyExists = errors.New("task already exists")
	// ErrWorkerNotFound is returned when a worker is not found in the store
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrWorkerAlreadyExists is returned when attempting to add a duplicate worker
	ErrWorkerAlreadyExists = errors.New("worker already exists")
	// ErrWorkerTerminal is returned when mutating a completed or failed worker
	ErrWorkerTerminal = errors.New("worker already terminal")
	// ErrInvalidTransition is returned when a status update would move a
	// worker backwards in its lifecycle
	ErrInvalidTransition = errors.New("invalid worker status transition")
	// ErrSecretNotFound is returned when a secret is not found in the store
	ErrSecretNotFound = errors.New("secret not found")
	// ErrTaskNotReleasable is returned when releasing a task that is not claimed or running
	ErrTaskNotReleasable = errors.New("task is not claimed or running")
)

// TaskUpdate contains fields that can be updated for a task
type TaskUpdate struct {
	Status    *types.TaskStatus
	ClaimedBy *string
	ClaimedAt *time.Time
	ExpiresAt *time.Time
}

// WorkerUpdate contains fields that can be updated for a worker
type WorkerUpdate struct {
	TaskID             *string
	Branch             *string
	Status             *types.WorkerStatus
	WaitingFor         *string
	CostUSD            *float64
	Tokens             *int
	Milestones         []types.Milestone
	LocalURL           *string
	Action             *string
	Error              *string
	PendingInstruction *string
	InstructionHistory []string
}

// TaskFilter narrows which pending tasks a claim may take
type TaskFilter struct {
	WorkspaceID  string
	WorkspaceIDs []string
	TaskID       string
	Runner       types.Runner
	Capabilities []string
}

// Store defines the interface every coordinator component reads and
// writes the shared state through. The conditional operations
// (ClaimPending, RedeemSecretRef, ReleaseTask) are the only places
// cross-host correctness depends on: implementations must perform them as
// single compare-and-swap updates, never as read-then-write.
type Store interface {
	// Task operations
	AddTask(ctx context.Context, task types.Task) error
	GetTask(ctx context.Context, taskID string) (types.Task, error)
	UpdateTask(ctx context.Context, taskID string, updates TaskUpdate) error
	ListTasks(ctx context.Context, workspaceID string) ([]types.Task, error)
	DeleteTask(ctx context.Context, taskID string) error

	// ClaimPending atomically flips up to limit eligible pending tasks to
	// claimed, ordered by priority (desc) then creation time. Each flip
	// only succeeds if the row's status was still pending.
	ClaimPending(ctx context.Context, accountID string, limit int, f TaskFilter, now time.Time) ([]types.Task, error)

	// ReleaseTask returns a claimed or running task to pending and clears
	// its claim fields.
	ReleaseTask(ctx context.Context, taskID string) error

	// Worker operations
	AddWorker(ctx context.Context, worker types.Worker) error
	GetWorker(ctx context.Context, workerID string) (types.Worker, error)
	UpdateWorker(ctx context.Context, workerID string, updates WorkerUpdate) error
	ListWorkers(ctx context.Context, accountID string) ([]types.Worker, error)
	CountActiveWorkers(ctx context.Context, accountID string) (int, error)
	DeleteWorker(ctx context.Context, workerID string) error

	// Heartbeat operations
	UpsertHeartbeat(ctx context.Context, hb types.Heartbeat) error
	ListHeartbeats(ctx context.Context, accountID string) ([]types.Heartbeat, error)
	DeleteExpiredHeartbeats(ctx context.Context, olderThan time.Time) (int, error)

	// Secret operations
	PutSecret(ctx context.Context, secret types.Secret) error
	GetSecret(ctx context.Context, secretID string) (types.Secret, error)
	ListSecrets(ctx context.Context) ([]types.Secret, error)
	DeleteSecret(ctx context.Context, secretID string) error

	// Secret ref operations
	AddSecretRef(ctx context.Context, ref types.SecretRef) error

	// RedeemSecretRef atomically flips redeemed false to true, but only
	// when the ref is scoped to workerID and has not expired. It reports
	// the referenced secret ID and whether the flip happened; every
	// failure mode looks the same to the caller.
	RedeemSecretRef(ctx context.Context, token, workerID string, now time.Time) (string, bool, error)

	DeleteExpiredRefs(ctx context.Context, olderThan time.Time) (int, error)
}

// InMemoryStore is a thread-safe in-memory implementation of Store
type InMemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]types.Task
	workers    map[string]types.Worker
	heartbeats map[string]types.Heartbeat // key accountID|hostURL
	secrets    map[string]types.Secret
	refs       map[string]types.SecretRef
}

// NewInMemoryStore creates a new in-memory state store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:      make(map[string]types.Task),
		workers:    make(map[string]types.Worker),
		heartbeats: make(map[string]types.Heartbeat),
		secrets:    make(map[string]types.Secret),
		refs:       make(map[string]types.SecretRef),
	}
}

// AddTask adds a new task to the store
func (s *InMemoryStore) AddTask(_ context.Context, task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return ErrTaskAlreadyExists
	}

	s.tasks[task.TaskID] = task
	return nil
}

// GetTask retrieves a task by ID
func (s *InMemoryStore) GetTask(_ context.Context, taskID string) (types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return types.Task{}, ErrTaskNotFound
	}

	return task, nil
}

// UpdateTask updates specific fields of a task
func (s *InMemoryStore) UpdateTask(_ context.Context, taskID string, updates TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}

	if updates.Status != nil {
		task.Status = *updates.Status
	}
	if updates.ClaimedBy != nil {
		task.ClaimedBy = *updates.ClaimedBy
	}
	if updates.ClaimedAt != nil {
		task.ClaimedAt = updates.ClaimedAt
	}
	if updates.ExpiresAt != nil {
		task.ExpiresAt = updates.ExpiresAt
	}

	s.tasks[taskID] = task
	return nil
}

// ListTasks returns all tasks, optionally filtered by workspace
func (s *InMemoryStore) ListTasks(_ context.Context, workspaceID string) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]types.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if workspaceID != "" && task.WorkspaceID != workspaceID {
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// DeleteTask removes a task from the store
func (s *InMemoryStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; !exists {
		return ErrTaskNotFound
	}

	delete(s.tasks, taskID)
	return nil
}

func eligible(task types.Task, f TaskFilter, now time.Time) bool {
	if task.Status != types.TaskPending {
		return false
	}
	if f.TaskID != "" && task.TaskID != f.TaskID {
		return false
	}
	if f.WorkspaceID != "" && task.WorkspaceID != f.WorkspaceID {
		return false
	}
	if len(f.WorkspaceIDs) > 0 {
		served := false
		for _, id := range f.WorkspaceIDs {
			if task.WorkspaceID == id {
				served = true
				break
			}
		}
		if !served {
			return false
		}
	}
	if task.ExpiresAt != nil && task.ExpiresAt.Before(now) {
		return false
	}
	return task.MatchesRunner(f.Runner) && task.MatchesCapabilities(f.Capabilities)
}

// ClaimPending atomically claims up to limit eligible pending tasks. The
// whole selection and flip happens under one lock, mirroring the single
// conditional UPDATE the Postgres implementation issues.
func (s *InMemoryStore) ClaimPending(
	_ context.Context, accountID string, limit int, f TaskFilter, now time.Time,
) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]types.Task, 0)
	for _, task := range s.tasks {
		if eligible(task, f, now) {
			candidates = append(candidates, task)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if limit < len(candidates) {
		candidates = candidates[:limit]
	}

	claimed := make([]types.Task, 0, len(candidates))
	for _, task := range candidates {
		claimedAt := now
		task.Status = types.TaskClaimed
		task.ClaimedBy = accountID
		task.ClaimedAt = &claimedAt
		s.tasks[task.TaskID] = task
		claimed = append(claimed, task)
	}

	return claimed, nil
}

// ReleaseTask returns a claimed or running task to pending
func (s *InMemoryStore) ReleaseTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}
	if task.Status != types.TaskClaimed && task.Status != types.TaskRunning {
		return ErrTaskNotReleasable
	}

	task.Status = types.TaskPending
	task.ClaimedBy = ""
	task.ClaimedAt = nil
	s.tasks[taskID] = task
	return nil
}

// AddWorker adds a new worker to the store
func (s *InMemoryStore) AddWorker(_ context.Context, worker types.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[worker.WorkerID]; exists {
		return ErrWorkerAlreadyExists
	}

	s.workers[worker.WorkerID] = worker
	return nil
}

// GetWorker retrieves a worker by ID
func (s *InMemoryStore) GetWorker(_ context.Context, workerID string) (types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	worker, exists := s.workers[workerID]
	if !exists {
		return types.Worker{}, ErrWorkerNotFound
	}

	return worker, nil
}

// statusRank orders worker statuses along the lifecycle. Transitions may
// hold rank (paused and running trade places) but never decrease it.
func statusRank(s types.WorkerStatus) int {
	switch s {
	case types.WorkerIdle:
		return 0
	case types.WorkerStarting:
		return 1
	case types.WorkerRunning, types.WorkerWaitingInput, types.WorkerPaused:
		return 2
	default:
		return 3
	}
}

// UpdateWorker updates specific fields of a worker. Once a worker is
// terminal it rejects further mutation with ErrWorkerTerminal, and a
// status update that would move the worker backwards is rejected with
// ErrInvalidTransition.
func (s *InMemoryStore) UpdateWorker(_ context.Context, workerID string, updates WorkerUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, exists := s.workers[workerID]
	if !exists {
		return ErrWorkerNotFound
	}
	if worker.Status.Terminal() {
		return ErrWorkerTerminal
	}
	if updates.Status != nil && statusRank(*updates.Status) < statusRank(worker.Status) {
		return ErrInvalidTransition
	}

	applyWorkerUpdate(&worker, updates)
	worker.UpdatedAt = time.Now()
	s.workers[workerID] = worker
	return nil
}

func applyWorkerUpdate(worker *types.Worker, updates WorkerUpdate) {
	if updates.TaskID != nil {
		worker.TaskID = *updates.TaskID
	}
	if updates.Branch != nil {
		worker.Branch = *updates.Branch
	}
	if updates.Status != nil {
		worker.Status = *updates.Status
	}
	if updates.WaitingFor != nil {
		worker.WaitingFor = *updates.WaitingFor
	}
	if updates.CostUSD != nil {
		worker.CostUSD = *updates.CostUSD
	}
	if updates.Tokens != nil {
		worker.Tokens = *updates.Tokens
	}
	if updates.Milestones != nil {
		worker.Milestones = updates.Milestones
		if len(worker.Milestones) > types.MaxMilestones {
			worker.Milestones = worker.Milestones[len(worker.Milestones)-types.MaxMilestones:]
		}
	}
	if updates.LocalURL != nil {
		worker.LocalURL = *updates.LocalURL
	}
	if updates.Action != nil {
		worker.Action = *updates.Action
	}
	if updates.Error != nil {
		worker.Error = *updates.Error
	}
	if updates.PendingInstruction != nil {
		worker.PendingInstruction = *updates.PendingInstruction
	}
	if updates.InstructionHistory != nil {
		worker.InstructionHistory = updates.InstructionHistory
	}
}

// ListWorkers returns all workers, optionally filtered by account
func (s *InMemoryStore) ListWorkers(_ context.Context, accountID string) ([]types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workers := make([]types.Worker, 0, len(s.workers))
	for _, worker := range s.workers {
		if accountID != "" && worker.AccountID != accountID {
			continue
		}
		workers = append(workers, worker)
	}

	sort.Slice(workers, func(i, j int) bool {
		return workers[i].StartedAt.Before(workers[j].StartedAt)
	})
	return workers, nil
}

// CountActiveWorkers returns the number of non-terminal workers for an account
func (s *InMemoryStore) CountActiveWorkers(_ context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, worker := range s.workers {
		if worker.AccountID == accountID && worker.Status.Active() {
			count++
		}
	}
	return count, nil
}

// DeleteWorker removes a worker from the store
func (s *InMemoryStore) DeleteWorker(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[workerID]; !exists {
		return ErrWorkerNotFound
	}

	delete(s.workers, workerID)
	return nil
}

func heartbeatKey(accountID, hostURL string) string {
	return accountID + "|" + hostURL
}

// UpsertHeartbeat records or refreshes one host's announcement
func (s *InMemoryStore) UpsertHeartbeat(_ context.Context, hb types.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heartbeats[heartbeatKey(hb.AccountID, hb.HostURL)] = hb
	return nil
}

// ListHeartbeats returns all heartbeats, optionally filtered by account
func (s *InMemoryStore) ListHeartbeats(_ context.Context, accountID string) ([]types.Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hbs := make([]types.Heartbeat, 0, len(s.heartbeats))
	for _, hb := range s.heartbeats {
		if accountID != "" && hb.AccountID != accountID {
			continue
		}
		hbs = append(hbs, hb)
	}

	sort.Slice(hbs, func(i, j int) bool {
		return hbs[i].HostURL < hbs[j].HostURL
	})
	return hbs, nil
}

// DeleteExpiredHeartbeats removes rows older than the cutoff
func (s *InMemoryStore) DeleteExpiredHeartbeats(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, hb := range s.heartbeats {
		if hb.LastHeartbeatAt.Before(olderThan) {
			delete(s.heartbeats, key)
			deleted++
		}
	}
	return deleted, nil
}

// PutSecret inserts or replaces a secret record
func (s *InMemoryStore) PutSecret(_ context.Context, secret types.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.secrets[secret.SecretID]; ok {
		secret.CreatedAt = existing.CreatedAt
	}
	s.secrets[secret.SecretID] = secret
	return nil
}

// GetSecret retrieves a secret by ID
func (s *InMemoryStore) GetSecret(_ context.Context, secretID string) (types.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, exists := s.secrets[secretID]
	if !exists {
		return types.Secret{}, ErrSecretNotFound
	}
	return secret, nil
}

// ListSecrets returns all secret records (ciphertext only)
func (s *InMemoryStore) ListSecrets(_ context.Context) ([]types.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secrets := make([]types.Secret, 0, len(s.secrets))
	for _, secret := range s.secrets {
		secrets = append(secrets, secret)
	}

	sort.Slice(secrets, func(i, j int) bool {
		return secrets[i].SecretID < secrets[j].SecretID
	})
	return secrets, nil
}

// DeleteSecret removes a secret from the store
func (s *InMemoryStore) DeleteSecret(_ context.Context, secretID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.secrets[secretID]; !exists {
		return ErrSecretNotFound
	}
	delete(s.secrets, secretID)
	return nil
}

// AddSecretRef records a new single-use ref
func (s *InMemoryStore) AddSecretRef(_ context.Context, ref types.SecretRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs[ref.Token] = ref
	return nil
}

// RedeemSecretRef performs the single-use conditional redemption. The
// check and the flip happen under one lock so two racing redeemers never
// both win.
func (s *InMemoryStore) RedeemSecretRef(
	_ context.Context, token, workerID string, now time.Time,
) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, exists := s.refs[token]
	if !exists || ref.Redeemed || ref.WorkerID != workerID || !ref.ExpiresAt.After(now) {
		return "", false, nil
	}

	ref.Redeemed = true
	s.refs[token] = ref
	return ref.SecretID, true, nil
}

// DeleteExpiredRefs sweeps refs past their expiry
func (s *InMemoryStore) DeleteExpiredRefs(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for token, ref := range s.refs {
		if ref.ExpiresAt.Before(olderThan) {
			delete(s.refs, token)
			deleted++
		}
	}
	return deleted, nil
}
