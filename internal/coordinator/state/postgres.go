package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/agentgrid/agentgrid/internal/types"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresStore is a PostgreSQL implementation of Store
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL state store
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &PostgresStore{db: db}

	if err := store.runMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// runMigrations applies database schema using goose
func (s *PostgresStore) runMigrations() error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// AddTask adds a new task to the store
func (s *PostgresStore) AddTask(ctx context.Context, task types.Task) error {
	capsJSON, err := marshalJSON(task.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO tasks (task_id, workspace_id, title, description, status, priority, runner, required_capabilities, secret_id, claimed_by, claimed_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (task_id) DO NOTHING
	`

	res, err := s.db.ExecContext(
		ctx,
		query,
		task.TaskID,
		task.WorkspaceID,
		task.Title,
		nullString(task.Description),
		task.Status,
		task.Priority,
		nullString(string(task.Runner)),
		capsJSON,
		nullString(task.SecretID),
		nullString(task.ClaimedBy),
		nullTime(task.ClaimedAt),
		nullTime(task.ExpiresAt),
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskAlreadyExists
	}

	return nil
}

const taskColumns = `task_id, workspace_id, title, description, status, priority, runner, required_capabilities, secret_id, claimed_by, claimed_at, expires_at, created_at`

func scanTask(scan func(dest ...interface{}) error) (types.Task, error) {
	var task types.Task
	var description, runner, secretID, claimedBy sql.NullString
	var claimedAt, expiresAt sql.NullTime
	var capsJSON []byte

	err := scan(
		&task.TaskID,
		&task.WorkspaceID,
		&task.Title,
		&description,
		&task.Status,
		&task.Priority,
		&runner,
		&capsJSON,
		&secretID,
		&claimedBy,
		&claimedAt,
		&expiresAt,
		&task.CreatedAt,
	)
	if err != nil {
		return types.Task{}, err
	}

	task.Description = description.String
	task.Runner = types.Runner(runner.String)
	task.SecretID = secretID.String
	task.ClaimedBy = claimedBy.String
	if claimedAt.Valid {
		task.ClaimedAt = &claimedAt.Time
	}
	if expiresAt.Valid {
		task.ExpiresAt = &expiresAt.Time
	}
	if len(capsJSON) > 0 {
		if err := json.Unmarshal(capsJSON, &task.RequiredCapabilities); err != nil {
			return types.Task{}, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}

	return task, nil
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)

	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// UpdateTask updates specific fields of a task
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, updates TaskUpdate) error {
	query := "UPDATE tasks SET "
	var args []interface{}
	argPos := 1

	if updates.Status != nil {
		query += fmt.Sprintf("status = $%d, ", argPos)
		args = append(args, *updates.Status)
		argPos++
	}
	if updates.ClaimedBy != nil {
		query += fmt.Sprintf("claimed_by = $%d, ", argPos)
		args = append(args, nullString(*updates.ClaimedBy))
		argPos++
	}
	if updates.ClaimedAt != nil {
		query += fmt.Sprintf("claimed_at = $%d, ", argPos)
		args = append(args, *updates.ClaimedAt)
		argPos++
	}
	if updates.ExpiresAt != nil {
		query += fmt.Sprintf("expires_at = $%d, ", argPos)
		args = append(args, *updates.ExpiresAt)
		argPos++
	}

	if len(args) == 0 {
		return nil
	}

	query = query[:len(query)-2]
	query += fmt.Sprintf(" WHERE task_id = $%d", argPos)
	args = append(args, taskID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}

	return nil
}

// ListTasks returns all tasks, optionally filtered by workspace
func (s *PostgresStore) ListTasks(ctx context.Context, workspaceID string) ([]types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}
	if workspaceID != "" {
		query += ` WHERE workspace_id = $1`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]types.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// DeleteTask removes a task from the store
func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}

	return nil
}

// ClaimPending atomically claims up to limit eligible pending tasks. The
// flip is a single conditional UPDATE guarded by status = 'pending', so
// two coordinators racing on the same rows never both win.
func (s *PostgresStore) ClaimPending(
	ctx context.Context, accountID string, limit int, f TaskFilter, now time.Time,
) ([]types.Task, error) {
	query := `
		UPDATE tasks SET status = $1, claimed_by = $2, claimed_at = $3
		WHERE task_id IN (
			SELECT task_id FROM tasks
			WHERE status = $4
			  AND (expires_at IS NULL OR expires_at > $3)
	`
	args := []interface{}{types.TaskClaimed, accountID, now, types.TaskPending}
	argPos := 5

	if f.TaskID != "" {
		query += fmt.Sprintf(" AND task_id = $%d", argPos)
		args = append(args, f.TaskID)
		argPos++
	}
	if f.WorkspaceID != "" {
		query += fmt.Sprintf(" AND workspace_id = $%d", argPos)
		args = append(args, f.WorkspaceID)
		argPos++
	}
	if len(f.WorkspaceIDs) > 0 {
		query += fmt.Sprintf(" AND workspace_id = ANY($%d)", argPos)
		args = append(args, pq.Array(f.WorkspaceIDs))
		argPos++
	}
	if f.Runner != "" && f.Runner != types.RunnerAny {
		query += fmt.Sprintf(" AND (runner IS NULL OR runner = '' OR runner = 'any' OR runner = $%d)", argPos)
		args = append(args, f.Runner)
		argPos++
	}

	query += fmt.Sprintf(`
			ORDER BY priority DESC, created_at
			LIMIT $%d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, argPos)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	claimed := make([]types.Task, 0, limit)
	var mismatched []string
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed task: %w", err)
		}
		// Capability matching stays in Go; a claimed row the host cannot
		// serve is released right back to pending.
		if !task.MatchesCapabilities(f.Capabilities) {
			mismatched = append(mismatched, task.TaskID)
			continue
		}
		claimed = append(claimed, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed tasks: %w", err)
	}

	for _, taskID := range mismatched {
		if err := s.ReleaseTask(ctx, taskID); err != nil {
			return nil, fmt.Errorf("failed to release mismatched task %s: %w", taskID, err)
		}
	}

	return claimed, nil
}

// ReleaseTask returns a claimed or running task to pending via a
// conditional update checked by affected-row count.
func (s *PostgresStore) ReleaseTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = $1, claimed_by = NULL, claimed_at = NULL
		 WHERE task_id = $2 AND status IN ($3, $4)`,
		types.TaskPending, taskID, types.TaskClaimed, types.TaskRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetTask(ctx, taskID); errors.Is(err, ErrTaskNotFound) {
			return ErrTaskNotFound
		}
		return ErrTaskNotReleasable
	}

	return nil
}

// AddWorker adds a new worker to the store
func (s *PostgresStore) AddWorker(ctx context.Context, worker types.Worker) error {
	milestonesJSON, err := marshalJSON(worker.Milestones)
	if err != nil {
		return fmt.Errorf("failed to marshal milestones: %w", err)
	}
	historyJSON, err := marshalJSON(worker.InstructionHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal instruction history: %w", err)
	}

	query := `
		INSERT INTO workers (worker_id, task_id, workspace_id, account_id, host_url, branch, status, waiting_for, cost_usd, tokens, milestones, local_url, action, error, pending_instruction, instruction_history, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (worker_id) DO NOTHING
	`

	res, err := s.db.ExecContext(
		ctx,
		query,
		worker.WorkerID,
		nullString(worker.TaskID),
		worker.WorkspaceID,
		worker.AccountID,
		nullString(worker.HostURL),
		nullString(worker.Branch),
		worker.Status,
		nullString(worker.WaitingFor),
		worker.CostUSD,
		worker.Tokens,
		milestonesJSON,
		nullString(worker.LocalURL),
		nullString(worker.Action),
		nullString(worker.Error),
		nullString(worker.PendingInstruction),
		historyJSON,
		worker.StartedAt,
		worker.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert worker: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrWorkerAlreadyExists
	}

	return nil
}

const workerColumns = `worker_id, task_id, workspace_id, account_id, host_url, branch, status, waiting_for, cost_usd, tokens, milestones, local_url, action, error, pending_instruction, instruction_history, started_at, updated_at`

func scanWorker(scan func(dest ...interface{}) error) (types.Worker, error) {
	var worker types.Worker
	var taskID, hostURL, branch, waitingFor, localURL, action, errMsg, pending sql.NullString
	var milestonesJSON, historyJSON []byte

	err := scan(
		&worker.WorkerID,
		&taskID,
		&worker.WorkspaceID,
		&worker.AccountID,
		&hostURL,
		&branch,
		&worker.Status,
		&waitingFor,
		&worker.CostUSD,
		&worker.Tokens,
		&milestonesJSON,
		&localURL,
		&action,
		&errMsg,
		&pending,
		&historyJSON,
		&worker.StartedAt,
		&worker.UpdatedAt,
	)
	if err != nil {
		return types.Worker{}, err
	}

	worker.TaskID = taskID.String
	worker.HostURL = hostURL.String
	worker.Branch = branch.String
	worker.WaitingFor = waitingFor.String
	worker.LocalURL = localURL.String
	worker.Action = action.String
	worker.Error = errMsg.String
	worker.PendingInstruction = pending.String
	if len(milestonesJSON) > 0 {
		if err := json.Unmarshal(milestonesJSON, &worker.Milestones); err != nil {
			return types.Worker{}, fmt.Errorf("failed to unmarshal milestones: %w", err)
		}
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &worker.InstructionHistory); err != nil {
			return types.Worker{}, fmt.Errorf("failed to unmarshal instruction history: %w", err)
		}
	}

	return worker, nil
}

// GetWorker retrieves a worker by ID
func (s *PostgresStore) GetWorker(ctx context.Context, workerID string) (types.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE worker_id = $1`, workerID)

	worker, err := scanWorker(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Worker{}, ErrWorkerNotFound
	}
	if err != nil {
		return types.Worker{}, fmt.Errorf("failed to get worker: %w", err)
	}

	return worker, nil
}

// UpdateWorker updates specific fields of a worker. The guard on
// non-terminal status lives in the WHERE clause.
func (s *PostgresStore) UpdateWorker(ctx context.Context, workerID string, updates WorkerUpdate) error {
	query := "UPDATE workers SET updated_at = NOW(), "
	var args []interface{}
	argPos := 1

	appendArg := func(column string, value interface{}) {
		query += fmt.Sprintf("%s = $%d, ", column, argPos)
		args = append(args, value)
		argPos++
	}

	if updates.TaskID != nil {
		appendArg("task_id", nullString(*updates.TaskID))
	}
	if updates.Branch != nil {
		appendArg("branch", *updates.Branch)
	}
	if updates.Status != nil {
		appendArg("status", *updates.Status)
	}
	if updates.WaitingFor != nil {
		appendArg("waiting_for", *updates.WaitingFor)
	}
	if updates.CostUSD != nil {
		appendArg("cost_usd", *updates.CostUSD)
	}
	if updates.Tokens != nil {
		appendArg("tokens", *updates.Tokens)
	}
	if updates.Milestones != nil {
		milestonesJSON, err := marshalJSON(updates.Milestones)
		if err != nil {
			return fmt.Errorf("failed to marshal milestones: %w", err)
		}
		appendArg("milestones", milestonesJSON)
	}
	if updates.LocalURL != nil {
		appendArg("local_url", *updates.LocalURL)
	}
	if updates.Action != nil {
		appendArg("action", *updates.Action)
	}
	if updates.Error != nil {
		appendArg("error", *updates.Error)
	}
	if updates.PendingInstruction != nil {
		appendArg("pending_instruction", *updates.PendingInstruction)
	}
	if updates.InstructionHistory != nil {
		historyJSON, err := marshalJSON(updates.InstructionHistory)
		if err != nil {
			return fmt.Errorf("failed to marshal instruction history: %w", err)
		}
		appendArg("instruction_history", historyJSON)
	}

	query = query[:len(query)-2]
	query += fmt.Sprintf(" WHERE worker_id = $%d AND status NOT IN ($%d, $%d)", argPos, argPos+1, argPos+2)
	args = append(args, workerID, types.WorkerCompleted, types.WorkerFailed)
	argPos += 3

	if updates.Status != nil {
		query += fmt.Sprintf(
			" AND (CASE status WHEN 'idle' THEN 0 WHEN 'starting' THEN 1 WHEN 'completed' THEN 3 WHEN 'failed' THEN 3 ELSE 2 END) <= $%d",
			argPos,
		)
		args = append(args, statusRank(*updates.Status))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		current, err := s.GetWorker(ctx, workerID)
		if errors.Is(err, ErrWorkerNotFound) {
			return ErrWorkerNotFound
		}
		if err == nil && !current.Status.Terminal() {
			return ErrInvalidTransition
		}
		return ErrWorkerTerminal
	}

	return nil
}

// ListWorkers returns all workers, optionally filtered by account
func (s *PostgresStore) ListWorkers(ctx context.Context, accountID string) ([]types.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	var args []interface{}
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	workers := make([]types.Worker, 0)
	for rows.Next() {
		worker, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, worker)
	}

	return workers, rows.Err()
}

// CountActiveWorkers returns the number of non-terminal workers for an account
func (s *PostgresStore) CountActiveWorkers(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM workers WHERE account_id = $1 AND status NOT IN ($2, $3)`,
		accountID, types.WorkerCompleted, types.WorkerFailed,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active workers: %w", err)
	}
	return count, nil
}

// DeleteWorker removes a worker from the store
func (s *PostgresStore) DeleteWorker(ctx context.Context, workerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrWorkerNotFound
	}

	return nil
}

// UpsertHeartbeat records or refreshes one host's announcement
func (s *PostgresStore) UpsertHeartbeat(ctx context.Context, hb types.Heartbeat) error {
	workspacesJSON, err := marshalJSON(hb.WorkspaceIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal workspace ids: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO heartbeats (account_id, host_url, workspace_ids, max_workers, active_workers, last_heartbeat_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (account_id, host_url) DO UPDATE SET
		   workspace_ids = EXCLUDED.workspace_ids,
		   max_workers = EXCLUDED.max_workers,
		   active_workers = EXCLUDED.active_workers,
		   last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
		hb.AccountID, hb.HostURL, workspacesJSON, hb.MaxWorkers, hb.ActiveWorkers, hb.LastHeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}

	return nil
}

// ListHeartbeats returns all heartbeats, optionally filtered by account
func (s *PostgresStore) ListHeartbeats(ctx context.Context, accountID string) ([]types.Heartbeat, error) {
	query := `SELECT account_id, host_url, workspace_ids, max_workers, active_workers, last_heartbeat_at FROM heartbeats`
	var args []interface{}
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY host_url`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hbs := make([]types.Heartbeat, 0)
	for rows.Next() {
		var hb types.Heartbeat
		var workspacesJSON []byte
		if err := rows.Scan(
			&hb.AccountID, &hb.HostURL, &workspacesJSON, &hb.MaxWorkers, &hb.ActiveWorkers, &hb.LastHeartbeatAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		if len(workspacesJSON) > 0 {
			if err := json.Unmarshal(workspacesJSON, &hb.WorkspaceIDs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal workspace ids: %w", err)
			}
		}
		hbs = append(hbs, hb)
	}

	return hbs, rows.Err()
}

// DeleteExpiredHeartbeats removes rows older than the cutoff
func (s *PostgresStore) DeleteExpiredHeartbeats(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE last_heartbeat_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired heartbeats: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}

// PutSecret inserts or replaces a secret record
func (s *PostgresStore) PutSecret(ctx context.Context, secret types.Secret) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO secrets (secret_id, name, value, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (secret_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   value = EXCLUDED.value,
		   updated_at = EXCLUDED.updated_at`,
		secret.SecretID, secret.Name, secret.Value, secret.CreatedAt, secret.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put secret: %w", err)
	}
	return nil
}

// GetSecret retrieves a secret by ID
func (s *PostgresStore) GetSecret(ctx context.Context, secretID string) (types.Secret, error) {
	var secret types.Secret
	err := s.db.QueryRowContext(
		ctx,
		`SELECT secret_id, name, value, created_at, updated_at FROM secrets WHERE secret_id = $1`,
		secretID,
	).Scan(&secret.SecretID, &secret.Name, &secret.Value, &secret.CreatedAt, &secret.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return types.Secret{}, ErrSecretNotFound
	}
	if err != nil {
		return types.Secret{}, fmt.Errorf("failed to get secret: %w", err)
	}

	return secret, nil
}

// ListSecrets returns all secret records (ciphertext only)
func (s *PostgresStore) ListSecrets(ctx context.Context) ([]types.Secret, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT secret_id, name, value, created_at, updated_at FROM secrets ORDER BY secret_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	secrets := make([]types.Secret, 0)
	for rows.Next() {
		var secret types.Secret
		if err := rows.Scan(
			&secret.SecretID, &secret.Name, &secret.Value, &secret.CreatedAt, &secret.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		secrets = append(secrets, secret)
	}

	return secrets, rows.Err()
}

// DeleteSecret removes a secret from the store
func (s *PostgresStore) DeleteSecret(ctx context.Context, secretID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE secret_id = $1`, secretID)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSecretNotFound
	}

	return nil
}

// AddSecretRef records a new single-use ref
func (s *PostgresStore) AddSecretRef(ctx context.Context, ref types.SecretRef) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO secret_refs (token, secret_id, worker_id, expires_at, redeemed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ref.Token, ref.SecretID, ref.WorkerID, ref.ExpiresAt, ref.Redeemed, ref.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert secret ref: %w", err)
	}
	return nil
}

// RedeemSecretRef performs the single-use conditional redemption. The
// UPDATE carries every precondition, so the affected-row count decides
// whether this caller won.
func (s *PostgresStore) RedeemSecretRef(
	ctx context.Context, token, workerID string, now time.Time,
) (string, bool, error) {
	var secretID string
	err := s.db.QueryRowContext(
		ctx,
		`UPDATE secret_refs SET redeemed = TRUE
		 WHERE token = $1 AND worker_id = $2 AND redeemed = FALSE AND expires_at > $3
		 RETURNING secret_id`,
		token, workerID, now,
	).Scan(&secretID)

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to redeem secret ref: %w", err)
	}

	return secretID, true, nil
}

// DeleteExpiredRefs sweeps refs past their expiry
func (s *PostgresStore) DeleteExpiredRefs(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secret_refs WHERE expires_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}
