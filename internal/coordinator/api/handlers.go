package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/agentgrid/agentgrid/internal/coordinator/claim"
	"github.com/agentgrid/agentgrid/internal/coordinator/state"
	"github.com/agentgrid/agentgrid/internal/types"
)

// CreateTaskRequest represents a request to create a new task.
type CreateTaskRequest struct {
	WorkspaceID          string       `json:"workspaceId" validate:"required"`
	Title                string       `json:"title" validate:"required"`
	Description          string       `json:"description"`
	Priority             int          `json:"priority"`
	Runner               types.Runner `json:"runner"`
	RequiredCapabilities []string     `json:"requiredCapabilities"`
	SecretID             string       `json:"secretId"`
	ExpiresAt            *time.Time   `json:"expiresAt"`
}

// UpdateWorkerRequest represents a periodic sync or terminal update from
// a host for one of its workers.
type UpdateWorkerRequest struct {
	Status     types.WorkerStatus `json:"status"`
	Action     *string            `json:"action"`
	WaitingFor *string            `json:"waitingFor"`
	CostUSD    *float64           `json:"costUsd"`
	Tokens     *int               `json:"tokens"`
	Milestones []types.Milestone  `json:"milestones"`
	LocalURL   *string            `json:"localUrl"`
	Error      *string            `json:"error"`
}

// CommandRequest relays a control command to a running worker.
type CommandRequest struct {
	Action types.CommandAction `json:"action" validate:"required"`
	Text   string              `json:"text"`
}

// HeartbeatRequest is one host's liveness and capacity announcement.
type HeartbeatRequest struct {
	AccountID     string   `json:"accountId" validate:"required"`
	HostURL       string   `json:"hostUrl" validate:"required"`
	WorkspaceIDs  []string `json:"workspaceIds"`
	MaxWorkers    int      `json:"maxWorkers"`
	ActiveWorkers int      `json:"activeWorkers"`
	HeadCommit    string   `json:"headCommit"`
}

// HeartbeatResponse returns pending commands for the host plus
// assignment hints so a host can start newly created work immediately.
type HeartbeatResponse struct {
	Commands     []types.Command `json:"commands,omitempty"`
	PendingTasks int             `json:"pendingTasks"`
	HeadCommit   string          `json:"headCommit,omitempty"`
}

// ReassignRequest releases a stale claim, optionally by force.
type ReassignRequest struct {
	Force bool `json:"force"`
}

// CreateTask handles POST /api/v1/tasks.
func (s *Server) CreateTask(c echo.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	if req.WorkspaceID == "" || req.Title == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "workspaceId and title are required"})
	}

	task := types.Task{
		TaskID:               uuid.NewString(),
		WorkspaceID:          req.WorkspaceID,
		Title:                req.Title,
		Description:          req.Description,
		Status:               types.TaskPending,
		Priority:             req.Priority,
		Runner:               req.Runner,
		RequiredCapabilities: req.RequiredCapabilities,
		SecretID:             req.SecretID,
		ExpiresAt:            req.ExpiresAt,
		CreatedAt:            time.Now(),
	}

	if err := s.store.AddTask(c.Request().Context(), task); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, task)
}

// ListTasks handles GET /api/v1/tasks.
func (s *Server) ListTasks(c echo.Context) error {
	tasks, err := s.store.ListTasks(c.Request().Context(), c.QueryParam("workspaceId"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/:id.
func (s *Server) GetTask(c echo.Context) error {
	task, err := s.store.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}

	return c.JSON(http.StatusOK, task)
}

// ClaimWorkers handles POST /api/v1/workers/claim.
// Capacity exhaustion is an expected outcome reported as 429 with the
// current/limit pair so the caller can present it verbatim.
func (s *Server) ClaimWorkers(c echo.Context) error {
	var req claim.ClaimRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	result, err := s.coordinator.Claim(c.Request().Context(), req)
	if err != nil {
		var capErr *claim.CapacityError
		if errors.As(err, &capErr) {
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"error":   "max concurrent workers reached",
				"current": capErr.Current,
				"limit":   capErr.Limit,
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, result)
}

// UpdateWorker handles PATCH /api/v1/workers/:id.
// A worker that already reached a terminal state returns 409; hosts treat
// that as success because the completion race is benign.
func (s *Server) UpdateWorker(c echo.Context) error {
	workerID := c.Param("id")

	var req UpdateWorkerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	update := state.WorkerUpdate{
		Action:     req.Action,
		WaitingFor: req.WaitingFor,
		CostUSD:    req.CostUSD,
		Tokens:     req.Tokens,
		Milestones: req.Milestones,
		LocalURL:   req.LocalURL,
		Error:      req.Error,
	}
	if req.Status != "" {
		update.Status = &req.Status
	}

	ctx := c.Request().Context()
	if err := s.store.UpdateWorker(ctx, workerID, update); err != nil {
		switch {
		case errors.Is(err, state.ErrWorkerNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "worker not found"})
		case errors.Is(err, state.ErrWorkerTerminal):
			return c.JSON(http.StatusConflict, map[string]string{"error": "worker already terminal"})
		case errors.Is(err, state.ErrInvalidTransition):
			return c.JSON(http.StatusConflict, map[string]string{"error": "invalid worker status transition"})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	worker, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	// Terminal worker updates close out the task in the same call.
	if req.Status.Terminal() && worker.TaskID != "" {
		taskStatus := types.TaskCompleted
		if req.Status == types.WorkerFailed {
			taskStatus = types.TaskFailed
		}
		if err := s.store.UpdateTask(ctx, worker.TaskID, state.TaskUpdate{Status: &taskStatus}); err != nil {
			s.logger.Warn("failed to close out task for terminal worker",
				"workerId", workerID, "taskId", worker.TaskID, "error", err)
		}
	}

	return c.JSON(http.StatusOK, worker)
}

// GetWorker handles GET /api/v1/workers/:id.
func (s *Server) GetWorker(c echo.Context) error {
	worker, err := s.store.GetWorker(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "worker not found"})
	}

	return c.JSON(http.StatusOK, worker)
}

// ListWorkers handles GET /api/v1/workers.
func (s *Server) ListWorkers(c echo.Context) error {
	workers, err := s.store.ListWorkers(c.Request().Context(), c.QueryParam("accountId"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, workers)
}

// SendCommand handles POST /api/v1/workers/:id/cmd.
func (s *Server) SendCommand(c echo.Context) error {
	workerID := c.Param("id")

	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if !req.Action.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown command action"})
	}

	ctx := c.Request().Context()
	worker, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "worker not found"})
	}
	if worker.Status.Terminal() {
		return c.JSON(http.StatusConflict, map[string]string{"error": "worker already terminal"})
	}

	// A follow-up message is also recorded on the worker row so it
	// survives a relay miss and shows up in the instruction history.
	if req.Action == types.CommandMessage && req.Text != "" {
		history := append(worker.InstructionHistory, req.Text)
		update := state.WorkerUpdate{
			PendingInstruction: &req.Text,
			InstructionHistory: history,
		}
		if err := s.store.UpdateWorker(ctx, workerID, update); err != nil && !errors.Is(err, state.ErrWorkerTerminal) {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	// Mailbox fallback is keyed on the host that claimed the worker so a
	// parked command drains on that host's next heartbeat, not whichever
	// account host heartbeats first.
	host := worker.HostURL
	if host == "" {
		host = s.hostForAccount(c, worker.AccountID)
	}

	cmd := types.Command{WorkerID: workerID, Action: req.Action, Text: req.Text}
	s.relay.PublishCommand(cmd, host)

	return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
}

// AckCommand handles POST /api/v1/workers/:id/ack. The host calls it
// once a relayed instruction reached the session, clearing the pending
// marker so the sync loop stops re-reporting it.
func (s *Server) AckCommand(c echo.Context) error {
	workerID := c.Param("id")

	cleared := ""
	err := s.store.UpdateWorker(c.Request().Context(), workerID, state.WorkerUpdate{PendingInstruction: &cleared})
	switch {
	case errors.Is(err, state.ErrWorkerNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "worker not found"})
	case errors.Is(err, state.ErrWorkerTerminal):
		return c.JSON(http.StatusConflict, map[string]string{"error": "worker already terminal"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "acknowledged"})
}

// hostForAccount picks a live host URL for workers recorded before host
// tracking, where the claiming host is unknown.
func (s *Server) hostForAccount(c echo.Context, accountID string) string {
	hbs, err := s.store.ListHeartbeats(c.Request().Context(), accountID)
	if err != nil {
		return ""
	}
	now := time.Now()
	for _, hb := range hbs {
		if hb.Live(now) {
			return hb.HostURL
		}
	}
	return ""
}

// Heartbeat handles POST /api/v1/workers/heartbeat.
func (s *Server) Heartbeat(c echo.Context) error {
	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if req.AccountID == "" || req.HostURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "accountId and hostUrl are required"})
	}

	ctx := c.Request().Context()
	hb := types.Heartbeat{
		AccountID:       req.AccountID,
		HostURL:         req.HostURL,
		WorkspaceIDs:    req.WorkspaceIDs,
		MaxWorkers:      req.MaxWorkers,
		ActiveWorkers:   req.ActiveWorkers,
		LastHeartbeatAt: time.Now(),
	}
	if err := s.store.UpsertHeartbeat(ctx, hb); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	for _, workspaceID := range req.WorkspaceIDs {
		s.rememberHeadCommit(workspaceID, req.HeadCommit)
	}

	pending := 0
	tasks, err := s.store.ListTasks(ctx, "")
	if err == nil {
		for _, task := range tasks {
			if task.Status == types.TaskPending {
				pending++
			}
		}
	}

	return c.JSON(http.StatusOK, HeartbeatResponse{
		Commands:     s.relay.DrainMailbox(req.HostURL),
		PendingTasks: pending,
		HeadCommit:   s.headCommit(req.WorkspaceIDs),
	})
}

// WorkspaceHosts aggregates the live hosts serving one workspace along
// with their combined capacity.
type WorkspaceHosts struct {
	WorkspaceID   string            `json:"workspaceId"`
	Hosts         []types.Heartbeat `json:"hosts"`
	MaxWorkers    int               `json:"maxWorkers"`
	ActiveWorkers int               `json:"activeWorkers"`
}

// ListHosts handles GET /api/v1/hosts.
// Only hosts within the liveness window are returned, grouped by the
// workspaces they serve. A host serving several workspaces appears in
// each of its groups.
func (s *Server) ListHosts(c echo.Context) error {
	hbs, err := s.store.ListHeartbeats(c.Request().Context(), c.QueryParam("accountId"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	now := time.Now()
	groups := make(map[string]*WorkspaceHosts)
	for _, hb := range hbs {
		if !hb.Live(now) {
			continue
		}
		workspaceIDs := hb.WorkspaceIDs
		if len(workspaceIDs) == 0 {
			workspaceIDs = []string{""}
		}
		for _, workspaceID := range workspaceIDs {
			group, ok := groups[workspaceID]
			if !ok {
				group = &WorkspaceHosts{WorkspaceID: workspaceID}
				groups[workspaceID] = group
			}
			group.Hosts = append(group.Hosts, hb)
			group.MaxWorkers += hb.MaxWorkers
			group.ActiveWorkers += hb.ActiveWorkers
		}
	}

	out := make([]WorkspaceHosts, 0, len(groups))
	for _, group := range groups {
		out = append(out, *group)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WorkspaceID < out[j].WorkspaceID
	})

	return c.JSON(http.StatusOK, out)
}

// RedeemSecret handles GET /api/v1/workers/secret/:ref.
// Every failure mode looks identical: 404 with no detail, so a probing
// client cannot distinguish wrong scope from expiry from double use.
func (s *Server) RedeemSecret(c echo.Context) error {
	workerID := c.QueryParam("workerId")

	value, ok, err := s.broker.RedeemRef(c.Request().Context(), c.Param("ref"), workerID)
	if err != nil {
		s.logger.Error("secret redemption failed", "error", err)
		return c.JSON(http.StatusNotFound, map[string]string{})
	}
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{})
	}

	return c.JSON(http.StatusOK, map[string]string{"value": value})
}

// ReassignTask handles POST /api/v1/tasks/:id/reassign.
func (s *Server) ReassignTask(c echo.Context) error {
	var req ReassignRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	admin := bearerToken(c) == s.cfg.AdminToken && s.cfg.AdminToken != ""
	if s.cfg.AdminToken == "" {
		admin = true
	}

	result, err := s.coordinator.Reassign(c.Request().Context(), c.Param("id"), req.Force, admin)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrTaskNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
		case errors.Is(err, claim.ErrForbidden):
			return c.JSON(http.StatusForbidden, map[string]interface{}{
				"error":         "task owner is still live; retry with force",
				"isStale":       result.IsStale,
				"onlineHosts":   result.OnlineHosts,
				"spareCapacity": result.SpareCapacity,
				"canTakeover":   result.CanTakeover,
			})
		case errors.Is(err, state.ErrTaskNotReleasable):
			return c.JSON(http.StatusConflict, map[string]string{"error": "task is not claimed or running"})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	return c.JSON(http.StatusOK, result)
}

// SetSecretRequest stores an encrypted credential.
type SetSecretRequest struct {
	SecretID string `json:"secretId" validate:"required"`
	Name     string `json:"name"`
	Value    string `json:"value" validate:"required"`
}

// SetSecret handles POST /api/v1/secrets.
func (s *Server) SetSecret(c echo.Context) error {
	var req SetSecretRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if req.SecretID == "" || req.Value == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "secretId and value are required"})
	}

	if err := s.broker.Set(c.Request().Context(), req.SecretID, req.Name, req.Value); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, map[string]string{"secretId": req.SecretID})
}

// ListSecrets handles GET /api/v1/secrets. Values are never returned.
func (s *Server) ListSecrets(c echo.Context) error {
	list, err := s.broker.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, list)
}

// DeleteSecret handles DELETE /api/v1/secrets/:id.
func (s *Server) DeleteSecret(c echo.Context) error {
	if err := s.broker.Delete(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, state.ErrSecretNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "secret not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
