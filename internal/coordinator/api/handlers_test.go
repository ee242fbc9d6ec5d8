package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agentgrid/agentgrid/internal/coordinator/claim"
	"github.com/agentgrid/agentgrid/internal/coordinator/relay"
	"github.com/agentgrid/agentgrid/internal/coordinator/state"
	"github.com/agentgrid/agentgrid/internal/secrets"
	"github.com/agentgrid/agentgrid/internal/types"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func setupTestServer(cfg Config) (*Server, *echo.Echo, *state.InMemoryStore) {
	store := state.NewInMemoryStore()
	bus := relay.New()
	broker := secrets.NewBroker(store, testMasterKey)
	coordinator := claim.NewCoordinator(store, bus, broker, claim.StaticLimits{Default: 3})
	server := NewServer(store, coordinator, bus, broker, cfg, nil)
	e := echo.New()
	server.RegisterRoutes(e)
	return server, e, store
}

func doJSON(e *echo.Echo, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreateTask(t *testing.T) {
	tests := []struct {
		name       string
		reqBody    string
		wantStatus int
	}{
		{
			name:       "valid task creation",
			reqBody:    `{"workspaceId":"ws-1","title":"fix login flow"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "invalid JSON",
			reqBody:    `{"workspaceId":"ws-1"`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing title",
			reqBody:    `{"workspaceId":"ws-1"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, e, _ := setupTestServer(Config{})

			rec := doJSON(e, http.MethodPost, "/api/v1/tasks", tt.reqBody, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("CreateTask() status = %v, want %v", rec.Code, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusCreated {
				var task types.Task
				if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
					t.Fatalf("Failed to decode response: %v", err)
				}
				if task.TaskID == "" {
					t.Error("Expected generated task ID")
				}
				if task.Status != types.TaskPending {
					t.Errorf("Expected pending status, got %s", task.Status)
				}
			}
		})
	}
}

func TestBearerAuth(t *testing.T) {
	_, e, _ := setupTestServer(Config{BearerToken: "node-token", AdminToken: "admin-token"})

	rec := doJSON(e, http.MethodGet, "/api/v1/tasks", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/tasks", "", "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong token, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/tasks", "", "node-token")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with node token, got %d", rec.Code)
	}

	// Secret management needs the admin token on top
	rec = doJSON(e, http.MethodGet, "/api/v1/secrets", "", "node-token")
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for admin route with node token, got %d", rec.Code)
	}
	rec = doJSON(e, http.MethodGet, "/api/v1/secrets", "", "admin-token")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for admin route with admin token, got %d", rec.Code)
	}
}

func TestClaimWorkersAtCapacity(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		worker := types.Worker{WorkerID: fmt.Sprintf("w-%d", i), AccountID: "acct-1", Status: types.WorkerRunning}
		if err := store.AddWorker(ctx, worker); err != nil {
			t.Fatalf("Failed to add worker: %v", err)
		}
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/workers/claim", `{"accountId":"acct-1","maxTasks":1}`, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Error   string `json:"error"`
		Current int    `json:"current"`
		Limit   int    `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode 429 body: %v", err)
	}
	if body.Current != 3 || body.Limit != 3 || body.Error == "" {
		t.Errorf("Expected current=3 limit=3 with message, got %+v", body)
	}
}

func TestClaimWorkersGrantsTask(t *testing.T) {
	_, e, store := setupTestServer(Config{})

	task := types.Task{TaskID: "task-1", WorkspaceID: "ws-1", Title: "t", Status: types.TaskPending, CreatedAt: time.Now()}
	if err := store.AddTask(context.Background(), task); err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/workers/claim", `{"accountId":"acct-1","maxTasks":2}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result claim.ClaimResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to decode claim result: %v", err)
	}
	if result.Granted != 1 || len(result.Workers) != 1 {
		t.Fatalf("Expected 1 granted worker, got %+v", result)
	}
	if result.Workers[0].Task.TaskID != "task-1" {
		t.Errorf("Expected task-1 claimed, got %s", result.Workers[0].Task.TaskID)
	}
}

func TestUpdateWorkerTerminalConflict(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	worker := types.Worker{WorkerID: "w-1", AccountID: "acct-1", Status: types.WorkerCompleted}
	if err := store.AddWorker(ctx, worker); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}

	rec := doJSON(e, http.MethodPatch, "/api/v1/workers/w-1", `{"status":"running"}`, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for terminal worker, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPatch, "/api/v1/workers/missing", `{"status":"running"}`, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown worker, got %d", rec.Code)
	}
}

func TestUpdateWorkerTerminalClosesTask(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	task := types.Task{TaskID: "task-1", Status: types.TaskRunning, CreatedAt: time.Now()}
	if err := store.AddTask(ctx, task); err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}
	worker := types.Worker{WorkerID: "w-1", TaskID: "task-1", AccountID: "acct-1", Status: types.WorkerRunning}
	if err := store.AddWorker(ctx, worker); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}

	rec := doJSON(e, http.MethodPatch, "/api/v1/workers/w-1", `{"status":"failed","error":"Aborted"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	closed, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if closed.Status != types.TaskFailed {
		t.Errorf("Expected task failed alongside worker, got %s", closed.Status)
	}
}

func TestSendCommandRecordsInstruction(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	worker := types.Worker{WorkerID: "w-1", AccountID: "acct-1", Status: types.WorkerRunning}
	if err := store.AddWorker(ctx, worker); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/workers/w-1/cmd", `{"action":"message","text":"also add tests"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	updated, _ := store.GetWorker(ctx, "w-1")
	if updated.PendingInstruction != "also add tests" {
		t.Errorf("Expected pending instruction recorded, got %q", updated.PendingInstruction)
	}
	if len(updated.InstructionHistory) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(updated.InstructionHistory))
	}
}

func TestSendCommandValidation(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	terminal := types.Worker{WorkerID: "w-done", AccountID: "acct-1", Status: types.WorkerCompleted}
	if err := store.AddWorker(ctx, terminal); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/workers/missing/cmd", `{"action":"abort"}`, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown worker, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/workers/w-done/cmd", `{"action":"abort"}`, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for terminal worker, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/workers/w-done/cmd", `{"action":"restart"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown action, got %d", rec.Code)
	}
}

func TestHeartbeatReturnsParkedCommands(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	worker := types.Worker{WorkerID: "w-1", AccountID: "acct-1", Status: types.WorkerRunning}
	if err := store.AddWorker(ctx, worker); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}
	hb := types.Heartbeat{AccountID: "acct-1", HostURL: "http://host-a:9000", LastHeartbeatAt: time.Now()}
	if err := store.UpsertHeartbeat(ctx, hb); err != nil {
		t.Fatalf("UpsertHeartbeat failed: %v", err)
	}

	// No subscriber is listening, so the command parks in the mailbox
	rec := doJSON(e, http.MethodPost, "/api/v1/workers/w-1/cmd", `{"action":"abort"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("SendCommand failed: %d %s", rec.Code, rec.Body.String())
	}

	body := `{"accountId":"acct-1","hostUrl":"http://host-a:9000","maxWorkers":3,"activeWorkers":1}`
	rec = doJSON(e, http.MethodPost, "/api/v1/workers/heartbeat", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Heartbeat failed: %d %s", rec.Code, rec.Body.String())
	}

	var resp HeartbeatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode heartbeat response: %v", err)
	}
	if len(resp.Commands) != 1 || resp.Commands[0].Action != types.CommandAbort {
		t.Errorf("Expected parked abort command, got %+v", resp.Commands)
	}
}

func TestSendCommandParksOnWorkerHost(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	// Two live hosts for the same account; the worker runs on host-b.
	now := time.Now()
	for _, hostURL := range []string{"http://host-a:9000", "http://host-b:9000"} {
		hb := types.Heartbeat{AccountID: "acct-1", HostURL: hostURL, LastHeartbeatAt: now}
		if err := store.UpsertHeartbeat(ctx, hb); err != nil {
			t.Fatalf("UpsertHeartbeat failed: %v", err)
		}
	}
	worker := types.Worker{WorkerID: "w-1", AccountID: "acct-1", HostURL: "http://host-b:9000", Status: types.WorkerRunning}
	if err := store.AddWorker(ctx, worker); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/workers/w-1/cmd", `{"action":"abort"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("SendCommand failed: %d %s", rec.Code, rec.Body.String())
	}

	heartbeat := func(hostURL string) HeartbeatResponse {
		t.Helper()
		body := fmt.Sprintf(`{"accountId":"acct-1","hostUrl":"%s","maxWorkers":3}`, hostURL)
		rec := doJSON(e, http.MethodPost, "/api/v1/workers/heartbeat", body, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("Heartbeat failed: %d %s", rec.Code, rec.Body.String())
		}
		var resp HeartbeatResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode heartbeat response: %v", err)
		}
		return resp
	}

	if resp := heartbeat("http://host-a:9000"); len(resp.Commands) != 0 {
		t.Errorf("Expected no commands for host-a, got %+v", resp.Commands)
	}
	resp := heartbeat("http://host-b:9000")
	if len(resp.Commands) != 1 || resp.Commands[0].WorkerID != "w-1" {
		t.Errorf("Expected the command parked for host-b, got %+v", resp.Commands)
	}
}

func TestAckCommandClearsPendingInstruction(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	worker := types.Worker{WorkerID: "w-1", AccountID: "acct-1", Status: types.WorkerRunning}
	if err := store.AddWorker(ctx, worker); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/workers/w-1/cmd", `{"action":"message","text":"also add tests"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("SendCommand failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/workers/w-1/ack", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("AckCommand failed: %d %s", rec.Code, rec.Body.String())
	}

	updated, _ := store.GetWorker(ctx, "w-1")
	if updated.PendingInstruction != "" {
		t.Errorf("Expected pending instruction cleared, got %q", updated.PendingInstruction)
	}
	if len(updated.InstructionHistory) != 1 {
		t.Errorf("Expected history kept after ack, got %d entries", len(updated.InstructionHistory))
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/workers/missing/ack", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 acking unknown worker, got %d", rec.Code)
	}
}

func TestUpdateWorkerRejectsBackwardTransition(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	worker := types.Worker{WorkerID: "w-1", AccountID: "acct-1", Status: types.WorkerRunning}
	if err := store.AddWorker(ctx, worker); err != nil {
		t.Fatalf("Failed to add worker: %v", err)
	}

	rec := doJSON(e, http.MethodPatch, "/api/v1/workers/w-1", `{"status":"starting"}`, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 moving running back to starting, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPatch, "/api/v1/workers/w-1", `{"status":"paused"}`, "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 pausing a running worker, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRedeemSecretUniformMiss(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	broker := secrets.NewBroker(store, testMasterKey)
	if err := broker.Set(ctx, "s-1", "", "value"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	token, err := broker.CreateRef(ctx, "s-1", "w-1", time.Minute)
	if err != nil {
		t.Fatalf("CreateRef failed: %v", err)
	}

	// Wrong worker, unknown token, and (after success) reuse: identical 404s
	paths := []string{
		"/api/v1/workers/secret/" + token + "?workerId=w-other",
		"/api/v1/workers/secret/unknown-token?workerId=w-1",
	}
	for _, path := range paths {
		rec := doJSON(e, http.MethodGet, path, "", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404 for %s, got %d", path, rec.Code)
		}
		if strings.TrimSpace(rec.Body.String()) != "{}" {
			t.Errorf("Expected empty object body, got %s", rec.Body.String())
		}
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/workers/secret/"+token+"?workerId=w-1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for valid redemption, got %d", rec.Code)
	}
	var out struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode redemption: %v", err)
	}
	if out.Value != "value" {
		t.Errorf("Expected plaintext value, got %q", out.Value)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/workers/secret/"+token+"?workerId=w-1", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on reuse, got %d", rec.Code)
	}
}

func TestReassignForbiddenCarriesDiagnostics(t *testing.T) {
	_, e, store := setupTestServer(Config{AdminToken: "admin-token"})
	ctx := context.Background()

	task := types.Task{TaskID: "task-1", Status: types.TaskPending, CreatedAt: time.Now()}
	if err := store.AddTask(ctx, task); err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}
	if _, err := store.ClaimPending(ctx, "acct-1", 1, state.TaskFilter{}, time.Now()); err != nil {
		t.Fatalf("Setup claim failed: %v", err)
	}
	hb := types.Heartbeat{AccountID: "acct-1", HostURL: "http://host-a:9000", MaxWorkers: 3, LastHeartbeatAt: time.Now()}
	if err := store.UpsertHeartbeat(ctx, hb); err != nil {
		t.Fatalf("UpsertHeartbeat failed: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/tasks/task-1/reassign", `{"force":false}`, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		IsStale     bool `json:"isStale"`
		OnlineHosts int  `json:"onlineHosts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode 403 body: %v", err)
	}
	if body.IsStale || body.OnlineHosts != 1 {
		t.Errorf("Expected live-owner diagnostics, got %+v", body)
	}

	// Forcing without the admin token still refuses
	rec = doJSON(e, http.MethodPost, "/api/v1/tasks/task-1/reassign", `{"force":true}`, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin token, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/tasks/task-1/reassign", `{"force":true}`, "admin-token")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with admin force, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListHostsFiltersStale(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	now := time.Now()
	heartbeats := []types.Heartbeat{
		{AccountID: "acct-1", HostURL: "http://live:9000", WorkspaceIDs: []string{"ws-1"}, LastHeartbeatAt: now},
		{AccountID: "acct-1", HostURL: "http://stale:9000", WorkspaceIDs: []string{"ws-1"}, LastHeartbeatAt: now.Add(-types.LivenessWindow - time.Minute)},
	}
	for _, hb := range heartbeats {
		if err := store.UpsertHeartbeat(ctx, hb); err != nil {
			t.Fatalf("UpsertHeartbeat failed: %v", err)
		}
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/hosts", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ListHosts failed: %d", rec.Code)
	}
	var groups []WorkspaceHosts
	if err := json.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("Failed to decode hosts: %v", err)
	}
	if len(groups) != 1 || groups[0].WorkspaceID != "ws-1" {
		t.Fatalf("Expected one ws-1 group, got %+v", groups)
	}
	if len(groups[0].Hosts) != 1 || groups[0].Hosts[0].HostURL != "http://live:9000" {
		t.Errorf("Expected only the live host, got %+v", groups[0].Hosts)
	}
}

func TestListHostsGroupsByWorkspace(t *testing.T) {
	_, e, store := setupTestServer(Config{})
	ctx := context.Background()

	now := time.Now()
	heartbeats := []types.Heartbeat{
		{AccountID: "acct-1", HostURL: "http://host-a:9000", WorkspaceIDs: []string{"ws-1", "ws-2"}, MaxWorkers: 3, ActiveWorkers: 1, LastHeartbeatAt: now},
		{AccountID: "acct-1", HostURL: "http://host-b:9000", WorkspaceIDs: []string{"ws-2"}, MaxWorkers: 2, ActiveWorkers: 2, LastHeartbeatAt: now},
	}
	for _, hb := range heartbeats {
		if err := store.UpsertHeartbeat(ctx, hb); err != nil {
			t.Fatalf("UpsertHeartbeat failed: %v", err)
		}
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/hosts", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ListHosts failed: %d", rec.Code)
	}
	var groups []WorkspaceHosts
	if err := json.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("Failed to decode hosts: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("Expected 2 workspace groups, got %+v", groups)
	}
	if groups[0].WorkspaceID != "ws-1" || groups[1].WorkspaceID != "ws-2" {
		t.Fatalf("Expected groups sorted by workspace, got %s then %s", groups[0].WorkspaceID, groups[1].WorkspaceID)
	}
	if len(groups[0].Hosts) != 1 || groups[0].MaxWorkers != 3 {
		t.Errorf("Expected ws-1 served by host-a alone, got %+v", groups[0])
	}
	if len(groups[1].Hosts) != 2 || groups[1].MaxWorkers != 5 || groups[1].ActiveWorkers != 3 {
		t.Errorf("Expected ws-2 capacity summed across both hosts, got %+v", groups[1])
	}
}

func TestSecretLifecycle(t *testing.T) {
	_, e, _ := setupTestServer(Config{})

	rec := doJSON(e, http.MethodPost, "/api/v1/secrets", `{"secretId":"s-1","name":"pat","value":"v"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("SetSecret failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/secrets", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ListSecrets failed: %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"v"`) {
		t.Error("Secret listing leaked a plaintext value")
	}

	rec = doJSON(e, http.MethodDelete, "/api/v1/secrets/s-1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DeleteSecret failed: %d", rec.Code)
	}
	rec = doJSON(e, http.MethodDelete, "/api/v1/secrets/s-1", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 deleting twice, got %d", rec.Code)
	}
}
