package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/agentgrid/agentgrid/internal/coordinator/api"
	"github.com/agentgrid/agentgrid/internal/coordinator/claim"
	"github.com/agentgrid/agentgrid/internal/types"
)

// fakeOutbox records enqueued calls and applies the real queueing policy
// shape: PATCH worker syncs and heartbeats queue, claims never do.
type fakeOutbox struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeOutbox) ShouldQueue(method, path string) bool {
	if method == http.MethodPatch {
		return true
	}
	return method == http.MethodPost && path == "/api/v1/workers/heartbeat"
}

func (f *fakeOutbox) Enqueue(method, path string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, method+" "+path)
	return nil
}

func (f *fakeOutbox) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// unreachableURL points at a closed port on localhost.
const unreachableURL = "http://127.0.0.1:1"

func TestConnectivityFailureQueuesEligibleCall(t *testing.T) {
	box := &fakeOutbox{}
	c := NewClient(unreachableURL, "tok", WithOutbox(box))

	status := types.WorkerRunning
	err := c.UpdateWorker(context.Background(), "w-1", api.UpdateWorkerRequest{Status: status})
	if err != nil {
		t.Fatalf("Expected queued call to report success, got %v", err)
	}
	if box.len() != 1 {
		t.Errorf("Expected 1 queued entry, got %d", box.len())
	}
}

func TestConnectivityFailureSurfacedWithoutOutbox(t *testing.T) {
	c := NewClient(unreachableURL, "tok")

	status := types.WorkerRunning
	err := c.UpdateWorker(context.Background(), "w-1", api.UpdateWorkerRequest{Status: status})
	if !IsConnectivity(err) {
		t.Fatalf("Expected ConnectivityError, got %v", err)
	}
}

func TestClaimNeverQueued(t *testing.T) {
	box := &fakeOutbox{}
	c := NewClient(unreachableURL, "tok", WithOutbox(box))

	_, err := c.Claim(context.Background(), claim.ClaimRequest{AccountID: "acct-1"})
	if err == nil {
		t.Fatal("Expected claim against unreachable server to fail")
	}
	if box.len() != 0 {
		t.Errorf("Expected no queued entries for a claim, got %d", box.len())
	}
}

func TestConflictTreatedAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	status := types.WorkerCompleted
	if err := c.UpdateWorker(context.Background(), "w-1", api.UpdateWorkerRequest{Status: status}); err != nil {
		t.Errorf("Expected 409 on worker update to be success, got %v", err)
	}
	if err := c.SendCommand(context.Background(), "w-1", types.CommandAbort, ""); err != nil {
		t.Errorf("Expected 409 on command to be success, got %v", err)
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	box := &fakeOutbox{}
	c := NewClient(server.URL, "tok", WithOutbox(box))

	status := types.WorkerRunning
	err := c.UpdateWorker(context.Background(), "w-1", api.UpdateWorkerRequest{Status: status})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Expected StatusError 500, got %v", err)
	}
	// A reachable server answering with an error is not a connectivity
	// failure; nothing may be queued.
	if box.len() != 0 {
		t.Errorf("Expected no queued entries, got %d", box.len())
	}
}

func TestUnauthorizedDisablesClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(server.URL, "bad-token")
	_, err := c.ListTasks(context.Background(), "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if !c.Disabled() {
		t.Fatal("Expected client disabled after 401")
	}

	// Every later call short-circuits without touching the network
	_, err = c.ListTasks(context.Background(), "")
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
}

func TestClaimCapacityError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "max concurrent workers reached", "current": 3, "limit": 3,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	_, err := c.Claim(context.Background(), claim.ClaimRequest{AccountID: "acct-1"})
	var capErr *claim.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Expected CapacityError, got %v", err)
	}
	if capErr.Current != 3 || capErr.Limit != 3 {
		t.Errorf("Expected current=3 limit=3, got %+v", capErr)
	}
}

func TestRedeemSecretMissIsSilent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	value, ok, err := c.RedeemSecret(context.Background(), "some-ref", "w-1")
	if value != "" || ok || err != nil {
		t.Errorf("Expected silent miss, got value=%q ok=%v err=%v", value, ok, err)
	}
}

func TestBearerHeaderSent(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	defer server.Close()

	c := NewClient(server.URL, "node-token")
	if _, err := c.ListTasks(context.Background(), ""); err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if gotAuth != "Bearer node-token" {
		t.Errorf("Expected bearer header, got %q", gotAuth)
	}
}
