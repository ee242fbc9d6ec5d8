package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestUnknownCountsAsOnline(t *testing.T) {
	c := NewChecker("http://127.0.0.1:1", nil, nil)
	if c.State() != StateUnknown {
		t.Fatalf("Expected fresh checker to be unknown, got %s", c.State())
	}
	if !c.Online() {
		t.Error("Expected unknown state to count as online")
	}
}

func TestOfflineAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	c := NewChecker("http://127.0.0.1:1", nil, func(s State) {
		transitions = append(transitions, s)
	})
	ctx := context.Background()

	c.probe(ctx)
	if c.State() != StateUnknown {
		t.Errorf("Expected unknown after 1 failure, got %s", c.State())
	}
	if !c.Online() {
		t.Error("Expected Online() true before the failure threshold")
	}

	c.probe(ctx)
	if c.State() != StateOffline {
		t.Errorf("Expected offline after %d failures, got %s", failThreshold, c.State())
	}
	if c.Online() {
		t.Error("Expected Online() false once offline")
	}

	// Further failures must not re-fire the transition hook
	c.probe(ctx)
	if len(transitions) != 1 || transitions[0] != StateOffline {
		t.Errorf("Expected exactly one offline transition, got %v", transitions)
	}
}

func TestRecoveryAfterSingleSuccess(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Expected probe on /health, got %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var transitions []State
	c := NewChecker(srv.URL, nil, func(s State) {
		transitions = append(transitions, s)
	})
	ctx := context.Background()

	c.probe(ctx)
	c.probe(ctx)
	if c.State() != StateOffline {
		t.Fatalf("Expected offline, got %s", c.State())
	}

	healthy.Store(true)
	c.probe(ctx)
	if c.State() != StateOnline {
		t.Errorf("Expected online after one success, got %s", c.State())
	}
	if !c.Online() {
		t.Error("Expected Online() true after recovery")
	}

	want := []State{StateOffline, StateOnline}
	if len(transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestFlappingResetsFailureCount(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker(srv.URL, nil, nil)
	ctx := context.Background()

	c.probe(ctx)
	if c.State() != StateOnline {
		t.Fatalf("Expected online, got %s", c.State())
	}

	// Alternating fail/ok never reaches the failure threshold
	for i := 0; i < 3; i++ {
		healthy.Store(false)
		c.probe(ctx)
		healthy.Store(true)
		c.probe(ctx)
	}
	if c.State() != StateOnline {
		t.Errorf("Expected online through isolated failures, got %s", c.State())
	}
}
