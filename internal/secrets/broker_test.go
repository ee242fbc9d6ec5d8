package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentgrid/agentgrid/internal/coordinator/state"
)

func newTestBroker() (*Broker, *state.InMemoryStore) {
	store := state.NewInMemoryStore()
	return NewBroker(store, testMasterKey), store
}

func TestSetStoresOnlyCiphertext(t *testing.T) {
	broker, store := newTestBroker()
	ctx := context.Background()

	if err := broker.Set(ctx, "github-pat", "deploy key", "ghp_plaintext"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	stored, err := store.GetSecret(ctx, "github-pat")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if stored.Value == "ghp_plaintext" {
		t.Fatal("Plaintext reached the store")
	}

	value, err := broker.Get(ctx, "github-pat")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "ghp_plaintext" {
		t.Errorf("Expected round-tripped plaintext, got %q", value)
	}
}

func TestSetWithShortMasterKey(t *testing.T) {
	store := state.NewInMemoryStore()
	broker := NewBroker(store, "short")

	err := broker.Set(context.Background(), "s-1", "", "value")
	if !errors.Is(err, ErrMasterKeyTooShort) {
		t.Errorf("Expected ErrMasterKeyTooShort, got %v", err)
	}
}

func TestCreateRefRequiresExistingSecret(t *testing.T) {
	broker, _ := newTestBroker()

	_, err := broker.CreateRef(context.Background(), "missing", "w-1", time.Minute)
	if !errors.Is(err, state.ErrSecretNotFound) {
		t.Errorf("Expected ErrSecretNotFound, got %v", err)
	}
}

func TestRefRedemption(t *testing.T) {
	broker, _ := newTestBroker()
	ctx := context.Background()

	if err := broker.Set(ctx, "s-1", "", "the value"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	token, err := broker.CreateRef(ctx, "s-1", "w-1", time.Minute)
	if err != nil {
		t.Fatalf("CreateRef failed: %v", err)
	}

	value, ok, err := broker.RedeemRef(ctx, token, "w-1")
	if err != nil || !ok {
		t.Fatalf("Expected redemption to succeed, got ok=%v err=%v", ok, err)
	}
	if value != "the value" {
		t.Errorf("Expected decrypted value, got %q", value)
	}

	// Reuse, wrong worker, and unknown token all fail the same way
	cases := []struct{ token, workerID string }{
		{token, "w-1"},
		{token, "w-2"},
		{"unknown", "w-1"},
	}
	for _, tc := range cases {
		value, ok, err := broker.RedeemRef(ctx, tc.token, tc.workerID)
		if value != "" || ok || err != nil {
			t.Errorf("Expected uniform failure for token=%q worker=%q, got value=%q ok=%v err=%v",
				tc.token, tc.workerID, value, ok, err)
		}
	}
}

func TestRefExpiry(t *testing.T) {
	broker, _ := newTestBroker()
	ctx := context.Background()

	if err := broker.Set(ctx, "s-1", "", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	token, err := broker.CreateRef(ctx, "s-1", "w-1", time.Nanosecond)
	if err != nil {
		t.Fatalf("CreateRef failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok, _ := broker.RedeemRef(ctx, token, "w-1"); ok {
		t.Error("Expected expired ref to fail redemption")
	}

	deleted, err := broker.CleanupExpiredRefs(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredRefs failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 expired ref swept, got %d", deleted)
	}
}

func TestRedeemSurvivesDeletedSecret(t *testing.T) {
	broker, _ := newTestBroker()
	ctx := context.Background()

	if err := broker.Set(ctx, "s-1", "", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	token, err := broker.CreateRef(ctx, "s-1", "w-1", time.Minute)
	if err != nil {
		t.Fatalf("CreateRef failed: %v", err)
	}
	if err := broker.Delete(ctx, "s-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// The ref wins the CAS but the secret is gone; the caller still sees
	// the uniform miss, not an internal error.
	value, ok, err := broker.RedeemRef(ctx, token, "w-1")
	if value != "" || ok || err != nil {
		t.Errorf("Expected uniform failure, got value=%q ok=%v err=%v", value, ok, err)
	}
}
