// Package secrets manages encrypted-at-rest credentials and the
// single-use, worker-scoped refs used to hand one out to exactly one
// worker without persisting plaintext anywhere a client can reach.
package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgrid/agentgrid/internal/coordinator/state"
	"github.com/agentgrid/agentgrid/internal/types"
)

// DefaultRefTTL is how long a freshly minted ref stays redeemable.
const DefaultRefTTL = 10 * time.Minute

// Broker encrypts secrets before they touch the store and mediates all
// redemption through the store's conditional update.
type Broker struct {
	store     state.Store
	masterKey string
}

// NewBroker creates a broker. The master key is validated lazily on the
// first encrypt/decrypt so a coordinator can boot without secrets
// configured.
func NewBroker(store state.Store, masterKey string) *Broker {
	return &Broker{store: store, masterKey: masterKey}
}

// Set encrypts and stores a secret value.
func (b *Broker) Set(ctx context.Context, secretID, name, value string) error {
	ciphertext, err := Encrypt(b.masterKey, value)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	now := time.Now()
	return b.store.PutSecret(ctx, types.Secret{
		SecretID:  secretID,
		Name:      name,
		Value:     ciphertext,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Get decrypts and returns a secret value.
func (b *Broker) Get(ctx context.Context, secretID string) (string, error) {
	secret, err := b.store.GetSecret(ctx, secretID)
	if err != nil {
		return "", err
	}
	return Decrypt(b.masterKey, secret.Value)
}

// Delete removes a secret and, via the schema, its outstanding refs.
func (b *Broker) Delete(ctx context.Context, secretID string) error {
	return b.store.DeleteSecret(ctx, secretID)
}

// List returns secret metadata. Values stay encrypted.
func (b *Broker) List(ctx context.Context) ([]types.Secret, error) {
	return b.store.ListSecrets(ctx)
}

// CreateRef mints an opaque single-use token scoped to one worker.
func (b *Broker) CreateRef(
	ctx context.Context, secretID, workerID string, ttl time.Duration,
) (string, error) {
	if ttl <= 0 {
		ttl = DefaultRefTTL
	}
	if _, err := b.store.GetSecret(ctx, secretID); err != nil {
		return "", err
	}

	now := time.Now()
	ref := types.SecretRef{
		Token:     uuid.NewString(),
		SecretID:  secretID,
		WorkerID:  workerID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := b.store.AddSecretRef(ctx, ref); err != nil {
		return "", fmt.Errorf("failed to store secret ref: %w", err)
	}

	return ref.Token, nil
}

// RedeemRef redeems a token on behalf of a worker and returns the
// decrypted value. Expired, already-redeemed, wrong-scope, and unknown
// refs all report the same ("", false) so callers cannot probe.
func (b *Broker) RedeemRef(ctx context.Context, token, workerID string) (string, bool, error) {
	secretID, ok, err := b.store.RedeemSecretRef(ctx, token, workerID, time.Now())
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}

	secret, err := b.store.GetSecret(ctx, secretID)
	if err != nil {
		return "", false, nil
	}

	value, err := Decrypt(b.masterKey, secret.Value)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// CleanupExpiredRefs sweeps refs past their expiry. Not correctness
// critical; expired refs already fail redemption.
func (b *Broker) CleanupExpiredRefs(ctx context.Context) (int, error) {
	return b.store.DeleteExpiredRefs(ctx, time.Now())
}
