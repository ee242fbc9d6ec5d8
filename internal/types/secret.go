package types

import "time"

// Secret is an encrypted-at-rest credential record. Value always holds the
// ciphertext blob; plaintext never touches the store.
type Secret struct {
	SecretID  string    `json:"secretId"`
	Name      string    `json:"name"`
	Value     string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SecretRef is a single-use, time-boxed pointer to a secret, scoped to
// exactly one worker.
type SecretRef struct {
	Token     string    `json:"token"`
	SecretID  string    `json:"secretId"`
	WorkerID  string    `json:"workerId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Redeemed  bool      `json:"redeemed"`
	CreatedAt time.Time `json:"createdAt"`
}
