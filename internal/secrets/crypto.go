package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	// MinMasterKeyLen is the minimum length of the master passphrase.
	// Encryption refuses to run with anything shorter.
	MinMasterKeyLen = 32

	saltLen = 16
	ivLen   = 12
	tagLen  = 16
)

var (
	// ErrMasterKeyTooShort is returned before any ciphertext is computed
	ErrMasterKeyTooShort = errors.New("master key must be at least 32 characters")
	// ErrInvalidCiphertext is returned when a blob cannot be decrypted.
	// Authentication failures and malformed blobs look the same; tampered
	// plaintext is never returned.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

func deriveKey(masterKey string, salt []byte) ([]byte, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, ErrMasterKeyTooShort
	}
	key, err := scrypt.Key([]byte(masterKey), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from the
// master passphrase with a random salt. The blob layout is
// salt || iv || authTag || ciphertext, base64-encoded as one opaque string.
func Encrypt(masterKey, plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveKey(masterKey, salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create gcm: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	// Seal appends the auth tag after the ciphertext; the blob layout
	// wants it in front, so split and reorder.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	blob := make([]byte, 0, saltLen+ivLen+tagLen+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. It fails closed: any tag
// mismatch, truncation, or short master key yields an error, never
// corrupt plaintext.
func Decrypt(masterKey, encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(blob) < saltLen+ivLen+tagLen {
		return "", ErrInvalidCiphertext
	}

	salt := blob[:saltLen]
	iv := blob[saltLen : saltLen+ivLen]
	tag := blob[saltLen+ivLen : saltLen+ivLen+tagLen]
	ciphertext := blob[saltLen+ivLen+tagLen:]

	key, err := deriveKey(masterKey, salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create gcm: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+tagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	return string(plaintext), nil
}
