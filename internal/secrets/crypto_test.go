package secrets

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintexts := []string{
		"",
		"hunter2",
		"ghp_" + strings.Repeat("x", 36),
		"pässwörd with ünïcode ✓",
		strings.Repeat("long-value ", 1000),
	}

	for _, plaintext := range plaintexts {
		encoded, err := Encrypt(testMasterKey, plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed for %q: %v", truncateForLog(plaintext), err)
		}
		decoded, err := Decrypt(testMasterKey, encoded)
		if err != nil {
			t.Fatalf("Decrypt failed for %q: %v", truncateForLog(plaintext), err)
		}
		if decoded != plaintext {
			t.Errorf("Round trip mismatch for %q", truncateForLog(plaintext))
		}
	}
}

func TestEncryptProducesFreshCiphertext(t *testing.T) {
	first, err := Encrypt(testMasterKey, "same value")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	second, err := Encrypt(testMasterKey, "same value")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if first == second {
		t.Error("Expected random salt and IV to produce distinct ciphertexts")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	encoded, err := Encrypt(testMasterKey, "integrity matters")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("Failed to decode ciphertext: %v", err)
	}
	// Flip one bit in the ciphertext body, past salt, IV, and tag
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := Decrypt(testMasterKey, tampered); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	encoded, err := Encrypt(testMasterKey, "secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	otherKey := "fedcba9876543210fedcba9876543210"
	if _, err := Decrypt(otherKey, encoded); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Expected ErrInvalidCiphertext with wrong key, got %v", err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	inputs := []string{
		"",
		"not base64 at all !!!",
		base64.StdEncoding.EncodeToString([]byte("too short")),
	}
	for _, input := range inputs {
		if _, err := Decrypt(testMasterKey, input); err == nil {
			t.Errorf("Expected error for input %q", input)
		}
	}
}

func TestShortMasterKeyRefused(t *testing.T) {
	if _, err := Encrypt("short", "value"); !errors.Is(err, ErrMasterKeyTooShort) {
		t.Errorf("Expected ErrMasterKeyTooShort on encrypt, got %v", err)
	}

	encoded, err := Encrypt(testMasterKey, "value")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := Decrypt("short", encoded); !errors.Is(err, ErrMasterKeyTooShort) {
		t.Errorf("Expected ErrMasterKeyTooShort on decrypt, got %v", err)
	}
}

func truncateForLog(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
