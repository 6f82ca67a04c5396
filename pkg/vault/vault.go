// Package vault provides authenticated encryption for provider credentials
// and SSH key material at rest. All secrets are sealed with AES-256-GCM under
// keys derived from a process-wide master key; the master key is loaded once
// at startup and is never logged or serialized.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// AlgorithmAESGCM identifies the AES-256-GCM sealing algorithm.
	AlgorithmAESGCM = "aes-256-gcm"

	// MasterKeySize is the required master key length in bytes.
	MasterKeySize = 32

	saltSize = 16
)

// EncryptedSecret is an opaque sealed payload plus the minimum metadata
// needed to unseal it. The GCM authentication tag is appended to Ciphertext.
type EncryptedSecret struct {
	// Algorithm identifies the sealing algorithm for forward compatibility.
	Algorithm string `json:"algorithm"`

	// Salt is the HKDF salt used to derive the data key from the master key.
	Salt []byte `json:"salt"`

	// Nonce is the GCM nonce.
	Nonce []byte `json:"nonce"`

	// Ciphertext is the sealed payload including the authentication tag.
	Ciphertext []byte `json:"ciphertext"`
}

// Vault seals and unseals secrets under a process-wide master key.
// The master key is read-only after construction.
type Vault struct {
	masterKey []byte
}

// ErrDecryptionFailed is returned for any unseal failure: tampered
// ciphertext, truncated metadata, or a wrong master key. The vault fails
// closed; ciphertext is never passed through as plaintext.
type ErrDecryptionFailed struct {
	Reason string
}

func (e *ErrDecryptionFailed) Error() string {
	return fmt.Sprintf("DECRYPTION_FAILED: %s", e.Reason)
}

// New creates a vault from a raw 32-byte master key.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}

	key := make([]byte, MasterKeySize)
	copy(key, masterKey)

	return &Vault{masterKey: key}, nil
}

// NewFromKeyFile loads the master key from a hex-encoded key file.
func NewFromKeyFile(path string) (*Vault, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("master key file is not valid hex: %w", err)
	}

	return New(key)
}

// GenerateMasterKey produces a new random master key, hex encoded for
// storage in a key file.
func GenerateMasterKey() (string, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt seals plaintext under a fresh data key. Every call uses a new
// random salt and nonce, so identical plaintexts produce unrelated
// ciphertexts.
func (v *Vault) Encrypt(plaintext []byte) (*EncryptedSecret, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := v.deriveAEAD(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedSecret{
		Algorithm:  AlgorithmAESGCM,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt unseals a secret. Any authentication failure returns
// ErrDecryptionFailed; partial or corrupted plaintext is never returned.
func (v *Vault) Decrypt(secret *EncryptedSecret) ([]byte, error) {
	if secret == nil {
		return nil, &ErrDecryptionFailed{Reason: "secret is nil"}
	}
	if secret.Algorithm != AlgorithmAESGCM {
		return nil, &ErrDecryptionFailed{Reason: fmt.Sprintf("unknown algorithm %q", secret.Algorithm)}
	}
	if len(secret.Salt) != saltSize {
		return nil, &ErrDecryptionFailed{Reason: "invalid salt length"}
	}

	aead, err := v.deriveAEAD(secret.Salt)
	if err != nil {
		return nil, &ErrDecryptionFailed{Reason: err.Error()}
	}

	if len(secret.Nonce) != aead.NonceSize() {
		return nil, &ErrDecryptionFailed{Reason: "invalid nonce length"}
	}

	plaintext, err := aead.Open(nil, secret.Nonce, secret.Ciphertext, nil)
	if err != nil {
		return nil, &ErrDecryptionFailed{Reason: "authentication failed"}
	}

	return plaintext, nil
}

// deriveAEAD derives a per-secret AES-256-GCM cipher from the master key
// using HKDF-SHA256 over the given salt.
func (v *Vault) deriveAEAD(salt []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, v.masterKey, salt, []byte("machinist-secret-v1"))

	dataKey := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(kdf, dataKey); err != nil {
		return nil, fmt.Errorf("failed to derive data key: %w", err)
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return aead, nil
}
