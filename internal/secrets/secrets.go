// Package secrets implements the credential store: authenticated symmetric
// encryption of the enumerated credential fields, key derivation from a
// configured passphrase, and the canonical parameter normalization used for
// ledger uniqueness.
//
// The key is derived with PBKDF2-SHA256 from the passphrase and a random
// per-installation salt persisted next to the database. The controller
// encrypts credential fields before publishing a task message; agents hold
// the same passphrase and salt (distributed at install time) and decrypt just
// before use. Persisted rows on both sides only ever contain ciphertext.
//
// Ciphertext tokens are self-describing: a version prefix followed by
// base64url(nonce + AES-256-GCM ciphertext). Tampered tokens fail
// authentication on decrypt.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations is the PBKDF2 iteration count. Raising it invalidates
	// nothing (the salt file pins the parameters per installation) but new
	// installations pay the higher cost.
	kdfIterations = 100_000

	keySize  = 32 // AES-256
	saltSize = 16

	// tokenPrefix versions the ciphertext format. A future format change
	// bumps the prefix so old tokens remain recognizable.
	tokenPrefix = "bh1."

	saltFileName = "salt.bin"
)

// CredentialFields is the closed set of parameter names that are encrypted
// before persistence and before normalization. Nothing else is ever treated
// as secret.
var CredentialFields = []string{
	"password",
	"aws_access_key_id",
	"aws_secret_access_key",
	"aws_session_token",
}

// ErrNotToken is returned when Decrypt is handed a value that does not carry
// the ciphertext version prefix. Plaintext is never silently passed through.
var ErrNotToken = errors.New("secrets: value is not a ciphertext token")

// Store encrypts and decrypts credential fields. Safe for concurrent use.
type Store struct {
	aead cipher.AEAD
}

// LoadOrCreateSalt returns the installation salt from dir, generating and
// persisting a fresh one on first run. The salt file must be shared across
// the fleet for cross-process decryption; the installer copies it to each
// agent's data directory.
func LoadOrCreateSalt(dir string) ([]byte, error) {
	path := filepath.Join(dir, saltFileName)

	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("secrets: salt file %s has %d bytes, want %d", path, len(salt), saltSize)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("secrets: failed to read salt file: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("secrets: failed to generate salt: %w", err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("secrets: failed to create data dir: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("secrets: failed to persist salt file: %w", err)
	}
	return salt, nil
}

// New derives the encryption key from passphrase and salt and returns a ready
// Store. The passphrase must be non-empty; an empty passphrase would make
// every installation share a key.
func New(passphrase string, salt []byte) (*Store, error) {
	if passphrase == "" {
		return nil, errors.New("secrets: passphrase must not be empty")
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("secrets: salt must be %d bytes, got %d", saltSize, len(salt))
	}

	key := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to create GCM: %w", err)
	}
	return &Store{aead: aead}, nil
}

// Encrypt seals plaintext into a versioned ciphertext token. Empty strings
// pass through unencrypted: an absent credential is not a secret.
func (s *Store) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	// A fresh nonce per token. Nonce reuse with the same key breaks GCM.
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext token produced by Encrypt. Empty strings pass
// through. Values without the version prefix return ErrNotToken; a tampered
// token fails GCM authentication.
func (s *Store) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", ErrNotToken
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, tokenPrefix))
	if err != nil {
		return "", fmt.Errorf("secrets: failed to decode token: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("secrets: token too short to contain nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: failed to decrypt token: %w", err)
	}
	return string(plaintext), nil
}

// EncryptParams replaces every credential field present in params with its
// ciphertext token, in place. Non-string credential values are rejected.
// Values already carrying the token prefix are left alone so re-encrypting
// an enriched message is safe.
func (s *Store) EncryptParams(params map[string]any) error {
	for _, field := range CredentialFields {
		raw, ok := params[field]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok {
			return fmt.Errorf("secrets: credential field %q is %T, want string", field, raw)
		}
		if value == "" || strings.HasPrefix(value, tokenPrefix) {
			continue
		}
		token, err := s.Encrypt(value)
		if err != nil {
			return fmt.Errorf("secrets: failed to encrypt field %q: %w", field, err)
		}
		params[field] = token
	}
	return nil
}

// DecryptParams replaces every credential field present in params with its
// plaintext, in place. Fails on the first field that does not decrypt: a
// handler must never run a subprocess with a half-decrypted parameter set.
func (s *Store) DecryptParams(params map[string]any) error {
	for _, field := range CredentialFields {
		raw, ok := params[field]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok {
			return fmt.Errorf("secrets: credential field %q is %T, want string", field, raw)
		}
		if value == "" {
			continue
		}
		plaintext, err := s.Decrypt(value)
		if err != nil {
			return fmt.Errorf("secrets: failed to decrypt field %q: %w", field, err)
		}
		params[field] = plaintext
	}
	return nil
}
