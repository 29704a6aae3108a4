// Package secrets implements the per-project encrypted credential vault
// (spec §4.12). Values are encrypted with AES-256-GCM using a random
// 96-bit nonce per write; the master key is sourced once at startup from
// SECRETS_ENCRYPTION_KEY and never stored. Plaintext is returned only
// from Get, inside the caller's own stack frame — it must never be
// logged, traced, or placed in an error.
//
// The GCM usage here follows the same crypto/cipher shape used elsewhere
// in the retrieval pack (see the Zalo personal-chat protocol's AES-GCM
// decoder), adapted to a standard 96-bit nonce and to encrypt rather than
// only decrypt.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // 96-bit GCM nonce
	tagSize   = 16 // 128-bit GCM auth tag
)

var keyHexPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ErrMissingKey is returned when SECRETS_ENCRYPTION_KEY is absent.
var ErrMissingKey = errors.New("secrets: SECRETS_ENCRYPTION_KEY is not set")

// LoadMasterKey parses a 64-hex-character (32-byte) master key, failing
// loudly — per spec §4.12 — when the value is missing or malformed.
func LoadMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, ErrMissingKey
	}
	if !keyHexPattern.MatchString(hexKey) {
		return nil, fmt.Errorf("secrets: SECRETS_ENCRYPTION_KEY must be exactly 64 hex characters, got %d", len(hexKey))
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: decoding master key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("secrets: decoded master key must be %d bytes, got %d", keySize, len(key))
	}
	return key, nil
}

// Store is an in-memory, per-project AES-256-GCM secret vault. A durable
// implementation backs Store with the same interface against the
// external SQL layer; the key/IV/tag hex-encoding on model.Secret is the
// wire-stable shape either way.
type Store struct {
	mu      sync.RWMutex
	key     []byte
	secrets map[ids.ProjectId]map[string]model.Secret
	now     func() time.Time
}

// New builds a Store from a decoded 32-byte master key.
func New(masterKey []byte) (*Store, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("secrets: master key must be %d bytes, got %d", keySize, len(masterKey))
	}
	return &Store{
		key:     append([]byte(nil), masterKey...),
		secrets: make(map[ids.ProjectId]map[string]model.Secret),
		now:     time.Now,
	}, nil
}

var keyPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// ValidateKey enforces the wire contract from spec §6: uppercase letters,
// digits, and underscores only, length 1..128.
func ValidateKey(key string) error {
	if len(key) == 0 || len(key) > 128 {
		return corerr.New(corerr.CodeValidation, "secret key must be 1..128 characters")
	}
	if !keyPattern.MatchString(key) {
		return corerr.New(corerr.CodeValidation, "secret key must match ^[A-Z0-9_]+$")
	}
	return nil
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Set encrypts value and stores it, replacing any prior value for key.
func (s *Store) Set(projectID ids.ProjectId, key, value string) (model.Secret, error) {
	if err := ValidateKey(key); err != nil {
		return model.Secret{}, err
	}

	gcm, err := s.gcm()
	if err != nil {
		return model.Secret{}, corerr.Wrap(corerr.CodeInternal, err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return model.Secret{}, corerr.Wrap(corerr.CodeInternal, err)
	}

	// Seal appends the tag to the ciphertext; split it back out so the two
	// travel separately on the wire per spec §3's Secret shape.
	sealed := gcm.Seal(nil, nonce, []byte(value), []byte(key))
	ctLen := len(sealed) - tagSize
	ciphertext, tag := sealed[:ctLen], sealed[ctLen:]

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.secrets[projectID]
	if !ok {
		byKey = make(map[string]model.Secret)
		s.secrets[projectID] = byKey
	}
	existing, existed := byKey[key]

	rec := model.Secret{
		ID:             existing.ID,
		ProjectID:      projectID,
		Key:            key,
		EncryptedValue: hex.EncodeToString(ciphertext),
		IV:             hex.EncodeToString(nonce),
		AuthTag:        hex.EncodeToString(tag),
		CreatedAt:      existing.CreatedAt,
		UpdatedAt:      now,
	}
	if !existed {
		rec.ID = ids.NewSecretId()
		rec.CreatedAt = now
	}
	byKey[key] = rec
	return rec, nil
}

// Get decrypts and returns the plaintext for (projectID, key). Callers
// must use the result within the immediate function scope and never
// propagate it into a log, trace, or error.
func (s *Store) Get(projectID ids.ProjectId, key string) (string, error) {
	s.mu.RLock()
	rec, ok := s.lookup(projectID, key)
	s.mu.RUnlock()
	if !ok {
		return "", corerr.New(corerr.CodeSecretNotFound, "secret not found")
	}

	ciphertext, err := hex.DecodeString(rec.EncryptedValue)
	if err != nil {
		return "", corerr.Wrap(corerr.CodeSecretDecryptFailed, err)
	}
	nonce, err := hex.DecodeString(rec.IV)
	if err != nil {
		return "", corerr.Wrap(corerr.CodeSecretDecryptFailed, err)
	}
	tag, err := hex.DecodeString(rec.AuthTag)
	if err != nil {
		return "", corerr.Wrap(corerr.CodeSecretDecryptFailed, err)
	}

	gcm, err := s.gcm()
	if err != nil {
		return "", corerr.Wrap(corerr.CodeInternal, err)
	}

	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plain, err := gcm.Open(nil, nonce, sealed, []byte(key))
	if err != nil {
		return "", corerr.New(corerr.CodeSecretDecryptFailed, "ciphertext or auth tag mismatch")
	}
	return string(plain), nil
}

func (s *Store) lookup(projectID ids.ProjectId, key string) (model.Secret, bool) {
	byKey, ok := s.secrets[projectID]
	if !ok {
		return model.Secret{}, false
	}
	rec, ok := byKey[key]
	return rec, ok
}

// SecretMeta is the metadata-only projection returned by List — values
// never appear (spec §6).
type SecretMeta struct {
	Key         string
	Description string
}

// List returns metadata only for every secret under a project.
func (s *Store) List(projectID ids.ProjectId) []SecretMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.secrets[projectID]
	out := make([]SecretMeta, 0, len(byKey))
	for k, rec := range byKey {
		out = append(out, SecretMeta{Key: k, Description: rec.Description})
	}
	return out
}

// Exists reports whether projectID has a secret under key.
func (s *Store) Exists(projectID ids.ProjectId, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.lookup(projectID, key)
	return ok
}

// Delete removes a secret. Returns false (not an error) when absent, per
// spec §4.12.
func (s *Store) Delete(projectID ids.ProjectId, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.secrets[projectID]
	if !ok {
		return false
	}
	if _, ok := byKey[key]; !ok {
		return false
	}
	delete(byKey, key)
	return true
}
