// Package hsm implements the HSM key service (spec 4.A): versioned
// AES-256-GCM keys with rotation and an append-only audit log. Grounded on
// the teacher's infrastructure/secrets.Manager (AES-256-GCM via
// crypto/aes+crypto/cipher, crypto/rand nonces) and
// infrastructure/crypto.EncryptEnvelope/DecryptEnvelope (versioned, AAD-bound
// ciphertext format), generalized here from a single master key to a
// per-key version ring.
package hsm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
)

const Algorithm = "AES-256-GCM"

const rootSecretBytes = 32
const keyBytes = 32 // AES-256
const nonceBytes = 12

// AuditEntry is one immutable record in the key service's audit trail.
// Raw key bytes never appear here or in any other return value.
type AuditEntry struct {
	Operation string
	KeyID     string
	Version   int
	Success   bool
	Error     string
	Timestamp time.Time
}

// KeyInfo is the externally-visible metadata for a key; it never contains
// key material.
type KeyInfo struct {
	KeyID          string
	Algorithm      string
	CurrentVersion int
	VersionCount   int
	CreatedAt      time.Time
	RotatedAt      time.Time
}

type keyRecord struct {
	mu             sync.RWMutex
	rootSecret     []byte // never exposed; HKDF input for every version's derived key
	currentVersion int
	versions       map[int][]byte // version -> derived AES-256 key, never exposed
	createdAt      time.Time
	rotatedAt      time.Time
}

// Service is the HSM key service. All operations are safe for concurrent
// use. Each key id has its own RWMutex: RotateKey holds it exclusively,
// while Encrypt, Decrypt and GetKeyInfo on the same key hold it shared and
// may run in parallel; independent keys proceed in parallel.
type Service struct {
	mu     sync.RWMutex
	keys   map[string]*keyRecord
	logger *logging.Logger

	auditMu sync.Mutex
	audit   []AuditEntry
}

func New(logger *logging.Logger) *Service {
	return &Service{keys: make(map[string]*keyRecord), logger: logger}
}

func (s *Service) appendAudit(op, keyID string, version int, err error) {
	entry := AuditEntry{Operation: op, KeyID: keyID, Version: version, Success: err == nil, Timestamp: time.Now().UTC()}
	if err != nil {
		entry.Error = err.Error()
	}
	s.auditMu.Lock()
	s.audit = append(s.audit, entry)
	s.auditMu.Unlock()
	if s.logger != nil {
		s.logger.LogAudit(context.Background(), op, "hsm_key", keyID, statusLabel(err))
	}
}

func statusLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}

// AuditLog returns a copy of the audit trail (for operational inspection /
// tests); never contains key material.
func (s *Service) AuditLog() []AuditEntry {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	out := make([]AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

func randomSecret() ([]byte, error) {
	k := make([]byte, rootSecretBytes)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

// deriveVersionKey derives version's AES-256 key from the key's root
// secret via HKDF-SHA256, salted by keyID and the version number so that
// no two keys (or versions of the same key) ever share derived material,
// even though they may ultimately share entropy from the same root.
func deriveVersionKey(root []byte, keyID string, version int) ([]byte, error) {
	h := hkdf.New(sha256.New, root, []byte(keyID), []byte("hsm-key-version:"+strconv.Itoa(version)))
	k := make([]byte, keyBytes)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, err
	}
	return k, nil
}

// GenerateKey creates version 1 of a new AES-256-GCM key. algo must be
// Algorithm; any other value is rejected.
func (s *Service) GenerateKey(ctx context.Context, keyID, algo string) (err error) {
	defer func() { s.appendAudit("generate_key", keyID, 1, err) }()

	if algo != Algorithm {
		err = gwerrors.Validation("UNSUPPORTED_ALGORITHM", "only AES-256-GCM is supported")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[keyID]; exists {
		err = gwerrors.Conflict("KEY_EXISTS", fmt.Sprintf("key %q already exists", keyID))
		return err
	}

	root, genErr := randomSecret()
	if genErr != nil {
		err = gwerrors.Internal("failed to generate key material", genErr)
		return err
	}
	v1, deriveErr := deriveVersionKey(root, keyID, 1)
	if deriveErr != nil {
		err = gwerrors.Internal("failed to derive key material", deriveErr)
		return err
	}

	now := time.Now().UTC()
	s.keys[keyID] = &keyRecord{
		rootSecret:     root,
		currentVersion: 1,
		versions:       map[int][]byte{1: v1},
		createdAt:      now,
		rotatedAt:      now,
	}
	return nil
}

func (s *Service) getRecord(keyID string) (*keyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kr, ok := s.keys[keyID]
	return kr, ok
}

// Encrypt encrypts plaintext under the key's current version, binding aad.
// Returns ciphertext, nonce, and the version used.
func (s *Service) Encrypt(ctx context.Context, keyID string, plaintext, aad []byte) (ciphertext, nonce []byte, version int, err error) {
	kr, ok := s.getRecord(keyID)
	if !ok {
		err = gwerrors.NotFound("hsm_key", keyID)
		s.appendAudit("encrypt", keyID, 0, err)
		return nil, nil, 0, err
	}

	kr.mu.RLock()
	defer kr.mu.RUnlock()
	version = kr.currentVersion
	key := kr.versions[version]

	block, aesErr := aes.NewCipher(key)
	if aesErr != nil {
		err = gwerrors.Internal("cipher init failed", aesErr)
		s.appendAudit("encrypt", keyID, version, err)
		return nil, nil, 0, err
	}
	gcm, gcmErr := cipher.NewGCM(block)
	if gcmErr != nil {
		err = gwerrors.Internal("gcm init failed", gcmErr)
		s.appendAudit("encrypt", keyID, version, err)
		return nil, nil, 0, err
	}

	nonce = make([]byte, nonceBytes)
	if _, rErr := rand.Read(nonce); rErr != nil {
		err = gwerrors.Internal("nonce generation failed", rErr)
		s.appendAudit("encrypt", keyID, version, err)
		return nil, nil, 0, err
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	s.appendAudit("encrypt", keyID, version, nil)
	return ciphertext, nonce, version, nil
}

// Decrypt decrypts ciphertext using the given key version. A non-existent
// version fails with INVALID_KEY_VERSION; any AEAD failure (tamper, wrong
// AAD, wrong nonce) fails with DECRYPTION_FAILED — the two are kept
// indistinguishable to callers beyond those codes, per spec 4.A.
func (s *Service) Decrypt(ctx context.Context, keyID string, ciphertext, nonce, aad []byte, version int) (plaintext []byte, err error) {
	kr, ok := s.getRecord(keyID)
	if !ok {
		err = gwerrors.NotFound("hsm_key", keyID)
		s.appendAudit("decrypt", keyID, version, err)
		return nil, err
	}

	kr.mu.RLock()
	defer kr.mu.RUnlock()
	key, ok := kr.versions[version]
	if !ok {
		err = gwerrors.Validation("INVALID_KEY_VERSION", fmt.Sprintf("key %q has no version %d", keyID, version))
		s.appendAudit("decrypt", keyID, version, err)
		return nil, err
	}

	block, aesErr := aes.NewCipher(key)
	if aesErr != nil {
		err = gwerrors.Internal("cipher init failed", aesErr)
		s.appendAudit("decrypt", keyID, version, err)
		return nil, err
	}
	gcm, gcmErr := cipher.NewGCM(block)
	if gcmErr != nil {
		err = gwerrors.Internal("gcm init failed", gcmErr)
		s.appendAudit("decrypt", keyID, version, err)
		return nil, err
	}

	plaintext, openErr := gcm.Open(nil, nonce, ciphertext, aad)
	if openErr != nil {
		err = gwerrors.Validation("DECRYPTION_FAILED", "decryption failed")
		s.appendAudit("decrypt", keyID, version, err)
		return nil, err
	}

	s.appendAudit("decrypt", keyID, version, nil)
	return plaintext, nil
}

// RotateKey generates a new key version and makes it current. All prior
// versions remain decryptable (spec 4.A "rotation preserves all prior
// versions").
func (s *Service) RotateKey(ctx context.Context, keyID string) (newVersion, oldVersion int, err error) {
	s.mu.RLock()
	kr, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		err = gwerrors.NotFound("hsm_key", keyID)
		s.appendAudit("rotate_key", keyID, 0, err)
		return 0, 0, err
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()

	oldVersion = kr.currentVersion
	newVersion = oldVersion + 1

	k, deriveErr := deriveVersionKey(kr.rootSecret, keyID, newVersion)
	if deriveErr != nil {
		err = gwerrors.Internal("failed to derive key material", deriveErr)
		s.appendAudit("rotate_key", keyID, oldVersion, err)
		return 0, 0, err
	}

	kr.versions[newVersion] = k
	kr.currentVersion = newVersion
	kr.rotatedAt = time.Now().UTC()

	s.appendAudit("rotate_key", keyID, newVersion, nil)
	return newVersion, oldVersion, nil
}

// GetKeyInfo returns key metadata only; never raw key bytes.
func (s *Service) GetKeyInfo(ctx context.Context, keyID string) (KeyInfo, error) {
	kr, ok := s.getRecord(keyID)
	if !ok {
		return KeyInfo{}, gwerrors.NotFound("hsm_key", keyID)
	}
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return KeyInfo{
		KeyID:          keyID,
		Algorithm:      Algorithm,
		CurrentVersion: kr.currentVersion,
		VersionCount:   len(kr.versions),
		CreatedAt:      kr.createdAt,
		RotatedAt:      kr.rotatedAt,
	}, nil
}
