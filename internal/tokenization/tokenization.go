// Package tokenization implements the tokenization core (spec 4.B):
// format-preserving replacement of PANs by tokens, backed by the HSM key
// service (4.A) for the underlying encryption. Luhn, brand detection and
// token generation are pure standard library — no library in the retrieved
// example pack specializes in PAN/BIN handling (see DESIGN.md).
package tokenization

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"

	"github.com/r3e-network/acquiring-gateway/internal/hsm"
)

const hsmKeyID = "tokenization-core"

const (
	maxTokenRetries = 20
	tokenTTL        = 4 * 365 * 24 * time.Hour // cards issue for ~4y expiry windows
)

// TokenRecord is the CardToken entity (spec section 3): the raw PAN never
// leaves this package in any return value.
type TokenRecord struct {
	Token         string
	PANHash       string
	EncryptedPAN  []byte
	Nonce         []byte
	KeyVersion    int
	Brand         string
	LastFour      string
	Active        bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Store persists and looks up TokenRecords. The Postgres-backed
// implementation is PostgresStore (repository.go in this package); tests
// use an in-memory implementation.
type Store interface {
	FindByHash(ctx context.Context, panHash string) (*TokenRecord, bool, error)
	FindByToken(ctx context.Context, token string) (*TokenRecord, bool, error)
	Save(ctx context.Context, rec *TokenRecord) error
	Deactivate(ctx context.Context, token string) error
}

// MemStore is a concurrency-safe in-memory Store, used by tests.
type MemStore struct {
	mu       sync.RWMutex
	byHash   map[string]*TokenRecord
	byToken  map[string]*TokenRecord
}

func NewMemStore() *MemStore {
	return &MemStore{byHash: map[string]*TokenRecord{}, byToken: map[string]*TokenRecord{}}
}

func (m *MemStore) FindByHash(_ context.Context, panHash string) (*TokenRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byHash[panHash]
	return rec, ok, nil
}

func (m *MemStore) FindByToken(_ context.Context, token string) (*TokenRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byToken[token]
	return rec, ok, nil
}

func (m *MemStore) Save(_ context.Context, rec *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[rec.PANHash] = rec
	m.byToken[rec.Token] = rec
	return nil
}

func (m *MemStore) Deactivate(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.byToken[token]; ok {
		rec.Active = false
	}
	return nil
}

// Service is the tokenization core.
type Service struct {
	hsm    *hsm.Service
	store  Store
	logger *logging.Logger
}

func New(hsmSvc *hsm.Service, store Store, logger *logging.Logger) *Service {
	return &Service{hsm: hsmSvc, store: store, logger: logger}
}

// EnsureKey provisions the tokenization core's HSM key on first use.
func (s *Service) EnsureKey(ctx context.Context) error {
	if _, err := s.hsm.GetKeyInfo(ctx, hsmKeyID); err != nil {
		return s.hsm.GenerateKey(ctx, hsmKeyID, hsm.Algorithm)
	}
	return nil
}

// ValidatePAN enforces length and Luhn validity.
func ValidatePAN(pan string) error {
	if len(pan) < 13 || len(pan) > 19 {
		return gwerrors.Validation("INVALID_PAN", "pan must be 13-19 digits")
	}
	for _, c := range pan {
		if c < '0' || c > '9' {
			return gwerrors.Validation("INVALID_PAN", "pan must be numeric")
		}
	}
	if !luhnValid(pan) {
		return gwerrors.Validation("INVALID_PAN", "pan fails luhn check")
	}
	return nil
}

// luhnValid reports whether s (a digit string) passes the Luhn checksum.
func luhnValid(s string) bool {
	sum := 0
	alt := false
	for i := len(s) - 1; i >= 0; i-- {
		d := int(s[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// ValidateExpiry enforces spec 4.B's expiry window: not in the past, not
// more than 10 years in the future.
func ValidateExpiry(month, year int, now time.Time) error {
	if month < 1 || month > 12 {
		return gwerrors.Validation("INVALID_EXPIRY", "expiry month must be 1-12")
	}
	expiry := time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Second)
	if expiry.Before(now) {
		return gwerrors.Validation("INVALID_EXPIRY", "card has expired")
	}
	if expiry.After(now.AddDate(10, 0, 0)) {
		return gwerrors.Validation("INVALID_EXPIRY", "expiry more than 10 years in the future")
	}
	return nil
}

// DetectBrand classifies a PAN by BIN prefix per spec 4.B.
func DetectBrand(pan string) string {
	switch {
	case strings.HasPrefix(pan, "4"):
		return "VISA"
	case hasAmexPrefix(pan):
		return "AMEX"
	case hasDiscoverPrefix(pan):
		return "DISCOVER"
	case hasMastercardPrefix(pan):
		return "MASTERCARD"
	default:
		return "UNKNOWN"
	}
}

func hasAmexPrefix(pan string) bool {
	return strings.HasPrefix(pan, "34") || strings.HasPrefix(pan, "37")
}

func hasDiscoverPrefix(pan string) bool {
	return strings.HasPrefix(pan, "6011") || strings.HasPrefix(pan, "65")
}

func hasMastercardPrefix(pan string) bool {
	if len(pan) < 4 {
		return false
	}
	two, err := strconv.Atoi(pan[:2])
	if err == nil && two >= 51 && two <= 55 {
		return true
	}
	four, err := strconv.Atoi(pan[:4])
	return err == nil && four >= 2221 && four <= 2720
}

func panHash(pan string) string {
	sum := sha256.Sum256([]byte(pan))
	return hex.EncodeToString(sum[:])
}

// generateToken builds a format-preserving token: '9' + random digits +
// last four of the PAN, per spec 4.B/6 exactly.
func generateToken(pan string) (string, error) {
	n := len(pan)
	lastFour := pan[n-4:]
	middleLen := n - 5 // 1 for leading '9', 4 for trailing last-four
	if middleLen < 0 {
		middleLen = 0
	}

	var b strings.Builder
	b.Grow(n)
	b.WriteByte('9')
	for i := 0; i < middleLen; i++ {
		digit, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteString(digit.String())
	}
	b.WriteString(lastFour)
	return b.String(), nil
}

// Tokenize validates pan/expiry/cvv, dedups against an existing live token
// by pan_hash, and otherwise mints a new format-preserving token whose
// underlying PAN+expiry are encrypted via the HSM (4.A) with the token
// value itself bound in as AAD.
func (s *Service) Tokenize(ctx context.Context, pan string, expMonth, expYear int, cvv string) (*TokenRecord, error) {
	if err := ValidatePAN(pan); err != nil {
		return nil, err
	}
	if err := ValidateExpiry(expMonth, expYear, time.Now()); err != nil {
		return nil, err
	}
	if len(cvv) < 3 || len(cvv) > 4 {
		return nil, gwerrors.Validation("INVALID_CVV", "cvv must be 3-4 digits")
	}

	hash := panHash(pan)
	if existing, ok, err := s.store.FindByHash(ctx, hash); err != nil {
		return nil, gwerrors.Internal("token store lookup failed", err)
	} else if ok && existing.Active {
		return existing, nil
	}

	if err := s.EnsureKey(ctx); err != nil {
		return nil, err
	}

	var token string
	for attempt := 0; attempt < maxTokenRetries; attempt++ {
		candidate, err := generateToken(pan)
		if err != nil {
			return nil, gwerrors.Internal("token generation failed", err)
		}
		// A token must never itself be Luhn-valid (spec 4.B/6): a Luhn-valid
		// token would be indistinguishable from a real PAN downstream.
		if luhnValid(candidate) {
			continue
		}
		if _, exists, err := s.store.FindByToken(ctx, candidate); err != nil {
			return nil, gwerrors.Internal("token store lookup failed", err)
		} else if !exists {
			token = candidate
			break
		}
	}
	if token == "" {
		return nil, gwerrors.Internal("token generation did not converge", nil)
	}

	plaintext := []byte(fmt.Sprintf("%s|%02d|%04d", pan, expMonth, expYear))
	aad := []byte(token)
	ciphertext, nonce, version, err := s.hsm.Encrypt(ctx, hsmKeyID, plaintext, aad)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &TokenRecord{
		Token:        token,
		PANHash:      hash,
		EncryptedPAN: ciphertext,
		Nonce:        nonce,
		KeyVersion:   version,
		Brand:        DetectBrand(pan),
		LastFour:     pan[len(pan)-4:],
		Active:       true,
		CreatedAt:    now,
		ExpiresAt:    now.Add(tokenTTL),
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return nil, gwerrors.Internal("token store save failed", err)
	}
	return rec, nil
}

// Detokenize recovers (pan, expMonth, expYear) from a token, rejecting
// empty, malformed, not-found, expired, or inactive tokens with a typed
// error and an audit log entry (invariant 4).
func (s *Service) Detokenize(ctx context.Context, token string) (pan string, expMonth, expYear int, err error) {
	if token == "" || len(token) < 13 || len(token) > 19 || token[0] != '9' {
		err = gwerrors.Validation("MALFORMED_TOKEN", "token is malformed")
		s.logReject(ctx, token, err)
		return "", 0, 0, err
	}

	rec, ok, storeErr := s.store.FindByToken(ctx, token)
	if storeErr != nil {
		err = gwerrors.Internal("token store lookup failed", storeErr)
		return "", 0, 0, err
	}
	if !ok {
		err = gwerrors.NotFound("card_token", token)
		s.logReject(ctx, token, err)
		return "", 0, 0, err
	}
	if !rec.Active {
		err = gwerrors.Validation("TOKEN_REVOKED", "token has been revoked")
		s.logReject(ctx, token, err)
		return "", 0, 0, err
	}
	if time.Now().After(rec.ExpiresAt) {
		err = gwerrors.Validation("TOKEN_EXPIRED", "token has expired")
		s.logReject(ctx, token, err)
		return "", 0, 0, err
	}

	plaintext, decErr := s.hsm.Decrypt(ctx, hsmKeyID, rec.EncryptedPAN, rec.Nonce, []byte(token), rec.KeyVersion)
	if decErr != nil {
		return "", 0, 0, decErr
	}

	parts := strings.Split(string(plaintext), "|")
	if len(parts) != 3 {
		return "", 0, 0, gwerrors.Internal("corrupt token payload", nil)
	}
	month, _ := strconv.Atoi(parts[1])
	year, _ := strconv.Atoi(parts[2])
	return parts[0], month, year, nil
}

func (s *Service) logReject(ctx context.Context, token string, err error) {
	if s.logger != nil {
		s.logger.LogAudit(ctx, "detokenize_rejected", "card_token", token, err.Error())
	}
}

// ValidateToken reports whether token exists, is active, and unexpired.
func (s *Service) ValidateToken(ctx context.Context, token string) (bool, error) {
	rec, ok, err := s.store.FindByToken(ctx, token)
	if err != nil {
		return false, gwerrors.Internal("token store lookup failed", err)
	}
	if !ok || !rec.Active {
		return false, nil
	}
	return time.Now().Before(rec.ExpiresAt), nil
}

// RevokeToken deactivates a token (used by the authorization saga's
// Tokenize-step compensation).
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	return s.store.Deactivate(ctx, token)
}
