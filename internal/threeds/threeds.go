// Package threeds implements the 3-D Secure capability (spec 4.I):
// challenge initiation, Redis-backed session tracking, and outcome
// polling, grounded on the teacher's infrastructure/cache TTL-map pattern
// for session storage.
package threeds

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
)

// Outcome mirrors spec 4.I's exact outcome set.
type Outcome string

const (
	OutcomeFrictionless      Outcome = "FRICTIONLESS"
	OutcomeChallengeRequired Outcome = "CHALLENGE_REQUIRED"
	OutcomeAuthenticated     Outcome = "AUTHENTICATED"
	OutcomeFailed            Outcome = "FAILED"
	OutcomeTimeout           Outcome = "TIMEOUT"
	OutcomeNotEnrolled       Outcome = "NOT_ENROLLED"
)

// sessionTTL is the 10-minute challenge window (spec 4.I).
const sessionTTL = 10 * time.Minute

// BrowserInfo is the minimal device/browser fingerprint the spec's
// Initiate operation accepts.
type BrowserInfo struct {
	UserAgent      string
	AcceptHeader   string
	ColorDepth     int
	ScreenWidth    int
	ScreenHeight   int
	TimeZoneOffset int
	JavaEnabled    bool
}

// Session is the persisted challenge state.
type Session struct {
	ID            string
	TransactionID string
	Amount        string
	Status        Outcome
	ACSURL        string
	CAVV          string
	ECI           string
	CreatedAt     time.Time
}

// Directory is the issuer/ACS directory-server lookup abstraction; a real
// deployment calls out to a DS provider (e.g. Cardinal Commerce, Stripe
// Radar 3DS). Injected so tests can fake enrollment outcomes.
type Directory interface {
	// Lookup returns whether the card is enrolled, and if so whether the
	// issuer will require a challenge (vs. frictionless authentication).
	Lookup(ctx context.Context, cardTokenID string, amount string, browser BrowserInfo) (enrolled bool, challengeRequired bool, err error)
}

// StaticDirectory is a Directory stand-in for deployments without a live
// ACS/directory-server integration: every card is enrolled, and a
// challenge is required whenever the transaction amount looks risky by a
// fixed threshold. Real wiring replaces this with a Cardinal Commerce (or
// equivalent) client.
type StaticDirectory struct {
	ChallengeAboveAmount float64
}

func (d StaticDirectory) Lookup(_ context.Context, _ string, amount string, _ BrowserInfo) (bool, bool, error) {
	threshold := d.ChallengeAboveAmount
	if threshold <= 0 {
		threshold = 500
	}
	var amt float64
	if _, err := fmt.Sscanf(amount, "%f", &amt); err != nil {
		return true, false, nil
	}
	return true, amt >= threshold, nil
}

// Service is the 3-D Secure capability.
type Service struct {
	rdb *redis.Client
	dir Directory
}

func New(rdb *redis.Client, dir Directory) *Service {
	return &Service{rdb: rdb, dir: dir}
}

const sessionKeyPrefix = "3ds:session:"

// Initiate starts (or bypasses) a 3-D Secure challenge for a transaction
// (spec 4.I). It returns NOT_ENROLLED when the directory server reports
// the card isn't enrolled, so the caller (the authorization saga) treats
// this as a pass-through rather than an error.
func (s *Service) Initiate(ctx context.Context, transactionID, cardTokenID, amount string, browser BrowserInfo) (*Session, error) {
	enrolled, challengeRequired, err := s.dir.Lookup(ctx, cardTokenID, amount, browser)
	if err != nil {
		return nil, gwerrors.Transient("3DS_DIRECTORY_LOOKUP_FAILED", err.Error(), err)
	}

	sess := &Session{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		Amount:        amount,
		CreatedAt:     time.Now().UTC(),
	}

	switch {
	case !enrolled:
		sess.Status = OutcomeNotEnrolled
	case challengeRequired:
		sess.Status = OutcomeChallengeRequired
		sess.ACSURL = "https://acs.example/challenge/" + sess.ID
	default:
		sess.Status = OutcomeFrictionless
		sess.CAVV = generateCAVV(sess.ID)
		sess.ECI = "05"
	}

	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Complete records the issuer ACS callback result for a challenged
// session (spec 4.I's status-poll/callback operation).
func (s *Service) Complete(ctx context.Context, sessionID string, authenticated bool) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != OutcomeChallengeRequired {
		return nil, gwerrors.Conflict("3DS_SESSION_NOT_CHALLENGED", "session is not awaiting a challenge result")
	}
	if authenticated {
		sess.Status = OutcomeAuthenticated
		sess.CAVV = generateCAVV(sess.ID)
		sess.ECI = "05"
	} else {
		sess.Status = OutcomeFailed
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get polls a session's current outcome, returning TIMEOUT once the
// 10-minute window has elapsed for a still-pending challenge.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, gwerrors.NotFound("3DS_SESSION_NOT_FOUND", "no such 3ds session")
	}
	if err != nil {
		return nil, gwerrors.Transient("3DS_SESSION_LOOKUP_FAILED", err.Error(), err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, gwerrors.Internal("3DS_SESSION_CORRUPT", err)
	}
	if sess.Status == OutcomeChallengeRequired && time.Since(sess.CreatedAt) > sessionTTL {
		sess.Status = OutcomeTimeout
		_ = s.save(ctx, &sess)
	}
	return &sess, nil
}

func (s *Service) save(ctx context.Context, sess *Session) error {
	buf, err := json.Marshal(sess)
	if err != nil {
		return gwerrors.Internal("3DS_SESSION_MARSHAL_FAILED", err)
	}
	if err := s.rdb.Set(ctx, sessionKeyPrefix+sess.ID, buf, sessionTTL).Err(); err != nil {
		return gwerrors.Transient("3DS_SESSION_STORE_FAILED", err.Error(), err)
	}
	return nil
}

// generateCAVV produces a placeholder cardholder authentication
// verification value; a production ACS returns this cryptographically,
// here it's derived from the session id for test determinism.
func generateCAVV(sessionID string) string {
	return "cavv_" + sessionID[:8]
}
