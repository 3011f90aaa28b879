// Package authsaga wires the capability packages (tokenization, fraud,
// 3-D Secure, PSP routing, idempotency, events) into the concrete
// authorization saga spec 4.G describes, built atop the generic
// executor in internal/saga.
package authsaga

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/acquiring-gateway/internal/events"
	"github.com/r3e-network/acquiring-gateway/internal/fraud"
	"github.com/r3e-network/acquiring-gateway/internal/idempotency"
	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
	"github.com/r3e-network/acquiring-gateway/internal/payment"
	"github.com/r3e-network/acquiring-gateway/internal/psp"
	"github.com/r3e-network/acquiring-gateway/internal/saga"
	"github.com/r3e-network/acquiring-gateway/internal/threeds"
	"github.com/r3e-network/acquiring-gateway/internal/tokenization"
)

// Repository is the persistence seam the saga needs from the Payment
// aggregate store (concrete Postgres implementation in
// internal/payment/repository.go).
type Repository interface {
	Create(ctx context.Context, p *payment.Payment) error
	Update(ctx context.Context, p *payment.Payment) error
	AppendEvent(ctx context.Context, e *payment.Event) error
	Get(ctx context.Context, id string) (*payment.Payment, error)
}

// AuthorizeRequest is the merchant-facing request for a new authorization
// (spec section 6).
type AuthorizeRequest struct {
	MerchantID     string
	IdempotencyKey string
	PAN            string
	ExpMonth       int
	ExpYear        int
	CVV            string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	ReferenceID    string
	Billing        payment.BillingAddress
	IP             string
	DeviceID       string
	UserAgent      string
	BrowserInfo    threeds.BrowserInfo
	IsFirstTimeCard bool
}

// AuthorizeOutcome is returned to the caller; ChallengeSessionID is set
// when a 3-D Secure challenge must be completed before the authorization
// can proceed (spec 4.I).
type AuthorizeOutcome struct {
	Payment            *payment.Payment
	RequiresChallenge  bool
	ChallengeSessionID string
	ChallengeACSURL    string
}

// Saga orchestrates CreatePaymentRecord -> Tokenize -> FraudDetection ->
// ThreeDSecure -> PSPAuthorization -> FinalizePayment (spec 4.G).
type Saga struct {
	repo     Repository
	token    *tokenization.Service
	fraud    *fraud.Service
	threeds  *threeds.Service
	router   *psp.Router
	idem     *idempotency.Store
	producer *events.Producer
	merchantPSPs map[string]psp.MerchantConfig
	logger   *logging.Logger
}

func New(
	repo Repository,
	token *tokenization.Service,
	fraudSvc *fraud.Service,
	threedsSvc *threeds.Service,
	router *psp.Router,
	idem *idempotency.Store,
	producer *events.Producer,
	merchantPSPs map[string]psp.MerchantConfig,
	logger *logging.Logger,
) *Saga {
	return &Saga{
		repo: repo, token: token, fraud: fraudSvc, threeds: threedsSvc,
		router: router, idem: idem, producer: producer, merchantPSPs: merchantPSPs, logger: logger,
	}
}

// Authorize runs the full authorization saga for req, honoring
// idempotency (spec 4.C): a repeated IdempotencyKey returns the cached
// outcome without re-executing any step.
func (s *Saga) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeOutcome, error) {
	idemKey := req.MerchantID + ":" + req.IdempotencyKey

	var cached AuthorizeOutcome
	if found, err := s.idem.GetCached(ctx, idemKey, &cached); err == nil && found {
		return &cached, nil
	}

	acquired, err := s.idem.AcquireLock(ctx, idemKey, "authsaga")
	if err != nil {
		return nil, err
	}
	if !acquired {
		// Another request is in flight (or just finished): check the cache
		// once more before surfacing a conflict.
		if found, err := s.idem.GetCached(ctx, idemKey, &cached); err == nil && found {
			return &cached, nil
		}
		return nil, gwerrors.Conflict("IDEMPOTENCY_IN_PROGRESS", "a request with this idempotency key is already in flight")
	}
	defer s.idem.ReleaseLock(ctx, idemKey)

	p := &payment.Payment{
		ID:          payment.NewPaymentID(),
		MerchantID:  req.MerchantID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      payment.StatusPending,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
		Billing:     req.Billing,
		CreatedAt:   time.Now().UTC(),
	}

	var tokenRec *tokenization.TokenRecord
	var fraudResult fraud.Result
	var threeDSSession *threeds.Session
	var authResult psp.AuthorizeResult
	var authPSPName string

	steps := []saga.Step{
		&createPaymentRecordStep{repo: s.repo, p: p},
		&tokenizeStep{token: s.token, p: p, req: req, rec: &tokenRec},
		&fraudDetectionStep{fraud: s.fraud, p: p, req: req, result: &fraudResult},
		&threeDSecureStep{threeds: s.threeds, p: p, req: req, fraudResult: &fraudResult, session: &threeDSSession},
		&pspAuthorizationStep{router: s.router, p: p, merchantPSPs: s.merchantPSPs, result: &authResult, pspName: &authPSPName},
		&finalizePaymentStep{repo: s.repo, producer: s.producer, logger: s.logger, p: p, authResult: &authResult, pspName: &authPSPName},
	}

	result := saga.Run(ctx, steps)

	if s.logger != nil {
		for _, st := range steps {
			s.logger.LogSagaStep(ctx, "authorize_payment", st.Name(), result.Success, nil)
		}
	}

	var outcome *AuthorizeOutcome
	if threeDSSession != nil && threeDSSession.Status == threeds.OutcomeChallengeRequired {
		outcome = &AuthorizeOutcome{
			Payment:            p,
			RequiresChallenge:  true,
			ChallengeSessionID: threeDSSession.ID,
			ChallengeACSURL:    threeDSSession.ACSURL,
		}
		// A pending challenge is not cached as a terminal idempotent result:
		// the follow-up CompleteChallenge call resolves the saga.
		return outcome, nil
	}

	// The serialized response is stored on completion regardless of outcome
	// (spec 4.G): a retried idempotency key for a declined/failed payment
	// must replay that terminal result, not mint a second payment.
	outcome = &AuthorizeOutcome{Payment: p}
	if err := s.idem.Store(ctx, idemKey, outcome); err != nil && s.logger != nil {
		s.logger.WithFields(map[string]interface{}{"payment_id": p.ID}).WithError(err).Warn("failed to persist idempotency result")
	}
	if !result.Success {
		return outcome, gwerrors.Decline(result.FailureReason)
	}
	return outcome, nil
}

// CompleteChallenge resumes an authorization saga that paused for a 3-D
// Secure challenge (spec 4.G/4.I): it records the ACS outcome, and on
// success proceeds through PSP authorization and finalization.
func (s *Saga) CompleteChallenge(ctx context.Context, paymentID, sessionID string, authenticated bool) (*AuthorizeOutcome, error) {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	sess, err := s.threeds.Complete(ctx, sessionID, authenticated)
	if err != nil {
		return nil, err
	}
	if sess.Status != threeds.OutcomeAuthenticated {
		p.ThreeDSStatus = payment.ThreeDSFailed
		_ = p.Transition(payment.StatusFailed)
		_ = s.repo.Update(ctx, p)
		return &AuthorizeOutcome{Payment: p}, gwerrors.Decline("3-D Secure authentication failed")
	}
	p.ThreeDSStatus = payment.ThreeDSAuthenticated
	p.ThreeDSCAVV = sess.CAVV
	p.ThreeDSECI = sess.ECI

	var authResult psp.AuthorizeResult
	var authPSPName string
	steps := []saga.Step{
		&pspAuthorizationStep{router: s.router, p: p, merchantPSPs: s.merchantPSPs, result: &authResult, pspName: &authPSPName},
		&finalizePaymentStep{repo: s.repo, producer: s.producer, logger: s.logger, p: p, authResult: &authResult, pspName: &authPSPName},
	}
	result := saga.Run(ctx, steps)
	outcome := &AuthorizeOutcome{Payment: p}
	if !result.Success {
		return outcome, gwerrors.Decline(result.FailureReason)
	}
	return outcome, nil
}

// withIdempotency guards a single-step operation (capture/void/refund) by
// its own idempotency key, independent of the key the authorization saga
// used (spec 4.G: "each guarded by its own idempotency key and by the
// FSM"). This matters because CAPTURED -> REFUNDED_PARTIAL is a legal
// repeatable FSM transition, so the FSM alone cannot catch a retried
// partial refund.
func (s *Saga) withIdempotency(ctx context.Context, op, paymentID, idemKey string, fn func() (*payment.Payment, error)) (*payment.Payment, error) {
	key := op + ":" + paymentID + ":" + idemKey

	var cached payment.Payment
	if found, err := s.idem.GetCached(ctx, key, &cached); err == nil && found {
		return &cached, nil
	}

	acquired, err := s.idem.AcquireLock(ctx, key, "authsaga")
	if err != nil {
		return nil, err
	}
	if !acquired {
		if found, err := s.idem.GetCached(ctx, key, &cached); err == nil && found {
			return &cached, nil
		}
		return nil, gwerrors.Conflict("IDEMPOTENCY_IN_PROGRESS", "a request with this idempotency key is already in flight")
	}
	defer s.idem.ReleaseLock(ctx, key)

	p, err := fn()
	if err != nil {
		return nil, err
	}
	if err := s.idem.Store(ctx, key, p); err != nil && s.logger != nil {
		s.logger.WithFields(map[string]interface{}{"payment_id": paymentID}).WithError(err).Warn("failed to persist idempotency result")
	}
	return p, nil
}

// Capture executes a single-step capture against the originating PSP,
// guarded by the FSM and idempotency (spec 4.G).
func (s *Saga) Capture(ctx context.Context, paymentID, idemKey string, amount decimal.Decimal) (*payment.Payment, error) {
	return s.withIdempotency(ctx, "capture", paymentID, idemKey, func() (*payment.Payment, error) {
		p, err := s.repo.Get(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if err := p.Transition(payment.StatusCaptured); err != nil {
			return nil, err
		}
		if err := s.router.Capture(ctx, p.PSPName, p.PSPTransactionID, amount); err != nil {
			return nil, err
		}
		p.CapturedAmount = p.CapturedAmount.Add(amount)
		now := time.Now().UTC()
		p.CapturedAt = &now
		if err := s.repo.Update(ctx, p); err != nil {
			return nil, err
		}
		s.emit(ctx, events.KindPaymentCaptured, p)
		return p, nil
	})
}

// Void cancels an authorized-but-uncaptured payment.
func (s *Saga) Void(ctx context.Context, paymentID, idemKey string) (*payment.Payment, error) {
	return s.withIdempotency(ctx, "void", paymentID, idemKey, func() (*payment.Payment, error) {
		p, err := s.repo.Get(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if err := p.Transition(payment.StatusCancelled); err != nil {
			return nil, err
		}
		if err := s.router.Void(ctx, p.PSPName, p.PSPTransactionID); err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, p); err != nil {
			return nil, err
		}
		s.emit(ctx, events.KindPaymentCancelled, p)
		return p, nil
	})
}

// Refund issues a full or partial refund against a captured payment,
// transitioning to REFUNDED_PARTIAL or REFUNDED depending on the
// cumulative refunded amount (spec 4.G / the Open Question resolution in
// SPEC_FULL.md).
func (s *Saga) Refund(ctx context.Context, paymentID, idemKey string, amount decimal.Decimal) (*payment.Payment, error) {
	return s.withIdempotency(ctx, "refund", paymentID, idemKey, func() (*payment.Payment, error) {
		p, err := s.repo.Get(ctx, paymentID)
		if err != nil {
			return nil, err
		}

		newRefunded := p.RefundedAmount.Add(amount)
		target := payment.StatusRefundedPartial
		if newRefunded.GreaterThanOrEqual(p.CapturedAmount) {
			target = payment.StatusRefunded
		}
		if err := p.Transition(target); err != nil {
			return nil, err
		}
		if err := s.router.Refund(ctx, p.PSPName, p.PSPTransactionID, amount); err != nil {
			return nil, err
		}
		p.RefundedAmount = newRefunded
		if err := s.repo.Update(ctx, p); err != nil {
			return nil, err
		}
		s.emit(ctx, events.KindPaymentRefunded, p)
		return p, nil
	})
}

func (s *Saga) emit(ctx context.Context, kind events.Kind, p *payment.Payment) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, kind, p.ID, events.Payload{
		MerchantID: p.MerchantID, Amount: p.Amount.String(), Currency: p.Currency, Status: string(p.Status),
		PSPTransactionID: p.PSPTransactionID,
	}); err != nil && s.logger != nil {
		s.logger.WithFields(map[string]interface{}{"payment_id": p.ID, "kind": kind}).WithError(err).Error("event publish failed; webhook will not be enqueued")
	}
}
