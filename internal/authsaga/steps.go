package authsaga

import (
	"context"

	"github.com/r3e-network/acquiring-gateway/internal/events"
	"github.com/r3e-network/acquiring-gateway/internal/fraud"
	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
	"github.com/r3e-network/acquiring-gateway/internal/payment"
	"github.com/r3e-network/acquiring-gateway/internal/psp"
	"github.com/r3e-network/acquiring-gateway/internal/threeds"
	"github.com/r3e-network/acquiring-gateway/internal/tokenization"
)

// createPaymentRecordStep inserts the PENDING Payment row (spec 4.G step
// 1) and appends SAGA_STARTED; its compensation marks the payment
// CANCELLED (not deleting it, preserving the audit trail per spec section
// 3's append-only invariant) and appends SAGA_COMPENSATED.
type createPaymentRecordStep struct {
	repo Repository
	p    *payment.Payment
}

func (s *createPaymentRecordStep) Name() string { return "create_payment_record" }

func (s *createPaymentRecordStep) Execute(ctx context.Context) error {
	if err := s.repo.Create(ctx, s.p); err != nil {
		return err
	}
	if err := s.repo.AppendEvent(ctx, &payment.Event{
		ID: payment.NewEventID(), PaymentID: s.p.ID, Kind: payment.EventPaymentCreated,
		StateAfter: s.p.Status, Amount: s.p.Amount, Currency: s.p.Currency,
	}); err != nil {
		return err
	}
	return s.repo.AppendEvent(ctx, &payment.Event{
		ID: payment.NewEventID(), PaymentID: s.p.ID, Kind: payment.EventSagaStarted,
		StateAfter: s.p.Status, Amount: s.p.Amount, Currency: s.p.Currency,
	})
}

func (s *createPaymentRecordStep) Compensate(ctx context.Context) error {
	if err := s.p.Transition(payment.StatusCancelled); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, s.p); err != nil {
		return err
	}
	return s.repo.AppendEvent(ctx, &payment.Event{
		ID: payment.NewEventID(), PaymentID: s.p.ID, Kind: payment.EventSagaCompensated,
		StateAfter: s.p.Status, Amount: s.p.Amount, Currency: s.p.Currency,
	})
}

// tokenizeStep mints (or reuses) the card token (spec 4.G step 2).
type tokenizeStep struct {
	token *tokenization.Service
	p     *payment.Payment
	req   AuthorizeRequest
	rec   **tokenization.TokenRecord
	reused bool
}

func (s *tokenizeStep) Name() string { return "tokenize" }

func (s *tokenizeStep) Execute(ctx context.Context) error {
	rec, err := s.token.Tokenize(ctx, s.req.PAN, s.req.ExpMonth, s.req.ExpYear, s.req.CVV)
	if err != nil {
		return err
	}
	*s.rec = rec
	s.reused = rec.CreatedAt.Before(s.p.CreatedAt)
	s.p.CardTokenID = rec.Token
	s.p.CardLastFour = rec.LastFour
	s.p.CardBrand = rec.Brand
	return nil
}

func (s *tokenizeStep) Compensate(ctx context.Context) error {
	if *s.rec == nil || s.reused {
		return nil
	}
	// A freshly minted token with no prior successful payments is revoked;
	// a reused (already-active-before-this-saga) token is left alone.
	return s.token.RevokeToken(ctx, (*s.rec).Token)
}

// fraudDetectionStep scores the transaction (spec 4.G step 3 / 4.H); a
// BLOCK decision fails the saga without invoking any PSP.
type fraudDetectionStep struct {
	fraud  *fraud.Service
	p      *payment.Payment
	req    AuthorizeRequest
	result *fraud.Result
}

func (s *fraudDetectionStep) Name() string { return "fraud_detection" }

func (s *fraudDetectionStep) Execute(ctx context.Context) error {
	res, err := s.fraud.Evaluate(ctx, fraud.EvaluateRequest{
		CardHash:        s.p.CardTokenID,
		IP:              s.req.IP,
		DeviceID:        s.req.DeviceID,
		MerchantID:      s.p.MerchantID,
		BillingCountry:  s.req.Billing.Country,
		Amount:          s.p.Amount.InexactFloat64(),
		IsFirstTimeCard: s.req.IsFirstTimeCard,
		MLAvailable:     true,
	})
	if err != nil {
		return err
	}
	*s.result = res
	s.p.FraudScore = res.Score
	s.p.FraudDecision = res.Decision
	if res.Decision == payment.FraudBlock {
		return gwerrors.Decline("blocked by fraud detection")
	}
	return nil
}

func (s *fraudDetectionStep) Compensate(ctx context.Context) error { return nil }

// threeDSecureStep initiates a challenge when the fraud score demands it
// (spec 4.G step 4 / 4.I). A CHALLENGE_REQUIRED outcome is not a failure:
// the saga surfaces it to the caller via Saga.Authorize's outcome.
type threeDSecureStep struct {
	threeds     *threeds.Service
	p           *payment.Payment
	req         AuthorizeRequest
	fraudResult *fraud.Result
	session     **threeds.Session
}

func (s *threeDSecureStep) Name() string { return "three_d_secure" }

func (s *threeDSecureStep) Execute(ctx context.Context) error {
	if !s.fraudResult.Require3DS {
		s.p.ThreeDSStatus = payment.ThreeDSNotEnrolled
		return nil
	}
	sess, err := s.threeds.Initiate(ctx, s.p.ID, s.p.CardTokenID, s.p.Amount.String(), s.req.BrowserInfo)
	if err != nil {
		return err
	}
	*s.session = sess
	switch sess.Status {
	case threeds.OutcomeFrictionless:
		s.p.ThreeDSStatus = payment.ThreeDSFrictionless
		s.p.ThreeDSCAVV = sess.CAVV
		s.p.ThreeDSECI = sess.ECI
	case threeds.OutcomeNotEnrolled:
		s.p.ThreeDSStatus = payment.ThreeDSNotEnrolled
	case threeds.OutcomeChallengeRequired:
		s.p.ThreeDSStatus = payment.ThreeDSChallengeRequired
	}
	return nil
}

func (s *threeDSecureStep) Compensate(ctx context.Context) error { return nil }

// pspAuthorizationStep routes the authorization to a PSP (spec 4.G step
// 5 / 4.E).
type pspAuthorizationStep struct {
	router       *psp.Router
	p            *payment.Payment
	merchantPSPs map[string]psp.MerchantConfig
	result       *psp.AuthorizeResult
	pspName      *string
}

func (s *pspAuthorizationStep) Name() string { return "psp_authorization" }

func (s *pspAuthorizationStep) Execute(ctx context.Context) error {
	if s.p.ThreeDSStatus == payment.ThreeDSChallengeRequired {
		return nil // the saga pauses here; the caller resumes via CompleteChallenge
	}
	cfg, ok := s.merchantPSPs[s.p.MerchantID]
	if !ok {
		cfg = s.merchantPSPs["*"]
	}
	res, pspName, err := s.router.Authorize(ctx, cfg, psp.AuthorizeRequest{
		TransactionID: s.p.ID,
		TokenID:       s.p.CardTokenID,
		Amount:        s.p.Amount,
		Currency:      s.p.Currency,
		CAVV:          s.p.ThreeDSCAVV,
		ECI:           s.p.ThreeDSECI,
	})
	if err != nil {
		return err
	}
	if res.Declined {
		s.p.Status = payment.StatusDeclined
		return gwerrors.Decline(res.DeclineReason)
	}
	*s.result = res
	*s.pspName = pspName
	return nil
}

func (s *pspAuthorizationStep) Compensate(ctx context.Context) error {
	if s.result.PSPTransactionID == "" {
		return nil
	}
	return s.router.Void(ctx, *s.pspName, s.result.PSPTransactionID)
}

// finalizePaymentStep transitions the payment to AUTHORIZED and emits the
// domain event (spec 4.G step 6 / 4.J).
type finalizePaymentStep struct {
	repo       Repository
	producer   *events.Producer
	logger     *logging.Logger
	p          *payment.Payment
	authResult *psp.AuthorizeResult
	pspName    *string
}

func (s *finalizePaymentStep) Name() string { return "finalize_payment" }

func (s *finalizePaymentStep) Execute(ctx context.Context) error {
	if s.p.ThreeDSStatus == payment.ThreeDSChallengeRequired {
		return nil
	}
	s.p.PSPName = *s.pspName
	s.p.PSPTransactionID = s.authResult.PSPTransactionID
	if err := s.p.Transition(payment.StatusAuthorized); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, s.p); err != nil {
		return err
	}
	if err := s.repo.AppendEvent(ctx, &payment.Event{
		ID: payment.NewEventID(), PaymentID: s.p.ID, Kind: payment.EventPaymentAuthorized,
		StateAfter: s.p.Status, Amount: s.p.Amount, Currency: s.p.Currency,
	}); err != nil {
		return err
	}
	if s.producer != nil {
		if err := s.producer.Publish(ctx, events.KindPaymentAuthorized, s.p.ID, events.Payload{
			MerchantID: s.p.MerchantID, Amount: s.p.Amount.String(), Currency: s.p.Currency, Status: string(s.p.Status),
			PSPTransactionID: s.p.PSPTransactionID,
		}); err != nil && s.logger != nil {
			// Publication gates webhook enqueue (spec section 2): a lost
			// PAYMENT_AUTHORIZED event means no webhook bridge ever sees this
			// authorization. The authorization itself already succeeded and
			// is not rolled back for an event-bus outage.
			s.logger.WithFields(map[string]interface{}{"payment_id": s.p.ID}).WithError(err).Error("payment_authorized event publish failed; webhook will not be enqueued")
		}
	}
	return nil
}

func (s *finalizePaymentStep) Compensate(ctx context.Context) error { return nil }
