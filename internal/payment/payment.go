// Package payment defines the Payment aggregate, its FSM, and the
// append-only PaymentEvent audit trail (spec section 3 and 4.G's FSM).
package payment

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
)

// Status is the Payment FSM state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusAuthorized      Status = "AUTHORIZED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
	StatusCaptured        Status = "CAPTURED"
	StatusRefundedPartial Status = "REFUNDED_PARTIAL"
	StatusRefunded        Status = "REFUNDED"
	StatusDeclined        Status = "DECLINED"
)

// terminal states admit no further transitions.
var terminal = map[Status]bool{
	StatusFailed:    true,
	StatusCancelled: true,
	StatusRefunded:  true,
	StatusDeclined:  true,
}

// allowedTransitions encodes the FSM from spec 4.G exactly.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusAuthorized: true,
		StatusFailed:     true,
		StatusCancelled:  true,
		StatusDeclined:   true,
	},
	StatusAuthorized: {
		StatusCaptured:  true,
		StatusCancelled: true,
	},
	StatusCaptured: {
		StatusRefundedPartial: true,
		StatusRefunded:        true,
	},
	StatusRefundedPartial: {
		StatusRefundedPartial: true,
		StatusRefunded:        true,
	},
}

// CanTransition reports whether from -> to is a legal FSM transition.
func CanTransition(from, to Status) bool {
	if terminal[from] {
		return false
	}
	next, ok := allowedTransitions[from]
	return ok && next[to]
}

// ThreeDSStatus mirrors spec 4.I's outcomes plus the pending/not-enrolled
// states the saga assigns before/absent a 3-DS step.
type ThreeDSStatus string

const (
	ThreeDSNotEnrolled       ThreeDSStatus = "NOT_ENROLLED"
	ThreeDSFrictionless      ThreeDSStatus = "FRICTIONLESS"
	ThreeDSChallengeRequired ThreeDSStatus = "CHALLENGE_REQUIRED"
	ThreeDSAuthenticated     ThreeDSStatus = "AUTHENTICATED"
	ThreeDSFailed            ThreeDSStatus = "FAILED"
	ThreeDSTimeout           ThreeDSStatus = "TIMEOUT"
)

// FraudDecision mirrors spec 4.H.
type FraudDecision string

const (
	FraudClean  FraudDecision = "CLEAN"
	FraudReview FraudDecision = "REVIEW"
	FraudBlock  FraudDecision = "BLOCK"
)

// BillingAddress holds the merchant-supplied billing fields (spec section 6).
type BillingAddress struct {
	Street  string
	City    string
	State   string
	Zip     string
	Country string // ISO-3166-1 alpha-2
}

// Payment is the primary aggregate (spec section 3).
type Payment struct {
	ID               string
	ExternalID       string
	MerchantID       string
	Amount           decimal.Decimal
	CapturedAmount   decimal.Decimal
	RefundedAmount   decimal.Decimal
	Currency         string
	Status           Status
	CardTokenID      string
	CardLastFour     string
	CardBrand        string
	PSPName          string
	PSPTransactionID string
	FraudScore       float64
	FraudDecision    FraudDecision
	ThreeDSStatus    ThreeDSStatus
	ThreeDSCAVV      string
	ThreeDSECI       string
	Description      string
	ReferenceID      string
	Billing          BillingAddress
	CreatedAt        time.Time
	AuthorizedAt     *time.Time
	CapturedAt       *time.Time
}

// Invariant enforcement helpers.

// ValidateInvariants checks the cross-field invariants spec section 3
// requires (captured <= authorized; cavv/eci iff authenticated).
func (p *Payment) ValidateInvariants() error {
	if p.CapturedAmount.GreaterThan(p.Amount) {
		return gwerrors.Internal("captured_amount exceeds authorized amount", nil)
	}
	hasCAVV := p.ThreeDSCAVV != "" || p.ThreeDSECI != ""
	if hasCAVV && p.ThreeDSStatus != ThreeDSAuthenticated {
		return gwerrors.Internal("cavv/eci set without AUTHENTICATED 3ds status", nil)
	}
	return nil
}

// Transition moves the payment to newStatus, refusing illegal FSM
// transitions with a Conflict error (spec 4.G "Illegal transitions must be
// refused with a conflict error").
func (p *Payment) Transition(newStatus Status) error {
	if !CanTransition(p.Status, newStatus) {
		return gwerrors.Conflict("ILLEGAL_STATUS_TRANSITION", string(p.Status)+" -> "+string(newStatus)+" is not allowed")
	}
	p.Status = newStatus
	return nil
}

// EventKind enumerates PaymentEvent kinds (spec section 3).
type EventKind string

const (
	EventPaymentCreated   EventKind = "PAYMENT_CREATED"
	EventPaymentAuthorized EventKind = "PAYMENT_AUTHORIZED"
	EventPaymentDeclined  EventKind = "PAYMENT_DECLINED"
	EventPaymentCaptured  EventKind = "PAYMENT_CAPTURED"
	EventPaymentCancelled EventKind = "PAYMENT_CANCELLED"
	EventPaymentRefunded  EventKind = "PAYMENT_REFUNDED"
	EventPaymentFailed    EventKind = "PAYMENT_FAILED"
	EventSagaStarted      EventKind = "SAGA_STARTED"
	EventSagaCompensated  EventKind = "SAGA_COMPENSATED"
)

// Event is the immutable append-only PaymentEvent audit record.
type Event struct {
	ID         string
	PaymentID  string
	Kind       EventKind
	StateAfter Status
	Amount     decimal.Decimal
	Currency   string
	CreatedAt  time.Time
}

// ID generation — payment IDs are "pay_" + 24 base62 characters (spec
// section 6), matching the event ("evt_") and refund ("ref_") id formats.

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func randomBase62(n int) string {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Alphabet))))
		if err != nil {
			// crypto/rand failures are only possible under catastrophic OS
			// conditions; fall back to a fixed low-entropy character rather
			// than panicking the request path.
			out[i] = base62Alphabet[0]
			continue
		}
		out[i] = base62Alphabet[idx.Int64()]
	}
	return string(out)
}

func NewPaymentID() string { return "pay_" + randomBase62(24) }
func NewEventID() string   { return "evt_" + randomBase62(24) }
func NewRefundID() string  { return "ref_" + randomBase62(24) }
