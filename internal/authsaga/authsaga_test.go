package authsaga

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/acquiring-gateway/internal/fraud"
	"github.com/r3e-network/acquiring-gateway/internal/hsm"
	"github.com/r3e-network/acquiring-gateway/internal/idempotency"
	"github.com/r3e-network/acquiring-gateway/internal/payment"
	"github.com/r3e-network/acquiring-gateway/internal/platform/resilience"
	"github.com/r3e-network/acquiring-gateway/internal/psp"
	"github.com/r3e-network/acquiring-gateway/internal/threeds"
	"github.com/r3e-network/acquiring-gateway/internal/tokenization"
)

type memRepo struct {
	mu       sync.Mutex
	payments map[string]*payment.Payment
	events   []*payment.Event
}

func newMemRepo() *memRepo {
	return &memRepo{payments: map[string]*payment.Payment{}}
}

func (r *memRepo) Create(ctx context.Context, p *payment.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = p
	return nil
}

func (r *memRepo) Update(ctx context.Context, p *payment.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = p
	return nil
}

func (r *memRepo) AppendEvent(ctx context.Context, e *payment.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *memRepo) Get(ctx context.Context, id string) (*payment.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payments[id], nil
}

type fakePSPClient struct {
	name      string
	declined  bool
	txnID     string
}

func (c *fakePSPClient) Name() string { return c.name }
func (c *fakePSPClient) Authorize(ctx context.Context, req psp.AuthorizeRequest) (psp.AuthorizeResult, error) {
	if c.declined {
		return psp.AuthorizeResult{Declined: true, DeclineReason: "insufficient_funds"}, nil
	}
	return psp.AuthorizeResult{PSPTransactionID: c.txnID}, nil
}
func (c *fakePSPClient) Capture(ctx context.Context, id string, amount decimal.Decimal) error { return nil }
func (c *fakePSPClient) Void(ctx context.Context, id string) error                            { return nil }
func (c *fakePSPClient) Refund(ctx context.Context, id string, amount decimal.Decimal) error   { return nil }

type fakeDirectory struct{}

func (fakeDirectory) Lookup(ctx context.Context, cardTokenID, amount string, browser threeds.BrowserInfo) (bool, bool, error) {
	return false, false, nil // not enrolled: no challenge in the happy-path test
}

func newTestSaga(t *testing.T, client *fakePSPClient) (*Saga, *memRepo) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := newMemRepo()
	hsmSvc := hsm.New(nil)
	tokenSvc := tokenization.New(hsmSvc, tokenization.NewMemStore(), nil)
	fraudSvc := fraud.New(nil, nil, nil)
	threedsSvc := threeds.New(rdb, fakeDirectory{})
	router := psp.NewRouter(
		map[string]psp.PSPClient{client.name: client},
		resilience.NewRegistry(resilience.Config{FailureThreshold: 5, SuccessThreshold: 3}, nil),
		resilience.RetryConfig{MaxAttempts: 1, InitialDelay: 1, MaxDelay: 1, Multiplier: 1},
		nil,
		nil,
	)
	idem := idempotency.New(rdb)
	merchantPSPs := map[string]psp.MerchantConfig{"merch_1": {PSPsByPriority: []string{client.name}}}

	return New(repo, tokenSvc, fraudSvc, threedsSvc, router, idem, nil, merchantPSPs, nil), repo
}

func baseRequest() AuthorizeRequest {
	return AuthorizeRequest{
		MerchantID:     "merch_1",
		IdempotencyKey: "key-1",
		PAN:            "4242424242424242",
		ExpMonth:       12,
		ExpYear:        2030,
		CVV:            "123",
		Amount:         decimal.RequireFromString("50.00"),
		Currency:       "USD",
		Billing:        payment.BillingAddress{Country: "US"},
	}
}

func TestAuthorizeHappyPath(t *testing.T) {
	s, _ := newTestSaga(t, &fakePSPClient{name: "stripe", txnID: "txn_123"})
	outcome, err := s.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.False(t, outcome.RequiresChallenge)
	assert.Equal(t, payment.StatusAuthorized, outcome.Payment.Status)
	assert.Equal(t, "stripe", outcome.Payment.PSPName)
	assert.Equal(t, "txn_123", outcome.Payment.PSPTransactionID)
}

func TestAuthorizeDeclineTransitionsToDeclined(t *testing.T) {
	s, _ := newTestSaga(t, &fakePSPClient{name: "stripe", declined: true})
	outcome, err := s.Authorize(context.Background(), baseRequest())
	assert.Error(t, err)
	assert.Equal(t, payment.StatusDeclined, outcome.Payment.Status)
}

func TestAuthorizeIsIdempotentOnRepeatedKey(t *testing.T) {
	s, _ := newTestSaga(t, &fakePSPClient{name: "stripe", txnID: "txn_abc"})
	req := baseRequest()

	first, err := s.Authorize(context.Background(), req)
	require.NoError(t, err)

	second, err := s.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
}

func TestCaptureAfterAuthorize(t *testing.T) {
	s, _ := newTestSaga(t, &fakePSPClient{name: "stripe", txnID: "txn_cap"})
	outcome, err := s.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)

	captured, err := s.Capture(context.Background(), outcome.Payment.ID, "idem-capture-1", decimal.RequireFromString("50.00"))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCaptured, captured.Status)
}

func TestRepeatedPartialRefundWithSameIdempotencyKeyDoesNotDoubleRefund(t *testing.T) {
	s, repo := newTestSaga(t, &fakePSPClient{name: "stripe", txnID: "txn_refund"})
	outcome, err := s.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)

	_, err = s.Capture(context.Background(), outcome.Payment.ID, "idem-capture-1", decimal.RequireFromString("50.00"))
	require.NoError(t, err)

	first, err := s.Refund(context.Background(), outcome.Payment.ID, "idem-refund-1", decimal.RequireFromString("20.00"))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefundedPartial, first.Status)
	assert.True(t, first.RefundedAmount.Equal(decimal.RequireFromString("20.00")))

	// A retried request with the same idempotency key must replay the
	// cached result rather than apply the refund a second time.
	second, err := s.Refund(context.Background(), outcome.Payment.ID, "idem-refund-1", decimal.RequireFromString("20.00"))
	require.NoError(t, err)
	assert.True(t, second.RefundedAmount.Equal(decimal.RequireFromString("20.00")))

	stored, _ := repo.Get(context.Background(), outcome.Payment.ID)
	assert.True(t, stored.RefundedAmount.Equal(decimal.RequireFromString("20.00")))
}

type fakeTerminalPSPClient struct{ name string }

func (c *fakeTerminalPSPClient) Name() string { return c.name }
func (c *fakeTerminalPSPClient) Authorize(ctx context.Context, req psp.AuthorizeRequest) (psp.AuthorizeResult, error) {
	return psp.AuthorizeResult{}, &psp.ClientError{Kind: psp.ErrTerminal, Message: "gateway timeout"}
}
func (c *fakeTerminalPSPClient) Capture(ctx context.Context, id string, amount decimal.Decimal) error {
	return nil
}
func (c *fakeTerminalPSPClient) Void(ctx context.Context, id string) error { return nil }
func (c *fakeTerminalPSPClient) Refund(ctx context.Context, id string, amount decimal.Decimal) error {
	return nil
}

// TestAuthorizeFailsOverToSecondPSP exercises spec 4.E's PSP failover: the
// first-priority PSP fails with a terminal provider error, and the router
// advances to the next configured PSP within the same Authorize call.
func TestAuthorizeFailsOverToSecondPSP(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := newMemRepo()
	hsmSvc := hsm.New(nil)
	tokenSvc := tokenization.New(hsmSvc, tokenization.NewMemStore(), nil)
	fraudSvc := fraud.New(nil, nil, nil)
	threedsSvc := threeds.New(rdb, fakeDirectory{})

	primary := &fakeTerminalPSPClient{name: "stripe"}
	secondary := &fakePSPClient{name: "adyen", txnID: "txn_failover"}
	router := psp.NewRouter(
		map[string]psp.PSPClient{primary.name: primary, secondary.name: secondary},
		resilience.NewRegistry(resilience.Config{FailureThreshold: 5, SuccessThreshold: 3}, nil),
		resilience.RetryConfig{MaxAttempts: 1, InitialDelay: 1, MaxDelay: 1, Multiplier: 1},
		nil,
		nil,
	)
	idem := idempotency.New(rdb)
	merchantPSPs := map[string]psp.MerchantConfig{"merch_1": {PSPsByPriority: []string{"stripe", "adyen"}}}

	s := New(repo, tokenSvc, fraudSvc, threedsSvc, router, idem, nil, merchantPSPs, nil)
	outcome, err := s.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, payment.StatusAuthorized, outcome.Payment.Status)
	assert.Equal(t, "adyen", outcome.Payment.PSPName)
	assert.Equal(t, "txn_failover", outcome.Payment.PSPTransactionID)
}

type blockingBlacklist struct{}

func (blockingBlacklist) Contains(_ context.Context, _, _, _ string) (bool, string, error) {
	return true, "known_fraud_ring", nil
}

// TestAuthorizeBlocksOnFraudBlacklistHit exercises spec 4.H's BLOCK
// decision: a blacklist hit declines the saga before any PSP is called.
func TestAuthorizeBlocksOnFraudBlacklistHit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := newMemRepo()
	hsmSvc := hsm.New(nil)
	tokenSvc := tokenization.New(hsmSvc, tokenization.NewMemStore(), nil)
	fraudSvc := fraud.New(rdb, blockingBlacklist{}, nil)
	threedsSvc := threeds.New(rdb, fakeDirectory{})

	client := &fakePSPClient{name: "stripe", txnID: "txn_unreached"}
	router := psp.NewRouter(
		map[string]psp.PSPClient{client.name: client},
		resilience.NewRegistry(resilience.Config{FailureThreshold: 5, SuccessThreshold: 3}, nil),
		resilience.RetryConfig{MaxAttempts: 1, InitialDelay: 1, MaxDelay: 1, Multiplier: 1},
		nil,
		nil,
	)
	idem := idempotency.New(rdb)
	merchantPSPs := map[string]psp.MerchantConfig{"merch_1": {PSPsByPriority: []string{client.name}}}

	s := New(repo, tokenSvc, fraudSvc, threedsSvc, router, idem, nil, merchantPSPs, nil)
	outcome, err := s.Authorize(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, payment.StatusCancelled, outcome.Payment.Status)
	assert.Equal(t, payment.FraudBlock, outcome.Payment.FraudDecision)

	var sagaStarted, sagaCompensated bool
	for _, e := range repo.events {
		switch e.Kind {
		case payment.EventSagaStarted:
			sagaStarted = true
		case payment.EventSagaCompensated:
			sagaCompensated = true
		}
	}
	assert.True(t, sagaStarted, "SAGA_STARTED must be appended when create_payment_record executes")
	assert.True(t, sagaCompensated, "SAGA_COMPENSATED must be appended when create_payment_record compensates")
}

type challengeDirectory struct{}

func (challengeDirectory) Lookup(ctx context.Context, cardTokenID, amount string, browser threeds.BrowserInfo) (bool, bool, error) {
	return true, true, nil // enrolled, challenge required
}

// TestAuthorizeChallengeThenCompleteChallenge exercises spec 4.I's
// CHALLENGE_REQUIRED path end to end: Authorize pauses awaiting the ACS
// outcome, and CompleteChallenge resumes PSP authorization and finalizes.
func TestAuthorizeChallengeThenCompleteChallenge(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := newMemRepo()
	hsmSvc := hsm.New(nil)
	tokenSvc := tokenization.New(hsmSvc, tokenization.NewMemStore(), nil)
	fraudSvc := fraud.New(nil, nil, nil)
	threedsSvc := threeds.New(rdb, challengeDirectory{})

	client := &fakePSPClient{name: "stripe", txnID: "txn_3ds"}
	router := psp.NewRouter(
		map[string]psp.PSPClient{client.name: client},
		resilience.NewRegistry(resilience.Config{FailureThreshold: 5, SuccessThreshold: 3}, nil),
		resilience.RetryConfig{MaxAttempts: 1, InitialDelay: 1, MaxDelay: 1, Multiplier: 1},
		nil,
		nil,
	)
	idem := idempotency.New(rdb)
	merchantPSPs := map[string]psp.MerchantConfig{"merch_1": {PSPsByPriority: []string{client.name}}}

	s := New(repo, tokenSvc, fraudSvc, threedsSvc, router, idem, nil, merchantPSPs, nil)
	outcome, err := s.Authorize(context.Background(), baseRequest())
	require.NoError(t, err)
	require.True(t, outcome.RequiresChallenge)
	assert.NotEmpty(t, outcome.ChallengeSessionID)

	final, err := s.CompleteChallenge(context.Background(), outcome.Payment.ID, outcome.ChallengeSessionID, true)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusAuthorized, final.Payment.Status)
	assert.Equal(t, payment.ThreeDSAuthenticated, final.Payment.ThreeDSStatus)
}
