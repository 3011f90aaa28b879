package psp

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/acquiring-gateway/internal/platform/resilience"
)

type fakeClient struct {
	name      string
	authorize func(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error)
}

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	return f.authorize(ctx, req)
}
func (f *fakeClient) Capture(ctx context.Context, id string, amount decimal.Decimal) error { return nil }
func (f *fakeClient) Void(ctx context.Context, id string) error                             { return nil }
func (f *fakeClient) Refund(ctx context.Context, id string, amount decimal.Decimal) error    { return nil }

func fastRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestRouterFailoverOnRetryableError(t *testing.T) {
	stripe := &fakeClient{name: "stripe", authorize: func(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
		return AuthorizeResult{}, &ClientError{Kind: ErrRetryable, Message: "transport error"}
	}}
	adyen := &fakeClient{name: "adyen", authorize: func(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
		return AuthorizeResult{PSPTransactionID: "adyen_txn_1"}, nil
	}}

	clients := map[string]PSPClient{"stripe": stripe, "adyen": adyen}
	breakers := resilience.NewRegistry(resilience.DefaultConfig(), nil)
	router := NewRouter(clients, breakers, fastRetryConfig(), nil, nil)

	result, usedPSP, err := router.Authorize(context.Background(), MerchantConfig{PSPsByPriority: []string{"stripe", "adyen"}}, AuthorizeRequest{Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, "adyen", usedPSP)
	assert.Equal(t, "adyen_txn_1", result.PSPTransactionID)
}

func TestRouterDeclineIsNotRetriedAcrossPSPs(t *testing.T) {
	calls := 0
	stripe := &fakeClient{name: "stripe", authorize: func(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
		calls++
		return AuthorizeResult{}, &ClientError{Kind: ErrDeclined, Message: "insufficient funds"}
	}}
	adyen := &fakeClient{name: "adyen", authorize: func(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
		calls++
		return AuthorizeResult{PSPTransactionID: "adyen_txn_1"}, nil
	}}

	clients := map[string]PSPClient{"stripe": stripe, "adyen": adyen}
	breakers := resilience.NewRegistry(resilience.DefaultConfig(), nil)
	router := NewRouter(clients, breakers, fastRetryConfig(), nil, nil)

	result, usedPSP, err := router.Authorize(context.Background(), MerchantConfig{PSPsByPriority: []string{"stripe", "adyen"}}, AuthorizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, "stripe", usedPSP)
	assert.True(t, result.Declined)
	assert.Equal(t, 1, calls, "adyen must not be called after a decline")
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	stripe := &fakeClient{name: "stripe", authorize: func(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
		return AuthorizeResult{}, &ClientError{Kind: ErrRetryable, Message: "transport error"}
	}}
	adyen := &fakeClient{name: "adyen", authorize: func(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
		return AuthorizeResult{PSPTransactionID: "adyen_txn"}, nil
	}}

	clients := map[string]PSPClient{"stripe": stripe, "adyen": adyen}
	cbCfg := resilience.Config{FailureThreshold: 5, Timeout: 30 * time.Second, SuccessThreshold: 3}
	breakers := resilience.NewRegistry(cbCfg, nil)
	router := NewRouter(clients, breakers, resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}, nil, nil)

	for i := 0; i < 5; i++ {
		_, _, _ = router.Authorize(context.Background(), MerchantConfig{PSPsByPriority: []string{"stripe"}}, AuthorizeRequest{})
	}
	assert.Equal(t, resilience.StateOpen, breakers.Get("stripe").State())

	// 6th payment should skip straight to adyen since stripe's circuit is open.
	result, usedPSP, err := router.Authorize(context.Background(), MerchantConfig{PSPsByPriority: []string{"stripe", "adyen"}}, AuthorizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, "adyen", usedPSP)
	assert.Equal(t, "adyen_txn", result.PSPTransactionID)
}
