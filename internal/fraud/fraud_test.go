package fraud

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/r3e-network/acquiring-gateway/internal/payment"
)

type fakeBlacklist struct {
	hit    bool
	reason string
}

func (b *fakeBlacklist) Contains(ctx context.Context, ip, deviceID, cardHash string) (bool, string, error) {
	return b.hit, b.reason, nil
}

func TestBlacklistHitForcesBlock(t *testing.T) {
	s := New(nil, &fakeBlacklist{hit: true, reason: "known_fraud_device"}, nil)
	res, err := s.Evaluate(context.Background(), EvaluateRequest{MLAvailable: true})
	assert.NoError(t, err)
	assert.Equal(t, payment.FraudBlock, res.Decision)
	assert.Equal(t, 1.0, res.Score)
	assert.True(t, res.Require3DS)
}

func TestScoreWeightingAndThresholds(t *testing.T) {
	s := New(nil, nil, map[string]float64{"RU": 0.9})
	res, err := s.Evaluate(context.Background(), EvaluateRequest{
		MLAvailable:    true,
		MLScore:        0.9,
		BillingCountry: "US",
		IPCountry:      "RU",
	})
	assert.NoError(t, err)
	// 0.6*0.9 + 0.3*min(0.9+0.4,1) + 0.1*1(rule) = 0.54 + 0.3 + 0.1 = 0.94
	assert.InDelta(t, 0.94, res.Score, 0.01)
	assert.Equal(t, payment.FraudBlock, res.Decision)
	assert.True(t, res.Require3DS)
}

func TestCleanTransactionBelowReviewThreshold(t *testing.T) {
	s := New(nil, nil, nil)
	res, err := s.Evaluate(context.Background(), EvaluateRequest{MLAvailable: true, MLScore: 0.1})
	assert.NoError(t, err)
	assert.Equal(t, payment.FraudClean, res.Decision)
	assert.False(t, res.Require3DS)
}

func TestFallbackScoreUsedWhenMLUnavailable(t *testing.T) {
	s := New(nil, nil, nil)
	res, err := s.Evaluate(context.Background(), EvaluateRequest{
		MLAvailable: false,
		Amount:      2000,
		IsFirstTimeCard: true,
	})
	assert.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.TriggeredRules, "HIGH_AMOUNT_BAND")
	assert.InDelta(t, 0.5, res.Score, 0.01)
}
