// Package fraud implements the fraud capability (spec 4.H): scoring,
// blacklist checks, and Redis-backed velocity limits.
package fraud

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/acquiring-gateway/internal/payment"
)

// Decision thresholds (spec 4.H): BLOCK >= 0.75, REVIEW >= 0.50.
const (
	blockThreshold  = 0.75
	reviewThreshold = 0.50

	// requireThreeDSThreshold is the single threshold the fraud capability
	// and the authorization saga both use (spec 9's Open Question,
	// resolved in SPEC_FULL.md §9: unified at fraud_score > 0.5 everywhere).
	requireThreeDSThreshold = 0.5
)

// Velocity limits (spec 4.H).
const (
	cardVelocityLimit     = 10
	cardVelocityWindow    = time.Hour
	ipVelocityLimit       = 20
	ipVelocityWindow      = time.Hour
	merchantVelocityLimit = 100
	merchantVelocityWindow = time.Minute
)

// EvaluateRequest carries everything the fraud capability needs to score
// a transaction.
type EvaluateRequest struct {
	CardHash         string
	IP               string
	DeviceID         string
	MerchantID       string
	BillingCountry   string
	IPCountry        string
	Amount           float64
	IsFirstTimeCard  bool
	MLScore          float64 // 0 when the ML scorer is unreachable
	MLAvailable      bool
}

// Result is the fraud capability's contract (spec 4.H).
type Result struct {
	Score           float64
	Decision        payment.FraudDecision
	TriggeredRules  []string
	Require3DS      bool
	Fallback        bool
}

// Blacklist is consulted first; a hit short-circuits to BLOCK with score 1.0.
type Blacklist interface {
	Contains(ctx context.Context, ip, deviceID, cardHash string) (bool, string, error)
}

// NoopBlacklist never reports a hit. Default wiring until a real blacklist
// provider (e.g. a shared fraud-network lookup) is attached.
type NoopBlacklist struct{}

func (NoopBlacklist) Contains(_ context.Context, _, _, _ string) (bool, string, error) {
	return false, "", nil
}

// VelocityExceededError marks a velocity-limit breach (spec 4.H).
type VelocityExceededError struct{ Dimension string }

func (e *VelocityExceededError) Error() string { return "VELOCITY_LIMIT_EXCEEDED: " + e.Dimension }

// Service is the fraud capability.
type Service struct {
	rdb       *redis.Client
	blacklist Blacklist
	countryRisk map[string]float64
}

func New(rdb *redis.Client, blacklist Blacklist, countryRisk map[string]float64) *Service {
	if countryRisk == nil {
		countryRisk = map[string]float64{}
	}
	return &Service{rdb: rdb, blacklist: blacklist, countryRisk: countryRisk}
}

// Evaluate scores a transaction per spec 4.H's exact weighting:
// score = clamp(0.6*ml + 0.3*geo + 0.1*rule_count, 0, 1).
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (Result, error) {
	if s.blacklist != nil {
		if hit, reason, err := s.blacklist.Contains(ctx, req.IP, req.DeviceID, req.CardHash); err == nil && hit {
			return Result{Score: 1.0, Decision: payment.FraudBlock, TriggeredRules: []string{"BLACKLIST_HIT:" + reason}, Require3DS: true}, nil
		}
	}

	if err := s.checkVelocity(ctx, req); err != nil {
		return Result{}, err
	}

	geo := s.geoRisk(req)
	var rules []string
	ruleCount := 0
	if req.IsFirstTimeCard {
		rules = append(rules, "FIRST_TIME_CARD")
		ruleCount++
	}
	if req.BillingCountry != "" && req.IPCountry != "" && req.BillingCountry != req.IPCountry {
		rules = append(rules, "IP_BILLING_COUNTRY_MISMATCH")
		ruleCount++
	}

	ml := req.MLScore
	if !req.MLAvailable {
		return s.fallbackScore(req, rules), nil
	}

	score := clamp(0.6*ml+0.3*geo+0.1*float64(ruleCount), 0, 1)
	decision := decide(score)
	return Result{
		Score:          score,
		Decision:       decision,
		TriggeredRules: rules,
		Require3DS:     score > requireThreeDSThreshold,
	}, nil
}

// fallbackScore implements the deterministic rule-based scorer used when
// the ML scorer is unreachable (spec 4.H fallback, invoked via the
// degradation controller, 4.K).
func (s *Service) fallbackScore(req EvaluateRequest, rules []string) Result {
	score := 0.0
	if req.Amount > 1000 {
		score += 0.3
		rules = append(rules, "HIGH_AMOUNT_BAND")
	}
	if req.BillingCountry != "" && req.IPCountry != "" && req.BillingCountry != req.IPCountry {
		score += 0.3
	}
	if req.IsFirstTimeCard {
		score += 0.2
	}
	score = clamp(score, 0, 1)
	return Result{
		Score:          score,
		Decision:       decide(score),
		TriggeredRules: rules,
		Require3DS:     score > requireThreeDSThreshold,
		Fallback:       true,
	}
}

func (s *Service) geoRisk(req EvaluateRequest) float64 {
	risk := s.countryRisk[req.IPCountry]
	if req.BillingCountry != "" && req.IPCountry != "" && req.BillingCountry != req.IPCountry {
		risk = clamp(risk+0.4, 0, 1)
	}
	return risk
}

func decide(score float64) payment.FraudDecision {
	switch {
	case score >= blockThreshold:
		return payment.FraudBlock
	case score >= reviewThreshold:
		return payment.FraudReview
	default:
		return payment.FraudClean
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// checkVelocity enforces the velocity limits with fixed-window Redis
// counters: INCR per key, with the key's expiry set to the window length
// on the first increment of a window. The count resets when the key
// expires, so this is not a sliding window: a burst that straddles two
// windows can pass up to twice the limit.
func (s *Service) checkVelocity(ctx context.Context, req EvaluateRequest) error {
	if s.rdb == nil {
		return nil
	}
	checks := []struct {
		key    string
		limit  int64
		window time.Duration
		dim    string
	}{
		{"velocity:card:" + req.CardHash, cardVelocityLimit, cardVelocityWindow, "CARD"},
		{"velocity:ip:" + req.IP, ipVelocityLimit, ipVelocityWindow, "IP"},
		{"velocity:merchant:" + req.MerchantID, merchantVelocityLimit, merchantVelocityWindow, "MERCHANT"},
	}
	for _, c := range checks {
		count, err := s.rdb.Incr(ctx, c.key).Result()
		if err != nil {
			continue // degraded Redis: velocity check skipped, not fatal
		}
		if count == 1 {
			s.rdb.Expire(ctx, c.key, c.window)
		}
		if count > c.limit {
			return &VelocityExceededError{Dimension: c.dim}
		}
	}
	return nil
}
