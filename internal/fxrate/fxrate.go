// Package fxrate implements currency conversion (spec 4.M):
// cache -> provider -> stale-cache -> error lookup order, with
// half-up rounding to two decimal places, grounded on the
// teacher's infrastructure/cache TTL-map pattern.
package fxrate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/r3e-network/acquiring-gateway/internal/platform/cache"
	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
)

// Provider fetches a live exchange rate from an upstream source (e.g. a
// central bank feed or a commercial FX API).
type Provider interface {
	FetchRate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

const rateTTL = time.Hour

// Service converts amounts between currencies.
type Service struct {
	cache    *cache.Cache
	provider Provider
}

func New(c *cache.Cache, provider Provider) *Service {
	return &Service{cache: c, provider: provider}
}

func rateCacheKey(base, quote string) string { return "fxrate:" + base + ":" + quote }

// Rate resolves the current base->quote rate, per spec 4.M's lookup
// order: same-currency short-circuit, then cache, then provider
// (refreshing the cache), then a stale cache entry as a last resort.
func (s *Service) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	if base == quote {
		return decimal.NewFromInt(1), nil
	}

	key := rateCacheKey(base, quote)
	if v, fresh := s.cache.Get(key); fresh {
		return v.(decimal.Decimal), nil
	}

	rate, err := s.provider.FetchRate(ctx, base, quote)
	if err == nil {
		s.cache.Set(key, rate, rateTTL)
		return rate, nil
	}

	if stale, _, present := s.cache.GetStale(key); present {
		return stale.(decimal.Decimal), nil
	}

	return decimal.Zero, gwerrors.Transient("FX_RATE_UNAVAILABLE", "no live or cached rate for "+base+"->"+quote, err)
}

// Convert converts amount from base to quote, rounding half-up to two
// decimal places (spec 4.M: round_half_up(amount*rate, 2)).
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, base, quote string) (decimal.Decimal, decimal.Decimal, error) {
	rate, err := s.Rate(ctx, base, quote)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	converted := amount.Mul(rate).Round(2)
	return converted, rate, nil
}
