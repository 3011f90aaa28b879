// Package psp implements the PSP router (spec 4.E): priority-ordered
// selection among configured payment service providers, routed through the
// retry engine's circuit breaker (4.D), classifying provider responses into
// retryable / terminal / decline outcomes.
package psp

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
	"github.com/r3e-network/acquiring-gateway/internal/platform/resilience"
	"github.com/r3e-network/acquiring-gateway/internal/retry"
)

// AuthorizeRequest carries everything a PSP needs to authorize a payment.
type AuthorizeRequest struct {
	TransactionID string
	TokenID       string
	Amount        decimal.Decimal
	Currency      string
	CAVV          string
	ECI           string
}

// AuthorizeResult is the outcome of a PSP authorize call.
type AuthorizeResult struct {
	PSPTransactionID string
	Declined         bool
	DeclineReason    string
}

// ErrKind classifies a PSP call failure per spec 4.D.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrRetryable
	ErrTerminal
	ErrDeclined
)

// ClientError is returned by PSPClient methods to carry ErrKind alongside
// the underlying message, letting the router classify failures without
// string-sniffing.
type ClientError struct {
	Kind    ErrKind
	Message string
	Cause   error
}

func (e *ClientError) Error() string { return e.Message }
func (e *ClientError) Unwrap() error { return e.Cause }

// PSPClient is the polymorphic capability interface spec section 9
// prescribes in place of inheritance: STRIPE, ADYEN, … are variants.
type PSPClient interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error)
	Capture(ctx context.Context, pspTransactionID string, amount decimal.Decimal) error
	Void(ctx context.Context, pspTransactionID string) error
	Refund(ctx context.Context, pspTransactionID string, amount decimal.Decimal) error
}

// MerchantConfig lists a merchant's configured PSPs ordered by ascending
// priority (spec 4.E "priority-ordered selection").
type MerchantConfig struct {
	PSPsByPriority []string // PSP names, e.g. ["stripe", "adyen"]
}

// Router selects among PSPClient implementations, applying the retry
// engine's per-PSP circuit breaker and failure classification.
type Router struct {
	clients  map[string]PSPClient
	breakers *resilience.Registry
	retryCfg resilience.RetryConfig
	dlq      retry.DLQ
	logger   *logging.Logger
}

func NewRouter(clients map[string]PSPClient, breakers *resilience.Registry, retryCfg resilience.RetryConfig, dlq retry.DLQ, logger *logging.Logger) *Router {
	return &Router{clients: clients, breakers: breakers, retryCfg: retryCfg, dlq: dlq, logger: logger}
}

// Authorize walks merchant's configured PSPs in priority order. A decline
// short-circuits immediately (not retried across PSPs); retryable and
// terminal provider errors advance to the next PSP; if all PSPs fail, the
// last provider error, retryable or terminal (or a synthetic
// NO_PSP_AVAILABLE when no PSP was tried), is returned.
func (r *Router) Authorize(ctx context.Context, cfg MerchantConfig, req AuthorizeRequest) (AuthorizeResult, string, error) {
	var lastErr error

	for _, pspName := range cfg.PSPsByPriority {
		client, ok := r.clients[pspName]
		if !ok {
			continue
		}

		breaker := r.breakers.Get(pspName)
		if breaker.State() == resilience.StateOpen {
			continue // circuit open: skip without counting as a failure
		}

		var result AuthorizeResult
		callStart := time.Now()
		execErr := r.retryWithBreaker(ctx, breaker, func() error {
			res, err := client.Authorize(ctx, req)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
		r.logCall(ctx, pspName, "authorize", callStart, execErr)

		if execErr == nil {
			if result.Declined {
				return result, pspName, nil // decline is terminal-to-the-caller, not retried
			}
			return result, pspName, nil
		}

		var ce *ClientError
		if asClientError(execErr, &ce) {
			switch ce.Kind {
			case ErrDeclined:
				return AuthorizeResult{Declined: true, DeclineReason: ce.Message}, pspName, nil
			case ErrTerminal:
				lastErr = gwerrors.TerminalProvider("PSP_TERMINAL_ERROR", ce.Message, ce.Cause)
				continue
			default:
				lastErr = gwerrors.Transient("PSP_RETRYABLE_ERROR", ce.Message, ce.Cause)
				continue
			}
		}
		lastErr = gwerrors.Transient("PSP_ERROR", "psp call failed", execErr)
	}

	if lastErr != nil {
		return AuthorizeResult{}, "", lastErr
	}
	return AuthorizeResult{}, "", gwerrors.Transient("NO_PSP_AVAILABLE", "no psp available to authorize", nil)
}

// Capture/Void/Refund route back to the PSP that issued the original
// authorization, per spec 4.E.
func (r *Router) Capture(ctx context.Context, pspName, pspTransactionID string, amount decimal.Decimal) error {
	client, ok := r.clients[pspName]
	if !ok {
		return gwerrors.NotFound("psp_client", pspName)
	}
	breaker := r.breakers.Get(pspName)
	return r.retryWithBreaker(ctx, breaker, func() error { return client.Capture(ctx, pspTransactionID, amount) })
}

func (r *Router) Void(ctx context.Context, pspName, pspTransactionID string) error {
	client, ok := r.clients[pspName]
	if !ok {
		return gwerrors.NotFound("psp_client", pspName)
	}
	breaker := r.breakers.Get(pspName)
	return r.retryWithBreaker(ctx, breaker, func() error { return client.Void(ctx, pspTransactionID) })
}

func (r *Router) Refund(ctx context.Context, pspName, pspTransactionID string, amount decimal.Decimal) error {
	client, ok := r.clients[pspName]
	if !ok {
		return gwerrors.NotFound("psp_client", pspName)
	}
	breaker := r.breakers.Get(pspName)
	return r.retryWithBreaker(ctx, breaker, func() error { return client.Refund(ctx, pspTransactionID, amount) })
}

// retryWithBreaker wraps fn with both the per-PSP circuit breaker and the
// backoff retry loop, moving the task to the DLQ when attempts are
// exhausted on a retryable error (spec 4.D).
func (r *Router) retryWithBreaker(ctx context.Context, breaker *resilience.CircuitBreaker, fn func() error) error {
	attempt := 0
	err := resilience.Retry(ctx, r.retryCfg, func() error {
		attempt++
		cbErr := breaker.Execute(ctx, fn)
		if cbErr != nil {
			var ce *ClientError
			if asClientError(cbErr, &ce) && ce.Kind == ErrTerminal {
				return backoffPermanent(cbErr)
			}
			if asClientError(cbErr, &ce) && ce.Kind == ErrDeclined {
				return backoffPermanent(cbErr)
			}
		}
		return cbErr
	})

	if err != nil && r.dlq != nil && attempt >= r.retryCfg.MaxAttempts {
		_ = r.dlq.Enqueue(ctx, retry.Task{
			PSPName:       breaker.Name(),
			Attempt:       attempt,
			NextAttemptAt: time.Now(),
			LastError:     err.Error(),
		})
	}
	return err
}

func (r *Router) logCall(ctx context.Context, psp, op string, start time.Time, err error) {
	if r.logger != nil {
		r.logger.LogPSPCall(ctx, psp, op, time.Since(start), err)
	}
}

func asClientError(err error, out **ClientError) bool {
	return errors.As(err, out)
}

// backoffPermanent marks err so the retry engine (cenkalti/backoff/v4)
// stops immediately instead of continuing to back off, mirroring spec
// 4.D's "terminal failures short-circuit the retry loop".
func backoffPermanent(err error) error {
	return backoff.Permanent(err)
}
