// Package webhook implements merchant webhook delivery (spec 4.L): HMAC
// signing, resty-based delivery, and a cron-scheduled retry drain,
// grounded on the teacher's go-resty PSP clients and
// infrastructure/resilience backoff config.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
)

// DeliveryStatus mirrors the WebhookDelivery state machine (spec 4.L).
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED" // exhausted all attempts
)

// maxAttempts and the backoff curve are exact per spec 4.L:
// delay = min(60 * 2^(attempt-1), 3600) seconds, up to 5 attempts.
const (
	maxAttempts  = 5
	baseDelay    = 60 * time.Second
	maxDelay     = 3600 * time.Second
)

// NextDelay returns the backoff delay before the given (1-indexed)
// attempt, per spec 4.L's exact formula.
func NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Delivery is the persisted WebhookDelivery record (spec section 3).
type Delivery struct {
	ID          string
	MerchantID  string
	URL         string
	EventKind   string
	Payload     json.RawMessage
	Status      DeliveryStatus
	Attempts    int
	NextAttempt time.Time
	LastError   string
	CreatedAt   time.Time
}

// Signer computes the HMAC-SHA256 signature over a delivery payload
// (spec 4.L / invariant 15).
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an inbound signature in constant time — used by merchants
// replaying the algorithm, and by the gateway's own tests.
func Verify(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Store persists WebhookDelivery records across attempts.
type Store interface {
	Save(ctx context.Context, d *Delivery) error
	DuePending(ctx context.Context, before time.Time, limit int) ([]*Delivery, error)
}

// Dispatcher sends webhook deliveries and records outcomes.
type Dispatcher struct {
	client *resty.Client
	store  Store
}

func NewDispatcher(store Store) *Dispatcher {
	client := resty.New().
		SetTimeout(10 * time.Second)
	return &Dispatcher{client: client, store: store}
}

// Enqueue creates a new PENDING delivery for immediate first attempt.
func (d *Dispatcher) Enqueue(ctx context.Context, merchantID, url, eventKind string, payload json.RawMessage) (*Delivery, error) {
	delivery := &Delivery{
		ID:          uuid.NewString(),
		MerchantID:  merchantID,
		URL:         url,
		EventKind:   eventKind,
		Payload:     payload,
		Status:      DeliveryPending,
		NextAttempt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.store.Save(ctx, delivery); err != nil {
		return nil, gwerrors.Transient("WEBHOOK_ENQUEUE_FAILED", err.Error(), err)
	}
	return delivery, nil
}

// Attempt performs one delivery attempt, updating the delivery's status
// and scheduling the next attempt on failure (spec 4.L).
func (d *Dispatcher) Attempt(ctx context.Context, secret string, delivery *Delivery) error {
	delivery.Attempts++
	signature := Sign(secret, delivery.Payload)

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Webhook-Signature", signature).
		SetHeader("X-Webhook-Event-Type", delivery.EventKind).
		SetHeader("X-Webhook-Delivery-Id", delivery.ID).
		SetHeader("X-Webhook-Attempt", fmt.Sprintf("%d", delivery.Attempts)).
		SetBody(delivery.Payload).
		Post(delivery.URL)

	if err != nil {
		return d.recordFailure(ctx, delivery, err.Error())
	}
	if resp.StatusCode() >= 200 && resp.StatusCode() < 300 {
		delivery.Status = DeliveryDelivered
		delivery.LastError = ""
		return d.store.Save(ctx, delivery)
	}
	return d.recordFailure(ctx, delivery, fmt.Sprintf("merchant endpoint returned status %d", resp.StatusCode()))
}

func (d *Dispatcher) recordFailure(ctx context.Context, delivery *Delivery, reason string) error {
	delivery.LastError = reason
	if delivery.Attempts >= maxAttempts {
		delivery.Status = DeliveryFailed
	} else {
		delivery.Status = DeliveryPending
		delivery.NextAttempt = time.Now().UTC().Add(NextDelay(delivery.Attempts))
	}
	if err := d.store.Save(ctx, delivery); err != nil {
		return gwerrors.Transient("WEBHOOK_STATE_SAVE_FAILED", err.Error(), err)
	}
	return nil
}

// Drain processes every PENDING delivery whose NextAttempt has elapsed.
// The cron-scheduled background worker (cmd/worker) calls this on a
// >=60s cadence, per spec 4.L.
func (d *Dispatcher) Drain(ctx context.Context, secretFor func(merchantID string) string, batchSize int) (processed int, err error) {
	due, err := d.store.DuePending(ctx, time.Now().UTC(), batchSize)
	if err != nil {
		return 0, gwerrors.Transient("WEBHOOK_DRAIN_LOOKUP_FAILED", err.Error(), err)
	}
	for _, delivery := range due {
		secret := secretFor(delivery.MerchantID)
		if attemptErr := d.Attempt(ctx, secret, delivery); attemptErr != nil {
			continue // the failure is already persisted on the delivery record
		}
		processed++
	}
	return processed, nil
}
