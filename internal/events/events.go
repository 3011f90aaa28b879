// Package events implements the event pipeline (spec 4.J): an idempotent
// NATS JetStream producer that publishes each event on a subject named
// after its kind (subjects are not keyed by payment id), and a consumer with
// per-consumer-group manual acknowledgement and Redis-backed dedup
// markers, grounded on the teacher's JetStreamPublisher seam in
// services/neoindexer/marble/service.go.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
	"github.com/r3e-network/acquiring-gateway/internal/payment"
)

// Kind enumerates the event types the pipeline emits (spec section 3 /
// 4.J).
type Kind string

const (
	KindPaymentCreated    Kind = "payment.created"
	KindPaymentAuthorized Kind = "payment.authorized"
	KindPaymentDeclined   Kind = "payment.declined"
	KindPaymentCaptured   Kind = "payment.captured"
	KindPaymentCancelled  Kind = "payment.cancelled"
	KindPaymentRefunded   Kind = "payment.refunded"
	KindPaymentFailed     Kind = "payment.failed"
)

// streamName is the single JetStream stream the gateway publishes to;
// individual event kinds are NATS subjects under it. Subjects carry the
// event kind only, so the stream is not partitioned by payment id; the
// payment id travels in the payload and as the correlation id.
const streamName = "PAYMENT_EVENTS"

// Payload is the domain body every envelope carries (spec 4.J's declared
// message shape). Optional fields are omitted when the emitting step has
// nothing to report (e.g. a CREATED event has no psp_transaction_id yet).
type Payload struct {
	PaymentID        string   `json:"payment_id"`
	MerchantID       string   `json:"merchant_id"`
	Amount           string   `json:"amount"`
	Currency         string   `json:"currency"`
	Status           string   `json:"status"`
	PSPTransactionID string   `json:"psp_transaction_id,omitempty"`
	FraudScore       *float64 `json:"fraud_score,omitempty"`
	ThreeDSStatus    string   `json:"three_ds_status,omitempty"`
}

// Envelope is the wire schema every published event must satisfy (spec
// 4.J invariant: schema-validated messages).
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     Kind      `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	TraceID       string    `json:"trace_id"`
	Payload       Payload   `json:"payload"`
}

func (e *Envelope) validate() error {
	if e.EventID == "" {
		return gwerrors.Validation("MISSING_EVENT_ID", "event_id is required")
	}
	if e.EventType == "" {
		return gwerrors.Validation("MISSING_EVENT_TYPE", "event_type is required")
	}
	if e.Timestamp.IsZero() {
		return gwerrors.Validation("MISSING_TIMESTAMP", "timestamp is required")
	}
	if e.CorrelationID == "" {
		return gwerrors.Validation("MISSING_CORRELATION_ID", "correlation_id is required")
	}
	if e.Payload.PaymentID == "" {
		return gwerrors.Validation("MISSING_PAYMENT_ID", "payload.payment_id is required")
	}
	if e.Payload.MerchantID == "" {
		return gwerrors.Validation("MISSING_MERCHANT_ID", "payload.merchant_id is required")
	}
	if e.Payload.Amount == "" {
		return gwerrors.Validation("MISSING_AMOUNT", "payload.amount is required")
	}
	if e.Payload.Currency == "" {
		return gwerrors.Validation("MISSING_CURRENCY", "payload.currency is required")
	}
	if e.Payload.Status == "" {
		return gwerrors.Validation("MISSING_STATUS", "payload.status is required")
	}
	return nil
}

func subjectFor(kind Kind) string {
	return streamName + "." + string(kind)
}

// JetStreamPublisher is the narrow seam the producer depends on, so tests
// can substitute an in-memory fake rather than a live NATS connection.
type JetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Producer publishes payment domain events idempotently: the JetStream
// Nats-Msg-Id header lets the broker de-duplicate retried publishes
// server-side.
type Producer struct {
	js     JetStreamPublisher
	logger *logging.Logger
}

func NewProducer(js JetStreamPublisher, logger *logging.Logger) *Producer {
	return &Producer{js: js, logger: logger}
}

// Publish emits an event, retrying transient NATS errors with exponential
// backoff (spec 4.J: "producer retries are backoff-wrapped"). The
// correlation id ties every event for one payment together; the trace id
// (when present on ctx) ties the event back to the originating request.
func (p *Producer) Publish(ctx context.Context, kind Kind, paymentID string, data Payload) error {
	data.PaymentID = paymentID
	env := &Envelope{
		EventID:       payment.NewEventID(),
		EventType:     kind,
		Timestamp:     time.Now().UTC(),
		CorrelationID: paymentID,
		TraceID:       logging.GetTraceID(ctx),
		Payload:       data,
	}
	if err := env.validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return gwerrors.Internal("EVENT_ENVELOPE_MARSHAL_FAILED", err)
	}

	op := func() error {
		_, err := p.js.Publish(subjectFor(kind), payload,
			nats.MsgId(env.EventID),
		)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if p.logger != nil {
			p.logger.WithFields(map[string]interface{}{"payment_id": paymentID, "kind": kind}).WithError(err).Error("event publish exhausted retries")
		}
		return gwerrors.Transient("EVENT_PUBLISH_FAILED", err.Error(), err)
	}
	return nil
}

// Handler processes one event; returning an error leaves the message
// unacked so JetStream redelivers it.
type Handler func(ctx context.Context, env *Envelope) error

// dedupTTL is the processed-marker lifetime (spec 9's Open Question,
// resolved: 7 days).
const dedupTTL = 7 * 24 * time.Hour

// Consumer reads from a durable JetStream consumer, manually acking only
// after the handler succeeds and the dedup marker is set. Messages that
// fail to decode or validate are published to the dead-letter subject and
// acked; a handler failure is nacked for redelivery and is not
// dead-lettered.
type Consumer struct {
	sub    *nats.Subscription
	rdb    *redis.Client
	group  string
	logger *logging.Logger
	dlq    JetStreamPublisher
}

func NewConsumer(sub *nats.Subscription, rdb *redis.Client, group string, dlq JetStreamPublisher, logger *logging.Logger) *Consumer {
	return &Consumer{sub: sub, rdb: rdb, group: group, dlq: dlq, logger: logger}
}

func (c *Consumer) processedKey(eventID string) string {
	return "processed:" + c.group + ":" + eventID
}

// HandleMessage applies handler to msg exactly once per consumer group,
// acking on success (or on a duplicate already marked processed) and
// nacking on failure so JetStream redelivers.
func (c *Consumer) HandleMessage(ctx context.Context, msg *nats.Msg, handler Handler) error {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		_ = c.deadLetter(ctx, msg.Data, err)
		return msg.Ack()
	}
	if err := env.validate(); err != nil {
		_ = c.deadLetter(ctx, msg.Data, err)
		return msg.Ack()
	}

	key := c.processedKey(env.EventID)
	if c.rdb != nil {
		set, err := c.rdb.SetNX(ctx, key, 1, dedupTTL).Result()
		if err == nil && !set {
			return msg.Ack() // already processed by this consumer group
		}
	}

	if err := handler(ctx, &env); err != nil {
		if c.logger != nil {
			c.logger.WithFields(map[string]interface{}{"event_id": env.EventID, "kind": env.EventType}).WithError(err).Warn("event handler failed, will redeliver")
		}
		if c.rdb != nil {
			c.rdb.Del(ctx, key)
		}
		return msg.Nak()
	}
	return msg.Ack()
}

func (c *Consumer) deadLetter(ctx context.Context, payload []byte, cause error) error {
	if c.dlq == nil {
		return nil
	}
	_, err := c.dlq.Publish(streamName+".dead_letter", payload)
	if c.logger != nil {
		c.logger.WithFields(map[string]interface{}{"cause": cause.Error()}).Warn("event sent to dead letter subject")
	}
	return err
}
