package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	published []publishedMsg
	failTimes int
}

type publishedMsg struct {
	subject string
	data    []byte
}

func (f *fakePublisher) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if f.failTimes > 0 {
		f.failTimes--
		return nil, assertErr{}
	}
	f.published = append(f.published, publishedMsg{subject: subj, data: data})
	return &nats.PubAck{}, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "transient publish error" }

func TestProducerPublishesValidEnvelope(t *testing.T) {
	fp := &fakePublisher{}
	p := NewProducer(fp, nil)
	err := p.Publish(context.Background(), KindPaymentCreated, "pay_123", Payload{
		MerchantID: "merch_1", Amount: "10.00", Currency: "USD", Status: "PENDING",
	})
	require.NoError(t, err)
	require.Len(t, fp.published, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(fp.published[0].data, &env))
	assert.Equal(t, KindPaymentCreated, env.EventType)
	assert.Equal(t, "pay_123", env.Payload.PaymentID)
	assert.Equal(t, "pay_123", env.CorrelationID)
	assert.NotEmpty(t, env.EventID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestProducerRetriesTransientFailures(t *testing.T) {
	fp := &fakePublisher{failTimes: 2}
	p := NewProducer(fp, nil)
	err := p.Publish(context.Background(), KindPaymentCaptured, "pay_456", Payload{
		MerchantID: "merch_1", Amount: "5.00", Currency: "USD", Status: "CAPTURED",
	})
	require.NoError(t, err)
	assert.Len(t, fp.published, 1)
}

func newTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestConsumerDedupsByEventID(t *testing.T) {
	rdb := newTestRedis(t)
	c := NewConsumer(nil, rdb, "webhook-dispatch", nil, nil)

	env := &Envelope{EventID: "evt_dup", EventType: KindPaymentCaptured, Payload: Payload{PaymentID: "pay_1"}}

	// The first SetNX for the key succeeds (the event is marked processed).
	key := c.processedKey(env.EventID)
	set, err := rdb.SetNX(context.Background(), key, 1, dedupTTL).Result()
	require.NoError(t, err)
	assert.True(t, set)

	// Second SetNX for the same key must fail (already processed).
	set2, err := rdb.SetNX(context.Background(), key, 1, dedupTTL).Result()
	require.NoError(t, err)
	assert.False(t, set2)
}

func TestEnvelopeValidationRejectsMissingFields(t *testing.T) {
	env := &Envelope{}
	assert.Error(t, env.validate())
}

func TestEnvelopeValidationAcceptsFullEnvelope(t *testing.T) {
	env := &Envelope{
		EventID: "evt_1", EventType: KindPaymentAuthorized, Timestamp: time.Now().UTC(), CorrelationID: "pay_1",
		Payload: Payload{PaymentID: "pay_1", MerchantID: "merch_1", Amount: "10.00", Currency: "USD", Status: "AUTHORIZED"},
	}
	assert.NoError(t, env.validate())
}
