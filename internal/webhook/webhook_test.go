package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	payload := []byte(`{"event":"payment.captured"}`)
	sig := Sign("whsec_test", payload)
	assert.True(t, Verify("whsec_test", payload, sig))
	assert.False(t, Verify("whsec_test", payload, "deadbeef"))
}

func TestNextDelayFollowsExponentialCurveCappedAt3600(t *testing.T) {
	assert.Equal(t, 60*time.Second, NextDelay(1))
	assert.Equal(t, 120*time.Second, NextDelay(2))
	assert.Equal(t, 240*time.Second, NextDelay(3))
	assert.Equal(t, 480*time.Second, NextDelay(4))
	assert.Equal(t, 960*time.Second, NextDelay(5))
	assert.Equal(t, 3600*time.Second, NextDelay(10))
}

type memStore struct {
	mu        sync.Mutex
	deliveries map[string]*Delivery
}

func newMemStore() *memStore { return &memStore{deliveries: map[string]*Delivery{}} }

func (s *memStore) Save(ctx context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
	return nil
}

func (s *memStore) DuePending(ctx context.Context, before time.Time, limit int) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Delivery
	for _, d := range s.deliveries {
		if d.Status == DeliveryPending && !d.NextAttempt.After(before) {
			out = append(out, d)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func TestAttemptMarksDeliveredOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Webhook-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	d := NewDispatcher(store)
	delivery, err := d.Enqueue(context.Background(), "merch_1", srv.URL, "payment.captured", json.RawMessage(`{}`))
	require.NoError(t, err)

	err = d.Attempt(context.Background(), "whsec_test", delivery)
	require.NoError(t, err)
	assert.Equal(t, DeliveryDelivered, delivery.Status)
}

func TestAttemptSchedulesRetryOnFailureUntilMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newMemStore()
	d := NewDispatcher(store)
	delivery, err := d.Enqueue(context.Background(), "merch_1", srv.URL, "payment.captured", json.RawMessage(`{}`))
	require.NoError(t, err)

	for i := 0; i < maxAttempts; i++ {
		require.NoError(t, d.Attempt(context.Background(), "whsec_test", delivery))
	}
	assert.Equal(t, DeliveryFailed, delivery.Status)
	assert.Equal(t, maxAttempts, delivery.Attempts)
}
