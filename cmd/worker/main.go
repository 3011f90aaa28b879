// Command worker runs the gateway's background processing: the webhook
// delivery drain (spec 4.L), the payment-event-to-webhook bridge (spec
// 4.J), and periodic dead-letter/circuit-breaker reporting (spec 4.D).
// Scheduling follows the teacher's cron-based worker pattern, adapted to
// robfig/cron/v3.
package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"

	"github.com/r3e-network/acquiring-gateway/internal/degradation"
	"github.com/r3e-network/acquiring-gateway/internal/events"
	"github.com/r3e-network/acquiring-gateway/internal/platform/config"
	gwdb "github.com/r3e-network/acquiring-gateway/internal/platform/db"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
	"github.com/r3e-network/acquiring-gateway/internal/platform/resilience"
	"github.com/r3e-network/acquiring-gateway/internal/retry"
	"github.com/r3e-network/acquiring-gateway/internal/webhook"
)

// merchantWebhookConfig is one merchant's webhook endpoint and signing
// secret. The map below is an illustrative static directory; production
// wiring resolves this from the merchant configuration store instead.
type merchantWebhookConfig struct {
	URL    string
	Secret string
}

func main() {
	cfg, err := config.Load("config/defaults.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NewFromEnv("worker")

	dbx, err := gwdb.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer dbx.Close()
	base := gwdb.NewBaseStore(dbx)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		log.Fatalf("init jetstream: %v", err)
	}

	webhookStore := webhook.NewPostgresStore(base)
	dispatcher := webhook.NewDispatcher(webhookStore)
	degradationCtl := degradation.New()

	merchantWebhooks := map[string]merchantWebhookConfig{}
	secretFor := func(merchantID string) string { return merchantWebhooks[merchantID].Secret }

	breakers := resilience.NewRegistry(resilience.DefaultConfig(), logger)
	dlq := retry.NewMemDLQ()

	// Bridge payment domain events to merchant webhook deliveries (spec
	// 4.J -> 4.L). When the webhook store is unreachable the enqueue is
	// held in the degradation controller's buffer instead of dropped,
	// and replayed by the cron drain below once the store recovers.
	consumer := events.NewConsumer(nil, rdb, "webhook-bridge-"+cfg.NATS.DurableSuffix, nil, logger)
	handler := func(ctx context.Context, env *events.Envelope) error {
		if env.Payload.MerchantID == "" {
			return nil // nothing to route; not a delivery failure
		}
		mw, ok := merchantWebhooks[env.Payload.MerchantID]
		if !ok || mw.URL == "" {
			return nil // merchant has no webhook endpoint configured
		}
		payloadBytes, err := json.Marshal(env.Payload)
		if err != nil {
			return nil // malformed payload: nothing sensible to deliver
		}
		if _, err := dispatcher.Enqueue(ctx, env.Payload.MerchantID, mw.URL, string(env.EventType), payloadBytes); err != nil {
			if raw, marshalErr := json.Marshal(env); marshalErr == nil {
				degradationCtl.BufferForEventBus(mw.URL, raw)
			}
			return err
		}
		degradationCtl.MarkHealthy("webhook_store")
		return nil
	}

	sub, err := js.Subscribe("PAYMENT_EVENTS.>", func(msg *nats.Msg) {
		ctx := context.Background()
		if err := consumer.HandleMessage(ctx, msg, handler); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("event-to-webhook bridge failed")
		}
	}, nats.Durable("webhook-bridge-"+cfg.NATS.DurableSuffix), nats.ManualAck())
	if err != nil {
		log.Fatalf("subscribe to payment events: %v", err)
	}
	defer sub.Unsubscribe()

	c := cron.New()

	if _, err := c.AddFunc("@every 60s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		processed, err := dispatcher.Drain(ctx, secretFor, 100)
		if err != nil {
			logger.WithContext(ctx).WithError(err).Warn("webhook drain failed")
			return
		}
		if processed > 0 {
			logger.WithFields(map[string]interface{}{"processed": processed}).Info("webhook drain completed")
		}
	}); err != nil {
		log.Fatalf("schedule webhook drain: %v", err)
	}

	if _, err := c.AddFunc("@every 60s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		drained, failed := degradationCtl.DrainBuffered(ctx, func(ctx context.Context, subject string, payload []byte) error {
			var env events.Envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				return nil // malformed entry: drop rather than retry forever
			}
			return handler(ctx, &env)
		})
		if drained > 0 || failed > 0 {
			logger.WithFields(map[string]interface{}{"drained": drained, "failed": failed}).Info("degradation buffer drain")
		}
	}); err != nil {
		log.Fatalf("schedule degradation buffer drain: %v", err)
	}

	if _, err := c.AddFunc("@every 30s", func() {
		for _, name := range []string{"stripe", "adyen"} {
			b := breakers.Get(name)
			logger.WithFields(map[string]interface{}{"psp": name, "state": b.State().String()}).Debug("circuit breaker state")
		}
		entries, err := dlq.List(context.Background())
		if err != nil {
			return
		}
		if len(entries) > 0 {
			logger.WithFields(map[string]interface{}{"count": len(entries)}).Warn("dead-letter queue has pending entries")
		}
	}); err != nil {
		log.Fatalf("schedule dlq/circuit reporting: %v", err)
	}

	c.Start()
	defer c.Stop()

	log.Println("worker running")
	select {}
}
