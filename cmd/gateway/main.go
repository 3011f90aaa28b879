// Command gateway is the merchant-facing HTTP API entry point (spec
// section 6): it wires the authorization saga and every capability it
// depends on, then serves /api/v1/payments over gorilla/mux behind the
// platform middleware chain, mirroring the teacher's cmd/gateway
// mux/http.Server/signal-handling shape.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/acquiring-gateway/internal/api"
	"github.com/r3e-network/acquiring-gateway/internal/authsaga"
	"github.com/r3e-network/acquiring-gateway/internal/events"
	"github.com/r3e-network/acquiring-gateway/internal/fraud"
	"github.com/r3e-network/acquiring-gateway/internal/hsm"
	"github.com/r3e-network/acquiring-gateway/internal/idempotency"
	"github.com/r3e-network/acquiring-gateway/internal/payment"
	"github.com/r3e-network/acquiring-gateway/internal/platform/authmw"
	"github.com/r3e-network/acquiring-gateway/internal/platform/config"
	gwdb "github.com/r3e-network/acquiring-gateway/internal/platform/db"
	"github.com/r3e-network/acquiring-gateway/internal/platform/httpmw"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
	gwmetrics "github.com/r3e-network/acquiring-gateway/internal/platform/metrics"
	"github.com/r3e-network/acquiring-gateway/internal/platform/resilience"
	"github.com/r3e-network/acquiring-gateway/internal/psp"
	"github.com/r3e-network/acquiring-gateway/internal/retry"
	"github.com/r3e-network/acquiring-gateway/internal/threeds"
	"github.com/r3e-network/acquiring-gateway/internal/tokenization"
)

func main() {
	cfg, err := config.Load("config/defaults.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NewFromEnv("gateway")

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

	hsmSvc := hsm.New(logger)
	tokenSvc := tokenization.New(hsmSvc, tokenization.NewPostgresStore(base), logger)
	if err := tokenSvc.EnsureKey(context.Background()); err != nil {
		log.Fatalf("provision tokenization key: %v", err)
	}

	fraudSvc := fraud.New(rdb, fraud.NoopBlacklist{}, nil)
	threedsSvc := threeds.New(rdb, threeds.StaticDirectory{})

	breakers := resilience.NewRegistry(resilience.DefaultConfig(), logger)
	dlq := retry.NewMemDLQ()
	clients := map[string]psp.PSPClient{
		"stripe": psp.NewStripeClient(cfg.PSP.StripeBase, cfg.PSP.CallTimeout),
		"adyen":  psp.NewAdyenClient(cfg.PSP.AdyenBase, cfg.PSP.CallTimeout),
	}
	pspRouter := psp.NewRouter(clients, breakers, resilience.DefaultRetryConfig(), dlq, logger)

	idem := idempotency.New(rdb)
	producer := events.NewProducer(js, logger)
	paymentRepo := payment.NewRepository(base)

	// Every merchant routes through both configured PSPs, Stripe first;
	// a production deployment resolves this per-merchant from a config
	// store instead of a single static default.
	merchantPSPs := map[string]psp.MerchantConfig{
		"*": {PSPsByPriority: []string{"stripe", "adyen"}},
	}

	saga := authsaga.New(paymentRepo, tokenSvc, fraudSvc, threedsSvc, pspRouter, idem, producer, merchantPSPs, logger)

	metrics := gwmetrics.New("gateway")
	apiHandlers := api.New(saga, paymentRepo, logger, metrics)

	apiKeys := map[string]string{} // merchant API keys, resolved from env/config in production wiring
	authMiddleware := authmw.Middleware(cfg.Auth.JWTSigningKey, cfg.Auth.APIKeyHeader, func(_ context.Context, key string) (string, bool) {
		merchantID, ok := apiKeys[key]
		return merchantID, ok
	})

	httpRouter := mux.NewRouter()
	httpRouter.Use(httpmw.Recovery(logger))
	httpRouter.Use(httpmw.RequestLogging(logger))
	httpRouter.Use(metrics.HTTPMiddleware("gateway"))
	httpRouter.Use(httpmw.Timeout(cfg.Server.ReadTimeout))
	httpRouter.Use(httpmw.BodyLimit(cfg.Server.MaxBodyBytes))

	httpRouter.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	httpRouter.HandleFunc("/health", httpmw.HealthHandler(map[string]func() error{
		"database": func() error { return dbx.Ping() },
		"redis":    func() error { return rdb.Ping(context.Background()).Err() },
		"nats": func() error {
			if !nc.IsConnected() {
				return nc.LastError()
			}
			return nil
		},
	})).Methods(http.MethodGet)

	v1 := httpRouter.NewRoute().Subrouter()
	v1.Use(authMiddleware)
	apiHandlers.Register(v1)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("gateway listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
