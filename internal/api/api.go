// Package api implements the merchant-facing HTTP surface (spec section
// 6): payment authorization, capture/void/refund, lookup, and the 3-D
// Secure ACS completion callback. Routing follows the teacher's
// gorilla/mux cmd/gateway pattern; request/response envelopes and error
// mapping are this package's own, grounded on internal/platform/httpmw.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/r3e-network/acquiring-gateway/internal/authsaga"
	"github.com/r3e-network/acquiring-gateway/internal/platform/authmw"
	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
	"github.com/r3e-network/acquiring-gateway/internal/platform/httpmw"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
	"github.com/r3e-network/acquiring-gateway/internal/platform/metrics"
	"github.com/r3e-network/acquiring-gateway/internal/payment"
	"github.com/r3e-network/acquiring-gateway/internal/threeds"
)

// API wires the authorization saga into HTTP handlers.
type API struct {
	saga    *authsaga.Saga
	repo    *payment.Repository
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func New(saga *authsaga.Saga, repo *payment.Repository, logger *logging.Logger, m *metrics.Metrics) *API {
	return &API{saga: saga, repo: repo, logger: logger, metrics: m}
}

// Register mounts every route under /api/v1 on router (already wrapped
// with the merchant-auth middleware by the caller).
func (a *API) Register(router *mux.Router) {
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/payments", a.createPayment).Methods(http.MethodPost)
	v1.HandleFunc("/payments", a.listPayments).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{id}", a.getPayment).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{id}/capture", a.capture).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id}/void", a.void).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id}/refund", a.refund).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id}/3ds-complete", a.completeChallenge).Methods(http.MethodPost)
}

// ---------------------------------------------------------------------
// request/response DTOs (spec section 6, "illustrative surface")
// ---------------------------------------------------------------------

type cardDTO struct {
	Number   string `json:"number"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	CVV      string `json:"cvv"`
}

type billingDTO struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

type createPaymentRequest struct {
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Card        cardDTO    `json:"card"`
	Billing     billingDTO `json:"billing"`
	Description string     `json:"description,omitempty"`
	ReferenceID string     `json:"reference_id,omitempty"`
}

type paymentResponse struct {
	PaymentID          string  `json:"payment_id"`
	Status             string  `json:"status"`
	Amount             string  `json:"amount"`
	Currency           string  `json:"currency"`
	CardLastFour       string  `json:"card_last_four,omitempty"`
	CardBrand          string  `json:"card_brand,omitempty"`
	CreatedAt          string  `json:"created_at"`
	AuthorizedAt       *string `json:"authorized_at,omitempty"`
	RequiresChallenge  bool    `json:"requires_challenge,omitempty"`
	ChallengeSessionID string  `json:"challenge_session_id,omitempty"`
	ChallengeACSURL    string  `json:"challenge_acs_url,omitempty"`
}

func toPaymentResponse(p *payment.Payment) paymentResponse {
	resp := paymentResponse{
		PaymentID: p.ID, Status: string(p.Status), Amount: p.Amount.String(), Currency: p.Currency,
		CardLastFour: p.CardLastFour, CardBrand: p.CardBrand, CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
	if p.AuthorizedAt != nil {
		s := p.AuthorizedAt.Format(time.RFC3339)
		resp.AuthorizedAt = &s
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------
// handlers
// ---------------------------------------------------------------------

func (a *API) createPayment(w http.ResponseWriter, r *http.Request) {
	merchantID, idemKey, ok := a.requireMerchantAndIdemKey(w, r)
	if !ok {
		return
	}

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.WriteError(w, gwerrors.Validation("MALFORMED_BODY", "request body is not valid JSON"))
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpmw.WriteError(w, gwerrors.Validation("INVALID_AMOUNT", "amount must be a decimal string"))
		return
	}

	outcome, authErr := a.saga.Authorize(r.Context(), authsaga.AuthorizeRequest{
		MerchantID:     merchantID,
		IdempotencyKey: idemKey,
		PAN:            req.Card.Number,
		ExpMonth:       req.Card.ExpMonth,
		ExpYear:        req.Card.ExpYear,
		CVV:            req.Card.CVV,
		Amount:         amount,
		Currency:       req.Currency,
		Description:    req.Description,
		ReferenceID:    req.ReferenceID,
		Billing: payment.BillingAddress{
			Street: req.Billing.Street, City: req.Billing.City, State: req.Billing.State,
			Zip: req.Billing.Zip, Country: req.Billing.Country,
		},
		IP:          clientIP(r),
		DeviceID:    r.Header.Get("X-Device-ID"),
		UserAgent:   r.UserAgent(),
		BrowserInfo: browserInfoFrom(r),
	})
	a.recordOutcome(authErr)

	if authErr != nil && outcome == nil {
		httpmw.WriteError(w, authErr)
		return
	}

	resp := toPaymentResponse(outcome.Payment)
	status := http.StatusCreated
	switch {
	case outcome.RequiresChallenge:
		resp.RequiresChallenge = true
		resp.ChallengeSessionID = outcome.ChallengeSessionID
		resp.ChallengeACSURL = outcome.ChallengeACSURL
		status = http.StatusOK
	case authErr != nil:
		httpmw.WriteError(w, authErr)
		return
	}
	writeJSON(w, status, resp)
}

type completeChallengeRequest struct {
	SessionID     string `json:"session_id"`
	Authenticated bool   `json:"authenticated"`
}

func (a *API) completeChallenge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req completeChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpmw.WriteError(w, gwerrors.Validation("MALFORMED_BODY", "request body is not valid JSON"))
		return
	}
	outcome, err := a.saga.CompleteChallenge(r.Context(), id, req.SessionID, req.Authenticated)
	if err != nil {
		httpmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(outcome.Payment))
}

func (a *API) capture(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	idemKey, ok := a.requireIdemKey(w, r)
	if !ok {
		return
	}
	var body struct {
		Amount string `json:"amount"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	p, lookupErr := a.repo.Get(r.Context(), id)
	if lookupErr != nil {
		httpmw.WriteError(w, lookupErr)
		return
	}
	amount := p.Amount
	if body.Amount != "" {
		parsed, err := decimal.NewFromString(body.Amount)
		if err != nil {
			httpmw.WriteError(w, gwerrors.Validation("INVALID_AMOUNT", "amount must be a decimal string"))
			return
		}
		amount = parsed
	}

	updated, err := a.saga.Capture(r.Context(), id, idemKey, amount)
	if err != nil {
		httpmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(updated))
}

func (a *API) void(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	idemKey, ok := a.requireIdemKey(w, r)
	if !ok {
		return
	}
	updated, err := a.saga.Void(r.Context(), id, idemKey)
	if err != nil {
		httpmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(updated))
}

func (a *API) refund(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	idemKey, ok := a.requireIdemKey(w, r)
	if !ok {
		return
	}
	var body struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Amount == "" {
		httpmw.WriteError(w, gwerrors.Validation("MISSING_AMOUNT", "refund requires an amount"))
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		httpmw.WriteError(w, gwerrors.Validation("INVALID_AMOUNT", "amount must be a decimal string"))
		return
	}
	updated, err := a.saga.Refund(r.Context(), id, idemKey, amount)
	if err != nil {
		httpmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(updated))
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := a.repo.Get(r.Context(), id)
	if err != nil {
		httpmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (a *API) listPayments(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := requireMerchantID(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	payments, err := a.repo.ListByMerchant(r.Context(), merchantID, limit, offset)
	if err != nil {
		httpmw.WriteError(w, err)
		return
	}
	out := make([]paymentResponse, len(payments))
	for i, p := range payments {
		out[i] = toPaymentResponse(p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": out, "limit": limit, "offset": offset})
}

func (a *API) recordOutcome(err error) {
	if a.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(gwerrors.KindOf(err))
	}
	a.metrics.RecordSagaOutcome("authorize_payment", outcome)
}

// requireMerchantAndIdemKey extracts the authenticated merchant id and the
// required X-Idempotency-Key header (spec section 6), writing a 401/400
// response and returning ok=false if either is missing.
func (a *API) requireMerchantAndIdemKey(w http.ResponseWriter, r *http.Request) (merchantID, idemKey string, ok bool) {
	merchantID, ok = requireMerchantID(w, r)
	if !ok {
		return "", "", false
	}
	idemKey = r.Header.Get("X-Idempotency-Key")
	if idemKey == "" {
		httpmw.WriteError(w, gwerrors.Validation("MISSING_IDEMPOTENCY_KEY", "X-Idempotency-Key header is required"))
		return "", "", false
	}
	return merchantID, idemKey, true
}

// requireIdemKey extracts the required X-Idempotency-Key header for the
// single-step capture/void/refund operations (spec 4.G: "each guarded by
// its own idempotency key").
func (a *API) requireIdemKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	idemKey := r.Header.Get("X-Idempotency-Key")
	if idemKey == "" {
		httpmw.WriteError(w, gwerrors.Validation("MISSING_IDEMPOTENCY_KEY", "X-Idempotency-Key header is required"))
		return "", false
	}
	return idemKey, true
}

func requireMerchantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	merchantID, ok := authmw.MerchantIDFromContext(r.Context())
	if !ok {
		httpmw.WriteError(w, gwerrors.Unauthenticated("no authenticated merchant in context"))
		return "", false
	}
	return merchantID, true
}

func browserInfoFrom(r *http.Request) threeds.BrowserInfo {
	return threeds.BrowserInfo{UserAgent: r.UserAgent(), AcceptHeader: r.Header.Get("Accept")}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
