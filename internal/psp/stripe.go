package psp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// StripeClient is an illustrative PSPClient variant over Stripe's REST
// surface, using go-resty/v2 for outbound HTTP (grounded on
// bugielektrik-library, which vendors resty for the same purpose).
type StripeClient struct {
	http    *resty.Client
	baseURL string
}

func NewStripeClient(baseURL string, timeout time.Duration) *StripeClient {
	client := resty.New().SetBaseURL(baseURL).SetTimeout(timeout)
	return &StripeClient{http: client, baseURL: baseURL}
}

func (c *StripeClient) Name() string { return "stripe" }

func (c *StripeClient) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	var body struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		DeclineMsg string `json:"decline_message"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"token_id": req.TokenID,
			"amount":   req.Amount.String(),
			"currency": req.Currency,
			"cavv":     req.CAVV,
			"eci":      req.ECI,
		}).
		SetResult(&body).
		Post("/v1/charges")

	if err != nil {
		return AuthorizeResult{}, &ClientError{Kind: ErrRetryable, Message: "stripe transport error", Cause: err}
	}
	if resp.StatusCode() >= 500 {
		return AuthorizeResult{}, &ClientError{Kind: ErrRetryable, Message: fmt.Sprintf("stripe server error %d", resp.StatusCode())}
	}
	if resp.StatusCode() == http.StatusPaymentRequired || body.Status == "declined" {
		return AuthorizeResult{}, &ClientError{Kind: ErrDeclined, Message: body.DeclineMsg}
	}
	if resp.StatusCode() >= 400 {
		return AuthorizeResult{}, &ClientError{Kind: ErrTerminal, Message: fmt.Sprintf("stripe client error %d", resp.StatusCode())}
	}
	return AuthorizeResult{PSPTransactionID: "stripe_" + body.ID}, nil
}

func (c *StripeClient) Capture(ctx context.Context, pspTransactionID string, amount decimal.Decimal) error {
	_, err := c.http.R().SetContext(ctx).SetBody(map[string]interface{}{"amount": amount.String()}).
		Post(fmt.Sprintf("/v1/charges/%s/capture", pspTransactionID))
	return wrapTransportErr(err)
}

func (c *StripeClient) Void(ctx context.Context, pspTransactionID string) error {
	_, err := c.http.R().SetContext(ctx).Post(fmt.Sprintf("/v1/charges/%s/void", pspTransactionID))
	return wrapTransportErr(err)
}

func (c *StripeClient) Refund(ctx context.Context, pspTransactionID string, amount decimal.Decimal) error {
	_, err := c.http.R().SetContext(ctx).SetBody(map[string]interface{}{"amount": amount.String()}).
		Post(fmt.Sprintf("/v1/charges/%s/refund", pspTransactionID))
	return wrapTransportErr(err)
}

func wrapTransportErr(err error) error {
	if err == nil {
		return nil
	}
	return &ClientError{Kind: ErrRetryable, Message: "psp transport error", Cause: err}
}
