package psp

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// AdyenClient is the second illustrative PSPClient variant (spec's
// "STRIPE, ADYEN, …" variant list).
type AdyenClient struct {
	http *resty.Client
}

func NewAdyenClient(baseURL string, timeout time.Duration) *AdyenClient {
	return &AdyenClient{http: resty.New().SetBaseURL(baseURL).SetTimeout(timeout)}
}

func (c *AdyenClient) Name() string { return "adyen" }

func (c *AdyenClient) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	var body struct {
		PspReference  string `json:"pspReference"`
		ResultCode    string `json:"resultCode"`
		RefusalReason string `json:"refusalReason"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"tokenId":  req.TokenID,
			"amount":   req.Amount.String(),
			"currency": req.Currency,
			"cavv":     req.CAVV,
			"eci":      req.ECI,
		}).
		SetResult(&body).
		Post("/v68/payments")

	if err != nil {
		return AuthorizeResult{}, &ClientError{Kind: ErrRetryable, Message: "adyen transport error", Cause: err}
	}
	if resp.StatusCode() >= 500 {
		return AuthorizeResult{}, &ClientError{Kind: ErrRetryable, Message: fmt.Sprintf("adyen server error %d", resp.StatusCode())}
	}
	if body.ResultCode == "Refused" {
		return AuthorizeResult{}, &ClientError{Kind: ErrDeclined, Message: body.RefusalReason}
	}
	if resp.StatusCode() >= 400 {
		return AuthorizeResult{}, &ClientError{Kind: ErrTerminal, Message: fmt.Sprintf("adyen client error %d", resp.StatusCode())}
	}
	return AuthorizeResult{PSPTransactionID: "adyen_" + body.PspReference}, nil
}

func (c *AdyenClient) Capture(ctx context.Context, pspTransactionID string, amount decimal.Decimal) error {
	_, err := c.http.R().SetContext(ctx).SetBody(map[string]interface{}{"amount": amount.String()}).
		Post(fmt.Sprintf("/v68/payments/%s/captures", pspTransactionID))
	return wrapTransportErr(err)
}

func (c *AdyenClient) Void(ctx context.Context, pspTransactionID string) error {
	_, err := c.http.R().SetContext(ctx).Post(fmt.Sprintf("/v68/payments/%s/cancels", pspTransactionID))
	return wrapTransportErr(err)
}

func (c *AdyenClient) Refund(ctx context.Context, pspTransactionID string, amount decimal.Decimal) error {
	_, err := c.http.R().SetContext(ctx).SetBody(map[string]interface{}{"amount": amount.String()}).
		Post(fmt.Sprintf("/v68/payments/%s/refunds", pspTransactionID))
	return wrapTransportErr(err)
}
