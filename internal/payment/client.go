// Package payment wraps the customer-payments backend. Unlike auto-save,
// payment failures are always surfaced to the user with a retry affordance.
package payment

import (
	"context"
	"net/http"

	"github.com/taskfront/intake/internal/backend"
	"github.com/taskfront/intake/model"
)

// Operation ids the client depends on; verified against the service's
// OpenAPI spec at startup when one is configured.
var RequiredOperations = []string{
	"createCustomerPayment",
	"confirmCustomerPayment",
}

// Charge statuses returned by the processor.
const (
	StatusSucceeded      = "succeeded"
	StatusRequiresAction = "requires_action"
)

// ChargeRequest describes a payment for an activated work item.
type ChargeRequest struct {
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	ReceiptEmail    string `json:"receiptEmail"`
	PaymentMethodID string `json:"paymentMethodId"`
	Reference       string `json:"reference"`
	ReferenceID     string `json:"referenceId"`
	Description     string `json:"description"`
}

// ChargeResult is the processor's response. When Status is
// StatusRequiresAction the SPA must run additional authentication with
// ClientSecret and then call Confirm.
type ChargeResult struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Client calls the payments backend.
type Client struct {
	http *backend.Client
}

// NewClient creates a payments client on the shared backend plumbing.
func NewClient(http *backend.Client) *Client {
	return &Client{http: http}
}

// Charge creates a customer payment for the given work item reference.
func (c *Client) Charge(ctx context.Context, sess *model.Session, req ChargeRequest) (ChargeResult, error) {
	if req.Reference == "" {
		req.Reference = "project"
	}

	var result ChargeResult
	if _, err := c.http.JSON(ctx, sess, http.MethodPost, "/customer-payments", nil, req, &result); err != nil {
		return ChargeResult{}, declineError(err)
	}
	return result, nil
}

// Confirm completes a payment that required additional authentication.
func (c *Client) Confirm(ctx context.Context, sess *model.Session, paymentID string) (ChargeResult, error) {
	var result ChargeResult
	if _, err := c.http.JSON(ctx, sess, http.MethodPatch, "/customer-payments/"+paymentID+"/confirm", nil, nil, &result); err != nil {
		return ChargeResult{}, declineError(err)
	}
	return result, nil
}

// declineError keeps infrastructure errors intact but converts processor
// rejections into the user-visible decline envelope.
func declineError(err error) error {
	ee, ok := err.(*model.ErrorEnvelope)
	if !ok {
		return err
	}
	switch ee.Code {
	case model.ErrBackendUnavailable, model.ErrBackendTimeout:
		return ee
	default:
		return model.NewPaymentDeclinedError(ee.Message)
	}
}
