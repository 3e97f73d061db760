package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/money"
	"github.com/vipul43/revsync-worker/internal/service"
)

const (
	pageSize = 100
	// renewalDescription is what Stripe puts on intents created by subscription invoices
	renewalDescription = "Subscription update"
)

// Client reads payment intents from a tenant's Stripe account.
// Amounts from Stripe are already in minor units.
type Client struct {
	backends *stripe.Backends
}

// NewClient uses Stripe's default API backend
func NewClient() *Client {
	return &Client{}
}

// NewClientWithURL points every request at baseURL, for tests against a fake Stripe
func NewClientWithURL(baseURL string, httpClient *http.Client) *Client {
	cfg := &stripe.BackendConfig{
		URL:               stripe.String(baseURL),
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	return &Client{backends: &stripe.Backends{API: backend, Connect: backend, Uploads: backend}}
}

// api builds a client per tenant key; keys are never shared between tenants
func (c *Client) api(apiKey string) *client.API {
	sc := &client.API{}
	sc.Init(apiKey, c.backends)
	return sc
}

// ValidateAPIKey reads the account balance, the cheapest authenticated call
func (c *Client) ValidateAPIKey(ctx context.Context, apiKey string) error {
	_, err := c.api(apiKey).Balance.Get(&stripe.BalanceParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return classifyError(err)
	}
	return nil
}

// ListPayments pages through payment intents created in [start, end]
func (c *Client) ListPayments(ctx context.Context, apiKey string, start, end time.Time, visit func(service.FetchedPayment) error) error {
	params := &stripe.PaymentIntentListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
			Limit:   stripe.Int64(pageSize),
		},
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: start.Unix(),
			LesserThanOrEqual:  end.Unix(),
		},
	}
	params.AddExpand("data.customer")
	params.AddExpand("data.latest_charge")

	iter := c.api(apiKey).PaymentIntents.List(params)
	for iter.Next() {
		if err := visit(mapPaymentIntent(iter.PaymentIntent())); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return classifyError(err)
	}
	return nil
}

// mapPaymentIntent converts a succeeded intent; anything else is skipped
func mapPaymentIntent(pi *stripe.PaymentIntent) service.FetchedPayment {
	out := service.FetchedPayment{ObjectID: pi.ID}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		out.Skip = true
		return out
	}
	if pi.Currency == "" {
		out.Err = fmt.Errorf("payment intent %s has no currency", pi.ID)
		return out
	}
	if pi.Created == 0 {
		out.Err = fmt.Errorf("payment intent %s has no created time", pi.ID)
		return out
	}

	in := service.PaymentInput{
		ProviderPaymentID: pi.ID,
		Amount:            money.FromMinor(pi.Amount),
		Currency:          money.NormalizeCurrency(string(pi.Currency)),
		Renewal:           pi.Description == renewalDescription,
		CustomerEmail:     customerEmail(pi),
		Metadata:          pi.Metadata,
		Timestamp:         time.Unix(pi.Created, 0).UTC(),
	}
	if pi.Customer != nil {
		in.CustomerID = pi.Customer.ID
	}
	if pi.LatestCharge != nil {
		in.Refunded = pi.LatestCharge.Refunded
	}
	out.Payment = in
	return out
}

func customerEmail(pi *stripe.PaymentIntent) string {
	if pi.Customer != nil && pi.Customer.Email != "" {
		return pi.Customer.Email
	}
	if pi.ReceiptEmail != "" {
		return pi.ReceiptEmail
	}
	if pi.LatestCharge != nil && pi.LatestCharge.BillingDetails != nil {
		return pi.LatestCharge.BillingDetails.Email
	}
	return ""
}

// classifyError maps Stripe failures onto the sync error taxonomy
func classifyError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		pe := &service.ProviderError{
			Provider:   models.ProviderStripe,
			StatusCode: stripeErr.HTTPStatusCode,
			Err:        err,
		}
		switch {
		case stripeErr.HTTPStatusCode == http.StatusUnauthorized,
			stripeErr.HTTPStatusCode == http.StatusForbidden,
			stripeErr.Code == stripe.ErrorCodeAPIKeyExpired,
			strings.Contains(strings.ToLower(stripeErr.Msg), "invalid api key"):
			pe.Credential = true
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode >= 500,
			stripeErr.Code == stripe.ErrorCodeRateLimit,
			stripeErr.Code == stripe.ErrorCodeLockTimeout:
			pe.Retryable = true
		}
		return pe
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &service.ProviderError{Provider: models.ProviderStripe, Retryable: true, Err: err}
	}
	return &service.ProviderError{Provider: models.ProviderStripe, Err: err}
}
