package lemonsqueezy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/money"
	"github.com/vipul43/revsync-worker/internal/service"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://api.lemonsqueezy.com"
	pageSize       = 100
	maxPages       = 500
)

// ErrPageLimit means the window holds more orders than one sync will page through
var ErrPageLimit = errors.New("order page limit reached")

// Client reads orders from a tenant's LemonSqueezy store.
// Order totals are reported in minor units.
type Client struct {
	baseURL  string
	base     http.RoundTripper
	timeout  time.Duration
	maxPages int
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:  baseURL,
		base:     http.DefaultTransport,
		timeout:  30 * time.Second,
		maxPages: maxPages,
	}
}

// httpClient attaches the tenant key as a bearer token on every request
func (c *Client) httpClient(apiKey string) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
	return &http.Client{
		Timeout:   c.timeout,
		Transport: &oauth2.Transport{Source: src, Base: c.base},
	}
}

type orderAttributes struct {
	Identifier  string     `json:"identifier"`
	OrderNumber int64      `json:"order_number"`
	CustomerID  int64      `json:"customer_id"`
	UserEmail   string     `json:"user_email"`
	Currency    string     `json:"currency"`
	Total       int64      `json:"total"`
	Status      string     `json:"status"`
	Refunded    bool       `json:"refunded"`
	CreatedAt   *time.Time `json:"created_at"`
}

type order struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes orderAttributes `json:"attributes"`
}

type orderPage struct {
	Data []order `json:"data"`
	Meta struct {
		Page struct {
			CurrentPage int `json:"currentPage"`
			LastPage    int `json:"lastPage"`
		} `json:"page"`
	} `json:"meta"`
}

// ValidateAPIKey fetches the authenticated user
func (c *Client) ValidateAPIKey(ctx context.Context, apiKey string) error {
	_, err := c.get(ctx, apiKey, "/v1/users/me", nil)
	return err
}

// ListPayments walks orders newest first and stops at the first order older than start.
// Running out of pages before reaching start is an error, not a short sync.
func (c *Client) ListPayments(ctx context.Context, apiKey string, start, end time.Time, visit func(service.FetchedPayment) error) error {
	for pageNum := 1; pageNum <= c.maxPages; pageNum++ {
		q := url.Values{}
		q.Set("sort", "-created_at")
		q.Set("page[number]", strconv.Itoa(pageNum))
		q.Set("page[size]", strconv.Itoa(pageSize))

		body, err := c.get(ctx, apiKey, "/v1/orders", q)
		if err != nil {
			return err
		}
		var page orderPage
		if err := json.Unmarshal(body, &page); err != nil {
			return &service.ProviderError{Provider: models.ProviderLemonSqueezy, Err: fmt.Errorf("failed to parse orders page: %w", err)}
		}

		for _, o := range page.Data {
			created := o.Attributes.CreatedAt
			if created != nil && created.Before(start) {
				return nil
			}
			if created != nil && created.After(end) {
				continue
			}
			if err := visit(mapOrder(o)); err != nil {
				return err
			}
		}

		if len(page.Data) == 0 || page.Meta.Page.CurrentPage >= page.Meta.Page.LastPage {
			return nil
		}
	}
	return &service.ProviderError{
		Provider: models.ProviderLemonSqueezy,
		Err:      fmt.Errorf("%w: %d pages of %d", ErrPageLimit, c.maxPages, pageSize),
	}
}

// mapOrder converts a paid or refunded order; pending and failed orders are skipped
func mapOrder(o order) service.FetchedPayment {
	out := service.FetchedPayment{ObjectID: o.ID}
	a := o.Attributes

	switch a.Status {
	case "paid", "refunded", "partial_refund":
	default:
		out.Skip = true
		return out
	}
	if a.CreatedAt == nil {
		out.Err = fmt.Errorf("order %s has no created_at", o.ID)
		return out
	}
	if a.Currency == "" {
		out.Err = fmt.Errorf("order %s has no currency", o.ID)
		return out
	}

	in := service.PaymentInput{
		ProviderPaymentID: o.ID,
		Amount:            money.FromMinor(a.Total),
		Currency:          money.NormalizeCurrency(a.Currency),
		Refunded:          a.Refunded || a.Status == "refunded",
		CustomerEmail:     a.UserEmail,
		Timestamp:         a.CreatedAt.UTC(),
	}
	if a.CustomerID != 0 {
		in.CustomerID = strconv.FormatInt(a.CustomerID, 10)
	}
	if a.Identifier != "" {
		in.Metadata = map[string]string{"identifier": a.Identifier}
	}
	out.Payment = in
	return out
}

func (c *Client) get(ctx context.Context, apiKey, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.api+json")

	resp, err := c.httpClient(apiKey).Do(req)
	if err != nil {
		var netErr net.Error
		retryable := errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
		return nil, &service.ProviderError{Provider: models.ProviderLemonSqueezy, Retryable: retryable, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &service.ProviderError{Provider: models.ProviderLemonSqueezy, Retryable: true, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, service.NewCredentialError(models.ProviderLemonSqueezy, resp.StatusCode, fmt.Errorf("API error: %s", truncate(body)))
	default:
		return nil, &service.ProviderError{
			Provider:   models.ProviderLemonSqueezy,
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:        fmt.Errorf("API error: %s", truncate(body)),
		}
	}
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
