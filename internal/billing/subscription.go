// Package billing integrates the external subscription provider and the
// purchased-credit ledger.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/contentforge/licensing-api/internal/config"
	"github.com/contentforge/licensing-api/pkg/apierr"
	"github.com/contentforge/licensing-api/pkg/models"
)

// SubscriptionClient reports a user's subscription status
type SubscriptionClient interface {
	Status(ctx context.Context, email string) (models.Subscription, error)
}

// HTTPSubscriptionClient queries the billing provider over HTTP
type HTTPSubscriptionClient struct {
	client  *http.Client
	baseURL string
}

// NewHTTPSubscriptionClient creates a subscription client
func NewHTTPSubscriptionClient(cfg config.BillingConfig) *HTTPSubscriptionClient {
	return &HTTPSubscriptionClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: cfg.SubscriptionURL,
	}
}

// Status fetches the subscription state for an email. Absent subscriptions
// come back as status "none" rather than an error.
func (c *HTTPSubscriptionClient) Status(ctx context.Context, email string) (models.Subscription, error) {
	none := models.Subscription{Status: models.SubscriptionNone}

	endpoint := fmt.Sprintf("%s?email=%s", c.baseURL, url.QueryEscape(email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return none, fmt.Errorf("failed to build subscription request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return none, apierr.ErrFetch.WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return none, nil
	}
	if resp.StatusCode != http.StatusOK {
		return none, apierr.ErrFetch.WithMessage(fmt.Sprintf("subscription provider returned %d", resp.StatusCode))
	}

	var sub models.Subscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return none, fmt.Errorf("failed to decode subscription response: %w", err)
	}
	if sub.Status == "" {
		sub.Status = models.SubscriptionNone
	}

	return sub, nil
}
