package tenantrpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
)

// SubscriptionStatus is the control plane's view of a tenant subscription.
type SubscriptionStatus struct {
	Status                    string   `json:"status"`
	Plan                      string   `json:"plan"`
	TrialEndsOn               string   `json:"trial_ends_on,omitempty"`
	NextBillingDate           string   `json:"next_billing_date,omitempty"`
	Modules                   []string `json:"modules"`
	MaxCompanies              int      `json:"max_companies"`
	SubscriptionCacheDuration int      `json:"subscription_cache_duration"`
}

// UserCountRequest reports the active user count.
type UserCountRequest struct {
	UserCount int `json:"user_count"`
}

// ControlPlaneClient is used by a tenant site to call its control plane.
type ControlPlaneClient struct {
	caller
	baseURL string
	site    string
	secret  string
}

// NewControlPlaneClient returns a client for the control plane at baseURL,
// identifying as site with secret.
func NewControlPlaneClient(baseURL, site, secret string, timeout time.Duration) *ControlPlaneClient {
	return &ControlPlaneClient{
		caller:  newCaller(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
		site:    site,
		secret:  secret,
	}
}

// WithSecret returns a copy using secret, after a rotation.
func (c *ControlPlaneClient) WithSecret(secret string) *ControlPlaneClient {
	cp := *c
	cp.secret = secret
	return &cp
}

// Configured reports whether the tenant knows its control plane.
func (c *ControlPlaneClient) Configured() bool {
	return c != nil && c.baseURL != "" && c.secret != ""
}

func (c *ControlPlaneClient) call(ctx context.Context, op, path string, body any) (*Reply, error) {
	if !c.Configured() {
		return nil, rerrors.Validation(op, "control plane url or api secret is not configured")
	}
	reply, err := c.post(ctx, op, c.baseURL+path, c.secret, map[string]string{SiteHeader: c.site}, body)
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, rerrors.Permanent(op, fmt.Errorf("%s", firstNonEmpty(reply.Message, "control plane refused request")))
	}
	return reply, nil
}

// MarkSubscriptionAsVerified reports that the first user verified their email.
func (c *ControlPlaneClient) MarkSubscriptionAsVerified(ctx context.Context) error {
	_, err := c.call(ctx, "tenantrpc.mark_subscription_as_verified", "/mark_subscription_as_verified", nil)
	return err
}

// UpdateUserCount reports the number of active users on the site.
func (c *ControlPlaneClient) UpdateUserCount(ctx context.Context, count int) error {
	_, err := c.call(ctx, "tenantrpc.update_user_count", "/update_user_count", UserCountRequest{UserCount: count})
	return err
}

// GetSubscriptionStatus fetches the subscription state of the site.
func (c *ControlPlaneClient) GetSubscriptionStatus(ctx context.Context) (*SubscriptionStatus, error) {
	const op = "tenantrpc.get_subscription_status"
	reply, err := c.call(ctx, op, "/get_subscription_status", nil)
	if err != nil {
		return nil, err
	}
	var status SubscriptionStatus
	if err := decodeData(op, reply, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
