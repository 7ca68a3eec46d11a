package tenantrpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
)

// InitialSetupRequest bootstraps a freshly created tenant site.
type InitialSetupRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	CompanyName       string `json:"company_name"`
	Currency          string `json:"currency"`
	Country           string `json:"country"`
	VerificationToken string `json:"verification_token"`
	APISecret         string `json:"api_secret"`
	ControlPlaneURL   string `json:"control_plane_url"`
	LoginRedirectURL  string `json:"login_redirect_url"`
}

// SupportCredentials are returned when a temporary support user is created.
type SupportCredentials struct {
	Email     string    `json:"email"`
	Password  string    `json:"password"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WelcomeDetails describe the first admin of a tenant site.
type WelcomeDetails struct {
	Email             string `json:"email"`
	FirstName         string `json:"first_name"`
	VerificationToken string `json:"verification_token"`
}

// SupportUserRequest asks a site for a temporary support login.
type SupportUserRequest struct {
	AgentID     string `json:"agent_id"`
	Reason      string `json:"reason"`
	EmailDomain string `json:"email_domain"`
}

// DisableUserRequest disables a support login.
type DisableUserRequest struct {
	Email string `json:"email"`
}

// WelcomeRequest fetches the welcome email details.
type WelcomeRequest struct {
	NewToken bool `json:"new_token"`
}

// RotateSecretRequest replaces the shared secret.
type RotateSecretRequest struct {
	APISecret string `json:"api_secret"`
}

// TenantClient calls tenant sites on behalf of the control plane.
type TenantClient struct {
	caller
	scheme string
}

// NewTenantClient returns a client reaching sites at scheme://<site>.
func NewTenantClient(scheme string, timeout time.Duration) *TenantClient {
	if scheme == "" {
		scheme = "https"
	}
	return &TenantClient{caller: newCaller(timeout), scheme: scheme}
}

// SiteURL returns the base URL of a site.
func (c *TenantClient) SiteURL(site string) string {
	return c.scheme + "://" + site
}

func (c *TenantClient) url(site, path string) string {
	return strings.TrimRight(c.SiteURL(site), "/") + path
}

// InitialSetup bootstraps the first admin user. The reply is returned as-is
// for success, warning and error statuses; the caller decides on retries.
func (c *TenantClient) InitialSetup(ctx context.Context, site, secret string, req InitialSetupRequest) (*Reply, error) {
	return c.post(ctx, "tenantrpc.initial_setup", c.url(site, "/initial_setup"), secret, nil, req)
}

// CreateTemporarySupportUser issues a 24 hour support login on site.
func (c *TenantClient) CreateTemporarySupportUser(ctx context.Context, site, secret, agentID, reason, emailDomain string) (*SupportCredentials, error) {
	const op = "tenantrpc.create_temporary_support_user"
	reply, err := c.post(ctx, op, c.url(site, "/create_temporary_support_user"), secret, nil,
		SupportUserRequest{AgentID: agentID, Reason: reason, EmailDomain: emailDomain})
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, rerrors.Permanent(op, fmt.Errorf("%s", firstNonEmpty(reply.Message, "tenant refused support user")))
	}
	var creds SupportCredentials
	if err := decodeData(op, reply, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// DisableTemporarySupportUser disables a support login. An absent user is success.
func (c *TenantClient) DisableTemporarySupportUser(ctx context.Context, site, secret, email string) (string, error) {
	const op = "tenantrpc.disable_temporary_support_user"
	reply, err := c.post(ctx, op, c.url(site, "/disable_temporary_support_user"), secret, nil, DisableUserRequest{Email: email})
	if err != nil {
		return "", err
	}
	if !reply.OK() {
		return "", rerrors.Permanent(op, fmt.Errorf("%s", firstNonEmpty(reply.Message, "tenant refused to disable user")))
	}
	return reply.Message, nil
}

// GetWelcomeEmailDetails returns the first admin and their verification
// token. newToken asks the tenant to issue a fresh token first.
func (c *TenantClient) GetWelcomeEmailDetails(ctx context.Context, site, secret string, newToken bool) (*WelcomeDetails, error) {
	const op = "tenantrpc.get_welcome_email_details"
	reply, err := c.post(ctx, op, c.url(site, "/get_welcome_email_details"), secret, nil, WelcomeRequest{NewToken: newToken})
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, rerrors.Permanent(op, fmt.Errorf("%s", firstNonEmpty(reply.Message, "tenant returned no welcome details")))
	}
	var details WelcomeDetails
	if err := decodeData(op, reply, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// RotateAPISecret replaces the shared secret stored on the tenant. The call
// authenticates with the current secret.
func (c *TenantClient) RotateAPISecret(ctx context.Context, site, currentSecret, newSecret string) error {
	const op = "tenantrpc.update_api_secret"
	reply, err := c.post(ctx, op, c.url(site, "/update_api_secret"), currentSecret, nil, RotateSecretRequest{APISecret: newSecret})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return rerrors.Permanent(op, fmt.Errorf("%s", firstNonEmpty(reply.Message, "tenant refused secret rotation")))
	}
	return nil
}
