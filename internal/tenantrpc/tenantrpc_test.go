package tenantrpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
)

// clientFor points a TenantClient at srv by using its host:port as the site.
func clientFor(srv *httptest.Server) (*TenantClient, string) {
	return NewTenantClient("http", 5*time.Second), strings.TrimPrefix(srv.URL, "http://")
}

func TestInitialSetupSendsSecretAndPayload(t *testing.T) {
	var got InitialSetupRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/initial_setup", r.URL.Path)
		assert.Equal(t, "s3cret-value", r.Header.Get(SecretHeader))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"status":"warning","message":"User already exists"}`)
	}))
	defer srv.Close()

	c, site := clientFor(srv)
	reply, err := c.InitialSetup(context.Background(), site, "s3cret-value", InitialSetupRequest{
		Email: "a@b.com", Password: "password1", CompanyName: "Acme", APISecret: "s3cret-value",
	})
	require.NoError(t, err)
	assert.True(t, reply.OK())
	assert.Equal(t, StatusWarning, reply.Status)
	assert.Equal(t, "Acme", got.CompanyName)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   rerrors.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, rerrors.KindAuth},
		{"server error", http.StatusInternalServerError, rerrors.KindTransientExternal},
		{"bad request", http.StatusBadRequest, rerrors.KindPermanentExternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, `{"status":"error","message":"nope"}`)
			}))
			defer srv.Close()

			c, site := clientFor(srv)
			_, err := c.InitialSetup(context.Background(), site, "secret", InitialSetupRequest{})
			require.Error(t, err)
			assert.Equal(t, tc.kind, rerrors.KindOf(err))
		})
	}
}

func TestTransportFailureIsTransientAndRedacted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c, site := clientFor(srv)
	srv.Close()

	_, err := c.InitialSetup(context.Background(), site, "very-secret-token", InitialSetupRequest{})
	require.Error(t, err)
	assert.True(t, rerrors.IsRetryable(err))
	assert.NotContains(t, err.Error(), "very-secret-token")
}

func TestCreateTemporarySupportUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SupportUserRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "agent7", req.AgentID)
		_, _ = io.WriteString(w, `{"status":"success","data":{"email":"support-agent7-billing@rokct.ai","password":"pw","expires_at":"2026-03-11T09:00:00Z"}}`)
	}))
	defer srv.Close()

	c, site := clientFor(srv)
	creds, err := c.CreateTemporarySupportUser(context.Background(), site, "secret", "agent7", "billing", "rokct.ai")
	require.NoError(t, err)
	assert.Equal(t, "support-agent7-billing@rokct.ai", creds.Email)
	assert.Equal(t, "pw", creds.Password)
	assert.False(t, creds.ExpiresAt.IsZero())
}

func TestDisableTemporarySupportUserReportsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","message":"User already does not exist"}`)
	}))
	defer srv.Close()

	c, site := clientFor(srv)
	msg, err := c.DisableTemporarySupportUser(context.Background(), site, "secret", "x@rokct.ai")
	require.NoError(t, err)
	assert.Equal(t, "User already does not exist", msg)
}

func TestWelcomeDetailsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"error","message":"No admin user"}`)
	}))
	defer srv.Close()

	c, site := clientFor(srv)
	_, err := c.GetWelcomeEmailDetails(context.Background(), site, "secret", false)
	require.Error(t, err)
	assert.Equal(t, rerrors.KindPermanentExternal, rerrors.KindOf(err))
}

func TestControlPlaneClientSendsSiteHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme.rokct.ai", r.Header.Get(SiteHeader))
		assert.Equal(t, "secret", r.Header.Get(SecretHeader))
		switch r.URL.Path {
		case "/get_subscription_status":
			_, _ = io.WriteString(w, `{"status":"success","data":{"status":"Active","plan":"Pro","modules":["crm"],"max_companies":2,"subscription_cache_duration":86400}}`)
		default:
			_, _ = io.WriteString(w, `{"status":"success"}`)
		}
	}))
	defer srv.Close()

	c := NewControlPlaneClient(srv.URL+"/", "acme.rokct.ai", "secret", 5*time.Second)
	ctx := context.Background()
	require.NoError(t, c.MarkSubscriptionAsVerified(ctx))
	require.NoError(t, c.UpdateUserCount(ctx, 3))

	status, err := c.GetSubscriptionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Active", status.Status)
	assert.Equal(t, []string{"crm"}, status.Modules)
	assert.Equal(t, 86400, status.SubscriptionCacheDuration)
}

func TestControlPlaneClientNotConfigured(t *testing.T) {
	c := NewControlPlaneClient("", "acme.rokct.ai", "", time.Second)
	err := c.MarkSubscriptionAsVerified(context.Background())
	assert.True(t, rerrors.IsValidation(err))
}
