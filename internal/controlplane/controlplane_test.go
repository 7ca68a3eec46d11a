package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RendaniSinyage/rokct/internal/crypto"
	"github.com/RendaniSinyage/rokct/internal/deprovision"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/payment"
	"github.com/RendaniSinyage/rokct/internal/store"
	"github.com/RendaniSinyage/rokct/internal/support"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

const (
	adminKey   = "admin-key-0123456789"
	signingKey = "jwt-signing-key-0123456789"
)

type fakeTenant struct{}

func (fakeTenant) CreateTemporarySupportUser(_ context.Context, _, _, agentID, reason, domain string) (*tenantrpc.SupportCredentials, error) {
	return &tenantrpc.SupportCredentials{Email: support.Email(agentID, reason, domain), Password: "temp-pass-123456"}, nil
}

func (fakeTenant) DisableTemporarySupportUser(context.Context, string, string, string) (string, error) {
	return "Support user disabled.", nil
}

func (fakeTenant) GetWelcomeEmailDetails(context.Context, string, string, bool) (*tenantrpc.WelcomeDetails, error) {
	return &tenantrpc.WelcomeDetails{Email: "owner@acme.test", FirstName: "Ada", VerificationToken: "tok"}, nil
}

func (fakeTenant) RotateAPISecret(context.Context, string, string, string) error { return nil }

func (fakeTenant) SiteURL(site string) string { return "https://" + site }

type nopNotifier struct{}

func (nopNotifier) Welcome(context.Context, string, string, notify.WelcomeData) error { return nil }
func (nopNotifier) Admin(context.Context, notify.AdminAlertData)                     {}

type reply struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type harness struct {
	store   *store.Store
	queue   *jobs.Queue
	gateway *payment.FakeGateway
	mux     *http.ServeMux
	sub     *store.Subscription
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	cm, err := crypto.NewManager("controlplane-test")
	require.NoError(t, err)
	st, err := store.Open(ctx, t.TempDir(), cm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	st.SetNow(func() time.Time { return testNow })

	three := 3
	require.NoError(t, st.UpsertPlan(ctx, &store.Plan{
		ID: "Pro-Monthly", Cost: decimal.NewFromInt(30), Currency: "USD", BillingCycle: store.CycleMonth,
		Modules: []string{"crm", "hr"}, MaxCompanies: &three,
	}))
	c := &store.Customer{DisplayName: "Acme", Email: "owner@acme.test"}
	require.NoError(t, st.CreateCustomer(ctx, c))
	next := testNow.AddDate(0, 1, 0)
	sub := &store.Subscription{
		CustomerID: c.ID, PlanID: "Pro-Monthly", SiteName: "acme.rokct.ai",
		Status: store.StatusActive, NextBillingDate: &next, APISecret: "tenant-secret",
	}
	require.NoError(t, st.CreateSubscription(ctx, sub))

	q := jobs.NewQueue(st.DB())
	q.SetNow(func() time.Time { return testNow })
	cfg := Config{
		AdminKey: adminKey, JWTSigningKey: signingKey, TenantDomain: "rokct.ai",
		SignupRatePerMinute: 60, SignupBurst: 10, Version: "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw := payment.NewFakeGateway()
	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:      cfg,
		Store:       st,
		Queue:       q,
		Support:     support.New(support.Config{}, st, fakeTenant{}, nopNotifier{}),
		Deprovision: deprovision.New(st, q, nil, nil, nil),
		Gateway:     gw,
	})
	return &harness{store: st, queue: q, gateway: gw, mux: mux, sub: sub}
}

func (h *harness) do(t *testing.T, method, path string, headers map[string]string, body any) (*httptest.ResponseRecorder, reply) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:4000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	var out reply
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func tenantHeaders(site, secret string) map[string]string {
	return map[string]string{tenantrpc.SiteHeader: site, tenantrpc.SecretHeader: secret}
}

func bearer(t *testing.T, agent string, roles ...string) map[string]string {
	t.Helper()
	tok, err := IssueAgentToken(signingKey, agent, roles, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestAuthenticator(t *testing.T) {
	a := &Authenticator{AdminKey: adminKey, SigningKey: signingKey, Now: func() time.Time { return testNow }}
	tok, err := IssueAgentToken(signingKey, "jane@rokct.ai", []string{support.RoleSystemManager}, time.Hour, testNow)
	require.NoError(t, err)
	expired, err := IssueAgentToken(signingKey, "jane@rokct.ai", nil, time.Hour, testNow.Add(-2*time.Hour))
	require.NoError(t, err)
	forged, err := IssueAgentToken("some-other-key", "jane@rokct.ai", nil, time.Hour, testNow)
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers map[string]string
		wantID  string
		wantErr bool
	}{
		{"admin key header", map[string]string{"X-Admin-Key": adminKey}, AdminKeyAgent, false},
		{"admin key bearer", map[string]string{"Authorization": "Bearer " + adminKey}, AdminKeyAgent, false},
		{"agent token", map[string]string{"Authorization": "Bearer " + tok}, "jane@rokct.ai", false},
		{"expired token", map[string]string{"Authorization": "Bearer " + expired}, "", true},
		{"wrong key", map[string]string{"Authorization": "Bearer " + forged}, "", true},
		{"wrong admin key", map[string]string{"X-Admin-Key": "nope"}, "", true},
		{"nothing", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/approve_migration", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			agent, err := a.Agent(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, agent.ID)
		})
	}
}

func TestIssueAgentTokenValidation(t *testing.T) {
	_, err := IssueAgentToken("", "jane", nil, time.Hour, testNow)
	assert.Error(t, err)
	_, err = IssueAgentToken(signingKey, " ", nil, time.Hour, testNow)
	assert.Error(t, err)
}

func TestTenantEndpointsRequireSiteAndSecret(t *testing.T) {
	h := newHarness(t, nil)

	rec, _ := h.do(t, http.MethodPost, "/get_subscription_status", tenantHeaders("acme.example.com", "tenant-secret"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/get_subscription_status", tenantHeaders("acme.rokct.ai", "wrong"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/get_subscription_status", tenantHeaders("acme.rokct.ai", "tenant-secret"), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTenantIdentifiedBySiteHeaderNotHost(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/get_subscription_status", nil)
	req.Host = "acme.rokct.ai"
	req.Header.Set(tenantrpc.SecretHeader, "tenant-secret")
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a matching Host alone does not identify the site")

	req = httptest.NewRequest(http.MethodPost, "/get_subscription_status", nil)
	req.Host = "control.rokct.ai"
	req.Header.Set(tenantrpc.SiteHeader, "acme.rokct.ai")
	req.Header.Set(tenantrpc.SecretHeader, "tenant-secret")
	rec = httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetSubscriptionStatus(t *testing.T) {
	h := newHarness(t, nil)

	rec, out := h.do(t, http.MethodPost, "/get_subscription_status", tenantHeaders("ACME.rokct.ai", "tenant-secret"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status tenantrpc.SubscriptionStatus
	require.NoError(t, json.Unmarshal(out.Data, &status))
	assert.Equal(t, "Active", status.Status)
	assert.Equal(t, "Pro-Monthly", status.Plan)
	assert.Equal(t, []string{"crm", "hr"}, status.Modules)
	assert.Equal(t, 3, status.MaxCompanies)
	assert.Equal(t, 86400, status.SubscriptionCacheDuration)
	assert.Equal(t, "2026-04-10", status.NextBillingDate)
}

func TestSubscriptionStatusCacheShortensOutsideStableStates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, s := range []store.Status{store.StatusGracePeriod, store.StatusDowngraded, store.StatusPending} {
		sub := *h.sub
		sub.Status = s
		got, err := SubscriptionStatus(ctx, h.store, &sub)
		require.NoError(t, err)
		assert.Equal(t, 3600, got.SubscriptionCacheDuration, s)
	}
	sub := *h.sub
	sub.Status = store.StatusTrialing
	got, err := SubscriptionStatus(ctx, h.store, &sub)
	require.NoError(t, err)
	assert.Equal(t, 86400, got.SubscriptionCacheDuration)
}

func TestMarkVerifiedAndUserCount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	headers := tenantHeaders("acme.rokct.ai", "tenant-secret")

	rec, out := h.do(t, http.MethodPost, "/mark_subscription_as_verified", headers, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, out.Message, "acme.rokct.ai")

	rec, _ = h.do(t, http.MethodPost, "/update_user_count", headers, tenantrpc.UserCountRequest{UserCount: 7})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/update_user_count", headers, tenantrpc.UserCountRequest{UserCount: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sub, err := h.store.GetSubscription(ctx, h.sub.ID)
	require.NoError(t, err)
	require.NotNil(t, sub.EmailVerifiedOn)
	assert.Equal(t, 7, sub.UserCount)
}

func TestAgentEndpointsRequireAuthAndRole(t *testing.T) {
	h := newHarness(t, nil)
	body := AdminRequest{SubscriptionID: h.sub.ID}

	rec, _ := h.do(t, http.MethodPost, "/approve_migration", nil, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/approve_migration", bearer(t, "intern@rokct.ai", "Accounts User"), body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/cancel_subscription", bearer(t, "intern@rokct.ai", "Accounts User"), body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, out := h.do(t, http.MethodPost, "/approve_migration", bearer(t, "jane@rokct.ai", support.RoleSystemManager), body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Migration approved for acme.rokct.ai.", out.Message)
}

func TestGrantSupportAccess(t *testing.T) {
	h := newHarness(t, nil)

	rec, out := h.do(t, http.MethodPost, "/grant_support_access", map[string]string{"X-Admin-Key": adminKey},
		AdminRequest{SubscriptionID: h.sub.ID, Reason: "login bug"})
	require.Equal(t, http.StatusOK, rec.Code)
	var creds tenantrpc.SupportCredentials
	require.NoError(t, json.Unmarshal(out.Data, &creds))
	assert.Equal(t, "support-admin-key-login-bug@rokct.ai", creds.Email)
	assert.NotEmpty(t, creds.Password)
}

func TestCancelQueuesDrop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rec, out := h.do(t, http.MethodPost, "/cancel_subscription", map[string]string{"X-Admin-Key": adminKey},
		AdminRequest{SubscriptionID: h.sub.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, out.Message, "Canceled")

	live, err := h.queue.HasLive(ctx, jobs.KindDropTenantSite, "acme.rokct.ai")
	require.NoError(t, err)
	assert.True(t, live)

	rec, _ = h.do(t, http.MethodPost, "/cancel_subscription", map[string]string{"X-Admin-Key": adminKey}, AdminRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryPayment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	admin := map[string]string{"X-Admin-Key": adminKey}

	rec, _ := h.do(t, http.MethodPost, "/retry_payment", admin, AdminRequest{SubscriptionID: h.sub.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/retry_payment", admin, AdminRequest{SubscriptionID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := h.store.MutateSubscription(ctx, h.sub.ID, func(s *store.Subscription) error {
		s.Status = store.StatusGracePeriod
		return nil
	})
	require.NoError(t, err)

	rec, out := h.do(t, http.MethodPost, "/retry_payment", admin, AdminRequest{SubscriptionID: h.sub.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var queued map[string]string
	require.NoError(t, json.Unmarshal(out.Data, &queued))
	job, err := h.queue.Get(ctx, queued["job_id"])
	require.NoError(t, err)
	assert.Equal(t, jobs.KindRetryPayment, job.Kind)
	assert.Equal(t, "acme.rokct.ai", job.Subject)
	assert.Equal(t, 3, job.MaxAttempts)

	rec, out = h.do(t, http.MethodPost, "/retry_payment", admin, AdminRequest{SubscriptionID: h.sub.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "A payment retry is already queued.", out.Message)
	all, err := h.queue.List(ctx, jobs.KindRetryPayment)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestVerifyPaymentAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.gateway.Verify = payment.VerifyResult{Reason: "declined"}
	rec, out := h.do(t, http.MethodPost, "/verify_payment_authorization", nil, PaymentAuthorizationRequest{Reference: "ref-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out.Message, "declined")

	rec, _ = h.do(t, http.MethodPost, "/verify_payment_authorization", nil, PaymentAuthorizationRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.gateway.Verify = payment.VerifyResult{OK: true, AuthorizationCode: "AUTH_x1", CustomerEmail: "nobody@acme.test"}
	rec, _ = h.do(t, http.MethodPost, "/verify_payment_authorization", nil, PaymentAuthorizationRequest{Reference: "ref-2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.gateway.Verify = payment.VerifyResult{OK: true, AuthorizationCode: "AUTH_x1", CustomerEmail: "owner@acme.test"}
	rec, _ = h.do(t, http.MethodPost, "/verify_payment_authorization", nil, PaymentAuthorizationRequest{Reference: "ref-3"})
	require.Equal(t, http.StatusOK, rec.Code)

	c, err := h.store.GetCustomerByEmail(ctx, "owner@acme.test")
	require.NoError(t, err)
	assert.Equal(t, "AUTH_x1", c.PaymentAuthorization)
}

func TestSignupRateLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.SignupRatePerMinute = 1
		c.SignupBurst = 1
	})
	h.gateway.Verify = payment.VerifyResult{Reason: "declined"}

	rec, _ := h.do(t, http.MethodPost, "/verify_payment_authorization", nil, PaymentAuthorizationRequest{Reference: "ref"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out := h.do(t, http.MethodPost, "/verify_payment_authorization", nil, PaymentAuthorizationRequest{Reference: "ref"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, tenantrpc.StatusError, out.Status)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestIPRateLimiterEvictsIdleClients(t *testing.T) {
	l := NewIPRateLimiter(1, 1, nil)
	now := testNow
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("198.51.100.1"))
	assert.False(t, l.Allow("198.51.100.1"))
	assert.True(t, l.Allow("198.51.100.2"))

	now = now.Add(limiterIdleTTL + time.Minute)
	assert.True(t, l.Allow("198.51.100.3"))
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.entries, 1)
}

func TestProbesAndMetrics(t *testing.T) {
	h := newHarness(t, nil)

	rec, _ := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)

	rec, _ = h.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	h.do(t, http.MethodPost, "/get_subscription_status", tenantHeaders("acme.rokct.ai", "tenant-secret"), nil)
	rec, _ = h.do(t, http.MethodGet, "/metrics", map[string]string{"X-Admin-Key": adminKey}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rokct_http_requests_total")
}
