package tenantsite

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RendaniSinyage/rokct/internal/crypto"
	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
)

const testSecret = "0123456789abcdef0123456789abcdef-site"

type expiryNotice struct {
	To   string
	Data notify.SupportExpiredData
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []expiryNotice
}

func (n *fakeNotifier) SupportUsersExpired(_ context.Context, _, to string, data notify.SupportExpiredData) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, expiryNotice{To: to, Data: data})
	return nil
}

// controlPlane records the calls a site makes to it.
type controlPlane struct {
	mu        sync.Mutex
	paths     []string
	sites     []string
	userCount int
	status    tenantrpc.SubscriptionStatus
	srv       *httptest.Server
}

func newControlPlane(t *testing.T) *controlPlane {
	t.Helper()
	cp := &controlPlane{status: tenantrpc.SubscriptionStatus{
		Status: "Active", Plan: "Pro-Monthly", Modules: []string{"crm"}, SubscriptionCacheDuration: 3600,
	}}
	cp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tenantrpc.SecretHeader) != testSecret {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(tenantrpc.Reply{Status: tenantrpc.StatusError, Message: "bad secret"})
			return
		}
		cp.mu.Lock()
		defer cp.mu.Unlock()
		cp.paths = append(cp.paths, r.URL.Path)
		cp.sites = append(cp.sites, r.Header.Get(tenantrpc.SiteHeader))
		reply := tenantrpc.Reply{Status: tenantrpc.StatusSuccess}
		switch r.URL.Path {
		case "/update_user_count":
			var req tenantrpc.UserCountRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			cp.userCount = req.UserCount
		case "/get_subscription_status":
			reply.Data, _ = json.Marshal(cp.status)
		}
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(cp.srv.Close)
	return cp
}

func (cp *controlPlane) calls() []string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]string(nil), cp.paths...)
}

type harness struct {
	svc      *Service
	store    *Store
	notifier *fakeNotifier
	cp       *controlPlane
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cm, err := crypto.NewManager("tenant-test-master-key")
	require.NoError(t, err)
	st, err := OpenStore(context.Background(), t.TempDir(), cm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{store: st, notifier: &fakeNotifier{}, cp: newControlPlane(t),
		now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	st.SetNow(func() time.Time { return h.now })
	h.svc = New(Config{SiteName: "Acme.rokct.ai", RPCTimeout: 5 * time.Second}, st, h.notifier)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) setupRequest() tenantrpc.InitialSetupRequest {
	return tenantrpc.InitialSetupRequest{
		Email: "Owner@Acme.test", Password: "correct-horse", FirstName: "Ada", LastName: "Lovelace",
		CompanyName: "Acme", Currency: "zar", Country: "South Africa", VerificationToken: "verify-1",
		APISecret: testSecret, ControlPlaneURL: h.cp.srv.URL, LoginRedirectURL: "https://app.rokct.ai/login",
	}
}

func (h *harness) setup(t *testing.T) {
	t.Helper()
	res, err := h.svc.InitialSetup(context.Background(), testSecret, h.setupRequest())
	require.NoError(t, err)
	require.False(t, res.Warning)
}

func TestInitialSetupCreatesSystemManager(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.InitialSetup(ctx, "some-other-secret", h.setupRequest())
	assert.True(t, rerrors.IsAuth(err), "mismatched header secret: %v", err)

	h.setup(t)
	u, err := h.store.GetUser(ctx, "owner@acme.test")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.True(t, u.HasRole(RoleSystemManager))
	assert.True(t, u.HasRole(RoleCompanyUser))
	assert.True(t, crypto.CheckPassword(u.PasswordHash, "correct-horse"))
	assert.Equal(t, "verify-1", u.VerificationToken)
	assert.Equal(t, "Ada Lovelace", u.FullName())

	secret, err := h.store.APISecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, testSecret, secret)
	currency, err := h.store.Setting(ctx, settingCurrency)
	require.NoError(t, err)
	assert.Equal(t, "ZAR", currency)
	done, err := h.store.SetupComplete(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	res, err := h.svc.InitialSetup(ctx, testSecret, h.setupRequest())
	require.NoError(t, err)
	assert.True(t, res.Warning)
	assert.Equal(t, "User owner@acme.test already exists.", res.Message)

	other := h.setupRequest()
	other.APISecret = strings.Repeat("z", 40)
	_, err = h.svc.InitialSetup(ctx, other.APISecret, other)
	assert.True(t, rerrors.IsAuth(err), "a stored secret must not be replaced by setup: %v", err)
}

func TestInitialSetupValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := h.setupRequest()
	req.Country, req.Email = "", " "
	_, err := h.svc.InitialSetup(ctx, testSecret, req)
	require.True(t, rerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "missing required parameters: country, email")

	req = h.setupRequest()
	req.Password = "short"
	_, err = h.svc.InitialSetup(ctx, testSecret, req)
	assert.True(t, rerrors.IsValidation(err))

	req = h.setupRequest()
	req.Email = "not-an-address"
	_, err = h.svc.InitialSetup(ctx, testSecret, req)
	assert.True(t, rerrors.IsValidation(err))
}

func TestSupportUserLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setup(t)

	creds, err := h.svc.CreateTemporarySupportUser(ctx, "jane.doe@rokct.ai", "Login bug", "Support.ROKCT.ai")
	require.NoError(t, err)
	assert.Equal(t, "support-jane-doe-at-rokct-ai-login-bug@support.rokct.ai", creds.Email)
	assert.Len(t, creds.Password, supportPasswordLength)
	assert.Equal(t, h.now.Add(24*time.Hour), creds.ExpiresAt)

	u, err := h.store.GetUser(ctx, creds.Email)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.True(t, u.Temporary)
	assert.True(t, u.HasRole(RoleSystemManager))
	assert.Equal(t, "(login-bug)", u.LastName)

	// a second grant for the same agent and reason replaces the login
	again, err := h.svc.CreateTemporarySupportUser(ctx, "jane.doe@rokct.ai", "Login bug", "support.rokct.ai")
	require.NoError(t, err)
	assert.Equal(t, creds.Email, again.Email)
	assert.NotEqual(t, creds.Password, again.Password)

	msg, err := h.svc.DisableTemporarySupportUser(ctx, creds.Email)
	require.NoError(t, err)
	assert.Equal(t, "Support user "+creds.Email+" has been disabled.", msg)

	msg, err = h.svc.DisableTemporarySupportUser(ctx, "nobody@support.rokct.ai")
	require.NoError(t, err)
	assert.Equal(t, "User already does not exist.", msg)

	_, err = h.svc.CreateTemporarySupportUser(ctx, "", "Login bug", "support.rokct.ai")
	assert.True(t, rerrors.IsValidation(err))
}

func TestDisableExpiredSupportUsersNotifiesManagers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setup(t)

	creds, err := h.svc.CreateTemporarySupportUser(ctx, "agent-7", "billing", "rokct.ai")
	require.NoError(t, err)

	n, err := h.svc.DisableExpiredSupportUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "access has not expired yet")

	h.now = h.now.Add(25 * time.Hour)
	n, err = h.svc.DisableExpiredSupportUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u, err := h.store.GetUser(ctx, creds.Email)
	require.NoError(t, err)
	assert.False(t, u.Enabled)

	require.Len(t, h.notifier.notices, 1)
	assert.Equal(t, "owner@acme.test", h.notifier.notices[0].To)
	assert.Equal(t, []string{creds.Email}, h.notifier.notices[0].Data.Emails)
	assert.Equal(t, "acme.rokct.ai", h.notifier.notices[0].Data.SiteName)

	n, err = h.svc.DisableExpiredSupportUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "disabled users are not processed twice")
}

func TestWelcomeEmailDetails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.WelcomeEmailDetails(ctx, false)
	assert.True(t, rerrors.IsNotFound(err))

	h.setup(t)
	details, err := h.svc.WelcomeEmailDetails(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "owner@acme.test", details.Email)
	assert.Equal(t, "Ada", details.FirstName)
	assert.Equal(t, "verify-1", details.VerificationToken)

	fresh, err := h.svc.WelcomeEmailDetails(ctx, true)
	require.NoError(t, err)
	assert.NotEqual(t, "verify-1", fresh.VerificationToken)

	outcome, err := h.svc.VerifyEmail(ctx, "verify-1")
	require.NoError(t, err)
	assert.Equal(t, VerificationInvalid, outcome, "the replaced token no longer verifies")
}

func TestVerifyEmailNotifiesControlPlane(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setup(t)

	outcome, err := h.svc.VerifyEmail(ctx, "verify-1")
	require.NoError(t, err)
	assert.Equal(t, VerificationDone, outcome)
	h.svc.Close()

	assert.Equal(t, []string{"/mark_subscription_as_verified"}, h.cp.calls())
	assert.Equal(t, "acme.rokct.ai", h.cp.sites[0])

	u, err := h.store.GetUser(ctx, "owner@acme.test")
	require.NoError(t, err)
	require.NotNil(t, u.EmailVerifiedAt)
	assert.Equal(t, h.now, *u.EmailVerifiedAt)

	outcome, err = h.svc.VerifyEmail(ctx, "verify-1")
	require.NoError(t, err)
	assert.Equal(t, VerificationInvalid, outcome, "tokens are single use")
}

func TestVerifyEmailRejectsDisabledUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setup(t)

	_, err := h.store.DisableUser(ctx, "owner@acme.test")
	require.NoError(t, err)
	outcome, err := h.svc.VerifyEmail(ctx, "verify-1")
	require.NoError(t, err)
	assert.Equal(t, VerificationDisabled, outcome)
	h.svc.Close()
	assert.Empty(t, h.cp.calls())
}

func TestReportActiveUserCountExcludesSupportUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setup(t)

	_, err := h.svc.CreateTemporarySupportUser(ctx, "agent-7", "billing", "rokct.ai")
	require.NoError(t, err)
	require.NoError(t, h.svc.ReportActiveUserCount(ctx))
	assert.Equal(t, 1, h.cp.userCount)
}

func TestUpdateAPISecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setup(t)

	assert.True(t, rerrors.IsValidation(h.svc.UpdateAPISecret(ctx, "too-short")))

	next := strings.Repeat("n", minSecretLength)
	require.NoError(t, h.svc.UpdateAPISecret(ctx, next))
	assert.NoError(t, h.svc.Authenticate(ctx, next))
	assert.True(t, rerrors.IsAuth(h.svc.Authenticate(ctx, testSecret)))

	pinned := New(Config{SiteName: "acme.rokct.ai", APISecret: testSecret}, h.store, h.notifier)
	assert.True(t, rerrors.IsConflict(pinned.UpdateAPISecret(ctx, next)))
}

type countingSource struct {
	calls  int
	status *tenantrpc.SubscriptionStatus
	err    error
}

func (c *countingSource) GetSubscriptionStatus(context.Context) (*tenantrpc.SubscriptionStatus, error) {
	c.calls++
	return c.status, c.err
}

func TestFeatureGate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	src := &countingSource{status: &tenantrpc.SubscriptionStatus{
		Status: "Active", Modules: []string{"crm", "pos"}, SubscriptionCacheDuration: 600,
	}}
	gate := NewFeatureGate(src)
	gate.now = func() time.Time { return now }

	assert.NoError(t, gate.Check(ctx, ""))
	assert.NoError(t, gate.Check(ctx, "crm"))
	err := gate.Check(ctx, "hr")
	require.True(t, rerrors.IsAuth(err))
	assert.Contains(t, err.Error(), "your plan does not include the 'hr' feature")
	assert.Equal(t, 1, src.calls, "status is cached")

	src.status = &tenantrpc.SubscriptionStatus{Status: "Canceled"}
	now = now.Add(11 * time.Minute)
	err = gate.Check(ctx, "")
	assert.Contains(t, err.Error(), "your subscription is not active")
	assert.Equal(t, 2, src.calls)

	gate.Invalidate()
	src.err = errors.New("control plane down")
	err = gate.Check(ctx, "")
	assert.Contains(t, err.Error(), "could not retrieve subscription details")
}

func TestHandlers(t *testing.T) {
	h := newHarness(t)
	h.setup(t)
	mux := http.NewServeMux()
	NewHandler(h.svc, h.svc.FeatureGate()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	post := func(path, secret, body string) (*http.Response, tenantrpc.Reply) {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(tenantrpc.SecretHeader, secret)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var reply tenantrpc.Reply
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
		return resp, reply
	}

	resp, reply := post("/create_temporary_support_user", "wrong", `{"agent_id":"a1","reason":"r","email_domain":"rokct.ai"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, tenantrpc.StatusError, reply.Status)

	resp, reply = post("/create_temporary_support_user", testSecret, `{"agent_id":"a1","reason":"r","email_domain":"rokct.ai"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var creds tenantrpc.SupportCredentials
	require.NoError(t, json.Unmarshal(reply.Data, &creds))
	assert.Equal(t, "support-a1-r@rokct.ai", creds.Email)

	resp, reply = post("/initial_setup", testSecret, mustJSON(t, h.setupRequest()))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, tenantrpc.StatusWarning, reply.Status)

	resp, _ = post("/update_api_secret", testSecret, `{"api_secret":"short"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(srv.URL + "/get_welcome_email_details")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)

	page, err := http.Get(srv.URL + "/verify_my_email?token=nope")
	require.NoError(t, err)
	body := readAll(t, page)
	assert.Equal(t, http.StatusBadRequest, page.StatusCode)
	assert.Contains(t, body, "Invalid Link")

	page, err = http.Get(srv.URL + "/verify_my_email?token=verify-1")
	require.NoError(t, err)
	body = readAll(t, page)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, body, "Email Verified!")
	assert.Contains(t, body, "https://app.rokct.ai/login")

	details, err := http.Get(srv.URL + "/subscription_details")
	require.NoError(t, err)
	var status struct {
		Data tenantrpc.SubscriptionStatus `json:"data"`
	}
	require.NoError(t, json.NewDecoder(details.Body).Decode(&status))
	details.Body.Close()
	assert.Equal(t, "Pro-Monthly", status.Data.Plan)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
