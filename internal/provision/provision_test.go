package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RendaniSinyage/rokct/internal/bench"
	"github.com/RendaniSinyage/rokct/internal/crypto"
	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/joblock"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/store"
	"github.com/RendaniSinyage/rokct/internal/subprocess"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// fakeBenchRunner creates the site directory on new-site, fails the verbs
// listed in failOn and calls the hook registered for a verb after running it.
type fakeBenchRunner struct {
	mu     sync.Mutex
	root   string
	calls  []string
	failOn map[string]error
	after  map[string]func()
}

func (r *fakeBenchRunner) Run(_ context.Context, cmd subprocess.Command) (*subprocess.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	verb := cmd.Args[0]
	if verb == "--site" {
		verb = cmd.Args[2]
	}
	r.calls = append(r.calls, strings.Join(cmd.Args, " "))
	if err, ok := r.failOn[verb]; ok {
		return &subprocess.Result{ExitCode: 1}, err
	}
	if verb == "new-site" {
		if err := os.MkdirAll(filepath.Join(r.root, "sites", cmd.Args[1]), 0o755); err != nil {
			return nil, err
		}
	}
	if hook, ok := r.after[verb]; ok {
		hook()
	}
	return &subprocess.Result{}, nil
}

func (r *fakeBenchRunner) verbs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeTenant struct {
	mu      sync.Mutex
	replies []*tenantrpc.Reply
	errs    []error
	calls   []tenantrpc.InitialSetupRequest
}

func (f *fakeTenant) InitialSetup(_ context.Context, site, secret string, req tenantrpc.InitialSetupRequest) (*tenantrpc.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	if len(f.replies) > 0 {
		return f.replies[len(f.replies)-1], nil
	}
	return &tenantrpc.Reply{Status: tenantrpc.StatusSuccess}, nil
}

func (f *fakeTenant) SiteURL(site string) string { return "https://" + site }

type fakeNotifier struct {
	mu       sync.Mutex
	welcomes []notify.WelcomeData
	to       []string
	admin    []notify.AdminAlertData
}

func (f *fakeNotifier) Welcome(_ context.Context, site, to string, data notify.WelcomeData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.welcomes = append(f.welcomes, data)
	f.to = append(f.to, to)
	return nil
}

func (f *fakeNotifier) Admin(_ context.Context, data notify.AdminAlertData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admin = append(f.admin, data)
}

type harness struct {
	svc      *Service
	store    *store.Store
	queue    *jobs.Queue
	pool     *jobs.Pool
	runner   *fakeBenchRunner
	locker   *joblock.FileLocker
	tenant   *fakeTenant
	notifier *fakeNotifier
	benchDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	cm, err := crypto.NewManager("test-master-secret")
	require.NoError(t, err)
	st, err := store.Open(ctx, t.TempDir(), cm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	st.SetNow(func() time.Time { return testNow })

	require.NoError(t, st.UpsertPlan(ctx, &store.Plan{ID: "Free-Monthly", Cost: decimal.Zero, Currency: "USD", BillingCycle: store.CycleMonth}))
	require.NoError(t, st.UpsertPlan(ctx, &store.Plan{ID: "Pro-Monthly", Cost: decimal.NewFromInt(50), Currency: "USD",
		BillingCycle: store.CycleMonth, TrialPeriodDays: 14, Modules: []string{"hrms", "erpnext"}}))
	require.NoError(t, st.UpsertPlan(ctx, &store.Plan{ID: "Pro-NoTrial", Cost: decimal.NewFromInt(50), Currency: "USD", BillingCycle: store.CycleYear}))

	benchDir := t.TempDir()
	runner := &fakeBenchRunner{root: benchDir, failOn: map[string]error{}, after: map[string]func(){}}
	b := bench.New(bench.Config{Path: benchDir, AdminPassword: "admin-pw-1", DBRootPassword: "root-pw-1"}, runner)

	q := jobs.NewQueue(st.DB())
	q.SetNow(func() time.Time { return testNow })
	tenant := &fakeTenant{}
	n := &fakeNotifier{}
	locker := joblock.NewFileLocker(filepath.Join(t.TempDir(), "locks"), 0)
	svc := New(Config{
		TenantDomain:      "rokct.ai",
		PrimaryApp:        "rokct",
		CommonApps:        []string{"erpnext", "payments"},
		EnabledCurrencies: []string{"USD", "ZAR"},
		ControlPlaneURL:   "https://cp.rokct.ai",
		LoginRedirectURL:  "https://app.rokct.ai/login",
		SetupAttempts:     3,
		SetupRetryDelay:   time.Millisecond,
	}, st, q, b, locker, tenant, n, cm)
	svc.SetNow(func() time.Time { return testNow })

	pool := jobs.NewPool(q, jobs.Options{})
	pool.Register(svc.Handlers()...)
	return &harness{svc: svc, store: st, queue: q, pool: pool, runner: runner, locker: locker, tenant: tenant, notifier: n, benchDir: benchDir}
}

func validRequest() Request {
	return Request{
		Plan:        "Pro-Monthly",
		Email:       "Owner@Acme.test ",
		Password:    "s3cret-pass",
		FirstName:   "Ada",
		LastName:    "Lovelace",
		CompanyName: "Acme Widgets",
		Currency:    "usd",
		Country:     "South Africa",
		Industry:    "Manufacturing",
	}
}

func TestProvisionEndToEndTrial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Provision(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "acme-widgets.rokct.ai", res.SiteName)

	sub, err := h.store.GetSubscription(ctx, res.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, sub.Status)
	require.NotNil(t, sub.TrialEndsOn)
	assert.Equal(t, "2026-03-24", sub.TrialEndsOn.Format("2006-01-02"))
	assert.Nil(t, sub.NextBillingDate)
	assert.Len(t, sub.APISecret, 64)

	queued, err := h.queue.List(ctx, jobs.KindCreateTenantSite)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.NotContains(t, string(queued[0].Payload), "s3cret-pass", "password must be encrypted while queued")

	require.NoError(t, h.pool.Drain(ctx))

	sub, err = h.store.GetSubscription(ctx, res.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTrialing, sub.Status)

	assert.Equal(t, []string{
		"new-site acme-widgets.rokct.ai --db-name acme_widgets_rokct_ai --admin-password admin-pw-1 --db-root-password root-pw-1",
		"--site acme-widgets.rokct.ai install-app erpnext",
		"--site acme-widgets.rokct.ai install-app payments",
		"--site acme-widgets.rokct.ai install-app hrms",
		"--site acme-widgets.rokct.ai install-app rokct",
		"--site acme-widgets.rokct.ai set-config app_role tenant",
	}, h.runner.verbs())

	apps, err := os.ReadFile(filepath.Join(h.benchDir, "sites", "acme-widgets.rokct.ai", "apps.txt"))
	require.NoError(t, err)
	assert.Equal(t, "frappe\nerpnext\npayments\nhrms\nrokct\n", string(apps))

	require.Len(t, h.tenant.calls, 1)
	call := h.tenant.calls[0]
	assert.Equal(t, "owner@acme.test", call.Email)
	assert.Equal(t, "s3cret-pass", call.Password)
	assert.Equal(t, "USD", call.Currency)
	assert.Equal(t, sub.APISecret, call.APISecret)
	assert.Equal(t, "https://cp.rokct.ai", call.ControlPlaneURL)
	assert.Len(t, call.VerificationToken, 64)

	require.Len(t, h.notifier.welcomes, 1)
	assert.Equal(t, "owner@acme.test", h.notifier.to[0])
	assert.Equal(t, "https://acme-widgets.rokct.ai/verify_my_email?token="+call.VerificationToken, h.notifier.welcomes[0].VerificationURL)
}

func TestProvisionValidationWritesNothing(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(r *Request)
		want   string
	}{
		{"missing company", func(r *Request) { r.CompanyName = "   " }, "company_name is required"},
		{"short password", func(r *Request) { r.Password = "short" }, "password must be at least 8"},
		{"bad email", func(r *Request) { r.Email = "not-an-email" }, "valid email"},
		{"unknown plan", func(r *Request) { r.Plan = "Gold" }, "not found"},
		{"disabled currency", func(r *Request) { r.Currency = "EUR" }, "not enabled"},
		{"unusable company", func(r *Request) { r.CompanyName = "!!!" }, "usable site name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			req := validRequest()
			tc.mutate(&req)
			_, err := h.svc.Provision(context.Background(), req)
			require.Error(t, err)
			assert.True(t, rerrors.IsValidation(err), "kind = %s", rerrors.KindOf(err))
			assert.Contains(t, rerrors.PublicMessage(err), tc.want)

			subs, err := h.store.ListSubscriptions(context.Background())
			require.NoError(t, err)
			assert.Empty(t, subs)
			exists, err := h.store.EmailExists(context.Background(), "owner@acme.test")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestProvisionConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Provision(ctx, validRequest())
	require.NoError(t, err)

	dup := validRequest()
	dup.CompanyName = "Other Co"
	_, err = h.svc.Provision(ctx, dup)
	assert.True(t, rerrors.IsConflict(err), "duplicate email: %v", err)

	collide := validRequest()
	collide.Email = "second@beta.test"
	collide.CompanyName = "acme_widgets"
	_, err = h.svc.Provision(ctx, collide)
	require.Error(t, err)
	assert.True(t, rerrors.IsConflict(err))
	assert.Contains(t, rerrors.PublicMessage(err), "already in use")
}

func TestProvisionTrialAbuseGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.Provision(ctx, validRequest())
	require.NoError(t, err)
	require.NoError(t, h.pool.Drain(ctx))

	_, err = h.store.MutateSubscription(ctx, res.SubscriptionID, func(sub *store.Subscription) error {
		sub.Status = store.StatusCanceled
		return nil
	})
	require.NoError(t, err)
	_, err = h.store.MutateSubscription(ctx, res.SubscriptionID, func(sub *store.Subscription) error {
		sub.Status = store.StatusDropped
		return nil
	})
	require.NoError(t, err)

	again := validRequest()
	again.Email = "new-owner@acme.test"
	_, err = h.svc.Provision(ctx, again)
	require.Error(t, err)
	assert.Contains(t, rerrors.PublicMessage(err), "not eligible for another")

	again.Plan = "Pro-NoTrial"
	res2, err := h.svc.Provision(ctx, again)
	require.NoError(t, err, "paid plan without trial is allowed")
	assert.Equal(t, "acme-widgets.rokct.ai", res2.SiteName)
}

func TestCreateSiteFailureRemovesSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.failOn["new-site"] = &subprocess.ExitError{Command: "bench new-site", ExitCode: 1, Stderr: "Database error"}

	res, err := h.svc.Provision(ctx, validRequest())
	require.NoError(t, err)
	require.NoError(t, h.pool.Drain(ctx))

	sub, err := h.store.GetSubscription(ctx, res.SubscriptionID)
	require.NoError(t, err)
	assert.Nil(t, sub, "subscription row is deleted when new-site fails")

	require.Len(t, h.notifier.admin, 1)
	assert.False(t, h.notifier.admin[0].Success)
	assert.Equal(t, "create_tenant_site", h.notifier.admin[0].Operation)

	queued, err := h.queue.List(ctx, jobs.KindCreateTenantSite)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, jobs.StatusFailed, queued[0].Status)
	assert.Equal(t, 1, queued[0].Attempts, "terminal failures are not retried")
	assert.Empty(t, h.tenant.calls)

	customer, err := h.store.GetCustomerByEmail(ctx, "owner@acme.test")
	require.NoError(t, err)
	assert.Nil(t, customer, "customer without other subscriptions is removed")

	delete(h.runner.failOn, "new-site")
	_, err = h.svc.Provision(ctx, validRequest())
	require.NoError(t, err, "the same email can sign up again")
}

func createSitePayload(t *testing.T, h *harness) SitePayload {
	t.Helper()
	queued, err := h.queue.List(context.Background(), jobs.KindCreateTenantSite)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	var p SitePayload
	require.NoError(t, queued[0].Decode(&p))
	return p
}

func TestCreateSiteWaitsForSiteLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.Provision(ctx, validRequest())
	require.NoError(t, err)
	p := createSitePayload(t, h)

	release, err := joblock.Acquire(ctx, h.locker, res.SiteName)
	require.NoError(t, err)
	err = h.svc.CreateSite(ctx, p)
	require.Error(t, err)
	assert.True(t, rerrors.IsRetryable(err))
	assert.Empty(t, h.runner.verbs(), "no bench command runs while another job holds the site")

	err = h.svc.CompleteSetup(ctx, p)
	require.Error(t, err)
	assert.True(t, rerrors.IsRetryable(err))
	release()

	require.NoError(t, h.svc.CreateSite(ctx, p))
	sub, err := h.store.GetSubscription(ctx, res.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProvisioning, sub.Status)

	_, held, err := h.locker.AcquiredAt(ctx, res.SiteName)
	require.NoError(t, err)
	assert.False(t, held, "lock is released after site creation")
}

func TestCancelDuringCreationLeavesSiteForDrop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.Provision(ctx, validRequest())
	require.NoError(t, err)

	h.runner.after["install-app"] = func() {
		_, err := h.store.MutateSubscription(ctx, res.SubscriptionID, func(sub *store.Subscription) error {
			sub.Status = store.StatusCanceled
			sub.TrialEndsOn = nil
			return nil
		})
		require.NoError(t, err)
		delete(h.runner.after, "install-app")
	}
	require.NoError(t, h.pool.Drain(ctx))

	sub, err := h.store.GetSubscription(ctx, res.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCanceled, sub.Status)
	queued, err := h.queue.List(ctx, jobs.KindCompleteTenantSetup)
	require.NoError(t, err)
	assert.Empty(t, queued)
	assert.Empty(t, h.tenant.calls)
}

func TestInstallAppFailureMarksSetupFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.failOn["install-app"] = errors.New("app not found")

	res, err := h.svc.Provision(ctx, validRequest())
	require.NoError(t, err)
	require.NoError(t, h.pool.Drain(ctx))

	sub, err := h.store.GetSubscription(ctx, res.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSetupFailed, sub.Status)
	calls := h.runner.verbs()
	assert.Len(t, calls, 2, "install stops at the first failure")
}

func TestCompleteSetupRetriesUntilWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.tenant.errs = []error{rerrors.Transient("tenantrpc.initial_setup", errors.New("connection refused"))}
	h.tenant.replies = []*tenantrpc.Reply{
		nil,
		{Status: tenantrpc.StatusError, Message: "site not ready"},
		{Status: tenantrpc.StatusWarning, Message: "User already exists"},
	}

	req := validRequest()
	req.Plan = "Pro-NoTrial"
	res, err := h.svc.Provision(ctx, req)
	require.NoError(t, err)
	require.NoError(t, h.pool.Drain(ctx))

	assert.Len(t, h.tenant.calls, 3)
	sub, err := h.store.GetSubscription(ctx, res.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, sub.Status)
	require.NotNil(t, sub.NextBillingDate)
	assert.Equal(t, "2027-03-10", sub.NextBillingDate.Format("2006-01-02"))
	assert.Len(t, h.notifier.welcomes, 1)
}

func TestCompleteSetupExhaustedMarksSetupFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.tenant.replies = []*tenantrpc.Reply{{Status: tenantrpc.StatusError, Message: "boom"}}

	res, err := h.svc.Provision(ctx, validRequest())
	require.NoError(t, err)
	require.NoError(t, h.pool.Drain(ctx))

	assert.Len(t, h.tenant.calls, 3)
	sub, err := h.store.GetSubscription(ctx, res.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSetupFailed, sub.Status)
	assert.Empty(t, h.notifier.welcomes)
	require.NotEmpty(t, h.notifier.admin)
	last := h.notifier.admin[len(h.notifier.admin)-1]
	assert.Equal(t, "complete_tenant_setup", last.Operation)
	assert.False(t, last.Success)
}

func TestProvisionSyncFreePlan(t *testing.T) {
	h := newHarness(t)
	req := validRequest()
	req.Plan = "Free-Monthly"
	req.Sync = true

	res, err := h.svc.Provision(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFree, res.FinalStatus)

	queued, err := h.queue.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, queued, "synchronous provisioning does not queue jobs")

	sub, err := h.store.GetSubscription(context.Background(), res.SubscriptionID)
	require.NoError(t, err)
	assert.Nil(t, sub.TrialEndsOn)
	require.NotNil(t, sub.NextBillingDate)
	assert.Equal(t, "2026-04-10", sub.NextBillingDate.Format("2006-01-02"))
}

func TestCreateSiteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.Provision(ctx, validRequest())
	require.NoError(t, err)
	require.NoError(t, h.pool.Drain(ctx))
	before := len(h.runner.verbs())

	require.NoError(t, h.svc.CreateSite(ctx, SitePayload{SubscriptionID: res.SubscriptionID, SiteName: res.SiteName}))
	assert.Len(t, h.runner.verbs(), before, "a subscription past Pending is left alone")
}

func TestSiteLabel(t *testing.T) {
	cases := map[string]string{
		"Acme":                     "acme",
		"Acme Widgets Ltd":         "acme-widgets-ltd",
		"  acme__widgets  ":        "acme-widgets",
		"Café & Co.":               "caf-co",
		"-Leading-":                "leading",
		"!!!":                      "",
		strings.Repeat("a", 80):    strings.Repeat("a", 63),
		"Mixed_Case Name\tWith\nWS": "mixed-case-name-with-ws",
	}
	for in, want := range cases {
		assert.Equal(t, want, SiteLabel(in), "input %q", in)
	}
	assert.Equal(t, "acme.rokct.ai", SiteName("Acme", "rokct.ai."))
	assert.Equal(t, "", SiteName("???", "rokct.ai"))
}
