// Package provision turns a signup into a running tenant site: it records the
// customer and a Pending subscription, then drives site creation and the
// tenant bootstrap through the job queue.
package provision

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/RendaniSinyage/rokct/internal/bench"
	"github.com/RendaniSinyage/rokct/internal/crypto"
	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/joblock"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/store"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
)

// Defaults for the tenant bootstrap loop.
const (
	DefaultSetupAttempts   = 5
	DefaultSetupRetryDelay = 30 * time.Second

	// CreateSiteTimeout bounds one create_tenant_site run. It stays inside
	// joblock.DefaultStaleAfter so the site lock is never broken mid-run.
	CreateSiteTimeout = 110 * time.Minute

	// completeSetupAttempts lets complete_tenant_setup wait out a held site lock.
	completeSetupAttempts = 3
)

// TenantSetup is the part of the tenant RPC client provisioning needs.
type TenantSetup interface {
	InitialSetup(ctx context.Context, site, secret string, req tenantrpc.InitialSetupRequest) (*tenantrpc.Reply, error)
	SiteURL(site string) string
}

// Notifier sends the emails provisioning produces.
type Notifier interface {
	Welcome(ctx context.Context, site, to string, data notify.WelcomeData) error
	Admin(ctx context.Context, data notify.AdminAlertData)
}

// Config holds the provisioning settings.
type Config struct {
	TenantDomain      string
	PrimaryApp        string
	CommonApps        []string
	EnabledCurrencies []string
	ControlPlaneURL   string
	LoginRedirectURL  string
	SetupAttempts     int
	SetupRetryDelay   time.Duration
	// ForceSync runs every signup as if it asked for sync.
	ForceSync bool
}

// Request is a signup as submitted by the marketing frontend.
type Request struct {
	Plan        string `json:"plan" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	FirstName   string `json:"first_name" validate:"required"`
	LastName    string `json:"last_name" validate:"required"`
	CompanyName string `json:"company_name" validate:"required"`
	Currency    string `json:"currency" validate:"required"`
	Country     string `json:"country" validate:"required"`
	Industry    string `json:"industry" validate:"required"`
	// Sync runs site creation and bootstrap before returning.
	Sync bool `json:"sync,omitempty"`
}

func (r *Request) normalize() {
	r.Plan = strings.TrimSpace(r.Plan)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.CompanyName = strings.TrimSpace(r.CompanyName)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Country = strings.TrimSpace(r.Country)
	r.Industry = strings.TrimSpace(r.Industry)
}

// Result is returned to the signup caller.
type Result struct {
	Status         string       `json:"status"`
	Message        string       `json:"message"`
	SiteName       string       `json:"site_name"`
	SubscriptionID string       `json:"subscription_id"`
	FinalStatus    store.Status `json:"subscription_status,omitempty"`
}

// Service runs the provisioning pipeline.
type Service struct {
	cfg      Config
	store    *store.Store
	queue    *jobs.Queue
	bench    *bench.Bench
	locker   joblock.Locker
	tenant   TenantSetup
	notifier Notifier
	crypto   *crypto.Manager
	validate *validator.Validate
	now      func() time.Time
}

// New returns a Service. A nil locker runs the pipeline without site locks.
func New(cfg Config, st *store.Store, q *jobs.Queue, b *bench.Bench, locker joblock.Locker, tenant TenantSetup, n Notifier, cm *crypto.Manager) *Service {
	if cfg.SetupAttempts < 1 {
		cfg.SetupAttempts = DefaultSetupAttempts
	}
	if cfg.SetupRetryDelay <= 0 {
		cfg.SetupRetryDelay = DefaultSetupRetryDelay
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Service{
		cfg: cfg, store: st, queue: q, bench: b, locker: locker, tenant: tenant, notifier: n, crypto: cm,
		validate: v, now: time.Now,
	}
}

// SetNow overrides the clock. Tests only.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Handlers returns the job handlers of the pipeline.
func (s *Service) Handlers() []jobs.Handler {
	return []jobs.Handler{
		jobs.WithTimeout(jobs.Typed(jobs.KindCreateTenantSite, func(ctx context.Context, _ string, p SitePayload) error {
			return s.CreateSite(ctx, p)
		}), CreateSiteTimeout),
		jobs.Typed(jobs.KindCompleteTenantSetup, func(ctx context.Context, _ string, p SitePayload) error {
			return s.CompleteSetup(ctx, p)
		}),
	}
}

// Provision validates a signup, records the customer and a Pending
// subscription and queues site creation. Nothing is written when validation
// fails.
func (s *Service) Provision(ctx context.Context, req Request) (*Result, error) {
	const op = "provision.provision_new_tenant"
	req.normalize()
	if s.cfg.ForceSync {
		req.Sync = true
	}

	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	plan, err := s.store.GetPlan(ctx, req.Plan)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, rerrors.Validation(op, "Subscription plan '%s' not found.", req.Plan)
	}
	if !s.currencyEnabled(req.Currency) {
		return nil, rerrors.Validation(op, "Currency '%s' is not enabled or does not exist.", req.Currency)
	}
	exists, err := s.store.EmailExists(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, rerrors.Conflict(op, "A customer account with this email address already exists.")
	}

	site := SiteName(req.CompanyName, s.cfg.TenantDomain)
	if site == "" {
		return nil, rerrors.Validation(op, "Company name %q does not produce a usable site name.", req.CompanyName)
	}

	customer, err := s.store.GetCustomerByName(ctx, req.CompanyName)
	if err != nil {
		return nil, err
	}
	if customer != nil {
		if err := s.checkReturningCustomer(ctx, customer, plan, req.CompanyName); err != nil {
			return nil, err
		}
	}

	inUse, err := s.store.SiteNameInUse(ctx, site)
	if err != nil {
		return nil, err
	}
	if inUse {
		return nil, rerrors.Conflict(op, "The site name '%s' is already in use. Please choose a different company name.", site).WithSubject(site)
	}

	secret, err := crypto.GenerateSecret()
	if err != nil {
		return nil, err
	}
	token, err := crypto.GenerateToken()
	if err != nil {
		return nil, err
	}
	encPassword, err := s.crypto.EncryptString(req.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt signup password: %w", err)
	}

	now := s.now().UTC()
	sub := &store.Subscription{
		PlanID:    plan.ID,
		SiteName:  site,
		Status:    store.StatusPending,
		APISecret: secret,
		StartDate: store.Date(now),
	}
	if plan.TrialPeriodDays > 0 && !plan.IsFree() {
		sub.TrialEndsOn = store.DatePtr(now.AddDate(0, 0, plan.TrialPeriodDays))
	}
	payload := SitePayload{
		SiteName: site,
		User: UserDetails{
			Email:             req.Email,
			EncryptedPassword: encPassword,
			FirstName:         req.FirstName,
			LastName:          req.LastName,
			CompanyName:       req.CompanyName,
			Currency:          req.Currency,
			Country:           req.Country,
			VerificationToken: token,
		},
		Sync: req.Sync,
	}

	err = s.store.InTx(ctx, func(tx *store.Store) error {
		if customer == nil {
			customer = &store.Customer{
				DisplayName: req.CompanyName,
				Email:       req.Email,
				Industry:    req.Industry,
				Currency:    req.Currency,
			}
			if err := tx.CreateCustomer(ctx, customer); err != nil {
				return err
			}
		}
		sub.CustomerID = customer.ID
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		payload.SubscriptionID = sub.ID
		if req.Sync {
			return nil
		}
		_, err := jobs.Enqueue(ctx, tx.Conn(), now, jobs.Spec{
			Kind:        jobs.KindCreateTenantSite,
			Subject:     sub.ID,
			Payload:     payload,
			MaxAttempts: 3,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("component", "provision").Str("site", site).Str("subscription", sub.ID).
		Str("plan", plan.ID).Bool("sync", req.Sync).Msg("Tenant signup accepted")

	result := &Result{
		Status:         "success",
		Message:        fmt.Sprintf("Site %s is being set up. You will receive an email shortly.", site),
		SiteName:       site,
		SubscriptionID: sub.ID,
	}
	if req.Sync {
		if err := s.CreateSite(ctx, payload); err != nil {
			return nil, err
		}
		final, err := s.store.GetSubscription(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		if final != nil {
			result.FinalStatus = final.Status
		}
		result.Message = fmt.Sprintf("Site %s is ready.", site)
	}
	return result, nil
}

// checkReturningCustomer applies the trial-abuse and duplicate-subscription
// guards to a company that signed up before.
func (s *Service) checkReturningCustomer(ctx context.Context, c *store.Customer, plan *store.Plan, company string) error {
	const op = "provision.provision_new_tenant"
	if plan.TrialPeriodDays > 0 {
		hadTrial, err := s.store.CustomerHadTrial(ctx, c.ID)
		if err != nil {
			return err
		}
		if hadTrial {
			return rerrors.Conflict(op, "This account has already had a trial period and is not eligible for another. Please choose a paid plan.")
		}
	}
	live, err := s.store.CustomerHasLiveSubscription(ctx, c.ID)
	if err != nil {
		return err
	}
	if live {
		return rerrors.Conflict(op, "A subscription for '%s' already exists. If you need assistance, please contact support.", company)
	}
	return nil
}

func (s *Service) validateRequest(req Request) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return rerrors.Validation("provision.validate", "invalid request: %v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "email":
			msgs = append(msgs, "You must provide a valid email address.")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s characters long", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return rerrors.Validation("provision.validate", "%s", strings.Join(msgs, "; "))
}

func (s *Service) currencyEnabled(code string) bool {
	for _, c := range s.cfg.EnabledCurrencies {
		if strings.EqualFold(strings.TrimSpace(c), code) {
			return true
		}
	}
	return false
}
