package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/RendaniSinyage/rokct/internal/bench"
	"github.com/RendaniSinyage/rokct/internal/config"
	"github.com/RendaniSinyage/rokct/internal/controlplane"
	"github.com/RendaniSinyage/rokct/internal/crypto"
	"github.com/RendaniSinyage/rokct/internal/deprovision"
	"github.com/RendaniSinyage/rokct/internal/joblock"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/lifecycle"
	"github.com/RendaniSinyage/rokct/internal/logging"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/payment"
	"github.com/RendaniSinyage/rokct/internal/provision"
	"github.com/RendaniSinyage/rokct/internal/store"
	"github.com/RendaniSinyage/rokct/internal/subprocess"
	"github.com/RendaniSinyage/rokct/internal/support"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
)

const tenantRPCTimeout = 30 * time.Second

// loadConfig initializes logging, loads the environment and re-initializes
// logging with the configured level and format.
func loadConfig() (*config.Config, error) {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "rokct",
	})

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "rokct",
	})
	logging.RegisterSecret(cfg.Secrets()...)
	return cfg, nil
}

// app wires the control-plane services shared by every command.
type app struct {
	cfg         *config.Config
	crypto      *crypto.Manager
	store       *store.Store
	queue       *jobs.Queue
	bench       *bench.Bench
	locker      joblock.Locker
	gateway     payment.Gateway
	notifier    *notify.Notifier
	tenant      *tenantrpc.TenantClient
	provision   *provision.Service
	lifecycle   *lifecycle.Reconciler
	deprovision *deprovision.Service
	support     *support.Service
	ready       []controlplane.Pinger
	closers     []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if !cfg.IsControlPanel() {
		return nil, fmt.Errorf("this command needs ROKCT_APP_ROLE=%s", config.RoleControlPanel)
	}
	cm, err := crypto.NewManager(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init encryption: %w", err)
	}
	st, err := store.Open(ctx, cfg.StoreDir(), cm)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, crypto: cm, store: st, closers: []func() error{st.Close}}
	if err := st.EnsureCatalog(ctx, store.DefaultCatalog(cfg.FreePlanID)); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed plan catalog: %w", err)
	}

	if cfg.RedisURL != "" {
		rl, err := joblock.NewRedisLocker(cfg.RedisURL, joblock.DefaultStaleAfter)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.locker = rl
		a.ready = append(a.ready, rl)
		a.closers = append(a.closers, rl.Close)
	} else {
		a.locker = joblock.NewFileLocker(cfg.LockDir(), joblock.DefaultStaleAfter)
	}

	a.queue = jobs.NewQueue(st.DB())
	a.bench = bench.New(bench.Config{
		Path:           cfg.BenchPath,
		Command:        cfg.BenchCommand,
		DBRootPassword: cfg.DBRootPassword,
		AdminPassword:  cfg.AdminPassword,
		MinFreeDiskMB:  cfg.MinFreeDiskMB,
	}, subprocess.NewExecRunner())
	a.gateway = newGateway(cfg, st)
	a.notifier = notify.New(notify.Config{From: cfg.EmailFrom, AdminEmail: cfg.AdminEmail}, newSender(cfg), st)
	a.tenant = tenantrpc.NewTenantClient(cfg.TenantSiteScheme, tenantRPCTimeout)

	a.provision = provision.New(provision.Config{
		TenantDomain:      cfg.TenantDomain,
		PrimaryApp:        cfg.PrimaryApp,
		CommonApps:        cfg.CommonApps,
		EnabledCurrencies: cfg.EnabledCurrencies,
		ControlPlaneURL:   cfg.ControlPlaneURL,
		LoginRedirectURL:  cfg.LoginRedirectURL,
		SetupRetryDelay:   cfg.SetupRetryDelay,
		ForceSync:         cfg.SyncProvisioning,
	}, st, a.queue, a.bench, a.locker, a.tenant, a.notifier, cm)
	a.lifecycle = lifecycle.New(lifecycle.Config{
		FreePlanID: cfg.FreePlanID,
		BillingURL: cfg.MarketingURL,
	}, st, a.queue, a.gateway, a.notifier, a.locker)
	a.deprovision = deprovision.New(st, a.queue, a.bench, a.locker, a.notifier)
	a.support = support.New(support.Config{SupportDomain: cfg.SupportEmailDomain}, st, a.tenant, a.notifier)
	return a, nil
}

// newGateway selects the configured payment gateway. Saved authorizations
// are looked up in auths.
func newGateway(cfg *config.Config, auths payment.AuthorizationLookup) payment.Gateway {
	switch cfg.PaymentGateway {
	case config.GatewayStripe:
		return payment.NewStripeGateway(cfg.StripeAPIKey, nil, auths)
	case config.GatewayLog:
		log.Warn().Msg("Payment gateway: log-only, charges always succeed")
		return payment.LogGateway{}
	default:
		return payment.NewPaystackGateway(cfg.PaystackSecretKey, cfg.PaystackBaseURL, auths)
	}
}

// newSender returns Postmark when a server token is configured and a
// log-only sender otherwise.
func newSender(cfg *config.Config) notify.Sender {
	if cfg.PostmarkServerToken != "" {
		sender, err := notify.NewPostmarkSender(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
		if err == nil {
			log.Info().Msg("Email sender configured (Postmark)")
			return sender
		}
		log.Warn().Err(err).Msg("Postmark unavailable, falling back to log-only email")
	}
	log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN to enable)")
	return notify.NewLogSender(notify.DefaultLogFn)
}

// pool returns a worker pool running every control-plane job kind.
func (a *app) pool() *jobs.Pool {
	p := jobs.NewPool(a.queue, jobs.Options{Workers: a.cfg.Workers})
	p.Register(a.provision.Handlers()...)
	p.Register(a.lifecycle.Handlers()...)
	p.Register(a.deprovision.Handlers()...)
	return p
}

// scheduler runs the daily reconciler on the configured cron spec.
func (a *app) scheduler() (*jobs.Scheduler, error) {
	s := jobs.NewScheduler()
	err := s.Add("reconcile", a.cfg.ReconcileSchedule, func(ctx context.Context) error {
		report, err := a.lifecycle.Run(ctx)
		if err != nil {
			return err
		}
		if report.Failed() {
			log.Warn().Str("component", "lifecycle").Msg("Reconciler run finished with failures")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) routes() *controlplane.Deps {
	return &controlplane.Deps{
		Config: controlplane.Config{
			AdminKey:            a.cfg.AdminKey,
			JWTSigningKey:       a.cfg.JWTSigningKey,
			TenantDomain:        a.cfg.TenantDomain,
			TrustedProxies:      a.cfg.TrustedProxies,
			SignupRatePerMinute: a.cfg.SignupRatePerMinute,
			SignupBurst:         a.cfg.SignupBurst,
			Version:             Version,
		},
		Store:       a.store,
		Queue:       a.queue,
		Provision:   a.provision,
		Support:     a.support,
		Deprovision: a.deprovision,
		Gateway:     a.gateway,
		Ready:       a.ready,
	}
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Failed to close resources cleanly")
	}
}
