package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/RendaniSinyage/rokct/internal/config"
	"github.com/RendaniSinyage/rokct/internal/controlplane"
	"github.com/RendaniSinyage/rokct/internal/crypto"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/tenantsite"
	"github.com/RendaniSinyage/rokct/internal/utils"
)

const shutdownTimeout = 30 * time.Second

var (
	serveWeb    bool
	serveWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server, job workers and scheduler",
	Long: `Run the process for the configured role. On the control plane --web runs
only the HTTP server and --worker only the job workers and the daily
scheduler; with neither flag both run in one process. Processes share the
same store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.AppRole == config.RoleTenant {
			return runTenant(cmd.Context(), cfg)
		}
		web, worker := serveWeb, serveWorker
		if !web && !worker {
			web, worker = true, true
		}
		return runControlPlane(cmd.Context(), cfg, web, worker)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWeb, "web", false, "run only the HTTP server")
	serveCmd.Flags().BoolVar(&serveWorker, "worker", false, "run only the job workers and scheduler")
	serveCmd.MarkFlagsMutuallyExclusive("web", "worker")
}

func runControlPlane(ctx context.Context, cfg *config.Config, web, worker bool) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info().Str("version", Version).Bool("web", web).Bool("worker", worker).
		Str("gateway", a.gateway.Name()).Msg("Starting Rokct control plane")

	g, ctx := errgroup.WithContext(ctx)
	if web {
		mux := http.NewServeMux()
		controlplane.RegisterRoutes(mux, a.routes())
		handler := utils.Instrument("controlplane", utils.SecurityHeaders(mux))
		g.Go(func() error { return serveHTTP(ctx, cfg, handler) })
	}
	if worker {
		sched, err := a.scheduler()
		if err != nil {
			return fmt.Errorf("schedule reconciler: %w", err)
		}
		pool := a.pool()
		g.Go(func() error { return pool.Run(ctx) })
		g.Go(func() error { return sched.Run(ctx) })
	}
	err = ignoreCanceled(g.Wait())
	log.Info().Msg("Control plane stopped")
	return err
}

func runTenant(ctx context.Context, cfg *config.Config) error {
	cm, err := tenantCrypto(cfg)
	if err != nil {
		return err
	}
	st, err := tenantsite.OpenStore(ctx, cfg.StoreDir(), cm)
	if err != nil {
		return fmt.Errorf("open tenant store: %w", err)
	}
	defer st.Close()

	notifier := notify.New(notify.Config{From: cfg.EmailFrom, AdminEmail: cfg.AdminEmail}, newSender(cfg), nil)
	svc := tenantsite.New(tenantsite.Config{
		SiteName:        cfg.SiteName,
		ControlPlaneURL: cfg.ControlPlaneURL,
		APISecret:       cfg.APISecret,
	}, st, notifier)
	defer svc.Close()

	sched := jobs.NewScheduler()
	if err := svc.RegisterSchedules(sched, cfg.TenantJobsSchedule); err != nil {
		return fmt.Errorf("schedule tenant tasks: %w", err)
	}
	mux := http.NewServeMux()
	tenantsite.NewHandler(svc, svc.FeatureGate()).RegisterRoutes(mux)
	handler := utils.Instrument("tenantsite", utils.SecurityHeaders(mux))

	log.Info().Str("version", Version).Str("site", cfg.SiteName).Msg("Starting Rokct tenant bridge")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(ctx, cfg, handler) })
	g.Go(func() error { return sched.Run(ctx) })
	return ignoreCanceled(g.Wait())
}

// tenantCrypto uses ROKCT_ENCRYPTION_KEY when set and a key file in the
// data directory otherwise.
func tenantCrypto(cfg *config.Config) (*crypto.Manager, error) {
	if cfg.EncryptionKey != "" {
		return crypto.NewManager(cfg.EncryptionKey)
	}
	return crypto.NewManagerFromKeyFile(cfg.DataDir)
}

// serveHTTP runs handler until ctx is canceled, then shuts down gracefully.
func serveHTTP(ctx context.Context, cfg *config.Config, handler http.Handler) error {
	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("role", cfg.AppRole).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
