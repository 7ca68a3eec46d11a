// Package controlplane is the HTTP surface of the control plane: public
// signup, the secret-authenticated calls tenant sites make, and the admin
// endpoints support agents use.
package controlplane

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RendaniSinyage/rokct/internal/deprovision"
	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/jobs"
	"github.com/RendaniSinyage/rokct/internal/metrics"
	"github.com/RendaniSinyage/rokct/internal/payment"
	"github.com/RendaniSinyage/rokct/internal/provision"
	"github.com/RendaniSinyage/rokct/internal/store"
	"github.com/RendaniSinyage/rokct/internal/support"
	"github.com/RendaniSinyage/rokct/internal/utils"
)

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the HTTP settings of the control plane.
type Config struct {
	AdminKey            string
	JWTSigningKey       string
	TenantDomain        string
	TrustedProxies      []string
	SignupRatePerMinute int
	SignupBurst         int
	Version             string
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config      Config
	Store       *store.Store
	Queue       *jobs.Queue
	Provision   *provision.Service
	Support     *support.Service
	Deprovision *deprovision.Service
	Gateway     payment.Gateway
	// Ready lists extra dependencies /readyz pings, such as the Redis lock.
	Ready []Pinger
}

type handlers struct {
	deps           *Deps
	auth           *Authenticator
	support        *support.Service
	sitePattern    string
	trustedProxies []string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	h := &handlers{
		deps:           deps,
		auth:           &Authenticator{AdminKey: deps.Config.AdminKey, SigningKey: deps.Config.JWTSigningKey},
		support:        deps.Support,
		sitePattern:    "*." + strings.ToLower(strings.TrimPrefix(deps.Config.TenantDomain, ".")),
		trustedProxies: deps.Config.TrustedProxies,
	}
	perMinute, burst := deps.Config.SignupRatePerMinute, deps.Config.SignupBurst
	if perMinute < 1 {
		perMinute = 5
	}
	if burst < 1 {
		burst = 3
	}
	signupLimiter := NewIPRateLimiter(perMinute, burst, deps.Config.TrustedProxies)

	// Probes are unauthenticated.
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)

	// Metrics are private.
	mux.Handle("/metrics", h.withAgent(promhttp.Handler().ServeHTTP))

	// Public, throttled per client IP.
	route(mux, "/provision_new_tenant", signupLimiter.Middleware(http.HandlerFunc(h.handleProvision)))
	route(mux, "/verify_payment_authorization", signupLimiter.Middleware(http.HandlerFunc(h.handleVerifyPayment)))

	// Tenant sites, authenticated by the site header and shared secret.
	route(mux, "/get_subscription_status", h.requireTenant(h.handleSubscriptionStatus))
	route(mux, "/mark_subscription_as_verified", h.requireTenant(h.handleMarkVerified))
	route(mux, "/update_user_count", h.requireTenant(h.handleUpdateUserCount))

	// Support agents.
	route(mux, "/approve_migration", h.requireAgent(h.handleApproveMigration))
	route(mux, "/resend_welcome_email", h.requireAgent(h.handleResendWelcome))
	route(mux, "/grant_support_access", h.requireAgent(h.handleGrantSupport))
	route(mux, "/revoke_support_access", h.requireAgent(h.handleRevokeSupport))
	route(mux, "/rotate_api_secret", h.requireAgent(h.handleRotateSecret))
	route(mux, "/cancel_subscription", h.requireAgent(h.handleCancel))
	route(mux, "/ban_subscription", h.requireAgent(h.handleBan))
	route(mux, "/delete_customer", h.requireAgent(h.handleDeleteCustomer))
	route(mux, "/retry_payment", h.requireAgent(h.handleRetryPayment))
}

// route registers next at path and counts its responses.
func route(mux *http.ServeMux, path string, next http.Handler) {
	mux.Handle(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := utils.NewStatusRecorder(w)
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(path, strconv.Itoa(rec.Status)).Inc()
	}))
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	checks := append([]Pinger{h.deps.Store}, h.deps.Ready...)
	for _, c := range checks {
		if err := c.Ping(ctx); err != nil {
			utils.WriteError(w, r, rerrors.Transient("controlplane.readyz", err))
			return
		}
	}
	_ = utils.WriteJSONResponse(w, map[string]string{"status": "ready", "version": h.deps.Config.Version})
}
