package tenantsite

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
	"github.com/RendaniSinyage/rokct/internal/utils"
)

// DefaultStatusCacheDuration applies when the control plane sends none.
const DefaultStatusCacheDuration = 24 * time.Hour

// activeStatuses may use the site.
var activeStatuses = map[string]bool{"Active": true, "Trialing": true, "Free": true}

// StatusSource fetches the subscription status from the control plane.
type StatusSource interface {
	GetSubscriptionStatus(ctx context.Context) (*tenantrpc.SubscriptionStatus, error)
}

// FeatureGate answers whether the site's subscription is active and whether
// its plan includes a module. Status is cached for the duration the control
// plane sends with it.
type FeatureGate struct {
	source func(ctx context.Context) (StatusSource, error)
	now    func() time.Time

	mu      sync.Mutex
	cached  *tenantrpc.SubscriptionStatus
	expires time.Time
}

// NewFeatureGate returns a gate fetching through source.
func NewFeatureGate(source StatusSource) *FeatureGate {
	return &FeatureGate{
		source: func(context.Context) (StatusSource, error) { return source, nil },
		now:    time.Now,
	}
}

// FeatureGate returns a gate that talks to the control plane with the site's
// current secret.
func (s *Service) FeatureGate() *FeatureGate {
	return &FeatureGate{
		source: func(ctx context.Context) (StatusSource, error) { return s.controlPlane(ctx) },
		now:    time.Now,
	}
}

// Status returns the cached subscription status, fetching it when stale.
func (g *FeatureGate) Status(ctx context.Context) (*tenantrpc.SubscriptionStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cached != nil && g.now().Before(g.expires) {
		return g.cached, nil
	}
	src, err := g.source(ctx)
	if err != nil {
		return nil, err
	}
	status, err := src.GetSubscriptionStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "feature_gate").Msg("Could not retrieve subscription details")
		return nil, err
	}
	ttl := time.Duration(status.SubscriptionCacheDuration) * time.Second
	if ttl <= 0 {
		ttl = DefaultStatusCacheDuration
	}
	g.cached = status
	g.expires = g.now().Add(ttl)
	return status, nil
}

// Invalidate drops the cached status.
func (g *FeatureGate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cached = nil
}

// Check returns nil when the subscription is active and, when module is not
// empty, the plan includes module.
func (g *FeatureGate) Check(ctx context.Context, module string) error {
	const op = "tenantsite.feature_gate"
	status, err := g.Status(ctx)
	if err != nil {
		return rerrors.Auth(op, "could not retrieve subscription details")
	}
	if !activeStatuses[status.Status] {
		return rerrors.Auth(op, "your subscription is not active")
	}
	if module == "" {
		return nil
	}
	for _, m := range status.Modules {
		if m == module {
			return nil
		}
	}
	return rerrors.Auth(op, fmt.Sprintf("your plan does not include the '%s' feature", module))
}

// Require wraps next so it only runs when Check passes for module.
func (g *FeatureGate) Require(module string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r.Context(), module); err != nil {
			_ = utils.WriteJSONStatus(w, http.StatusForbidden, map[string]string{
				"status": tenantrpc.StatusError, "message": rerrors.PublicMessage(err),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
