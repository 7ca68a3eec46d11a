package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/RendaniSinyage/rokct/internal/crypto"
	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/store"
	"github.com/RendaniSinyage/rokct/internal/support"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
	"github.com/RendaniSinyage/rokct/internal/utils"
)

// Token issuer and audience of agent tokens.
const (
	TokenIssuer   = "rokct-control-plane"
	TokenAudience = "rokct-admin"
)

// AdminKeyAgent is the agent identity of a caller using the static admin key.
const AdminKeyAgent = "admin-key"

// AgentClaims identify a support agent on admin endpoints.
type AgentClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// IssueAgentToken signs an HS256 token for agentID valid for ttl.
func IssueAgentToken(signingKey, agentID string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if signingKey == "" {
		return "", errors.New("jwt signing key is not configured")
	}
	if strings.TrimSpace(agentID) == "" {
		return "", errors.New("agent id is required")
	}
	claims := AgentClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   agentID,
			Audience:  jwt.ClaimStrings{TokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
}

// Authenticator resolves the caller of admin endpoints.
type Authenticator struct {
	AdminKey   string
	SigningKey string
	Now        func() time.Time
}

// Agent returns the agent behind r. The static admin key maps to a System
// Manager; a bearer JWT carries its own roles.
func (a *Authenticator) Agent(r *http.Request) (support.Agent, error) {
	const op = "controlplane.authenticate"
	key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
	bearer := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		bearer = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if key == "" {
		key = bearer
	}
	if a.AdminKey != "" && crypto.SecretsEqual(a.AdminKey, key) {
		return support.Agent{ID: AdminKeyAgent, Roles: []string{support.RoleSystemManager}}, nil
	}
	if bearer == "" || a.SigningKey == "" {
		return support.Agent{}, rerrors.Auth(op, "unauthorized")
	}
	claims, err := a.parse(bearer)
	if err != nil {
		log.Debug().Err(err).Str("component", "controlplane").Msg("Rejected agent token")
		return support.Agent{}, rerrors.Auth(op, "unauthorized")
	}
	return support.Agent{ID: claims.Subject, Roles: claims.Roles}, nil
}

func (a *Authenticator) parse(token string) (*AgentClaims, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	claims := &AgentClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return []byte(a.SigningKey), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("agent token is invalid")
	}
	return claims, nil
}

type agentKey struct{}
type subscriptionKey struct{}

func agentFrom(ctx context.Context) support.Agent {
	a, _ := ctx.Value(agentKey{}).(support.Agent)
	return a
}

func subscriptionFrom(ctx context.Context) *store.Subscription {
	s, _ := ctx.Value(subscriptionKey{}).(*store.Subscription)
	return s
}

// requireAgent admits authenticated POST requests.
func (h *handlers) requireAgent(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !utils.RequirePOST(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, utils.MaxBodyBytes)
		h.withAgent(next).ServeHTTP(w, r)
	})
}

// withAgent authenticates the caller and stores the agent in the request
// context.
func (h *handlers) withAgent(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, err := h.auth.Agent(r)
		if err != nil {
			audit(r, h.trustedProxies, "", "denied")
			utils.WriteError(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), agentKey{}, agent)))
	})
}

// requireTenant admits POST requests from a tenant site: the site header
// must name a host under the tenant domain and the secret must be the
// site's subscription secret. The calling site comes from the site header,
// never from the request Host, which is always the control plane's own
// hostname; a request that carries only a matching Host is rejected.
func (h *handlers) requireTenant(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const op = "controlplane.authenticate_tenant"
		if !utils.RequirePOST(w, r) {
			return
		}
		site := strings.ToLower(strings.TrimSpace(r.Header.Get(tenantrpc.SiteHeader)))
		if site == "" || !wildcard.Match(h.sitePattern, site) {
			utils.WriteError(w, r, rerrors.Auth(op, "unknown site"))
			return
		}
		sub, err := h.support.Authenticate(r.Context(), site, r.Header.Get(tenantrpc.SecretHeader))
		if err != nil {
			log.Warn().Str("component", "controlplane").Str("site", site).Str("ip", utils.ClientIP(r, h.trustedProxies)).
				Msg("Rejected tenant call")
			utils.WriteError(w, r, err)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, utils.MaxBodyBytes)
		next(w, r.WithContext(context.WithValue(r.Context(), subscriptionKey{}, sub)))
	})
}
