// Package support is the control-plane side of the verification and support
// bridge: tenant secret authentication, email verification callbacks,
// welcome resends, migration approval, temporary support access and API
// secret rotation.
package support

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"github.com/rs/zerolog/log"

	"github.com/RendaniSinyage/rokct/internal/crypto"
	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/logging"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/provision"
	"github.com/RendaniSinyage/rokct/internal/store"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
)

const (
	// RoleSystemManager is the role allowed to run administrative actions.
	RoleSystemManager = "System Manager"
	// DefaultSupportDomain is used when no support email domain is configured.
	DefaultSupportDomain = "rokct.ai"
	// AccessDuration is how long a temporary support user stays enabled.
	AccessDuration = 24 * time.Hour

	maxLabelLength = 30
)

var labelWords = strings.NewReplacer("_", " ", "@", " at ", "&", " and ")

// Agent is the authenticated operator behind an administrative call.
type Agent struct {
	ID    string
	Roles []string
}

// IsSystemManager reports whether the agent holds RoleSystemManager.
func (a Agent) IsSystemManager() bool {
	for _, r := range a.Roles {
		if r == RoleSystemManager {
			return true
		}
	}
	return false
}

// Tenant is the part of the tenant RPC client the bridge needs.
type Tenant interface {
	CreateTemporarySupportUser(ctx context.Context, site, secret, agentID, reason, emailDomain string) (*tenantrpc.SupportCredentials, error)
	DisableTemporarySupportUser(ctx context.Context, site, secret, email string) (string, error)
	GetWelcomeEmailDetails(ctx context.Context, site, secret string, newToken bool) (*tenantrpc.WelcomeDetails, error)
	RotateAPISecret(ctx context.Context, site, currentSecret, newSecret string) error
	SiteURL(site string) string
}

// Notifier sends the emails the bridge produces.
type Notifier interface {
	Welcome(ctx context.Context, site, to string, data notify.WelcomeData) error
	Admin(ctx context.Context, data notify.AdminAlertData)
}

// Config holds the bridge settings.
type Config struct {
	SupportDomain string
}

// Service implements the control-plane half of the bridge.
type Service struct {
	cfg      Config
	store    *store.Store
	tenant   Tenant
	notifier Notifier
	validate *validator.Validate
}

// New returns a Service.
func New(cfg Config, st *store.Store, tenant Tenant, n Notifier) *Service {
	if strings.TrimSpace(cfg.SupportDomain) == "" {
		cfg.SupportDomain = DefaultSupportDomain
	}
	return &Service{cfg: cfg, store: st, tenant: tenant, notifier: n, validate: validator.New()}
}

// Label reduces free text to a lowercase label of letters, digits and
// single hyphens, at most 30 characters long.
func Label(s string) string {
	l := slug.Make(labelWords.Replace(s))
	if len(l) > maxLabelLength {
		l = l[:maxLabelLength]
	}
	return strings.Trim(l, "-")
}

// Email is the address of the temporary support user an agent opens for a
// reason under domain.
func Email(agentID, reason, domain string) string {
	return fmt.Sprintf("support-%s-%s@%s", Label(agentID), Label(reason), strings.ToLower(strings.TrimSpace(domain)))
}

// Authenticate resolves the subscription owning site and checks secret
// against its stored API secret in constant time.
func (s *Service) Authenticate(ctx context.Context, site, secret string) (*store.Subscription, error) {
	const op = "support.authenticate"
	site = strings.ToLower(strings.TrimSpace(site))
	if site == "" || secret == "" {
		return nil, rerrors.Auth(op, "missing site or secret")
	}
	sub, err := s.store.GetSubscriptionBySite(ctx, site)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.APISecret == "" || !crypto.SecretsEqual(sub.APISecret, secret) {
		log.Warn().Str("component", "support").Str("site", site).Msg("Tenant authentication failed")
		return nil, rerrors.Auth(op, "authentication failed")
	}
	return sub, nil
}

// MarkVerified stamps email_verified_on on sub. It is idempotent and never
// moves an existing stamp.
func (s *Service) MarkVerified(ctx context.Context, sub *store.Subscription) (*store.Subscription, error) {
	if sub.EmailVerifiedOn != nil {
		return sub, nil
	}
	out, err := s.store.MutateSubscription(ctx, sub.ID, func(sub *store.Subscription) error {
		if sub.EmailVerifiedOn == nil {
			now := s.store.Now()
			sub.EmailVerifiedOn = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "support").Str("site", out.SiteName).Str("subscription", out.ID).
		Msg("Subscription email verified")
	return out, nil
}

// UpdateUserCount records the active user count a tenant reported.
func (s *Service) UpdateUserCount(ctx context.Context, sub *store.Subscription, count int) (*store.Subscription, error) {
	if count < 0 {
		return nil, rerrors.Validation("support.update_user_count", "user_count must not be negative")
	}
	return s.store.MutateSubscription(ctx, sub.ID, func(sub *store.Subscription) error {
		sub.UserCount = count
		return nil
	})
}

// ApproveMigration sets the migration-approved flag on a subscription.
func (s *Service) ApproveMigration(ctx context.Context, agent Agent, subscriptionID string) (*store.Subscription, error) {
	const op = "support.approve_migration"
	sub, err := s.subscriptionFor(ctx, op, agent, subscriptionID)
	if err != nil {
		return nil, err
	}
	out, err := s.store.MutateSubscription(ctx, sub.ID, func(sub *store.Subscription) error {
		sub.MigrationApproved = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "support").Str("agent", agent.ID).Str("site", out.SiteName).Msg("Migration approved")
	return out, nil
}

// ResendWelcome asks the tenant for a fresh verification token and mails the
// welcome message to the site's first user again. It returns the recipient.
func (s *Service) ResendWelcome(ctx context.Context, agent Agent, subscriptionID string) (string, error) {
	const op = "support.resend_welcome_email"
	sub, err := s.subscriptionFor(ctx, op, agent, subscriptionID)
	if err != nil {
		return "", err
	}
	details, err := s.tenant.GetWelcomeEmailDetails(ctx, sub.SiteName, sub.APISecret, true)
	if err != nil {
		return "", err
	}
	if details.Email == "" || details.VerificationToken == "" {
		return "", rerrors.Permanent(op, fmt.Errorf("tenant returned no pending verification")).WithSubject(sub.SiteName)
	}
	siteURL := s.tenant.SiteURL(sub.SiteName)
	if err := s.notifier.Welcome(ctx, sub.SiteName, details.Email, notify.WelcomeData{
		FirstName:       details.FirstName,
		SiteURL:         siteURL,
		VerificationURL: provision.VerificationURL(siteURL, details.VerificationToken),
	}); err != nil {
		return "", rerrors.Transient(op, err).WithSubject(sub.SiteName)
	}
	log.Info().Str("component", "support").Str("agent", agent.ID).Str("site", sub.SiteName).
		Str("to", details.Email).Msg("Welcome email resent")
	return details.Email, nil
}

// Grant opens a temporary support login on the subscription's site and
// returns its credentials.
func (s *Service) Grant(ctx context.Context, agent Agent, subscriptionID, reason string) (*tenantrpc.SupportCredentials, error) {
	const op = "support.grant_support_access"
	if err := authorize(op, agent); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, rerrors.Validation(op, "subscription_id and reason are required")
	}
	reasonLabel := Label(reason)
	if reasonLabel == "" {
		return nil, rerrors.Validation(op, "reason must contain letters or digits")
	}
	agentLabel := Label(agent.ID)
	if agentLabel == "" {
		return nil, rerrors.Auth(op, "agent identity is missing")
	}
	sub, err := s.subscriptionFor(ctx, op, agent, subscriptionID)
	if err != nil {
		return nil, err
	}
	creds, err := s.tenant.CreateTemporarySupportUser(ctx, sub.SiteName, sub.APISecret, agentLabel, reasonLabel, s.cfg.SupportDomain)
	if err != nil {
		log.Error().Err(err).Str("component", "support").Str("agent", agent.ID).Str("site", sub.SiteName).
			Msg("Failed to grant support access")
		return nil, err
	}
	logging.RegisterSecret(creds.Password)
	log.Info().Str("component", "support").Str("agent", agent.ID).Str("site", sub.SiteName).
		Str("support_user", creds.Email).Str("reason", reasonLabel).Time("expires_at", creds.ExpiresAt).
		Msg("Support access granted")
	return creds, nil
}

// Revoke disables a temporary support login. Revoking an absent or already
// disabled user succeeds.
func (s *Service) Revoke(ctx context.Context, agent Agent, subscriptionID, email string) (string, error) {
	const op = "support.revoke_support_access"
	if err := authorize(op, agent); err != nil {
		return "", err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.validate.Var(email, "required,email"); err != nil {
		return "", rerrors.Validation(op, "a valid support user email is required")
	}
	sub, err := s.subscriptionFor(ctx, op, agent, subscriptionID)
	if err != nil {
		return "", err
	}
	msg, err := s.tenant.DisableTemporarySupportUser(ctx, sub.SiteName, sub.APISecret, email)
	if err != nil {
		log.Error().Err(err).Str("component", "support").Str("agent", agent.ID).Str("site", sub.SiteName).
			Msg("Failed to revoke support access")
		return "", err
	}
	log.Info().Str("component", "support").Str("agent", agent.ID).Str("site", sub.SiteName).
		Str("support_user", email).Msg("Support access revoked")
	return msg, nil
}

// RotateAPISecret issues a new shared secret, pushes it to the tenant using
// the current one and then stores it.
func (s *Service) RotateAPISecret(ctx context.Context, agent Agent, subscriptionID string) error {
	const op = "support.rotate_api_secret"
	sub, err := s.subscriptionFor(ctx, op, agent, subscriptionID)
	if err != nil {
		return err
	}
	secret, err := crypto.GenerateSecret()
	if err != nil {
		return rerrors.Wrap(rerrors.KindInternal, op, err)
	}
	logging.RegisterSecret(secret)
	if err := s.tenant.RotateAPISecret(ctx, sub.SiteName, sub.APISecret, secret); err != nil {
		return err
	}
	if _, err := s.store.MutateSubscription(context.WithoutCancel(ctx), sub.ID, func(sub *store.Subscription) error {
		sub.APISecret = secret
		return nil
	}); err != nil {
		log.Error().Err(err).Str("component", "support").Str("severity", "critical").Str("site", sub.SiteName).
			Msg("Tenant accepted the new API secret but the control plane failed to store it")
		s.notifier.Admin(context.WithoutCancel(ctx), notify.AdminAlertData{
			SiteName: sub.SiteName, Operation: "rotate_api_secret", Success: false,
			Detail: "The tenant holds a new API secret the control plane could not store. Rotate again or restore it manually.",
		})
		return rerrors.Invariant(op, err).WithSubject(sub.SiteName)
	}
	log.Info().Str("component", "support").Str("agent", agent.ID).Str("site", sub.SiteName).Msg("API secret rotated")
	return nil
}

func (s *Service) subscriptionFor(ctx context.Context, op string, agent Agent, subscriptionID string) (*store.Subscription, error) {
	if err := authorize(op, agent); err != nil {
		return nil, err
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, rerrors.Validation(op, "subscription_id is required")
	}
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, rerrors.NotFound(op, "subscription %s not found", subscriptionID)
	}
	if sub.Status == store.StatusDropped {
		return nil, rerrors.Conflict(op, "the site of subscription %s has been deleted", subscriptionID)
	}
	return sub, nil
}

func authorize(op string, agent Agent) error {
	if !agent.IsSystemManager() {
		return rerrors.Auth(op, "you are not authorized to perform this action")
	}
	return nil
}
