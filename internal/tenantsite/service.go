// Package tenantsite is the tenant half of rokct: the endpoints the control
// plane calls on a site, the email verification page, the daily site jobs
// and the subscription feature gate.
package tenantsite

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/RendaniSinyage/rokct/internal/crypto"
	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/logging"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/support"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
)

const (
	supportPasswordLength = 16
	minSecretLength       = 32
	minPasswordLength     = 8
	callbackTimeout       = 30 * time.Second
)

// Notifier sends the emails a tenant site produces.
type Notifier interface {
	SupportUsersExpired(ctx context.Context, site, to string, data notify.SupportExpiredData) error
}

// Config holds the tenant settings.
type Config struct {
	// SiteName identifies this site to the control plane.
	SiteName string
	// ControlPlaneURL overrides the URL received during initial setup.
	ControlPlaneURL string
	// APISecret overrides the secret received during initial setup.
	APISecret  string
	RPCTimeout time.Duration
}

// Service implements the tenant-side operations.
type Service struct {
	cfg      Config
	store    *Store
	notifier Notifier
	validate *validator.Validate

	callbacks sync.WaitGroup
}

// New returns a Service.
func New(cfg Config, st *Store, n Notifier) *Service {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = callbackTimeout
	}
	cfg.SiteName = strings.ToLower(strings.TrimSpace(cfg.SiteName))
	return &Service{cfg: cfg, store: st, notifier: n, validate: validator.New()}
}

// Close waits for outstanding verification callbacks.
func (s *Service) Close() {
	s.callbacks.Wait()
}

// secret returns the shared secret, preferring the configured override.
func (s *Service) secret(ctx context.Context) (string, error) {
	if s.cfg.APISecret != "" {
		return s.cfg.APISecret, nil
	}
	return s.store.APISecret(ctx)
}

// Authenticate checks a presented secret against the site secret.
func (s *Service) Authenticate(ctx context.Context, presented string) error {
	const op = "tenantsite.authenticate"
	secret, err := s.secret(ctx)
	if err != nil {
		return err
	}
	if secret == "" {
		return rerrors.Auth(op, "site has no API secret yet")
	}
	if !crypto.SecretsEqual(secret, presented) {
		log.Warn().Str("component", "tenantsite").Msg("Rejected call with an invalid API secret")
		return rerrors.Auth(op, "authentication failed")
	}
	return nil
}

// controlPlane returns a client for the control plane using the current secret.
func (s *Service) controlPlane(ctx context.Context) (*tenantrpc.ControlPlaneClient, error) {
	url := s.cfg.ControlPlaneURL
	if url == "" {
		stored, err := s.store.Setting(ctx, settingControlPlaneURL)
		if err != nil {
			return nil, err
		}
		url = stored
	}
	secret, err := s.secret(ctx)
	if err != nil {
		return nil, err
	}
	return tenantrpc.NewControlPlaneClient(url, s.cfg.SiteName, secret, s.cfg.RPCTimeout), nil
}

// SetupResult is the outcome of InitialSetup.
type SetupResult struct {
	Warning bool
	Message string
}

// InitialSetup creates the first System Manager and stores the control
// plane details. The presented header secret must equal the secret in the
// request, and once a secret is stored it must match it too. A repeated call
// for an existing user is a warning, not an error.
func (s *Service) InitialSetup(ctx context.Context, presented string, req tenantrpc.InitialSetupRequest) (*SetupResult, error) {
	const op = "tenantsite.initial_setup"
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.validateSetup(req); err != nil {
		return nil, err
	}
	if !crypto.SecretsEqual(presented, req.APISecret) {
		return nil, rerrors.Auth(op, "authentication failed, secrets do not match")
	}
	stored, err := s.secret(ctx)
	if err != nil {
		return nil, err
	}
	if stored != "" && !crypto.SecretsEqual(stored, presented) {
		return nil, rerrors.Auth(op, "authentication failed")
	}
	logging.RegisterSecret(req.APISecret, req.Password)

	existing, err := s.store.GetUser(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Warn().Str("component", "tenantsite").Str("email", req.Email).Msg("Initial setup called for an existing user")
		return &SetupResult{Warning: true, Message: fmt.Sprintf("User %s already exists.", req.Email)}, nil
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.KindInternal, op, err)
	}
	err = s.store.inTx(ctx, func(tx *Store) error {
		if err := tx.SetAPISecret(ctx, req.APISecret); err != nil {
			return err
		}
		for key, value := range map[string]string{
			settingControlPlaneURL:  req.ControlPlaneURL,
			settingLoginRedirectURL: req.LoginRedirectURL,
			settingCompanyName:      req.CompanyName,
			settingCurrency:         strings.ToUpper(req.Currency),
			settingCountry:          req.Country,
			settingSetupComplete:    "1",
		} {
			if err := tx.setSetting(ctx, key, value); err != nil {
				return err
			}
		}
		return tx.CreateUser(ctx, &User{
			Email:             req.Email,
			FirstName:         req.FirstName,
			LastName:          req.LastName,
			PasswordHash:      hash,
			Roles:             []string{RoleSystemManager, RoleCompanyUser},
			Enabled:           true,
			VerificationToken: req.VerificationToken,
		})
	})
	if err != nil {
		return nil, rerrors.Wrap(rerrors.KindInternal, op, err)
	}
	log.Info().Str("component", "tenantsite").Str("email", req.Email).Str("company", req.CompanyName).
		Msg("Initial user and company setup complete")
	return &SetupResult{Message: "Initial user and company setup complete."}, nil
}

func (s *Service) validateSetup(req tenantrpc.InitialSetupRequest) error {
	const op = "tenantsite.initial_setup"
	var missing []string
	for name, v := range map[string]string{
		"email": req.Email, "password": req.Password, "first_name": req.FirstName, "last_name": req.LastName,
		"company_name": req.CompanyName, "api_secret": req.APISecret, "control_plane_url": req.ControlPlaneURL,
		"currency": req.Currency, "country": req.Country, "verification_token": req.VerificationToken,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return rerrors.Validation(op, "missing required parameters: %s", strings.Join(missing, ", "))
	}
	if err := s.validate.Var(req.Email, "email"); err != nil {
		return rerrors.Validation(op, "you must provide a valid email address")
	}
	if len(req.Password) < minPasswordLength {
		return rerrors.Validation(op, "password must be at least %d characters long", minPasswordLength)
	}
	if err := s.validate.Var(req.ControlPlaneURL, "url"); err != nil {
		return rerrors.Validation(op, "control_plane_url must be a URL")
	}
	return nil
}

// CreateTemporarySupportUser creates a System Manager login that expires
// after 24 hours. A previous user with the same address is replaced.
func (s *Service) CreateTemporarySupportUser(ctx context.Context, agentID, reason, emailDomain string) (*tenantrpc.SupportCredentials, error) {
	const op = "tenantsite.create_temporary_support_user"
	agentLabel, reasonLabel := support.Label(agentID), support.Label(reason)
	emailDomain = strings.ToLower(strings.TrimSpace(emailDomain))
	if agentLabel == "" || reasonLabel == "" || emailDomain == "" {
		return nil, rerrors.Validation(op, "agent_id, reason and email_domain are required")
	}
	email := support.Email(agentLabel, reasonLabel, emailDomain)
	if err := s.validate.Var(email, "email"); err != nil {
		return nil, rerrors.Validation(op, "email_domain is not a valid domain")
	}
	password, err := crypto.GeneratePassword(supportPasswordLength)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.KindInternal, op, err)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.KindInternal, op, err)
	}
	expires := s.store.Now().Add(support.AccessDuration)
	err = s.store.inTx(ctx, func(tx *Store) error {
		if err := tx.DeleteUser(ctx, email); err != nil {
			return err
		}
		return tx.CreateUser(ctx, &User{
			Email:        email,
			FirstName:    "ROKCT Support",
			LastName:     "(" + reasonLabel + ")",
			PasswordHash: hash,
			Roles:        []string{RoleSystemManager},
			Enabled:      true,
			Temporary:    true,
			ExpiresAt:    &expires,
		})
	})
	if err != nil {
		return nil, rerrors.Wrap(rerrors.KindInternal, op, err)
	}
	logging.RegisterSecret(password)
	log.Info().Str("component", "tenantsite").Str("support_user", email).Time("expires_at", expires).
		Msg("Temporary support user created")
	return &tenantrpc.SupportCredentials{Email: email, Password: password, ExpiresAt: expires}, nil
}

// DisableTemporarySupportUser disables a login. An absent user is success.
func (s *Service) DisableTemporarySupportUser(ctx context.Context, email string) (string, error) {
	const op = "tenantsite.disable_temporary_support_user"
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.validate.Var(email, "required,email"); err != nil {
		return "", rerrors.Validation(op, "you must provide a valid email address")
	}
	found, err := s.store.DisableUser(ctx, email)
	if err != nil {
		return "", rerrors.Wrap(rerrors.KindInternal, op, err)
	}
	if !found {
		return "User already does not exist.", nil
	}
	log.Info().Str("component", "tenantsite").Str("support_user", email).Msg("Support user disabled")
	return fmt.Sprintf("Support user %s has been disabled.", email), nil
}

// WelcomeEmailDetails returns the first System Manager and their pending
// verification token. newToken issues a fresh token first unless the user
// is already verified.
func (s *Service) WelcomeEmailDetails(ctx context.Context, newToken bool) (*tenantrpc.WelcomeDetails, error) {
	const op = "tenantsite.get_welcome_email_details"
	u, err := s.store.FirstSystemManager(ctx)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, rerrors.NotFound(op, "no primary user found to send the welcome email to")
	}
	token := u.VerificationToken
	if newToken && u.EmailVerifiedAt == nil {
		token, err = crypto.GenerateToken()
		if err != nil {
			return nil, rerrors.Wrap(rerrors.KindInternal, op, err)
		}
		if err := s.store.SetVerificationToken(ctx, u.Email, token); err != nil {
			return nil, rerrors.Wrap(rerrors.KindInternal, op, err)
		}
		log.Info().Str("component", "tenantsite").Str("email", u.Email).Msg("Issued a fresh verification token")
	}
	return &tenantrpc.WelcomeDetails{Email: u.Email, FirstName: u.FirstName, VerificationToken: token}, nil
}

// UpdateAPISecret replaces the stored shared secret.
func (s *Service) UpdateAPISecret(ctx context.Context, secret string) error {
	const op = "tenantsite.update_api_secret"
	if len(secret) < minSecretLength {
		return rerrors.Validation(op, "api_secret must be at least %d characters", minSecretLength)
	}
	if s.cfg.APISecret != "" {
		return rerrors.Conflict(op, "the API secret is pinned by configuration")
	}
	if err := s.store.SetAPISecret(ctx, secret); err != nil {
		return rerrors.Wrap(rerrors.KindInternal, op, err)
	}
	logging.RegisterSecret(secret)
	log.Info().Str("component", "tenantsite").Msg("API secret rotated")
	return nil
}

// VerificationOutcome is what the verification page reports.
type VerificationOutcome int

const (
	VerificationInvalid VerificationOutcome = iota
	VerificationDisabled
	VerificationDone
)

// VerifyEmail consumes a single-use verification token. On success the
// control plane is told in the background; that call is best effort.
func (s *Service) VerifyEmail(ctx context.Context, token string) (VerificationOutcome, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return VerificationInvalid, nil
	}
	u, err := s.store.UserByToken(ctx, token)
	if err != nil {
		return VerificationInvalid, err
	}
	if u == nil {
		return VerificationInvalid, nil
	}
	if !u.Enabled {
		return VerificationDisabled, nil
	}
	ok, err := s.store.ConsumeVerificationToken(ctx, token)
	if err != nil {
		return VerificationInvalid, err
	}
	if !ok {
		return VerificationInvalid, nil
	}
	log.Info().Str("component", "tenantsite").Str("email", u.Email).Msg("Email verified")

	s.callbacks.Add(1)
	go func() {
		defer s.callbacks.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RPCTimeout)
		defer cancel()
		s.notifyVerified(cctx)
	}()
	return VerificationDone, nil
}

func (s *Service) notifyVerified(ctx context.Context) {
	logger := log.With().Str("component", "tenantsite").Str("site", s.cfg.SiteName).Logger()
	cp, err := s.controlPlane(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot reach the control plane to report verification")
		return
	}
	if !cp.Configured() {
		logger.Error().Msg("Tenant site is not configured to communicate with the control plane")
		return
	}
	if err := cp.MarkSubscriptionAsVerified(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to notify the control plane of verification")
		return
	}
	logger.Info().Msg("Control plane notified of verification")
}

// DisableExpiredSupportUsers disables every temporary user whose access
// expired and mails the list to all System Managers. It returns how many
// users were disabled.
func (s *Service) DisableExpiredSupportUsers(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "tenantsite").Str("task", "disable_expired_support_users").Logger()
	expired, err := s.store.ExpiredTemporaryUsers(ctx, s.store.Now())
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		logger.Debug().Msg("No expired support users")
		return 0, nil
	}

	var disabled []string
	for _, u := range expired {
		if _, err := s.store.DisableUser(ctx, u.Email); err != nil {
			logger.Error().Err(err).Str("support_user", u.Email).Msg("Failed to disable expired support user")
			continue
		}
		logger.Info().Str("support_user", u.Email).Msg("Disabled expired support user")
		disabled = append(disabled, u.Email)
	}
	if len(disabled) == 0 {
		return 0, fmt.Errorf("failed to disable %d expired support users", len(expired))
	}

	managers, err := s.store.SystemManagers(ctx)
	if err != nil {
		return len(disabled), err
	}
	if len(managers) == 0 {
		logger.Warn().Msg("No System Managers found to notify about expired support users")
	}
	for _, m := range managers {
		if err := s.notifier.SupportUsersExpired(ctx, s.cfg.SiteName, m.Email, notify.SupportExpiredData{
			SiteName: s.cfg.SiteName, Emails: disabled,
		}); err != nil {
			logger.Error().Err(err).Str("to", m.Email).Msg("Failed to send support expiry notice")
		}
	}
	return len(disabled), nil
}

// ReportActiveUserCount sends the number of active users to the control plane.
func (s *Service) ReportActiveUserCount(ctx context.Context) error {
	count, err := s.store.CountActiveUsers(ctx)
	if err != nil {
		return err
	}
	cp, err := s.controlPlane(ctx)
	if err != nil {
		return err
	}
	if err := cp.UpdateUserCount(ctx, count); err != nil {
		return fmt.Errorf("report user count: %w", err)
	}
	log.Info().Str("component", "tenantsite").Int("user_count", count).Msg("Reported active user count")
	return nil
}
