package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/RendaniSinyage/rokct/internal/logging"
	"github.com/RendaniSinyage/rokct/internal/store"
)

// OverrideLookup returns the SMTP override of a site, or nil.
type OverrideLookup interface {
	GetSMTPOverride(ctx context.Context, siteName string) (*store.SMTPOverride, error)
}

// Config holds the platform sender identity.
type Config struct {
	From       string
	AdminEmail string
}

// Notifier renders templates and delivers them, preferring a site's SMTP
// override and falling back to the platform sender.
type Notifier struct {
	cfg       Config
	fallback  Sender
	overrides OverrideLookup
	smtpFor   func(store.SMTPOverride) Sender
}

// New returns a Notifier. overrides may be nil.
func New(cfg Config, fallback Sender, overrides OverrideLookup) *Notifier {
	if fallback == nil {
		fallback = NewLogSender(DefaultLogFn)
	}
	return &Notifier{
		cfg:       cfg,
		fallback:  fallback,
		overrides: overrides,
		smtpFor:   func(o store.SMTPOverride) Sender { return NewSMTPSender(o) },
	}
}

// Send delivers msg for site. Secrets registered with the logging package
// are stripped from every part before delivery.
func (n *Notifier) Send(ctx context.Context, site string, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	if msg.From == "" {
		msg.From = n.cfg.From
	}
	msg.Subject = logging.Redact(msg.Subject)
	msg.HTML = logging.Redact(msg.HTML)
	msg.Text = logging.Redact(msg.Text)

	if site != "" && n.overrides != nil {
		override, err := n.overrides.GetSMTPOverride(ctx, site)
		if err != nil {
			log.Warn().Err(err).Str("component", "notify").Str("site", site).Msg("SMTP override lookup failed, using platform sender")
		} else if override != nil {
			err := n.smtpFor(*override).Send(ctx, msg)
			if err == nil {
				return nil
			}
			log.Warn().Err(err).Str("component", "notify").Str("site", site).Str("host", override.Host).
				Msg("Site SMTP delivery failed, falling back to platform sender")
		}
	}

	if err := n.fallback.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %q to %s: %w", msg.Subject, msg.To, err)
	}
	return nil
}

func (n *Notifier) sendTemplate(ctx context.Context, site, to, tag string, t emailTemplate, data any) error {
	subject, html, text, err := t.render(data)
	if err != nil {
		return fmt.Errorf("render %s email: %w", tag, err)
	}
	return n.Send(ctx, site, Message{To: to, Subject: subject, HTML: html, Text: text, Tag: tag})
}

// Welcome sends the welcome email with the verification link.
func (n *Notifier) Welcome(ctx context.Context, site, to string, data WelcomeData) error {
	return n.sendTemplate(ctx, site, to, "welcome", welcomeTemplate, data)
}

// TrialEnding reminds the customer that the trial ends soon.
func (n *Notifier) TrialEnding(ctx context.Context, site, to string, data TrialEndingData) error {
	return n.sendTemplate(ctx, site, to, "trial_ending", trialEndingTemplate, data)
}

// PaymentSucceeded sends a receipt.
func (n *Notifier) PaymentSucceeded(ctx context.Context, site, to string, data PaymentData) error {
	return n.sendTemplate(ctx, site, to, "payment_success", paymentSuccessTemplate, data)
}

// PaymentFailed tells the customer a charge failed.
func (n *Notifier) PaymentFailed(ctx context.Context, site, to string, data PaymentData) error {
	return n.sendTemplate(ctx, site, to, "payment_failed", paymentFailedTemplate, data)
}

// PlanChanged tells the customer the subscription was downgraded.
func (n *Notifier) PlanChanged(ctx context.Context, site, to string, data PlanChangedData) error {
	return n.sendTemplate(ctx, site, to, "plan_changed", planChangedTemplate, data)
}

// SupportUsersExpired tells a tenant's administrators which support users were disabled.
func (n *Notifier) SupportUsersExpired(ctx context.Context, site, to string, data SupportExpiredData) error {
	return n.sendTemplate(ctx, site, to, "support_expired", supportExpiredTemplate, data)
}

// Admin notifies the operator. It never fails the caller; delivery errors
// are logged.
func (n *Notifier) Admin(ctx context.Context, data AdminAlertData) {
	if n.cfg.AdminEmail == "" {
		log.Info().Str("component", "notify").Str("site", data.SiteName).Str("operation", data.Operation).
			Bool("success", data.Success).Str("detail", logging.Redact(data.Detail)).Msg("Admin notification (no admin email configured)")
		return
	}
	if err := n.sendTemplate(ctx, "", n.cfg.AdminEmail, "admin_alert", adminAlertTemplate, data); err != nil {
		log.Error().Err(err).Str("component", "notify").Str("site", data.SiteName).Str("operation", data.Operation).
			Msg("Failed to send admin notification")
	}
}
