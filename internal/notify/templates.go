package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
)

const layoutHTML = `{{define "layout"}}<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 520px; margin: 0 auto; background: #ffffff; border-radius: 8px; box-shadow: 0 1px 3px rgba(0,0,0,0.1);">
<tr><td style="padding: 32px 40px; text-align: left; color: #1a1a1a; font-size: 15px; line-height: 1.5;">
<h1 style="margin: 0 0 16px; font-size: 22px;">{{.Title}}</h1>
{{template "body" .Data}}
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>{{end}}`

// emailTemplate pairs an HTML body with a plain-text rendition.
type emailTemplate struct {
	subject *texttemplate.Template
	html    *template.Template
	text    *texttemplate.Template
}

func mustTemplate(name, subject, htmlBody, textBody string) emailTemplate {
	h := template.Must(template.New(name).Parse(layoutHTML))
	template.Must(h.New("body").Parse(htmlBody))
	return emailTemplate{
		subject: texttemplate.Must(texttemplate.New(name + "_subject").Parse(subject)),
		html:    h,
		text:    texttemplate.Must(texttemplate.New(name + "_text").Parse(textBody)),
	}
}

func (t emailTemplate) render(data any) (subject, html, text string, err error) {
	var sb, hb, tb bytes.Buffer
	if err := t.subject.Execute(&sb, data); err != nil {
		return "", "", "", fmt.Errorf("render subject: %w", err)
	}
	subject = strings.TrimSpace(sb.String())
	if err := t.html.ExecuteTemplate(&hb, "layout", struct {
		Title string
		Data  any
	}{subject, data}); err != nil {
		return "", "", "", fmt.Errorf("render html: %w", err)
	}
	if err := t.text.Execute(&tb, data); err != nil {
		return "", "", "", fmt.Errorf("render text: %w", err)
	}
	return subject, hb.String(), tb.String(), nil
}

// WelcomeData fills the welcome email.
type WelcomeData struct {
	FirstName       string
	SiteURL         string
	VerificationURL string
}

var welcomeTemplate = mustTemplate("welcome",
	`Welcome to ROKCT, {{.FirstName}}`,
	`<p>Hi {{.FirstName}},</p>
<p>Your workspace is ready at <a href="{{.SiteURL}}">{{.SiteURL}}</a>.</p>
<p>Please confirm your email address to keep your account active:</p>
<p><a href="{{.VerificationURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px;">Verify my email</a></p>
<p style="color: #999; font-size: 13px;">Accounts that are not verified within 3 days are canceled.</p>`,
	`Hi {{.FirstName}},

Your workspace is ready at {{.SiteURL}}.

Verify your email address: {{.VerificationURL}}

Accounts that are not verified within 3 days are canceled.
`)

// TrialEndingData fills the trial reminder.
type TrialEndingData struct {
	SiteName    string
	PlanID      string
	TrialEndsOn string
	BillingURL  string
}

var trialEndingTemplate = mustTemplate("trial_ending",
	`Your ROKCT trial ends on {{.TrialEndsOn}}`,
	`<p>The trial of <strong>{{.PlanID}}</strong> for {{.SiteName}} ends on {{.TrialEndsOn}}.</p>
<p>Add a payment method to keep your plan. Without one the site moves to the free plan.</p>
{{if .BillingURL}}<p><a href="{{.BillingURL}}">Add a payment method</a></p>{{end}}`,
	`The trial of {{.PlanID}} for {{.SiteName}} ends on {{.TrialEndsOn}}.
Add a payment method to keep your plan. Without one the site moves to the free plan.
{{if .BillingURL}}{{.BillingURL}}
{{end}}`)

// PaymentData fills payment receipts and failures.
type PaymentData struct {
	SiteName        string
	PlanID          string
	Amount          string
	NextBillingDate string
	Reason          string
	Attempt         int
}

var paymentSuccessTemplate = mustTemplate("payment_success",
	`Payment received for {{.SiteName}}`,
	`<p>We received your payment of <strong>{{.Amount}}</strong> for {{.PlanID}} on {{.SiteName}}.</p>
<p>Your next billing date is {{.NextBillingDate}}.</p>`,
	`We received your payment of {{.Amount}} for {{.PlanID}} on {{.SiteName}}.
Your next billing date is {{.NextBillingDate}}.
`)

var paymentFailedTemplate = mustTemplate("payment_failed",
	`Payment failed for {{.SiteName}}`,
	`<p>We could not charge <strong>{{.Amount}}</strong> for {{.PlanID}} on {{.SiteName}}.</p>
<p>Reason: {{.Reason}}</p>
<p>This was attempt {{.Attempt}} of 3. We will try again in 3 days; after the third failure the site moves to the free plan.</p>`,
	`We could not charge {{.Amount}} for {{.PlanID}} on {{.SiteName}}.
Reason: {{.Reason}}
This was attempt {{.Attempt}} of 3. We will try again in 3 days; after the third failure the site moves to the free plan.
`)

// PlanChangedData fills the downgrade notice.
type PlanChangedData struct {
	SiteName     string
	PreviousPlan string
	NewPlan      string
	Reason       string
}

var planChangedTemplate = mustTemplate("plan_changed",
	`Your ROKCT subscription changed`,
	`<p>The subscription for {{.SiteName}} moved from <strong>{{.PreviousPlan}}</strong> to <strong>{{.NewPlan}}</strong>.</p>
<p>{{.Reason}}</p>
<p>Add a payment method at any time to return to {{.PreviousPlan}}.</p>`,
	`The subscription for {{.SiteName}} moved from {{.PreviousPlan}} to {{.NewPlan}}.
{{.Reason}}
Add a payment method at any time to return to {{.PreviousPlan}}.
`)

// AdminAlertData fills operator notifications.
type AdminAlertData struct {
	SiteName  string
	Operation string
	Success   bool
	Detail    string
}

var adminAlertTemplate = mustTemplate("admin_alert",
	`[{{if .Success}}OK{{else}}FAILED{{end}}] {{.Operation}}: {{.SiteName}}`,
	`<p>Operation <strong>{{.Operation}}</strong> on <strong>{{.SiteName}}</strong> {{if .Success}}succeeded{{else}}failed{{end}}.</p>
{{if .Detail}}<pre style="white-space: pre-wrap; background: #f5f5f5; padding: 12px;">{{.Detail}}</pre>{{end}}`,
	`Operation {{.Operation}} on {{.SiteName}} {{if .Success}}succeeded{{else}}failed{{end}}.
{{if .Detail}}
{{.Detail}}
{{end}}`)

// SupportExpiredData fills the tenant notice about expired support users.
type SupportExpiredData struct {
	SiteName string
	Emails   []string
}

var supportExpiredTemplate = mustTemplate("support_expired",
	`Temporary support access expired on {{.SiteName}}`,
	`<p>The following temporary support users were disabled because their access expired:</p>
<ul>{{range .Emails}}<li>{{.}}</li>{{end}}</ul>`,
	`The following temporary support users were disabled because their access expired:
{{range .Emails}}- {{.}}
{{end}}`)
