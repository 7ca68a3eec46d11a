// Package notify renders and delivers transactional email. Each tenant site
// may configure its own SMTP server; delivery falls back to the platform
// sender when the override is missing or fails.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
	"github.com/rs/zerolog/log"
)

// Message is one outgoing email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
	Tag     string
}

// Sender delivers a Message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// PostmarkSender sends through the Postmark API.
type PostmarkSender struct {
	client *postmark.Client
}

// NewPostmarkSender returns a Postmark sender. serverToken is required.
func NewPostmarkSender(serverToken, accountToken string) (*PostmarkSender, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	return &PostmarkSender{client: postmark.NewClient(serverToken, accountToken)}, nil
}

// Send delivers msg.
func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     msg.From,
		To:       msg.To,
		Subject:  msg.Subject,
		Tag:      msg.Tag,
		HTMLBody: msg.HTML,
		TextBody: msg.Text,
	})
	if err != nil {
		return fmt.Errorf("postmark request failed: %w", err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
	}
	return nil
}

// LogSender logs emails instead of sending them. Used when no provider is configured.
type LogSender struct {
	logFn func(to, subject, body string)
}

// NewLogSender creates a sender that hands each email to logFn.
func NewLogSender(logFn func(to, subject, body string)) *LogSender {
	return &LogSender{logFn: logFn}
}

// Send logs the email.
func (l *LogSender) Send(_ context.Context, msg Message) error {
	if l.logFn != nil {
		l.logFn(msg.To, msg.Subject, msg.Text)
	}
	return nil
}

// DefaultLogFn logs an email with its body truncated.
func DefaultLogFn(to, subject, body string) {
	if len(body) > 500 {
		body = body[:500] + "..."
	}
	log.Info().Str("component", "notify").Str("to", to).Str("subject", subject).Str("body", body).Msg("Email (log sender)")
}

// ErrNoRecipient is returned for messages without a recipient.
var ErrNoRecipient = errors.New("email has no recipient")
