package store

import (
	"context"
	"fmt"
	"strings"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
)

// GetSMTPOverride returns the outgoing mail server configured for siteName,
// or (nil, nil) when the site uses the platform sender.
func (s *Store) GetSMTPOverride(ctx context.Context, siteName string) (*SMTPOverride, error) {
	var o SMTPOverride
	var password string
	err := s.q.QueryRowContext(ctx, `SELECT site_name, host, port, username, password, from_email
		FROM smtp_overrides WHERE site_name = ?`, siteName).
		Scan(&o.SiteName, &o.Host, &o.Port, &o.Username, &password, &o.FromEmail)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get smtp override: %w", err)
	}
	if o.Password, err = s.decrypt(password); err != nil {
		return nil, err
	}
	return &o, nil
}

// UpsertSMTPOverride stores the outgoing mail server for a site.
func (s *Store) UpsertSMTPOverride(ctx context.Context, o *SMTPOverride) error {
	const op = "store.upsert_smtp_override"
	if o == nil || strings.TrimSpace(o.SiteName) == "" {
		return rerrors.Validation(op, "site name is required")
	}
	if strings.TrimSpace(o.Host) == "" {
		return rerrors.Validation(op, "smtp host is required")
	}
	if o.Port <= 0 || o.Port > 65535 {
		o.Port = 587
	}
	password, err := s.encrypt(o.Password)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO smtp_overrides (site_name, host, port, username, password, from_email, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_name) DO UPDATE SET
			host = excluded.host, port = excluded.port, username = excluded.username,
			password = excluded.password, from_email = excluded.from_email, updated_at = excluded.updated_at`,
		o.SiteName, o.Host, o.Port, o.Username, password, o.FromEmail, s.timestamp().Unix())
	if err != nil {
		return fmt.Errorf("upsert smtp override: %w", err)
	}
	return nil
}

// DeleteSMTPOverride removes the override of a site. Missing rows are ignored.
func (s *Store) DeleteSMTPOverride(ctx context.Context, siteName string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM smtp_overrides WHERE site_name = ?`, siteName); err != nil {
		return fmt.Errorf("delete smtp override: %w", err)
	}
	return nil
}
