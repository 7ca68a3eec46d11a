package tenantsite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/RendaniSinyage/rokct/internal/crypto"
	"github.com/RendaniSinyage/rokct/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Role names on a tenant site.
const (
	RoleSystemManager = "System Manager"
	RoleCompanyUser   = "Company User"
)

// Setting keys.
const (
	settingAPISecret        = "api_secret"
	settingControlPlaneURL  = "control_plane_url"
	settingLoginRedirectURL = "login_redirect_url"
	settingCompanyName      = "company_name"
	settingCurrency         = "currency"
	settingCountry          = "country"
	settingSetupComplete    = "setup_complete"
)

// User is a login on the tenant site.
type User struct {
	Email             string
	FirstName         string
	LastName          string
	PasswordHash      string
	Roles             []string
	Enabled           bool
	Temporary         bool
	ExpiresAt         *time.Time
	VerificationToken string
	EmailVerifiedAt   *time.Time
	CreatedAt         time.Time
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// FullName joins first and last name.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Store is the tenant site's local SQLite database: users and site settings.
type Store struct {
	db     *sql.DB
	q      store.DBTX
	crypto *crypto.Manager
	now    func() time.Time
}

// OpenStore opens (or creates) the tenant store in dir and applies migrations.
func OpenStore(ctx context.Context, dir string, cm *crypto.Manager) (*Store, error) {
	if cm == nil {
		return nil, fmt.Errorf("tenant store requires an encryption manager")
	}
	db, err := store.OpenSQLite(dir, "tenant.db")
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, q: db, crypto: cm, now: time.Now}, nil
}

// SetNow overrides the clock. Tests only.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// inTx runs fn against a transaction-bound copy of the store.
func (s *Store) inTx(ctx context.Context, fn func(tx *Store) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
			return
		}
		if cerr := sqlTx.Commit(); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()
	return fn(&Store{db: s.db, q: sqlTx, crypto: s.crypto, now: s.now})
}

// Setting returns a plain setting, or "" when unset.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value); err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// APISecret returns the decrypted shared secret, or "" before initial setup.
func (s *Store) APISecret(ctx context.Context) (string, error) {
	enc, err := s.Setting(ctx, settingAPISecret)
	if err != nil || enc == "" {
		return "", err
	}
	secret, err := s.crypto.DecryptString(enc)
	if err != nil {
		return "", fmt.Errorf("decrypt api secret: %w", err)
	}
	return secret, nil
}

// SetAPISecret stores the shared secret encrypted.
func (s *Store) SetAPISecret(ctx context.Context, secret string) error {
	enc, err := s.crypto.EncryptString(secret)
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}
	return s.setSetting(ctx, settingAPISecret, enc)
}

// SetupComplete reports whether initial setup has run.
func (s *Store) SetupComplete(ctx context.Context) (bool, error) {
	v, err := s.Setting(ctx, settingSetupComplete)
	return v == "1", err
}

const userColumns = `email, first_name, last_name, password_hash, roles, enabled, temporary,
	expires_at, verification_token, email_verified_at, created_at`

// CreateUser inserts u, replacing nothing.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	roles, err := json.Marshal(nonNil(u.Roles))
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	now := s.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO users (`+userColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(u.Email), u.FirstName, u.LastName, u.PasswordHash, string(roles),
		boolInt(u.Enabled), boolInt(u.Temporary), unixOrNil(u.ExpiresAt), nullString(u.VerificationToken),
		unixOrNil(u.EmailVerifiedAt), u.CreatedAt.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Email, err)
	}
	return nil
}

// GetUser returns the user with email, or nil.
func (s *Store) GetUser(ctx context.Context, email string) (*User, error) {
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

// UserByToken returns the user holding a verification token, or nil.
func (s *Store) UserByToken(ctx context.Context, token string) (*User, error) {
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE verification_token = ?`, token)
}

// FirstSystemManager returns the oldest enabled permanent System Manager.
func (s *Store) FirstSystemManager(ctx context.Context) (*User, error) {
	users, err := s.listUsers(ctx, `SELECT `+userColumns+` FROM users
		WHERE enabled = 1 AND temporary = 0 ORDER BY created_at, email`)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.HasRole(RoleSystemManager) {
			return u, nil
		}
	}
	return nil, nil
}

// SystemManagers returns every enabled permanent System Manager.
func (s *Store) SystemManagers(ctx context.Context) ([]*User, error) {
	users, err := s.listUsers(ctx, `SELECT `+userColumns+` FROM users
		WHERE enabled = 1 AND temporary = 0 ORDER BY created_at, email`)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.HasRole(RoleSystemManager) {
			out = append(out, u)
		}
	}
	return out, nil
}

// ExpiredTemporaryUsers returns enabled temporary users whose expiry is
// before now.
func (s *Store) ExpiredTemporaryUsers(ctx context.Context, now time.Time) ([]*User, error) {
	return s.listUsers(ctx, `SELECT `+userColumns+` FROM users
		WHERE temporary = 1 AND enabled = 1 AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at`, now.Unix())
}

// CountActiveUsers counts enabled users, temporary support logins excluded.
func (s *Store) CountActiveUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE enabled = 1 AND temporary = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// DisableUser disables a user and reports whether it existed.
func (s *Store) DisableUser(ctx context.Context, email string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE users SET enabled = 0, updated_at = ? WHERE email = ?`,
		s.Now().Unix(), strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return false, fmt.Errorf("disable user %s: %w", email, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(ctx context.Context, email string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email))); err != nil {
		return fmt.Errorf("delete user %s: %w", email, err)
	}
	return nil
}

// SetVerificationToken replaces the pending verification token of a user.
func (s *Store) SetVerificationToken(ctx context.Context, email, token string) error {
	if _, err := s.q.ExecContext(ctx, `UPDATE users SET verification_token = ?, updated_at = ? WHERE email = ?`,
		nullString(token), s.Now().Unix(), strings.ToLower(email)); err != nil {
		return fmt.Errorf("set verification token for %s: %w", email, err)
	}
	return nil
}

// ConsumeVerificationToken clears token and stamps the owner verified. It
// returns false when no user holds the token.
func (s *Store) ConsumeVerificationToken(ctx context.Context, token string) (bool, error) {
	now := s.Now().Unix()
	res, err := s.q.ExecContext(ctx, `UPDATE users
		SET verification_token = NULL, email_verified_at = COALESCE(email_verified_at, ?), updated_at = ?
		WHERE verification_token = ?`, now, now, token)
	if err != nil {
		return false, fmt.Errorf("consume verification token: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) queryUser(ctx context.Context, query string, args ...any) (*User, error) {
	users, err := s.listUsers(ctx, query, args...)
	if err != nil || len(users) == 0 {
		return nil, err
	}
	return users[0], nil
}

func (s *Store) listUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var (
			u                  User
			roles              string
			enabled, temporary int
			expires, verified  sql.NullInt64
			token              sql.NullString
			created            int64
		)
		if err := rows.Scan(&u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &roles, &enabled, &temporary,
			&expires, &token, &verified, &created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if err := json.Unmarshal([]byte(roles), &u.Roles); err != nil {
			return nil, fmt.Errorf("decode roles of %s: %w", u.Email, err)
		}
		u.Enabled = enabled != 0
		u.Temporary = temporary != 0
		u.ExpiresAt = timeOrNil(expires)
		u.EmailVerifiedAt = timeOrNil(verified)
		u.VerificationToken = token.String
		u.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &u)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
