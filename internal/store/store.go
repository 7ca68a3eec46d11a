package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RendaniSinyage/rokct/internal/crypto"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists customers, plans, add-ons, subscriptions and their side
// tables in SQLite. Secret columns are encrypted with the configured manager.
type Store struct {
	db     *sql.DB
	q      DBTX
	crypto *crypto.Manager
	now    func() time.Time
	inTx   bool
}

// Open opens (or creates) the control-plane store in dir and applies migrations.
func Open(ctx context.Context, dir string, cm *crypto.Manager) (*Store, error) {
	if cm == nil {
		return nil, fmt.Errorf("store requires an encryption manager")
	}
	db, err := OpenSQLite(dir, "rokct.db")
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, q: db, crypto: cm, now: time.Now}, nil
}

// OpenSQLite opens a SQLite database file in dir with the pragmas every
// store in this module uses.
func OpenSQLite(dir, file string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, file)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// SetNow overrides the clock used for timestamps. Tests only.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

// DB exposes the underlying handle for packages sharing the database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Conn returns the handle the store is currently writing through: the open
// transaction inside InTx, the database otherwise.
func (s *Store) Conn() DBTX {
	return s.q
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn inside a single transaction. The *Store passed to fn must be
// used for every read and write; the outer store would block on the single
// connection. Nested calls reuse the surrounding transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Store{db: s.db, q: sqlTx, crypto: s.crypto, now: s.now, inTx: true}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
			return
		}
		if cerr := sqlTx.Commit(); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()
	return fn(tx)
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.timestamp()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func (s *Store) encrypt(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	enc, err := s.crypto.EncryptString(v)
	if err != nil {
		return "", fmt.Errorf("encrypt field: %w", err)
	}
	return enc, nil
}

func (s *Store) decrypt(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	dec, err := s.crypto.DecryptString(v)
	if err != nil {
		return "", fmt.Errorf("decrypt field: %w", err)
	}
	return dec, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func nullableDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return Date(*t).Format(dateLayout)
}

func dateFromNull(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", v.String, err)
	}
	return &d, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
