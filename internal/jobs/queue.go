// Package jobs is the durable work queue drained by the control-plane
// workers. Jobs live in the store's SQLite database so they can be enqueued
// in the same transaction as the state change that requires them.
package jobs

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/RendaniSinyage/rokct/internal/logging"
	"github.com/RendaniSinyage/rokct/internal/store"
)

// Status is the state of a job row.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job kinds run by the control plane.
const (
	KindCreateTenantSite    = "create_tenant_site"
	KindCompleteTenantSetup = "complete_tenant_setup"
	KindDropTenantSite      = "drop_tenant_site"
	KindRetryPayment        = "retry_payment"
)

// DefaultLease is how long a claimed job stays invisible to other workers.
const DefaultLease = 30 * time.Minute

// Job is one unit of queued work.
type Job struct {
	ID          string
	Kind        string
	Subject     string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// Spec describes a job to enqueue.
type Spec struct {
	Kind        string
	Subject     string
	Payload     any
	MaxAttempts int
	RunAt       time.Time
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID(now time.Time) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id.String(), nil
}

// Enqueue inserts a pending job through db, which may be a transaction.
func Enqueue(ctx context.Context, db store.DBTX, now time.Time, spec Spec) (string, error) {
	if spec.Kind == "" {
		return "", fmt.Errorf("job kind is required")
	}
	if spec.MaxAttempts < 1 {
		spec.MaxAttempts = 1
	}
	runAt := spec.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	payload := []byte("{}")
	if spec.Payload != nil {
		var err error
		if payload, err = json.Marshal(spec.Payload); err != nil {
			return "", fmt.Errorf("marshal %s payload: %w", spec.Kind, err)
		}
	}
	id, err := newID(now)
	if err != nil {
		return "", err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO jobs (id, kind, subject, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, spec.Kind, spec.Subject, string(payload), string(StatusPending), spec.MaxAttempts,
		runAt.UnixMilli(), now.Unix(), now.Unix())
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", spec.Kind, err)
	}
	return id, nil
}

// Queue claims and settles jobs.
type Queue struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

// NewQueue returns a queue over the store's database.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db, lease: DefaultLease, now: time.Now}
}

// SetNow overrides the clock. Tests only.
func (q *Queue) SetNow(now func() time.Time) {
	q.now = now
}

// Enqueue inserts a job outside any transaction.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) (string, error) {
	return Enqueue(ctx, q.db, q.now().UTC(), spec)
}

const jobColumns = `id, kind, subject, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at`

// Claim leases the oldest runnable job. Running jobs whose lease expired are
// runnable again. It returns (nil, nil) when nothing is due.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := q.now().UTC()
	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, attempts = attempts + 1, locked_until = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE (status = ? AND run_at <= ?) OR (status = ? AND locked_until < ?)
			ORDER BY run_at, id LIMIT 1
		)
		RETURNING `+jobColumns,
		string(StatusRunning), now.Add(q.lease).UnixMilli(), now.Unix(),
		string(StatusPending), now.UnixMilli(), string(StatusRunning), now.UnixMilli())
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Extend renews the lease of a running job from now. Workers call it while a
// handler runs so a long job is not claimed twice.
func (q *Queue) Extend(ctx context.Context, id string) error {
	now := q.now().UTC()
	_, err := q.db.ExecContext(ctx, `UPDATE jobs SET locked_until = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now.Add(q.lease).UnixMilli(), now.Unix(), id, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("extend job %s lease: %w", id, err)
	}
	return nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.settle(ctx, id, StatusDone, "", time.Time{})
}

// Retry puts a job back to pending, due after delay.
func (q *Queue) Retry(ctx context.Context, id string, cause error, delay time.Duration) error {
	return q.settle(ctx, id, StatusPending, errString(cause), q.now().UTC().Add(delay))
}

// Fail marks a job terminally failed.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	return q.settle(ctx, id, StatusFailed, errString(cause), time.Time{})
}

func (q *Queue) settle(ctx context.Context, id string, status Status, lastErr string, runAt time.Time) error {
	now := q.now().UTC()
	var err error
	if runAt.IsZero() {
		_, err = q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, locked_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
			string(status), lastErr, now.Unix(), id)
	} else {
		_, err = q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, locked_until = NULL, last_error = ?, run_at = ?, updated_at = ? WHERE id = ?`,
			string(status), lastErr, runAt.UnixMilli(), now.Unix(), id)
	}
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", id, status, err)
	}
	return nil
}

// Get returns a job by ID, or (nil, nil).
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// List returns jobs of kind (all kinds when empty), oldest first.
func (q *Queue) List(ctx context.Context, kind string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	rows, err := q.db.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// HasLive reports whether a pending or running job of kind exists for subject.
func (q *Queue) HasLive(ctx context.Context, kind, subject string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE kind = ? AND subject = ? AND status IN (?, ?)`,
		kind, subject, string(StatusPending), string(StatusRunning)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check live jobs: %w", err)
	}
	return n > 0, nil
}

// Prune deletes finished jobs last updated before cutoff.
func (q *Queue) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		string(StatusDone), string(StatusFailed), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var j Job
	var payload, status string
	var runAt, createdAt, updatedAt int64
	err := sc.Scan(&j.ID, &j.Kind, &j.Subject, &payload, &status, &j.Attempts, &j.MaxAttempts, &runAt, &j.LastError, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Payload = json.RawMessage(payload)
	j.Status = Status(status)
	j.RunAt = time.UnixMilli(runAt).UTC()
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &j, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return logging.Redact(err.Error())
}
