package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RendaniSinyage/rokct/internal/crypto"
	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/store"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Queue, *store.Store, *clock) {
	t.Helper()
	cm, err := crypto.NewManager("test-master-secret")
	require.NoError(t, err)
	st, err := store.Open(context.Background(), t.TempDir(), cm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := &clock{t: testNow}
	q := NewQueue(st.DB())
	q.SetNow(c.now)
	return q, st, c
}

type sitePayload struct {
	Site string `json:"site"`
}

func TestEnqueueAndClaimOrder(t *testing.T) {
	q, _, c := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, Spec{Kind: KindCreateTenantSite, Subject: "sub-1", Payload: sitePayload{Site: "a.rokct.ai"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Spec{Kind: KindDropTenantSite, Subject: "sub-2", RunAt: testNow.Add(time.Hour)})
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, job.MaxAttempts)

	var payload sitePayload
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, "a.rokct.ai", payload.Site)

	none, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "delayed job must not be claimable yet")

	require.NoError(t, q.Complete(ctx, job.ID))
	c.add(time.Hour)
	later, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, later)
	assert.Equal(t, KindDropTenantSite, later.Kind)
}

func TestEnqueueInsideTransaction(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()

	boom := errors.New("rollback")
	err := st.InTx(ctx, func(tx *store.Store) error {
		if _, err := Enqueue(ctx, tx.Conn(), testNow, Spec{Kind: KindDropTenantSite, Subject: "sub-1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	live, err := q.HasLive(ctx, KindDropTenantSite, "sub-1")
	require.NoError(t, err)
	assert.False(t, live, "rolled back job must not exist")

	require.NoError(t, st.InTx(ctx, func(tx *store.Store) error {
		_, err := Enqueue(ctx, tx.Conn(), testNow, Spec{Kind: KindDropTenantSite, Subject: "sub-1"})
		return err
	}))
	live, err = q.HasLive(ctx, KindDropTenantSite, "sub-1")
	require.NoError(t, err)
	assert.True(t, live)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	q, _, c := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Spec{Kind: KindCreateTenantSite, Subject: "sub-1", MaxAttempts: 3})
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	c.add(DefaultLease + time.Second)
	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestExtendKeepsRunningJobLeased(t *testing.T) {
	q, _, c := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Spec{Kind: KindCreateTenantSite, Subject: "sub-1", MaxAttempts: 3})
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	c.add(DefaultLease - time.Minute)
	require.NoError(t, q.Extend(ctx, job.ID))
	c.add(DefaultLease - time.Minute)
	none, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "renewed lease keeps the job with its worker")

	require.NoError(t, q.Complete(ctx, job.ID))
	require.NoError(t, q.Extend(ctx, job.ID))
	c.add(2 * DefaultLease)
	none, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "a settled job is not revived by Extend")
}

func TestPoolRenewsLeaseWhileHandlerRuns(t *testing.T) {
	q, _, c := newTestQueue(t)
	ctx := context.Background()
	pool := NewPool(q, Options{Heartbeat: 5 * time.Millisecond})

	var reclaimed *Job
	pool.Register(HandlerFunc{JobKind: KindCreateTenantSite, Fn: func(ctx context.Context, job *Job) error {
		c.add(DefaultLease + time.Minute)
		time.Sleep(100 * time.Millisecond)
		var err error
		reclaimed, err = q.Claim(ctx)
		return err
	}})

	id, err := q.Enqueue(ctx, Spec{Kind: KindCreateTenantSite, Subject: "sub-1"})
	require.NoError(t, err)
	require.NoError(t, pool.Drain(ctx))

	assert.Nil(t, reclaimed, "a job whose handler is still running must not be claimed again")
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestWithTimeoutSetsHandlerDeadline(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	pool := NewPool(q, Options{})

	var remaining time.Duration
	pool.Register(WithTimeout(HandlerFunc{JobKind: KindCreateTenantSite, Fn: func(ctx context.Context, job *Job) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		remaining = time.Until(deadline)
		return nil
	}}, 2*time.Hour))

	_, err := q.Enqueue(ctx, Spec{Kind: KindCreateTenantSite, Subject: "sub-1"})
	require.NoError(t, err)
	require.NoError(t, pool.Drain(ctx))

	assert.Greater(t, remaining, DefaultLease, "kind-specific timeout replaces the lease default")
	assert.LessOrEqual(t, remaining, 2*time.Hour)
}

func TestPoolOutcomes(t *testing.T) {
	q, _, c := newTestQueue(t)
	ctx := context.Background()
	pool := NewPool(q, Options{RetryBase: time.Minute, RetryCap: 10 * time.Minute})

	var transientCalls atomic.Int32
	pool.Register(
		Typed(KindCreateTenantSite, func(ctx context.Context, subject string, p sitePayload) error {
			return nil
		}),
		HandlerFunc{JobKind: KindCompleteTenantSetup, Fn: func(ctx context.Context, job *Job) error {
			transientCalls.Add(1)
			return rerrors.Transient("tenant.initial_setup", errors.New("connection refused"))
		}},
		HandlerFunc{JobKind: KindDropTenantSite, Fn: func(ctx context.Context, job *Job) error {
			return rerrors.Invariant("drop", errors.New("site directory still present"))
		}},
	)

	okID, err := q.Enqueue(ctx, Spec{Kind: KindCreateTenantSite, Subject: "s1", Payload: sitePayload{Site: "a"}})
	require.NoError(t, err)
	retryID, err := q.Enqueue(ctx, Spec{Kind: KindCompleteTenantSetup, Subject: "s2", MaxAttempts: 2})
	require.NoError(t, err)
	termID, err := q.Enqueue(ctx, Spec{Kind: KindDropTenantSite, Subject: "s3", MaxAttempts: 5})
	require.NoError(t, err)
	orphanID, err := q.Enqueue(ctx, Spec{Kind: "unknown_kind", Subject: "s4"})
	require.NoError(t, err)

	require.NoError(t, pool.Drain(ctx))

	assertStatus := func(id string, want Status, attempts int) {
		t.Helper()
		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.Status, job.Kind)
		assert.Equal(t, attempts, job.Attempts, job.Kind)
	}
	assertStatus(okID, StatusDone, 1)
	assertStatus(retryID, StatusPending, 1)
	assertStatus(termID, StatusFailed, 1)
	assertStatus(orphanID, StatusFailed, 1)

	retried, err := q.Get(ctx, retryID)
	require.NoError(t, err)
	assert.True(t, retried.RunAt.Equal(testNow.Add(time.Minute)), "run_at = %s", retried.RunAt)
	assert.Contains(t, retried.LastError, "connection refused")

	c.add(time.Minute)
	require.NoError(t, pool.Drain(ctx))
	assertStatus(retryID, StatusFailed, 2)
	assert.Equal(t, int32(2), transientCalls.Load())
}

func TestPoolRecoversPanics(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	pool := NewPool(q, Options{})
	pool.Register(HandlerFunc{JobKind: KindRetryPayment, Fn: func(ctx context.Context, job *Job) error {
		panic("boom")
	}})

	id, err := q.Enqueue(ctx, Spec{Kind: KindRetryPayment, Subject: "s1"})
	require.NoError(t, err)
	require.NoError(t, pool.Drain(ctx))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.LastError, "panic")
}

func TestTypedRejectsBadPayload(t *testing.T) {
	h := Typed(KindCreateTenantSite, func(ctx context.Context, subject string, p sitePayload) error { return nil })
	err := h.Run(context.Background(), &Job{Kind: KindCreateTenantSite, Payload: []byte(`{"site": 5}`)})
	require.Error(t, err)
	assert.Equal(t, rerrors.ExitTerminal, rerrors.ExitCode(err))
}

func TestRetryDelayIsCapped(t *testing.T) {
	pool := NewPool(nil, Options{RetryBase: time.Second, RetryCap: 5 * time.Second})
	assert.Equal(t, time.Second, pool.retryDelay(1))
	assert.Equal(t, 2*time.Second, pool.retryDelay(2))
	assert.Equal(t, 4*time.Second, pool.retryDelay(3))
	assert.Equal(t, 5*time.Second, pool.retryDelay(4))
}

func TestPrune(t *testing.T) {
	q, _, c := newTestQueue(t)
	ctx := context.Background()
	pool := NewPool(q, Options{})
	pool.Register(HandlerFunc{JobKind: KindRetryPayment, Fn: func(ctx context.Context, job *Job) error { return nil }})

	_, err := q.Enqueue(ctx, Spec{Kind: KindRetryPayment, Subject: "s1"})
	require.NoError(t, err)
	require.NoError(t, pool.Drain(ctx))
	_, err = q.Enqueue(ctx, Spec{Kind: KindRetryPayment, Subject: "s2", RunAt: testNow.Add(48 * time.Hour)})
	require.NoError(t, err)

	c.add(24 * time.Hour)
	n, err := q.Prune(ctx, c.now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := q.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "s2", all[0].Subject)
}

func TestSchedulerRejectsInvalidSpec(t *testing.T) {
	s := NewScheduler()
	err := s.Add("reconcile", "not a cron", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")

	require.NoError(t, s.Add("reconcile", "0 2 * * *", func(context.Context) error { return nil }))
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.Add("noop", "@every 1h", func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
