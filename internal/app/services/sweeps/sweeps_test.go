package sweeps

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/domain/loan"
	"github.com/campuslib/library_service/internal/app/services/notify"
	"github.com/campuslib/library_service/internal/app/storage"
	"github.com/campuslib/library_service/internal/app/storage/memory"
	"github.com/campuslib/library_service/pkg/testutil"
)

func TestReaper(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(10 * time.Minute)
	stale, err := store.CreateUser(ctx, testutil.Pending("Old", "old@example.com", past))
	require.NoError(t, err)
	fresh, err := store.CreateUser(ctx, testutil.Pending("New", "new@example.com", future))
	require.NoError(t, err)
	verified, err := store.CreateUser(ctx, testutil.Member("Ok", "ok@example.com"))
	require.NoError(t, err)

	reaper := NewReaper(store, nil).WithClock(func() time.Time { return now })
	n, err := reaper.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.GetUser(ctx, stale.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetUser(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = store.GetUser(ctx, verified.ID)
	assert.NoError(t, err)

	n, err = reaper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type notifierFixture struct {
	store    *memory.Store
	outbox   *notify.Outbox
	notifier *Notifier
	now      time.Time
}

func newNotifierFixture(t *testing.T) *notifierFixture {
	t.Helper()
	f := &notifierFixture{
		store:  memory.New(),
		outbox: &notify.Outbox{},
		now:    time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}
	f.notifier = NewNotifier(f.store, notify.New(f.outbox, nil), nil).
		WithLocation(time.UTC).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *notifierFixture) borrow(t *testing.T, email string, due time.Time) {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.CreateUser(ctx, testutil.Member("Reader", email))
	require.NoError(t, err)
	b, err := f.store.CreateBook(ctx, testutil.Book("Title "+email, 1))
	require.NoError(t, err)
	_, _, err = f.store.Borrow(ctx, u.ID, b.ID, due.AddDate(0, 0, -14), due)
	require.NoError(t, err)
}

func TestNotifier_SendsEachNoticeOnce(t *testing.T) {
	f := newNotifierFixture(t)
	ctx := context.Background()

	f.borrow(t, "tomorrow@example.com", time.Date(2025, 3, 11, 17, 0, 0, 0, time.UTC))
	f.borrow(t, "late@example.com", time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC))
	f.borrow(t, "later@example.com", time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC))
	f.borrow(t, "today@example.com", time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC))

	n, err := f.notifier.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	msg, ok := f.outbox.Last("tomorrow@example.com")
	require.True(t, ok)
	assert.NotContains(t, msg.Subject, "Overdue")
	msg, ok = f.outbox.Last("late@example.com")
	require.True(t, ok)
	assert.Contains(t, msg.HTML, "Overdue")
	_, ok = f.outbox.Last("later@example.com")
	assert.False(t, ok)
	_, ok = f.outbox.Last("today@example.com")
	assert.False(t, ok)

	n, err = f.notifier.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.outbox.Messages(), 2)

	// Two days on, the reminded loan and today's loan become overdue.
	f.now = f.now.AddDate(0, 0, 2)
	n, err = f.notifier.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Len(t, f.outbox.Messages(), 4)

	loans, err := f.store.ListAllLoans(ctx)
	require.NoError(t, err)
	for _, v := range loans {
		if v.UserEmail == "later@example.com" {
			assert.Equal(t, loan.NoticeNone, v.LastNotice)
			continue
		}
		assert.Equal(t, loan.NoticeOverdue, v.LastNotice)
	}
}

func TestNotifier_DeliveryFailureRetries(t *testing.T) {
	f := newNotifierFixture(t)
	ctx := context.Background()
	f.borrow(t, "late@example.com", time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC))

	f.outbox.FailWith(errors.New("smtp down"))
	n, err := f.notifier.Run(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	f.outbox.FailWith(nil)
	n, err = f.notifier.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestNotifier_ReturnedLoansIgnored(t *testing.T) {
	f := newNotifierFixture(t)
	ctx := context.Background()
	f.borrow(t, "late@example.com", time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC))

	u, err := f.store.GetUserByEmail(ctx, "late@example.com")
	require.NoError(t, err)
	loans, err := f.store.ListLoansForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	_, _, err = f.store.Return(ctx, u.ID, loans[0].BookID, f.now, nil, book.PolicyRecompute)
	require.NoError(t, err)

	n, err := f.notifier.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type countingJob struct {
	runs int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) (int64, error) {
	atomic.AddInt32(&j.runs, 1)
	return 3, j.err
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	s := NewScheduler(time.UTC, nil)
	require.Error(t, s.Add("not a cron", &countingJob{}))
	require.NoError(t, s.Add(DefaultSchedule, &countingJob{}))
	assert.Len(t, s.Jobs(), 1)
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := NewScheduler(time.UTC, nil)
	job := &countingJob{}
	require.NoError(t, s.Add("@every 1s", job))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&job.runs) > 0 }, 5*time.Second, 50*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	require.NoError(t, s.Stop(stopCtx))
}

func TestScheduler_RunOnce(t *testing.T) {
	s := NewScheduler(time.UTC, nil)
	job := &countingJob{}
	n, err := s.RunOnce(context.Background(), job)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	job.err = errors.New("boom")
	_, err = s.RunOnce(context.Background(), job)
	assert.Error(t, err)
}
