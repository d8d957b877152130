package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"pushflow/internal/domain"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLiteStore(db)
}

func immediateTask(now time.Time) domain.PushTask {
	return domain.PushTask{
		Title:      "hello",
		Content:    "world",
		Type:       "notification",
		Mode:       domain.ModeImmediate,
		TargetType: domain.TargetAll,
		Status:     domain.StatusActive,
		PushStatus: domain.PushSending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func recurringTask(now, nextRun time.Time, maxExec int) domain.PushTask {
	t := immediateTask(now)
	t.Mode = domain.ModeRecurring
	t.Recurring = &domain.RecurringConfig{
		Kind:          domain.RecurInterval,
		Every:         1,
		Unit:          domain.UnitMinutes,
		NextRunAt:     nextRun,
		MaxExecutions: maxExec,
	}
	return t
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := recurringTask(now, now.Add(time.Minute), 5)
	task.Description = "nightly digest"
	task.TargetType = domain.TargetSpecific
	task.TargetUserIDs = []string{"u1", "u2"}
	task.NotifyOnSuccess = true
	task.SuccessTitle = "sent"
	task.SuccessBody = "digest delivered"
	task.CreatorID = "admin-1"
	task.CreatorName = "admin"

	id, err := st.Create(ctx, task)
	require.NoError(t, err)
	require.Contains(t, id, "pt_")

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.Title, got.Title)
	require.Equal(t, task.Description, got.Description)
	require.Equal(t, domain.ModeRecurring, got.Mode)
	require.Equal(t, []string{"u1", "u2"}, got.TargetUserIDs)
	require.True(t, got.NotifyOnSuccess)
	require.Equal(t, "sent", got.SuccessTitle)
	require.Equal(t, "admin-1", got.CreatorID)
	require.NotNil(t, got.Recurring)
	require.Equal(t, domain.RecurInterval, got.Recurring.Kind)
	require.Equal(t, 1, got.Recurring.Every)
	require.Equal(t, domain.UnitMinutes, got.Recurring.Unit)
	require.Equal(t, 0, got.Recurring.ExecutedCount)
	require.Equal(t, 5, got.Recurring.MaxExecutions)
	require.Nil(t, got.LastExecutedAt)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	_, err := st.Get(context.Background(), "pt_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDueSelection(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	immID, err := st.Create(ctx, immediateTask(now))
	require.NoError(t, err)

	sched := immediateTask(now)
	sched.Mode = domain.ModeScheduled
	sched.PushStatus = domain.PushDraft
	at := now.Add(30 * time.Second)
	sched.ScheduledAt = &at
	schedID, err := st.Create(ctx, sched)
	require.NoError(t, err)

	recID, err := st.Create(ctx, recurringTask(now, now.Add(-time.Second), 3))
	require.NoError(t, err)

	inactive := recurringTask(now, now.Add(-time.Second), 3)
	inactive.Status = domain.StatusInactive
	_, err = st.Create(ctx, inactive)
	require.NoError(t, err)

	notYet, err := st.Create(ctx, recurringTask(now, now.Add(time.Hour), 3))
	require.NoError(t, err)

	due, err := st.Due(ctx, now)
	require.NoError(t, err)
	ids := dueIDs(due)
	require.Contains(t, ids, immID)
	require.Contains(t, ids, recID)
	require.NotContains(t, ids, schedID, "scheduled task is not due before its time")
	require.NotContains(t, ids, notYet)
	require.Len(t, due, 2, "inactive recurring task must not be selected")

	due, err = st.Due(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Contains(t, dueIDs(due), schedID)
}

func dueIDs(tasks []domain.PushTask) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestClaimContention(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := st.Create(ctx, immediateTask(now))
	require.NoError(t, err)

	won, err := st.Claim(ctx, id, "node-a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	won, err = st.Claim(ctx, id, "node-b", now, time.Minute)
	require.NoError(t, err)
	require.False(t, won, "second owner must not win an active lease")

	won, err = st.Claim(ctx, id, "node-a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, won, "holder may renew its own lease")

	// Expired lease is up for grabs.
	won, err = st.Claim(ctx, id, "node-b", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, st.Release(ctx, id, "node-b"))
	won, err = st.Claim(ctx, id, "node-c", now, time.Minute)
	require.NoError(t, err)
	require.True(t, won)
}

func TestApplyResult(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := st.Create(ctx, recurringTask(now, now, 3))
	require.NoError(t, err)
	won, err := st.Claim(ctx, id, "node-a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	next := now.Add(time.Minute)
	require.NoError(t, st.ApplyResult(ctx, ExecutionResult{
		TaskID:        id,
		ExecutedAt:    now,
		Success:       true,
		SentCount:     4,
		NewPushStatus: domain.PushSending,
		ExecutedCount: 1,
		NextRunAt:     &next,
	}))

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.PushSending, got.PushStatus)
	require.Equal(t, 1, got.Recurring.ExecutedCount)
	require.Equal(t, 4, got.TotalSent)
	require.NotNil(t, got.LastExecutedAt)
	require.WithinDuration(t, next, got.Recurring.NextRunAt, time.Second)

	history, err := st.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].Success)
	require.Equal(t, 4, history[0].SentCount)
	require.Equal(t, 1, history[0].ExecutedCount)
	require.Equal(t, 3, history[0].MaxExecutions)

	// Lease is cleared as part of the same transition.
	won, err = st.Claim(ctx, id, "node-b", now, time.Minute)
	require.NoError(t, err)
	require.True(t, won)
}

func TestApplyResultFailureKeepsCounters(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := st.Create(ctx, immediateTask(now))
	require.NoError(t, err)

	require.NoError(t, st.ApplyResult(ctx, ExecutionResult{
		TaskID:        id,
		ExecutedAt:    now,
		Success:       false,
		FailedCount:   7,
		Error:         "channel down",
		NewPushStatus: domain.PushFailed,
		ExecutedCount: 1,
	}))

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.PushFailed, got.PushStatus)
	require.Equal(t, 0, got.TotalSent)

	history, err := st.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.False(t, history[0].Success)
	require.Equal(t, "channel down", history[0].Error)
	require.Equal(t, 7, history[0].FailedCount)
}

func TestDeleteGuards(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := st.Create(ctx, immediateTask(now))
	require.NoError(t, err)

	won, err := st.Claim(ctx, id, "node-a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	require.ErrorIs(t, st.Delete(ctx, id, now), ErrTaskInFlight)

	require.NoError(t, st.Release(ctx, id, "node-a"))
	require.NoError(t, st.Delete(ctx, id, now))
	_, err = st.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, st.Delete(ctx, "pt_missing", now), ErrNotFound)
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := st.Create(ctx, immediateTask(now))
	require.NoError(t, err)

	require.NoError(t, st.SetStatus(ctx, id, domain.StatusInactive))
	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInactive, got.Status)

	require.ErrorIs(t, st.SetStatus(ctx, "pt_missing", domain.StatusActive), ErrNotFound)
}

func TestMarkCompleted(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := recurringTask(now, now, 1)
	task.Recurring.ExecutedCount = 1
	id, err := st.Create(ctx, task)
	require.NoError(t, err)

	require.NoError(t, st.MarkCompleted(ctx, id))
	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.PushCompleted, got.PushStatus)
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	staleID, err := st.Create(ctx, immediateTask(now))
	require.NoError(t, err)
	freshID, err := st.Create(ctx, immediateTask(now))
	require.NoError(t, err)

	won, err := st.Claim(ctx, staleID, "node-a", now.Add(-10*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	won, err = st.Claim(ctx, freshID, "node-a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	n, err := st.RecoverStale(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Stale lease cleared; fresh lease still held.
	won, err = st.Claim(ctx, staleID, "node-b", now, time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	won, err = st.Claim(ctx, freshID, "node-b", now, time.Minute)
	require.NoError(t, err)
	require.False(t, won)
}

func TestListFilter(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := st.Create(ctx, immediateTask(now))
	require.NoError(t, err)
	_, err = st.Create(ctx, recurringTask(now, now.Add(time.Minute), 3))
	require.NoError(t, err)

	all, err := st.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	rec, err := st.List(ctx, ListFilter{Mode: domain.ModeRecurring})
	require.NoError(t, err)
	require.Len(t, rec, 1)
	require.Equal(t, domain.ModeRecurring, rec[0].Mode)

	one, err := st.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, one, 1)
}
