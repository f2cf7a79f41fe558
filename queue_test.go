// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modernshop/mailq/internal/memq"
	"github.com/modernshop/mailq/internal/timeutil"
)

func newTestQueue(t *testing.T, clock timeutil.Clock, opts ...QueueOption) *Queue {
	t.Helper()
	broker := memq.NewBroker(memq.WithClock(clock))
	opts = append([]QueueOption{WithQueueClock(clock)}, opts...)
	q, err := NewQueue(broker, opts...)
	require.NoError(t, err)
	return q
}

func TestQueueEnqueueImmediate(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewSimulatedClock(time.Now())
	q := newTestQueue(t, clock)

	id, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "Ada"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, TypeWelcome, job.Type)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Zero(t, job.AttemptsMade)

	var p WelcomePayload
	require.NoError(t, job.UnmarshalPayload(&p))
	assert.Equal(t, "a@b.com", p.Email)
}

func TestQueueEnqueueDelayed(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewSimulatedClock(time.Now())
	q := newTestQueue(t, clock)

	id, err := q.Enqueue(ctx, TypeWelcome,
		&WelcomePayload{Email: "a@b.com", Name: "Ada"}, Delay(time.Minute))
	require.NoError(t, err)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)

	// Not eligible yet.
	jobs, err := q.FetchNext(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	clock.AdvanceTime(time.Minute + time.Second)
	jobs, err = q.FetchNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, StateActive, jobs[0].State)
}

func TestQueueEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, timeutil.NewRealClock())

	var verr *ValidationError

	_, err := q.Enqueue(ctx, "  ", map[string]string{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "type", verr.Field)

	_, err = q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Name: "Ada"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "email", verr.Field)

	// Nothing was persisted.
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting+stats.Delayed)
}

func TestQueuePriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, timeutil.NewRealClock())

	low, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"}, Priority(3))
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, TypePasswordReset, &PasswordResetPayload{Email: "a@b.com", ResetToken: "t"}, Priority(1))
	require.NoError(t, err)
	mid, err := q.Enqueue(ctx, TypeOrderStatusUpdate,
		&OrderStatusUpdatePayload{Email: "a@b.com"}, Priority(2))
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		jobs, err := q.FetchNext(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		got = append(got, jobs[0].ID)
	}
	assert.Equal(t, []string{high, mid, low}, got)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, timeutil.NewRealClock())

	var want []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"})
		require.NoError(t, err)
		want = append(want, id)
	}
	jobs, err := q.FetchNext(ctx, 5)
	require.NoError(t, err)
	var got []string
	for _, j := range jobs {
		got = append(got, j.ID)
	}
	assert.Equal(t, want, got)
}

func TestQueuePauseResume(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, timeutil.NewRealClock())

	_, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"})
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	jobs, err := q.FetchNext(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "paused queue must not dispatch")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Paused)
	assert.EqualValues(t, 1, stats.Waiting, "jobs accumulate while paused")

	require.NoError(t, q.Resume(ctx))
	jobs, err = q.FetchNext(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestQueueMarkCompleted(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, timeutil.NewRealClock())

	id, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"})
	require.NoError(t, err)
	jobs, err := q.FetchNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, q.MarkCompleted(ctx, jobs[0], &Result{Message: "sent", Recipient: "a@b.com"}))
	assert.Equal(t, 1, jobs[0].AttemptsMade)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.False(t, job.FinishedAt.IsZero())
}

func TestQueueMarkFailedRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewSimulatedClock(time.Now())
	q := newTestQueue(t, clock)

	id, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"})
	require.NoError(t, err)

	// First failure: retried after the base delay.
	jobs, err := q.FetchNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	retried, err := q.MarkFailed(ctx, jobs[0], errors.New("smtp timeout"))
	require.NoError(t, err)
	assert.True(t, retried)
	assert.Equal(t, 1, jobs[0].AttemptsMade)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, "smtp timeout", job.FailedReason)

	// Not eligible before the backoff elapses.
	clock.AdvanceTime(time.Second)
	jobs, err = q.FetchNext(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Second failure: delay doubles.
	clock.AdvanceTime(2 * time.Second)
	jobs, err = q.FetchNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	retried, err = q.MarkFailed(ctx, jobs[0], errors.New("smtp timeout"))
	require.NoError(t, err)
	assert.True(t, retried)
	assert.Equal(t, 2, jobs[0].AttemptsMade)

	clock.AdvanceTime(2 * time.Second)
	jobs, err = q.FetchNext(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs, "4s backoff must not elapse after 2s")

	// Third failure exhausts the budget.
	clock.AdvanceTime(3 * time.Second)
	jobs, err = q.FetchNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	retried, err = q.MarkFailed(ctx, jobs[0], errors.New("smtp timeout"))
	require.NoError(t, err)
	assert.False(t, retried)

	job, err = q.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, DefaultMaxAttempts, job.AttemptsMade)
}

func TestQueueHandlerNotFoundSkipsAttemptCounter(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, timeutil.NewRealClock())

	id, err := q.Enqueue(ctx, "unknownType", map[string]string{"k": "v"})
	require.NoError(t, err)
	jobs, err := q.FetchNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	retried, err := q.MarkFailed(ctx, jobs[0], &HandlerNotFoundError{Type: "unknownType"})
	require.NoError(t, err)
	assert.False(t, retried)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Zero(t, job.AttemptsMade, "no handler ran, no attempt consumed")
}

func TestQueueManualRetryPreservesAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, timeutil.NewRealClock(), WithDefaultMaxAttempts(1))

	id, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"})
	require.NoError(t, err)
	jobs, err := q.FetchNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	_, err = q.MarkFailed(ctx, jobs[0], errors.New("boom"))
	require.NoError(t, err)

	ok, err := q.Retry(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 1, job.AttemptsMade, "manual retry keeps the audit trail")

	// Retrying a job that is not failed reports false.
	ok, err = q.Retry(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.Retry(ctx, "no-such-id")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueRetryAll(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, timeutil.NewRealClock(), WithDefaultMaxAttempts(1))

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"})
		require.NoError(t, err)
	}
	jobs, err := q.FetchNext(ctx, 3)
	require.NoError(t, err)
	for _, j := range jobs {
		_, err := q.MarkFailed(ctx, j, errors.New("boom"))
		require.NoError(t, err)
	}

	n, err := q.RetryAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Waiting)
	assert.Zero(t, stats.Failed)
}

func TestQueueListFailed(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewSimulatedClock(time.Now())
	q := newTestQueue(t, clock, WithDefaultMaxAttempts(1))

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"})
		require.NoError(t, err)
		ids = append(ids, id)
		jobs, err := q.FetchNext(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		_, err = q.MarkFailed(ctx, jobs[0], errors.New("boom"))
		require.NoError(t, err)
		clock.AdvanceTime(time.Second)
	}

	// Most recent failure first.
	failed, err := q.ListFailed(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, ids[2], failed[0].ID)
	assert.Equal(t, ids[1], failed[1].ID)
	assert.Equal(t, StateFailed, failed[0].State)

	failed, err = q.ListFailed(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ids[0], failed[0].ID)
}

func TestQueueClean(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewSimulatedClock(time.Now())
	q := newTestQueue(t, clock, WithDefaultMaxAttempts(1))

	done, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"})
	require.NoError(t, err)
	jobs, err := q.FetchNext(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(ctx, jobs[0], nil))

	failed, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"})
	require.NoError(t, err)
	jobs, err = q.FetchNext(ctx, 1)
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, jobs[0], errors.New("boom"))
	require.NoError(t, err)

	// Live states cannot be cleaned.
	_, err = q.Clean(ctx, 0, StateWaiting)
	assert.Error(t, err)

	// Records younger than the window survive.
	n, err := q.Clean(ctx, time.Hour, StateCompleted, StateFailed)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.AdvanceTime(2 * time.Hour)
	n, err = q.Clean(ctx, time.Hour, StateCompleted, StateFailed)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = q.Job(ctx, done)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.Job(ctx, failed)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueueStalledJobReclaim(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewSimulatedClock(time.Now())
	broker := memq.NewBroker(memq.WithClock(clock), memq.WithLeaseTimeout(30*time.Second))
	q, err := NewQueue(broker, WithQueueClock(clock))
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "A"})
	require.NoError(t, err)

	jobs, err := q.FetchNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// The worker holding the lease dies. Before expiry nothing is claimable.
	jobs2, err := q.FetchNext(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs2)

	clock.AdvanceTime(31 * time.Second)
	jobs2, err = q.FetchNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs2, 1)
	assert.Equal(t, id, jobs2[0].ID)
}
