// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modernshop/mailq/internal/base"
	"github.com/modernshop/mailq/internal/timeutil"
)

const (
	// DefaultMaxAttempts is the number of times a job is dispatched before
	// it is parked in the failed set.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the delay before the first retry; subsequent
	// retries double it.
	DefaultBackoffBase = 2 * time.Second
)

// ErrJobNotFound is returned by Job when no record exists for the given ID.
var ErrJobNotFound = base.ErrJobNotFound

// Stats is a point-in-time snapshot of per-state job counts.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

// Queue is the durable email job queue. It validates and persists jobs,
// hands claimed jobs to workers, and applies the retry policy when workers
// report outcomes.
//
// A Queue is a thin stateless view over its broker; any number of producer
// and worker processes may share one queue name.
type Queue struct {
	name        string
	broker      base.Broker
	clock       timeutil.Clock
	logger      *zap.Logger
	maxAttempts int
	backoffBase time.Duration
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithName sets the queue name. Defaults to "email".
func WithName(name string) QueueOption {
	return func(q *Queue) { q.name = name }
}

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithDefaultMaxAttempts sets the attempt budget applied to jobs that do not
// specify their own.
func WithDefaultMaxAttempts(n int) QueueOption {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithBackoffBase sets the base retry delay applied to jobs that do not
// specify their own.
func WithBackoffBase(d time.Duration) QueueOption {
	return func(q *Queue) { q.backoffBase = d }
}

// WithQueueClock replaces the wall clock. Used in tests.
func WithQueueClock(c timeutil.Clock) QueueOption {
	return func(q *Queue) { q.clock = c }
}

// NewQueue returns a Queue backed by the given broker.
func NewQueue(broker base.Broker, opts ...QueueOption) (*Queue, error) {
	q := &Queue{
		name:        base.DefaultQueueName,
		broker:      broker,
		clock:       timeutil.NewRealClock(),
		logger:      zap.NewNop(),
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := base.ValidateQueueName(q.name); err != nil {
		return nil, err
	}
	if q.maxAttempts < 1 {
		return nil, fmt.Errorf("mailq: max attempts must be positive, got %d", q.maxAttempts)
	}
	if q.backoffBase <= 0 {
		return nil, fmt.Errorf("mailq: backoff base must be positive, got %v", q.backoffBase)
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

type jobOptions struct {
	priority    int64
	delay       time.Duration
	maxAttempts int
	backoffBase time.Duration
}

// JobOption customizes a single enqueue call.
type JobOption func(*jobOptions)

// Priority sets the job's priority. Lower values are dispatched first;
// jobs of equal priority run in enqueue order.
func Priority(p int64) JobOption {
	return func(o *jobOptions) { o.priority = p }
}

// Delay holds the job back for d before it becomes eligible for dispatch.
func Delay(d time.Duration) JobOption {
	return func(o *jobOptions) { o.delay = d }
}

// MaxAttempts overrides the queue's default attempt budget for this job.
func MaxAttempts(n int) JobOption {
	return func(o *jobOptions) { o.maxAttempts = n }
}

// BackoffBase overrides the queue's default base retry delay for this job.
func BackoffBase(d time.Duration) JobOption {
	return func(o *jobOptions) { o.backoffBase = d }
}

// Enqueue validates and persists one job and returns its ID. The payload is
// serialized as JSON; if it implements Payload it is validated first and a
// *ValidationError is returned without persisting anything on failure.
//
// A broker failure is reported as *QueueUnavailableError. Callers whose own
// operation already succeeded should log it and move on rather than fail.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...JobOption) (string, error) {
	if strings.TrimSpace(jobType) == "" {
		return "", &ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if p, ok := payload.(Payload); ok {
		if err := p.Validate(); err != nil {
			return "", err
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", &ValidationError{Field: "payload", Reason: err.Error()}
	}

	opt := jobOptions{
		priority:    1,
		maxAttempts: q.maxAttempts,
		backoffBase: q.backoffBase,
	}
	for _, o := range opts {
		o(&opt)
	}
	if opt.maxAttempts < 1 {
		return "", &ValidationError{Field: "max_attempts", Reason: "must be positive"}
	}

	now := q.clock.Now()
	msg := &base.JobMessage{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Type:        jobType,
		Payload:     data,
		Priority:    opt.priority,
		MaxAttempts: opt.maxAttempts,
		BackoffBase: opt.backoffBase.Milliseconds(),
		EnqueuedAt:  now.UnixMilli(),
	}

	if opt.delay > 0 {
		processAt := now.Add(opt.delay)
		msg.DelayUntil = processAt.UnixMilli()
		if err := q.broker.Schedule(ctx, msg, processAt); err != nil {
			return "", &QueueUnavailableError{Err: err}
		}
	} else {
		if err := q.broker.Enqueue(ctx, msg); err != nil {
			return "", &QueueUnavailableError{Err: err}
		}
	}
	q.logger.Debug("job enqueued",
		zap.String("job_id", msg.ID),
		zap.String("job_type", jobType),
		zap.Int64("priority", opt.priority),
		zap.Duration("delay", opt.delay))
	return msg.ID, nil
}

// FetchNext claims up to limit eligible jobs for processing. Claimed jobs
// move to the active state under a lease; a worker that dies without
// reporting an outcome loses the lease and the jobs are re-dispatched.
func (q *Queue) FetchNext(ctx context.Context, limit int) ([]*Job, error) {
	msgs, err := q.broker.Dequeue(ctx, q.name, limit)
	if err != nil {
		return nil, &QueueUnavailableError{Err: err}
	}
	jobs := make([]*Job, 0, len(msgs))
	for _, msg := range msgs {
		jobs = append(jobs, jobFromMessage(msg, base.StateActive))
	}
	return jobs, nil
}

// MarkCompleted records a successful outcome for a claimed job. The attempt
// counter is advanced and the result descriptor, if any, is persisted.
func (q *Queue) MarkCompleted(ctx context.Context, job *Job, result *Result) error {
	msg := job.msg
	if msg.AttemptsMade < msg.MaxAttempts {
		msg.AttemptsMade++
	}
	var data []byte
	if result != nil {
		var err error
		if data, err = json.Marshal(result); err != nil {
			return fmt.Errorf("mailq: cannot encode result: %w", err)
		}
	}
	if err := q.broker.Complete(ctx, msg, data); err != nil {
		return &QueueUnavailableError{Err: err}
	}
	job.AttemptsMade = msg.AttemptsMade
	job.State = StateCompleted
	return nil
}

// MarkFailed records a failed outcome for a claimed job. If attempts remain
// the job is rescheduled with exponential backoff and retried reports true;
// otherwise the job is parked in the failed set.
//
// A *HandlerNotFoundError parks the job immediately without consuming an
// attempt: no handler ever ran, and retrying cannot help until one is
// registered.
func (q *Queue) MarkFailed(ctx context.Context, job *Job, cause error) (retried bool, err error) {
	msg := job.msg
	errMsg := cause.Error()

	if _, ok := cause.(*HandlerNotFoundError); ok {
		if err := q.broker.Fail(ctx, msg, errMsg); err != nil {
			return false, &QueueUnavailableError{Err: err}
		}
		job.FailedReason = errMsg
		job.State = StateFailed
		return false, nil
	}

	if msg.AttemptsMade < msg.MaxAttempts {
		msg.AttemptsMade++
	}
	if msg.AttemptsMade < msg.MaxAttempts {
		backoffBase := time.Duration(msg.BackoffBase) * time.Millisecond
		if backoffBase <= 0 {
			backoffBase = q.backoffBase
		}
		delay := exponentialBackoff(backoffBase, msg.AttemptsMade)
		processAt := q.clock.Now().Add(delay)
		if err := q.broker.Retry(ctx, msg, processAt, errMsg); err != nil {
			return false, &QueueUnavailableError{Err: err}
		}
		job.AttemptsMade = msg.AttemptsMade
		job.FailedReason = errMsg
		job.State = StateDelayed
		job.DelayUntil = processAt
		return true, nil
	}

	if err := q.broker.Fail(ctx, msg, errMsg); err != nil {
		return false, &QueueUnavailableError{Err: err}
	}
	job.AttemptsMade = msg.AttemptsMade
	job.FailedReason = errMsg
	job.State = StateFailed
	return false, nil
}

// Pause stops dispatch. Jobs keep accumulating and delayed jobs keep
// maturing; nothing is claimed until Resume.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.broker.Pause(ctx, q.name); err != nil {
		return &QueueUnavailableError{Err: err}
	}
	q.logger.Info("queue paused", zap.String("queue", q.name))
	return nil
}

// Resume re-enables dispatch.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.broker.Resume(ctx, q.name); err != nil {
		return &QueueUnavailableError{Err: err}
	}
	q.logger.Info("queue resumed", zap.String("queue", q.name))
	return nil
}

// Stats returns a snapshot of per-state job counts.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	s, err := q.broker.Stats(ctx, q.name)
	if err != nil {
		return nil, &QueueUnavailableError{Err: err}
	}
	return &Stats{
		Waiting:   s.Waiting,
		Active:    s.Active,
		Delayed:   s.Delayed,
		Completed: s.Completed,
		Failed:    s.Failed,
		Paused:    s.Paused,
	}, nil
}

// ListFailed returns failed jobs, most recent first.
func (q *Queue) ListFailed(ctx context.Context, offset, count int64) ([]*Job, error) {
	msgs, err := q.broker.ListFailed(ctx, q.name, offset, count)
	if err != nil {
		return nil, &QueueUnavailableError{Err: err}
	}
	jobs := make([]*Job, 0, len(msgs))
	for _, msg := range msgs {
		jobs = append(jobs, jobFromMessage(msg, base.StateFailed))
	}
	return jobs, nil
}

// Retry moves one failed job back to the waiting set. Its attempt history is
// preserved. Reports false if the job does not exist or is not failed.
func (q *Queue) Retry(ctx context.Context, id string) (bool, error) {
	ok, err := q.broker.RetryFailed(ctx, q.name, id)
	if err != nil {
		return false, &QueueUnavailableError{Err: err}
	}
	return ok, nil
}

// RetryAll moves every failed job back to the waiting set and returns the
// count.
func (q *Queue) RetryAll(ctx context.Context) (int64, error) {
	n, err := q.broker.RetryAllFailed(ctx, q.name)
	if err != nil {
		return 0, &QueueUnavailableError{Err: err}
	}
	return n, nil
}

// Clean permanently deletes terminal job records older than olderThan.
// Only the completed and failed states may be cleaned.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration, states ...State) (int64, error) {
	baseStates := make([]base.JobState, 0, len(states))
	for _, s := range states {
		bs, err := base.JobStateFromString(string(s))
		if err != nil {
			return 0, err
		}
		baseStates = append(baseStates, bs)
	}
	cutoff := q.clock.Now().Add(-olderThan)
	n, err := q.broker.Clean(ctx, q.name, cutoff, baseStates...)
	if err != nil {
		return n, err
	}
	if n > 0 {
		q.logger.Info("cleaned old jobs",
			zap.String("queue", q.name),
			zap.Int64("count", n),
			zap.Duration("older_than", olderThan))
	}
	return n, nil
}

// Job returns the current view of a single job by ID.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	msg, state, err := q.broker.GetJob(ctx, q.name, id)
	if err != nil {
		if err == base.ErrJobNotFound {
			return nil, err
		}
		return nil, &QueueUnavailableError{Err: err}
	}
	return jobFromMessage(msg, state), nil
}
