// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/modernshop/mailq/internal/base"
	"github.com/modernshop/mailq/internal/timeutil"
)

// DefaultLeaseTimeout is how long a claimed job stays invisible to other
// fetchers before it is considered stalled and returned to the waiting set.
const DefaultLeaseTimeout = 30 * time.Second

// ErrDuplicateJob indicates that a job with the same id already exists.
var ErrDuplicateJob = errors.New("job id already exists")

// ErrJobNotActive indicates that the job's lease expired and it was reclaimed
// before the outcome was reported.
var ErrJobNotActive = errors.New("job is no longer active")

// Option configures an RDB instance.
type Option func(*RDB)

// WithClock replaces the wall clock. Used in tests.
func WithClock(c timeutil.Clock) Option {
	return func(r *RDB) { r.clock = c }
}

// WithLeaseTimeout overrides DefaultLeaseTimeout.
func WithLeaseTimeout(d time.Duration) Option {
	return func(r *RDB) { r.leaseTimeout = d }
}

// RDB is a client interface to query and mutate job queues. It implements
// base.Broker on top of a redis key/hash/sorted-set layout: one hash per job
// record plus one sorted set per state.
type RDB struct {
	client       redis.UniversalClient
	clock        timeutil.Clock
	leaseTimeout time.Duration
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient, opts ...Option) *RDB {
	r := &RDB{
		client:       client,
		clock:        timeutil.NewRealClock(),
		leaseTimeout: DefaultLeaseTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Client returns the reference to the underlying redis client.
func (r *RDB) Client() redis.UniversalClient { return r.client }

// Ping checks the connection with redis server.
func (r *RDB) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection with redis server.
func (r *RDB) Close() error { return r.client.Close() }

func (r *RDB) runScript(ctx context.Context, op string, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: redis eval error: %w", op, err)
	}
	return res, nil
}

// enqueueCmd enqueues a given job message.
//
// Input:
// KEYS[1] -> mailq:{<qname>}:t:<job_id>
// KEYS[2] -> mailq:{<qname>}:waiting
// KEYS[3] -> mailq:{<qname>}:seq
// --
// ARGV[1] -> job message data
// ARGV[2] -> job priority
// ARGV[3] -> job ID
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if job ID already exists
var enqueueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
local seq = redis.call("INCR", KEYS[3])
local score = tonumber(ARGV[2]) * 4294967296 + seq
redis.call("HSET", KEYS[1], "msg", ARGV[1], "state", "waiting", "score", score)
redis.call("ZADD", KEYS[2], score, ARGV[3])
return 1
`)

// Enqueue adds the given job to the waiting set of the queue.
func (r *RDB) Enqueue(ctx context.Context, msg *base.JobMessage) error {
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("enqueue: cannot encode message: %w", err)
	}
	keys := []string{
		base.JobKey(msg.Queue, msg.ID),
		base.WaitingKey(msg.Queue),
		base.SeqKey(msg.Queue),
	}
	res, err := r.runScript(ctx, "enqueue", enqueueCmd, keys, encoded, msg.Priority, msg.ID)
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrDuplicateJob
	}
	return nil
}

// scheduleCmd enqueues a job message to be processed in the future.
//
// KEYS[1] -> mailq:{<qname>}:t:<job_id>
// KEYS[2] -> mailq:{<qname>}:delayed
// KEYS[3] -> mailq:{<qname>}:seq
// --
// ARGV[1] -> job message data
// ARGV[2] -> job priority
// ARGV[3] -> job ID
// ARGV[4] -> process_at time in unix milliseconds
var scheduleCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
local seq = redis.call("INCR", KEYS[3])
local score = tonumber(ARGV[2]) * 4294967296 + seq
redis.call("HSET", KEYS[1], "msg", ARGV[1], "state", "delayed", "score", score)
redis.call("ZADD", KEYS[2], tonumber(ARGV[4]), ARGV[3])
return 1
`)

// Schedule adds the job to the delayed set to be processed in the future.
func (r *RDB) Schedule(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("schedule: cannot encode message: %w", err)
	}
	keys := []string{
		base.JobKey(msg.Queue, msg.ID),
		base.DelayedKey(msg.Queue),
		base.SeqKey(msg.Queue),
	}
	res, err := r.runScript(ctx, "schedule", scheduleCmd, keys,
		encoded, msg.Priority, msg.ID, processAt.UnixMilli())
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrDuplicateJob
	}
	return nil
}

// dequeueCmd claims up to limit eligible jobs.
//
// Eligibility is evaluated in one atomic step: due members of the delayed set
// and lease-expired members of the active set are first moved back to the
// waiting set (at their original priority score), then the lowest-scored
// waiting jobs are claimed into the active set under a fresh lease.
//
// KEYS[1] -> mailq:{<qname>}:paused
// KEYS[2] -> mailq:{<qname>}:delayed
// KEYS[3] -> mailq:{<qname>}:waiting
// KEYS[4] -> mailq:{<qname>}:active
// --
// ARGV[1] -> current time in unix milliseconds
// ARGV[2] -> lease deadline in unix milliseconds
// ARGV[3] -> limit
// ARGV[4] -> job key prefix
//
// Output:
// Returns a list of encoded job messages, possibly empty.
var dequeueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return {}
end
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(due) do
	local score = redis.call("HGET", ARGV[4] .. id, "score")
	redis.call("ZADD", KEYS[3], tonumber(score), id)
	redis.call("ZREM", KEYS[2], id)
	redis.call("HSET", ARGV[4] .. id, "state", "waiting")
end
local expired = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", ARGV[1])
for _, id in ipairs(expired) do
	local score = redis.call("HGET", ARGV[4] .. id, "score")
	redis.call("ZADD", KEYS[3], tonumber(score), id)
	redis.call("ZREM", KEYS[4], id)
	redis.call("HSET", ARGV[4] .. id, "state", "waiting")
end
local res = {}
local ids = redis.call("ZRANGE", KEYS[3], 0, tonumber(ARGV[3]) - 1)
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[3], id)
	redis.call("ZADD", KEYS[4], tonumber(ARGV[2]), id)
	redis.call("HSET", ARGV[4] .. id, "state", "active", "processed_at", ARGV[1])
	table.insert(res, redis.call("HGET", ARGV[4] .. id, "msg"))
end
return res
`)

// Dequeue claims up to limit eligible jobs from the queue and returns them.
// Claimed jobs are leased for the configured lease timeout; if no outcome is
// reported before the lease expires, the job becomes claimable again.
func (r *RDB) Dequeue(ctx context.Context, qname string, limit int) ([]*base.JobMessage, error) {
	if limit < 1 {
		return nil, nil
	}
	now := r.clock.Now()
	keys := []string{
		base.PausedKey(qname),
		base.DelayedKey(qname),
		base.WaitingKey(qname),
		base.ActiveKey(qname),
	}
	res, err := r.runScript(ctx, "dequeue", dequeueCmd, keys,
		now.UnixMilli(),
		now.Add(r.leaseTimeout).UnixMilli(),
		limit,
		base.JobKeyPrefix(qname),
	)
	if err != nil {
		return nil, err
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("dequeue: unexpected return value %v", res)
	}
	msgs := make([]*base.JobMessage, 0, len(items))
	for _, item := range items {
		msg, err := base.DecodeMessage([]byte(cast.ToString(item)))
		if err != nil {
			return nil, fmt.Errorf("dequeue: cannot decode message: %w", err)
		}
		msg.ProcessedAt = now.UnixMilli()
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// completeCmd moves an active job to the completed set.
//
// KEYS[1] -> mailq:{<qname>}:active
// KEYS[2] -> mailq:{<qname>}:completed
// KEYS[3] -> mailq:{<qname>}:t:<job_id>
// --
// ARGV[1] -> job ID
// ARGV[2] -> updated job message data
// ARGV[3] -> current time in unix milliseconds
// ARGV[4] -> result descriptor
var completeCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[1])
redis.call("HSET", KEYS[3], "msg", ARGV[2], "state", "completed", "result", ARGV[4])
return 1
`)

// Complete moves the job from active to completed, recording the result.
func (r *RDB) Complete(ctx context.Context, msg *base.JobMessage, result []byte) error {
	now := r.clock.Now()
	msg.FinishedAt = now.UnixMilli()
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("complete: cannot encode message: %w", err)
	}
	keys := []string{
		base.ActiveKey(msg.Queue),
		base.CompletedKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
	}
	res, err := r.runScript(ctx, "complete", completeCmd, keys,
		msg.ID, encoded, now.UnixMilli(), result)
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrJobNotActive
	}
	return nil
}

// retryCmd moves an active job to the delayed set for a later attempt.
//
// KEYS[1] -> mailq:{<qname>}:active
// KEYS[2] -> mailq:{<qname>}:delayed
// KEYS[3] -> mailq:{<qname>}:t:<job_id>
// --
// ARGV[1] -> job ID
// ARGV[2] -> updated job message data
// ARGV[3] -> process_at time in unix milliseconds
var retryCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[1])
redis.call("HSET", KEYS[3], "msg", ARGV[2], "state", "delayed")
return 1
`)

// Retry moves the job from active to delayed, to be retried at processAt.
func (r *RDB) Retry(ctx context.Context, msg *base.JobMessage, processAt time.Time, errMsg string) error {
	msg.ErrorMsg = errMsg
	msg.DelayUntil = processAt.UnixMilli()
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("retry: cannot encode message: %w", err)
	}
	keys := []string{
		base.ActiveKey(msg.Queue),
		base.DelayedKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
	}
	res, err := r.runScript(ctx, "retry", retryCmd, keys,
		msg.ID, encoded, processAt.UnixMilli())
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrJobNotActive
	}
	return nil
}

// failCmd moves an active job to the failed set.
//
// KEYS[1] -> mailq:{<qname>}:active
// KEYS[2] -> mailq:{<qname>}:failed
// KEYS[3] -> mailq:{<qname>}:t:<job_id>
// --
// ARGV[1] -> job ID
// ARGV[2] -> updated job message data
// ARGV[3] -> current time in unix milliseconds
var failCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[1])
redis.call("HSET", KEYS[3], "msg", ARGV[2], "state", "failed")
return 1
`)

// Fail moves the job from active to failed, recording the failure reason.
func (r *RDB) Fail(ctx context.Context, msg *base.JobMessage, errMsg string) error {
	now := r.clock.Now()
	msg.ErrorMsg = errMsg
	msg.FinishedAt = now.UnixMilli()
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("fail: cannot encode message: %w", err)
	}
	keys := []string{
		base.ActiveKey(msg.Queue),
		base.FailedKey(msg.Queue),
		base.JobKey(msg.Queue, msg.ID),
	}
	res, err := r.runScript(ctx, "fail", failCmd, keys,
		msg.ID, encoded, now.UnixMilli())
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrJobNotActive
	}
	return nil
}

// Pause pauses fetching from the queue. Idempotent.
func (r *RDB) Pause(ctx context.Context, qname string) error {
	return r.client.Set(ctx, base.PausedKey(qname), r.clock.Now().UnixMilli(), 0).Err()
}

// Resume resumes fetching from the queue. Idempotent.
func (r *RDB) Resume(ctx context.Context, qname string) error {
	return r.client.Del(ctx, base.PausedKey(qname)).Err()
}

// requeueStalledCmd returns lease-expired active jobs to the waiting set.
//
// KEYS[1] -> mailq:{<qname>}:active
// KEYS[2] -> mailq:{<qname>}:waiting
// --
// ARGV[1] -> current time in unix milliseconds
// ARGV[2] -> job key prefix
var requeueStalledCmd = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(expired) do
	local score = redis.call("HGET", ARGV[2] .. id, "score")
	redis.call("ZADD", KEYS[2], tonumber(score), id)
	redis.call("ZREM", KEYS[1], id)
	redis.call("HSET", ARGV[2] .. id, "state", "waiting")
end
return #expired
`)

// RequeueStalled moves jobs whose lease has expired back to the waiting set
// and returns how many were moved.
func (r *RDB) RequeueStalled(ctx context.Context, qname string) (int64, error) {
	keys := []string{base.ActiveKey(qname), base.WaitingKey(qname)}
	res, err := r.runScript(ctx, "requeue_stalled", requeueStalledCmd, keys,
		r.clock.Now().UnixMilli(), base.JobKeyPrefix(qname))
	if err != nil {
		return 0, err
	}
	return cast.ToInt64(res), nil
}
