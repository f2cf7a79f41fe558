// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/modernshop/mailq/internal/base"
)

// Stats returns the per-state job counts of the queue.
func (r *RDB) Stats(ctx context.Context, qname string) (*base.QueueStats, error) {
	pipe := r.client.Pipeline()
	waiting := pipe.ZCard(ctx, base.WaitingKey(qname))
	active := pipe.ZCard(ctx, base.ActiveKey(qname))
	delayed := pipe.ZCard(ctx, base.DelayedKey(qname))
	completed := pipe.ZCard(ctx, base.CompletedKey(qname))
	failed := pipe.ZCard(ctx, base.FailedKey(qname))
	paused := pipe.Exists(ctx, base.PausedKey(qname))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &base.QueueStats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

// ListFailed returns failed jobs ordered most recent first.
func (r *RDB) ListFailed(ctx context.Context, qname string, offset, count int64) ([]*base.JobMessage, error) {
	if count < 1 {
		return nil, nil
	}
	ids, err := r.client.ZRevRange(ctx, base.FailedKey(qname), offset, offset+count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, base.JobKey(qname, id), "msg")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	var msgs []*base.JobMessage
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			// Record pruned between the range read and the hash read.
			continue
		}
		msg, err := base.DecodeMessage([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("list failed: cannot decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// retryFailedCmd moves one failed job back to the waiting set at its original
// priority score. The attempt counter inside the message is left untouched so
// the audit trail survives manual retries.
//
// KEYS[1] -> mailq:{<qname>}:failed
// KEYS[2] -> mailq:{<qname>}:waiting
// KEYS[3] -> mailq:{<qname>}:t:<job_id>
// --
// ARGV[1] -> job ID
var retryFailedCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
local score = redis.call("HGET", KEYS[3], "score")
redis.call("ZADD", KEYS[2], tonumber(score), ARGV[1])
redis.call("HSET", KEYS[3], "state", "waiting")
return 1
`)

// RetryFailed transitions a failed job back to waiting, making it eligible
// for immediate re-dispatch. Reports false if the job is missing or not in
// the failed state.
func (r *RDB) RetryFailed(ctx context.Context, qname, id string) (bool, error) {
	keys := []string{
		base.FailedKey(qname),
		base.WaitingKey(qname),
		base.JobKey(qname, id),
	}
	res, err := r.runScript(ctx, "retry_failed", retryFailedCmd, keys, id)
	if err != nil {
		return false, err
	}
	return cast.ToInt64(res) == 1, nil
}

// retryAllFailedCmd moves every failed job back to the waiting set.
//
// KEYS[1] -> mailq:{<qname>}:failed
// KEYS[2] -> mailq:{<qname>}:waiting
// --
// ARGV[1] -> job key prefix
var retryAllFailedCmd = redis.NewScript(`
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	local score = redis.call("HGET", ARGV[1] .. id, "score")
	redis.call("ZADD", KEYS[2], tonumber(score), id)
	redis.call("ZREM", KEYS[1], id)
	redis.call("HSET", ARGV[1] .. id, "state", "waiting")
end
return #ids
`)

// RetryAllFailed retries every currently failed job and returns the count.
func (r *RDB) RetryAllFailed(ctx context.Context, qname string) (int64, error) {
	keys := []string{base.FailedKey(qname), base.WaitingKey(qname)}
	res, err := r.runScript(ctx, "retry_all_failed", retryAllFailedCmd, keys,
		base.JobKeyPrefix(qname))
	if err != nil {
		return 0, err
	}
	return cast.ToInt64(res), nil
}

// cleanCmd deletes job records in one terminal set that finished before the
// cutoff.
//
// KEYS[1] -> mailq:{<qname>}:completed or mailq:{<qname>}:failed
// --
// ARGV[1] -> cutoff time in unix milliseconds
// ARGV[2] -> job key prefix
var cleanCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[2] .. id)
	redis.call("ZREM", KEYS[1], id)
end
return #ids
`)

// Clean permanently removes job records in the given terminal states that
// finished before cutoff. States other than completed and failed are
// rejected: live jobs are never garbage collected.
func (r *RDB) Clean(ctx context.Context, qname string, cutoff time.Time, states ...base.JobState) (int64, error) {
	var total int64
	for _, state := range states {
		var key string
		switch state {
		case base.StateCompleted:
			key = base.CompletedKey(qname)
		case base.StateFailed:
			key = base.FailedKey(qname)
		default:
			return total, fmt.Errorf("clean: cannot clean jobs in state %q", state)
		}
		res, err := r.runScript(ctx, "clean", cleanCmd, []string{key},
			cutoff.UnixMilli(), base.JobKeyPrefix(qname))
		if err != nil {
			return total, err
		}
		total += cast.ToInt64(res)
	}
	return total, nil
}

// GetJob returns the message and current state of the given job.
func (r *RDB) GetJob(ctx context.Context, qname, id string) (*base.JobMessage, base.JobState, error) {
	fields, err := r.client.HGetAll(ctx, base.JobKey(qname, id)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, 0, base.ErrJobNotFound
	}
	msg, err := base.DecodeMessage([]byte(fields["msg"]))
	if err != nil {
		return nil, 0, fmt.Errorf("get job: cannot decode message: %w", err)
	}
	state, err := base.JobStateFromString(fields["state"])
	if err != nil {
		return nil, 0, fmt.Errorf("get job: %w", err)
	}
	if msg.ProcessedAt == 0 {
		msg.ProcessedAt = cast.ToInt64(fields["processed_at"])
	}
	return msg, state, nil
}
