// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package memq provides an in-process base.Broker implementation. It mirrors
// the redis broker's semantics closely enough to run the queue, the worker
// and the control surface in tests without a redis server.
package memq

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/modernshop/mailq/internal/base"
	"github.com/modernshop/mailq/internal/timeutil"
)

type record struct {
	msg        *base.JobMessage
	state      base.JobState
	score      float64
	eligibleAt int64 // delayed: unix ms
	leaseUntil int64 // active: unix ms
	finishedAt int64 // terminal: unix ms
	result     []byte
}

type queueData struct {
	jobs   map[string]*record
	seq    int64
	paused bool
}

// Broker is an in-memory implementation of base.Broker.
// Safe for concurrent use.
type Broker struct {
	mu           sync.Mutex
	clock        timeutil.Clock
	leaseTimeout time.Duration
	queues       map[string]*queueData
	closed       bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock replaces the wall clock.
func WithClock(c timeutil.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithLeaseTimeout overrides the default 30 second lease.
func WithLeaseTimeout(d time.Duration) Option {
	return func(b *Broker) { b.leaseTimeout = d }
}

// NewBroker returns an empty in-memory broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		clock:        timeutil.NewRealClock(),
		leaseTimeout: 30 * time.Second,
		queues:       make(map[string]*queueData),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ base.Broker = (*Broker)(nil)

func (b *Broker) queue(qname string) *queueData {
	q, ok := b.queues[qname]
	if !ok {
		q = &queueData{jobs: make(map[string]*record)}
		b.queues[qname] = q
	}
	return q
}

func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("memq: broker closed")
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Broker) Enqueue(ctx context.Context, msg *base.JobMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(msg.Queue)
	if _, ok := q.jobs[msg.ID]; ok {
		return errors.New("memq: job id already exists")
	}
	q.seq++
	clone := *msg
	q.jobs[msg.ID] = &record{
		msg:   &clone,
		state: base.StateWaiting,
		score: base.PriorityScore(msg.Priority, q.seq),
	}
	return nil
}

func (b *Broker) Schedule(ctx context.Context, msg *base.JobMessage, processAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(msg.Queue)
	if _, ok := q.jobs[msg.ID]; ok {
		return errors.New("memq: job id already exists")
	}
	q.seq++
	clone := *msg
	q.jobs[msg.ID] = &record{
		msg:        &clone,
		state:      base.StateDelayed,
		score:      base.PriorityScore(msg.Priority, q.seq),
		eligibleAt: processAt.UnixMilli(),
	}
	return nil
}

// promote moves due delayed jobs and lease-expired active jobs back to
// waiting. Callers must hold the mutex.
func (b *Broker) promote(q *queueData, now int64) int64 {
	var moved int64
	for _, rec := range q.jobs {
		switch rec.state {
		case base.StateDelayed:
			if rec.eligibleAt <= now {
				rec.state = base.StateWaiting
				moved++
			}
		case base.StateActive:
			if rec.leaseUntil <= now {
				rec.state = base.StateWaiting
				moved++
			}
		}
	}
	return moved
}

func (b *Broker) Dequeue(ctx context.Context, qname string, limit int) ([]*base.JobMessage, error) {
	if limit < 1 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(qname)
	if q.paused {
		return nil, nil
	}
	now := b.clock.Now().UnixMilli()
	b.promote(q, now)

	var waiting []*record
	for _, rec := range q.jobs {
		if rec.state == base.StateWaiting {
			waiting = append(waiting, rec)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].score < waiting[j].score })
	if len(waiting) > limit {
		waiting = waiting[:limit]
	}

	msgs := make([]*base.JobMessage, 0, len(waiting))
	for _, rec := range waiting {
		rec.state = base.StateActive
		rec.leaseUntil = now + b.leaseTimeout.Milliseconds()
		rec.msg.ProcessedAt = now
		clone := *rec.msg
		msgs = append(msgs, &clone)
	}
	return msgs, nil
}

func (b *Broker) finish(qname, id string, from base.JobState) (*record, error) {
	rec, ok := b.queue(qname).jobs[id]
	if !ok || rec.state != from {
		return nil, errors.New("memq: job is no longer " + from.String())
	}
	return rec, nil
}

func (b *Broker) Complete(ctx context.Context, msg *base.JobMessage, result []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.finish(msg.Queue, msg.ID, base.StateActive)
	if err != nil {
		return err
	}
	now := b.clock.Now().UnixMilli()
	msg.FinishedAt = now
	clone := *msg
	rec.msg = &clone
	rec.state = base.StateCompleted
	rec.finishedAt = now
	rec.result = result
	return nil
}

func (b *Broker) Retry(ctx context.Context, msg *base.JobMessage, processAt time.Time, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.finish(msg.Queue, msg.ID, base.StateActive)
	if err != nil {
		return err
	}
	msg.ErrorMsg = errMsg
	msg.DelayUntil = processAt.UnixMilli()
	clone := *msg
	rec.msg = &clone
	rec.state = base.StateDelayed
	rec.eligibleAt = processAt.UnixMilli()
	return nil
}

func (b *Broker) Fail(ctx context.Context, msg *base.JobMessage, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.finish(msg.Queue, msg.ID, base.StateActive)
	if err != nil {
		return err
	}
	now := b.clock.Now().UnixMilli()
	msg.ErrorMsg = errMsg
	msg.FinishedAt = now
	clone := *msg
	rec.msg = &clone
	rec.state = base.StateFailed
	rec.finishedAt = now
	return nil
}

func (b *Broker) Pause(ctx context.Context, qname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue(qname).paused = true
	return nil
}

func (b *Broker) Resume(ctx context.Context, qname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue(qname).paused = false
	return nil
}

func (b *Broker) Stats(ctx context.Context, qname string) (*base.QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(qname)
	stats := &base.QueueStats{Paused: q.paused}
	for _, rec := range q.jobs {
		switch rec.state {
		case base.StateWaiting:
			stats.Waiting++
		case base.StateActive:
			stats.Active++
		case base.StateDelayed:
			stats.Delayed++
		case base.StateCompleted:
			stats.Completed++
		case base.StateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (b *Broker) ListFailed(ctx context.Context, qname string, offset, count int64) ([]*base.JobMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var failed []*record
	for _, rec := range b.queue(qname).jobs {
		if rec.state == base.StateFailed {
			failed = append(failed, rec)
		}
	}
	// Most recent first.
	sort.Slice(failed, func(i, j int) bool { return failed[i].finishedAt > failed[j].finishedAt })
	if offset >= int64(len(failed)) {
		return nil, nil
	}
	failed = failed[offset:]
	if count < int64(len(failed)) {
		failed = failed[:count]
	}
	msgs := make([]*base.JobMessage, 0, len(failed))
	for _, rec := range failed {
		clone := *rec.msg
		msgs = append(msgs, &clone)
	}
	return msgs, nil
}

func (b *Broker) RetryFailed(ctx context.Context, qname, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.queue(qname).jobs[id]
	if !ok || rec.state != base.StateFailed {
		return false, nil
	}
	rec.state = base.StateWaiting
	return true, nil
}

func (b *Broker) RetryAllFailed(ctx context.Context, qname string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, rec := range b.queue(qname).jobs {
		if rec.state == base.StateFailed {
			rec.state = base.StateWaiting
			n++
		}
	}
	return n, nil
}

func (b *Broker) Clean(ctx context.Context, qname string, cutoff time.Time, states ...base.JobState) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(qname)
	cut := cutoff.UnixMilli()
	var n int64
	for _, state := range states {
		if state != base.StateCompleted && state != base.StateFailed {
			return n, errors.New("memq: cannot clean jobs in state " + state.String())
		}
		for id, rec := range q.jobs {
			if rec.state == state && rec.finishedAt <= cut {
				delete(q.jobs, id)
				n++
			}
		}
	}
	return n, nil
}

func (b *Broker) RequeueStalled(ctx context.Context, qname string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(qname)
	now := b.clock.Now().UnixMilli()
	var n int64
	for _, rec := range q.jobs {
		if rec.state == base.StateActive && rec.leaseUntil <= now {
			rec.state = base.StateWaiting
			n++
		}
	}
	return n, nil
}

func (b *Broker) GetJob(ctx context.Context, qname, id string) (*base.JobMessage, base.JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.queue(qname).jobs[id]
	if !ok {
		return nil, 0, base.ErrJobNotFound
	}
	clone := *rec.msg
	return &clone, rec.state, nil
}
