// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in the mailq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version of the mailq subsystem.
const Version = "1.0.0"

// DefaultQueueName is the queue name used if none is specified by the caller.
// The shop runs a single logical email channel.
const DefaultQueueName = "email"

// JobState denotes the state of a job. A job is in exactly one state at any
// given time, and transitions only along the paths enforced by the broker.
type JobState int

const (
	StateWaiting JobState = iota + 1
	StateActive
	StateDelayed
	StateCompleted
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateDelayed:
		return "delayed"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	panic(fmt.Sprintf("internal error: unknown job state %d", s))
}

func JobStateFromString(s string) (JobState, error) {
	switch s {
	case "waiting":
		return StateWaiting, nil
	case "active":
		return StateActive, nil
	case "delayed":
		return StateDelayed, nil
	case "completed":
		return StateCompleted, nil
	case "failed":
		return StateFailed, nil
	}
	return 0, fmt.Errorf("%q is not a supported job state", s)
}

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	return nil
}

// QueueKeyPrefix returns a prefix for all keys in the given queue.
// The braces make all keys of one queue hash to the same redis cluster slot.
func QueueKeyPrefix(qname string) string {
	return "mailq:{" + qname + "}:"
}

// JobKeyPrefix returns a prefix for job keys.
func JobKeyPrefix(qname string) string {
	return QueueKeyPrefix(qname) + "t:"
}

// JobKey returns a redis key for the given job id.
func JobKey(qname, id string) string {
	return JobKeyPrefix(qname) + id
}

// WaitingKey returns a redis key for the waiting set of the given queue.
func WaitingKey(qname string) string {
	return QueueKeyPrefix(qname) + "waiting"
}

// ActiveKey returns a redis key for the active (claimed) set.
// Members are scored by their lease deadline.
func ActiveKey(qname string) string {
	return QueueKeyPrefix(qname) + "active"
}

// DelayedKey returns a redis key for the delayed set.
// Members are scored by the time they become eligible to run.
func DelayedKey(qname string) string {
	return QueueKeyPrefix(qname) + "delayed"
}

// CompletedKey returns a redis key for the completed set.
func CompletedKey(qname string) string {
	return QueueKeyPrefix(qname) + "completed"
}

// FailedKey returns a redis key for the failed set.
func FailedKey(qname string) string {
	return QueueKeyPrefix(qname) + "failed"
}

// PausedKey returns a redis key used to indicate that the given queue is paused.
func PausedKey(qname string) string {
	return QueueKeyPrefix(qname) + "paused"
}

// SeqKey returns a redis key for the enqueue sequence counter of the queue.
func SeqKey(qname string) string {
	return QueueKeyPrefix(qname) + "seq"
}

// PriorityScore folds a job's priority and its enqueue sequence number into a
// single sortable score. Lower priority numbers run first; within the same
// priority, jobs run in enqueue order. The sequence occupies the low 32 bits
// so the composite stays exactly representable in a float64.
func PriorityScore(priority, seq int64) float64 {
	return float64(priority*(1<<32) + seq)
}

// JobMessage is the internal representation of a job with additional metadata
// fields. Serialized data of this type gets written to redis.
type JobMessage struct {
	// ID is a unique identifier for each job, assigned at enqueue time.
	ID string `json:"id"`

	// Queue is the name of the queue this job belongs to.
	Queue string `json:"queue"`

	// Type indicates the kind of email work to be performed.
	Type string `json:"type"`

	// Payload holds the data needed by the handler, pre-resolved at enqueue
	// time. It is never mutated after enqueue.
	Payload json.RawMessage `json:"payload"`

	// Priority orders dispatch; lower values run first. Default 0.
	Priority int64 `json:"priority"`

	// MaxAttempts is the number of dispatches allowed before the job is
	// moved to the failed set.
	MaxAttempts int `json:"max_attempts"`

	// AttemptsMade is the number of times the job has been dispatched to a
	// handler. Never exceeds MaxAttempts.
	AttemptsMade int `json:"attempts_made"`

	// BackoffBase is the base delay, in milliseconds, of the exponential
	// backoff applied between retries.
	BackoffBase int64 `json:"backoff_base_ms"`

	// ErrorMsg holds the error message from the last failed attempt.
	ErrorMsg string `json:"error_msg,omitempty"`

	// EnqueuedAt is the creation time in Unix milliseconds.
	EnqueuedAt int64 `json:"enqueued_at"`

	// ProcessedAt is the time of the last dispatch in Unix milliseconds.
	// Zero until first claimed.
	ProcessedAt int64 `json:"processed_at,omitempty"`

	// FinishedAt is the time the job reached a terminal state in Unix
	// milliseconds. Zero while the job is live.
	FinishedAt int64 `json:"finished_at,omitempty"`

	// DelayUntil is the Unix millisecond timestamp before which the job is
	// not eligible to run. Zero for immediate jobs.
	DelayUntil int64 `json:"delay_until,omitempty"`
}

// EncodeMessage marshals the given job message and returns encoded bytes.
func EncodeMessage(msg *JobMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded job message.
func DecodeMessage(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// QueueStats holds the per-state cardinality of one queue.
type QueueStats struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
	Paused    bool
}

// ErrJobNotFound is returned by brokers when the referenced job does not exist.
var ErrJobNotFound = fmt.Errorf("job not found")

// Broker is a message broker that supports operations to manage email job
// queues.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping(ctx context.Context) error
	Close() error

	// Enqueue adds msg to the waiting set. It is an error to enqueue a
	// message whose ID already exists.
	Enqueue(ctx context.Context, msg *JobMessage) error

	// Schedule adds msg to the delayed set, eligible at processAt.
	Schedule(ctx context.Context, msg *JobMessage, processAt time.Time) error

	// Dequeue atomically claims up to limit eligible jobs, moving them to
	// the active set under a lease. Due delayed jobs and lease-expired
	// active jobs become eligible as part of the same call. Returns no jobs
	// while the queue is paused.
	Dequeue(ctx context.Context, qname string, limit int) ([]*JobMessage, error)

	// Complete moves an active job to the completed set, storing the
	// handler's result descriptor.
	Complete(ctx context.Context, msg *JobMessage, result []byte) error

	// Retry moves an active job to the delayed set, eligible at processAt.
	Retry(ctx context.Context, msg *JobMessage, processAt time.Time, errMsg string) error

	// Fail moves an active job to the failed set.
	Fail(ctx context.Context, msg *JobMessage, errMsg string) error

	Pause(ctx context.Context, qname string) error
	Resume(ctx context.Context, qname string) error

	Stats(ctx context.Context, qname string) (*QueueStats, error)

	// ListFailed returns failed jobs, most recent first.
	ListFailed(ctx context.Context, qname string, offset, count int64) ([]*JobMessage, error)

	// RetryFailed moves one failed job back to the waiting set, preserving
	// its attempt count. Reports false if the job does not exist or is not
	// in the failed state.
	RetryFailed(ctx context.Context, qname, id string) (bool, error)

	// RetryAllFailed applies RetryFailed to every failed job and returns
	// the number of jobs moved.
	RetryAllFailed(ctx context.Context, qname string) (int64, error)

	// Clean permanently removes jobs in the given terminal states that
	// finished before cutoff. Returns the number of records removed.
	Clean(ctx context.Context, qname string, cutoff time.Time, states ...JobState) (int64, error)

	// RequeueStalled returns lease-expired active jobs to the waiting set.
	RequeueStalled(ctx context.Context, qname string) (int64, error)

	// GetJob returns the message and current state of the given job.
	GetJob(ctx context.Context, qname, id string) (*JobMessage, JobState, error)
}
