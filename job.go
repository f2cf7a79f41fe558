// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modernshop/mailq/internal/base"
)

// State denotes the lifecycle state of a job as seen by callers.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is the caller-facing view of one unit of email work. The payload is a
// read-only snapshot resolved at enqueue time; handlers must not assume the
// primary data store is reachable.
type Job struct {
	ID           string
	Type         string
	Payload      json.RawMessage
	Priority     int64
	State        State
	MaxAttempts  int
	AttemptsMade int
	FailedReason string
	EnqueuedAt   time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
	DelayUntil   time.Time

	msg *base.JobMessage
}

func jobFromMessage(msg *base.JobMessage, state base.JobState) *Job {
	j := &Job{
		ID:           msg.ID,
		Type:         msg.Type,
		Payload:      msg.Payload,
		Priority:     msg.Priority,
		State:        State(state.String()),
		MaxAttempts:  msg.MaxAttempts,
		AttemptsMade: msg.AttemptsMade,
		FailedReason: msg.ErrorMsg,
		msg:          msg,
	}
	if msg.EnqueuedAt != 0 {
		j.EnqueuedAt = time.UnixMilli(msg.EnqueuedAt)
	}
	if msg.ProcessedAt != 0 {
		j.ProcessedAt = time.UnixMilli(msg.ProcessedAt)
	}
	if msg.FinishedAt != 0 {
		j.FinishedAt = time.UnixMilli(msg.FinishedAt)
	}
	if msg.DelayUntil != 0 {
		j.DelayUntil = time.UnixMilli(msg.DelayUntil)
	}
	return j
}

// UnmarshalPayload decodes the job's payload into v.
func (j *Job) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// Result is the descriptor a handler returns on success. It is persisted on
// the job record for operator inspection.
type Result struct {
	Message   string `json:"message"`
	Recipient string `json:"recipient,omitempty"`
}

// A Handler processes jobs of one type.
//
// ProcessJob reports the outcome explicitly: a Result on success, or a
// non-nil error on failure. Returning a *DeliveryError (or any other error)
// triggers the retry policy; the handler never decides scheduling itself.
//
// Handlers must tolerate duplicate execution. Delivery is at-least-once: a
// worker crash between a successful send and the outcome report replays the
// job.
type Handler interface {
	ProcessJob(ctx context.Context, job *Job) (*Result, error)
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(ctx context.Context, job *Job) (*Result, error)

// ProcessJob calls fn(ctx, job).
func (fn HandlerFunc) ProcessJob(ctx context.Context, job *Job) (*Result, error) {
	return fn(ctx, job)
}

type progressKey struct{}

func withProgress(ctx context.Context, fn func(percent int)) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress publishes a coarse progress checkpoint for the job bound to
// ctx. Checkpoints are observational only; they never affect the outcome.
func ReportProgress(ctx context.Context, percent int) {
	if fn, ok := ctx.Value(progressKey{}).(func(percent int)); ok {
		fn(percent)
	}
}
