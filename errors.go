// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import "fmt"

// ValidationError reports a malformed enqueue request. Jobs failing
// validation are rejected before anything is persisted and are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mailq: invalid %s: %s", e.Field, e.Reason)
}

// QueueUnavailableError indicates that the durable store was unreachable at
// enqueue time. Callers must treat this as non-fatal to their own operation:
// an order that cannot queue its confirmation email is still an order.
type QueueUnavailableError struct {
	Err error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("mailq: queue unavailable: %v", e.Err)
}

func (e *QueueUnavailableError) Unwrap() error { return e.Err }

// HandlerNotFoundError indicates that a claimed job has no registered
// handler for its type. This is a configuration error, not a transient one;
// the job is marked failed immediately without consuming an attempt.
type HandlerNotFoundError struct {
	Type string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("mailq: no handler registered for job type %q", e.Type)
}

// DeliveryError indicates that the mail-sending collaborator failed. It is
// assumed transient and triggers the retry/backoff policy until attempts are
// exhausted.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("mailq: delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
