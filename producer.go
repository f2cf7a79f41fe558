// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import "context"

// Producer offers typed enqueue methods for the known email job types.
// Each method applies the job type's default priority; explicit options
// override it.
//
// Order confirmations and password resets jump the line ahead of status
// updates and refunds, and welcome emails yield to everything else.
type Producer struct {
	q *Queue
}

// NewProducer returns a Producer that enqueues onto q.
func NewProducer(q *Queue) *Producer {
	return &Producer{q: q}
}

// Queue returns the underlying queue.
func (p *Producer) Queue() *Queue { return p.q }

// EnqueueOrderConfirmation queues an order confirmation email.
func (p *Producer) EnqueueOrderConfirmation(ctx context.Context, order OrderSnapshot, opts ...JobOption) (string, error) {
	payload := &OrderConfirmationPayload{Order: order, Email: order.RecipientEmail()}
	opts = append([]JobOption{Priority(1)}, opts...)
	return p.q.Enqueue(ctx, TypeOrderConfirmation, payload, opts...)
}

// EnqueueOrderStatusUpdate queues an order status change notification.
func (p *Producer) EnqueueOrderStatusUpdate(ctx context.Context, order OrderSnapshot, opts ...JobOption) (string, error) {
	payload := &OrderStatusUpdatePayload{Order: order, Email: order.RecipientEmail()}
	opts = append([]JobOption{Priority(2)}, opts...)
	return p.q.Enqueue(ctx, TypeOrderStatusUpdate, payload, opts...)
}

// EnqueuePasswordReset queues a password reset email carrying the reset
// token.
func (p *Producer) EnqueuePasswordReset(ctx context.Context, email, resetToken string, opts ...JobOption) (string, error) {
	payload := &PasswordResetPayload{Email: email, ResetToken: resetToken}
	opts = append([]JobOption{Priority(1)}, opts...)
	return p.q.Enqueue(ctx, TypePasswordReset, payload, opts...)
}

// EnqueueWelcome queues a welcome email for a newly registered user.
func (p *Producer) EnqueueWelcome(ctx context.Context, user UserSnapshot, opts ...JobOption) (string, error) {
	payload := &WelcomePayload{Email: user.Email, Name: user.Name}
	opts = append([]JobOption{Priority(3)}, opts...)
	return p.q.Enqueue(ctx, TypeWelcome, payload, opts...)
}

// EnqueueRefundConfirmation queues a refund confirmation email.
func (p *Producer) EnqueueRefundConfirmation(ctx context.Context, order OrderSnapshot, opts ...JobOption) (string, error) {
	payload := &RefundConfirmationPayload{Order: order, Email: order.RecipientEmail()}
	opts = append([]JobOption{Priority(2)}, opts...)
	return p.q.Enqueue(ctx, TypeRefundConfirmation, payload, opts...)
}
