// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"context"
	"fmt"
	"strings"
)

// Email is one outbound message handed to a Mailer.
type Email struct {
	To      string
	Subject string
	Body    string
}

// A Mailer delivers email. Implementations talk SMTP, an email API, or a
// log sink in development.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// EmailHandlerConfig carries the rendering settings shared by the built-in
// email handlers.
type EmailHandlerConfig struct {
	// BaseURL is the public URL of the storefront, used to build links.
	BaseURL string
	// StoreName appears in subjects and signatures. Defaults to "ModernShop".
	StoreName string
}

// RegisterEmailHandlers registers a handler for each known job type. Every
// handler decodes its typed payload, renders the message, and hands it to
// mailer. Mailer failures surface as *DeliveryError so the retry policy
// applies.
func RegisterEmailHandlers(reg *Registry, mailer Mailer, cfg EmailHandlerConfig) error {
	if cfg.StoreName == "" {
		cfg.StoreName = "ModernShop"
	}
	h := &emailHandlers{mailer: mailer, cfg: cfg}
	for jobType, fn := range map[string]HandlerFunc{
		TypeOrderConfirmation:  h.orderConfirmation,
		TypeOrderStatusUpdate:  h.orderStatusUpdate,
		TypePasswordReset:      h.passwordReset,
		TypeWelcome:            h.welcome,
		TypeRefundConfirmation: h.refundConfirmation,
	} {
		if err := reg.Register(jobType, fn); err != nil {
			return err
		}
	}
	return nil
}

type emailHandlers struct {
	mailer Mailer
	cfg    EmailHandlerConfig
}

func (h *emailHandlers) send(ctx context.Context, email Email) (*Result, error) {
	ReportProgress(ctx, 30)
	if err := h.mailer.Send(ctx, email); err != nil {
		return nil, &DeliveryError{Err: err}
	}
	ReportProgress(ctx, 100)
	return &Result{Message: email.Subject, Recipient: email.To}, nil
}

func (h *emailHandlers) orderConfirmation(ctx context.Context, job *Job) (*Result, error) {
	var p OrderConfirmationPayload
	if err := job.UnmarshalPayload(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	ReportProgress(ctx, 10)
	to := p.Email
	if to == "" {
		to = p.Order.RecipientEmail()
	}
	var items strings.Builder
	for _, it := range p.Order.Items {
		fmt.Fprintf(&items, "  %dx %s  $%.2f\n", it.Quantity, it.Name, it.Price)
	}
	return h.send(ctx, Email{
		To:      to,
		Subject: fmt.Sprintf("%s order confirmation - %s", h.cfg.StoreName, p.Order.OrderNumber),
		Body: fmt.Sprintf(
			"Thank you for your order!\n\nOrder %s\n%s\nTotal: $%.2f\nPayment: %s\n",
			p.Order.OrderNumber, items.String(), p.Order.Total, p.Order.PaymentMethod),
	})
}

func (h *emailHandlers) orderStatusUpdate(ctx context.Context, job *Job) (*Result, error) {
	var p OrderStatusUpdatePayload
	if err := job.UnmarshalPayload(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	ReportProgress(ctx, 10)
	to := p.Email
	if to == "" {
		to = p.Order.RecipientEmail()
	}
	return h.send(ctx, Email{
		To:      to,
		Subject: fmt.Sprintf("Order %s is now %s", p.Order.OrderNumber, p.Order.Status),
		Body: fmt.Sprintf(
			"Your order %s has been updated.\n\nNew status: %s\n",
			p.Order.OrderNumber, p.Order.Status),
	})
}

func (h *emailHandlers) passwordReset(ctx context.Context, job *Job) (*Result, error) {
	var p PasswordResetPayload
	if err := job.UnmarshalPayload(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	ReportProgress(ctx, 10)
	link := fmt.Sprintf("%s/reset-password?token=%s",
		strings.TrimSuffix(h.cfg.BaseURL, "/"), p.ResetToken)
	return h.send(ctx, Email{
		To:      p.Email,
		Subject: fmt.Sprintf("%s password reset", h.cfg.StoreName),
		Body: fmt.Sprintf(
			"We received a request to reset your password.\n\nReset it here: %s\n\nIf you did not request this, ignore this email.\n",
			link),
	})
}

func (h *emailHandlers) welcome(ctx context.Context, job *Job) (*Result, error) {
	var p WelcomePayload
	if err := job.UnmarshalPayload(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	ReportProgress(ctx, 10)
	return h.send(ctx, Email{
		To:      p.Email,
		Subject: fmt.Sprintf("Welcome to %s!", h.cfg.StoreName),
		Body: fmt.Sprintf(
			"Hi %s,\n\nWelcome to %s. Happy shopping!\n",
			p.Name, h.cfg.StoreName),
	})
}

func (h *emailHandlers) refundConfirmation(ctx context.Context, job *Job) (*Result, error) {
	var p RefundConfirmationPayload
	if err := job.UnmarshalPayload(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	ReportProgress(ctx, 10)
	to := p.Email
	if to == "" {
		to = p.Order.RecipientEmail()
	}
	return h.send(ctx, Email{
		To:      to,
		Subject: fmt.Sprintf("Refund processed for order %s", p.Order.OrderNumber),
		Body: fmt.Sprintf(
			"Your refund of $%.2f for order %s has been processed.\nIt may take 5-10 business days to appear on your statement.\n",
			p.Order.Total, p.Order.OrderNumber),
	})
}
