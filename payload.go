// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"strings"
	"time"
)

// Job types handled by the email queue. The set is open: new types only need
// a payload schema and a registered handler. Types are validated against the
// handler registry at dispatch time, not stored as an enum.
const (
	TypeOrderConfirmation  = "orderConfirmation"
	TypeOrderStatusUpdate  = "orderStatusUpdate"
	TypePasswordReset      = "passwordReset"
	TypeWelcome            = "welcome"
	TypeRefundConfirmation = "refundConfirmation"
)

// UserSnapshot is the slice of a user record that email work needs,
// captured at enqueue time.
type UserSnapshot struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// OrderItem is one line of an order snapshot.
type OrderItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// OrderSnapshot is the slice of an order that email work needs, captured at
// enqueue time so the queue never depends on the primary store being up.
type OrderSnapshot struct {
	OrderID       string        `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	User          *UserSnapshot `json:"user,omitempty"`
	GuestEmail    string        `json:"guest_email,omitempty"`
	Items         []OrderItem   `json:"items"`
	Total         float64       `json:"total"`
	Status        string        `json:"status"`
	PaymentMethod string        `json:"payment_method"`
	CreatedAt     time.Time     `json:"created_at"`
}

// RecipientEmail resolves the address an order-related email goes to: the
// registered user's address, or the guest address captured on the order.
// Empty when neither is present.
func (o *OrderSnapshot) RecipientEmail() string {
	if o.User != nil && o.User.Email != "" {
		return o.User.Email
	}
	return o.GuestEmail
}

// Payload is implemented by every typed job payload. Validation runs at
// enqueue time; invalid payloads are rejected before persistence.
type Payload interface {
	Validate() error
}

// OrderConfirmationPayload is the payload schema for TypeOrderConfirmation.
type OrderConfirmationPayload struct {
	Order OrderSnapshot `json:"order"`
	Email string        `json:"email"`
}

func (p *OrderConfirmationPayload) Validate() error {
	return validateOrderRecipient(p.Email, &p.Order)
}

// OrderStatusUpdatePayload is the payload schema for TypeOrderStatusUpdate.
type OrderStatusUpdatePayload struct {
	Order OrderSnapshot `json:"order"`
	Email string        `json:"email"`
}

func (p *OrderStatusUpdatePayload) Validate() error {
	return validateOrderRecipient(p.Email, &p.Order)
}

// RefundConfirmationPayload is the payload schema for TypeRefundConfirmation.
type RefundConfirmationPayload struct {
	Order OrderSnapshot `json:"order"`
	Email string        `json:"email"`
}

func (p *RefundConfirmationPayload) Validate() error {
	return validateOrderRecipient(p.Email, &p.Order)
}

// PasswordResetPayload is the payload schema for TypePasswordReset.
type PasswordResetPayload struct {
	Email      string `json:"email"`
	ResetToken string `json:"reset_token"`
}

func (p *PasswordResetPayload) Validate() error {
	if strings.TrimSpace(p.Email) == "" {
		return &ValidationError{Field: "email", Reason: "must not be empty"}
	}
	if strings.TrimSpace(p.ResetToken) == "" {
		return &ValidationError{Field: "reset_token", Reason: "must not be empty"}
	}
	return nil
}

// WelcomePayload is the payload schema for TypeWelcome.
type WelcomePayload struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (p *WelcomePayload) Validate() error {
	if strings.TrimSpace(p.Email) == "" {
		return &ValidationError{Field: "email", Reason: "must not be empty"}
	}
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	return nil
}

func validateOrderRecipient(email string, order *OrderSnapshot) error {
	if strings.TrimSpace(email) != "" {
		return nil
	}
	if order.RecipientEmail() == "" {
		return &ValidationError{Field: "email", Reason: "no email address found on order"}
	}
	return nil
}
