// Copyright 2025 ModernShop, Inc. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package mailq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	sent []Email
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, email Email) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, email)
	return nil
}

func newEmailJob(t *testing.T, jobType string, payload interface{}) *Job {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &Job{ID: "test-job", Type: jobType, Payload: data}
}

func TestRegisterEmailHandlersCoversAllTypes(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterEmailHandlers(reg, &fakeMailer{}, EmailHandlerConfig{}))
	assert.Equal(t, []string{
		TypeOrderConfirmation,
		TypeOrderStatusUpdate,
		TypePasswordReset,
		TypeRefundConfirmation,
		TypeWelcome,
	}, reg.Types())
}

func TestEmailHandlersRenderAndSend(t *testing.T) {
	order := OrderSnapshot{
		OrderNumber: "MS-1001",
		User:        &UserSnapshot{Email: "user@example.com", Name: "Ada"},
		Items:       []OrderItem{{Name: "Mug", Quantity: 2, Price: 9.99}},
		Total:       19.98,
		Status:      "shipped",
	}
	tests := []struct {
		name          string
		jobType       string
		payload       interface{}
		wantTo        string
		wantInSubject string
		wantInBody    string
	}{
		{
			name:          "order confirmation",
			jobType:       TypeOrderConfirmation,
			payload:       &OrderConfirmationPayload{Order: order, Email: "user@example.com"},
			wantTo:        "user@example.com",
			wantInSubject: "MS-1001",
			wantInBody:    "Mug",
		},
		{
			name:          "order status update",
			jobType:       TypeOrderStatusUpdate,
			payload:       &OrderStatusUpdatePayload{Order: order, Email: "user@example.com"},
			wantTo:        "user@example.com",
			wantInSubject: "shipped",
			wantInBody:    "shipped",
		},
		{
			name:          "password reset carries the link",
			jobType:       TypePasswordReset,
			payload:       &PasswordResetPayload{Email: "user@example.com", ResetToken: "tok123"},
			wantTo:        "user@example.com",
			wantInSubject: "password reset",
			wantInBody:    "https://shop.example.com/reset-password?token=tok123",
		},
		{
			name:          "welcome",
			jobType:       TypeWelcome,
			payload:       &WelcomePayload{Email: "user@example.com", Name: "Ada"},
			wantTo:        "user@example.com",
			wantInSubject: "Welcome",
			wantInBody:    "Ada",
		},
		{
			name:          "refund confirmation",
			jobType:       TypeRefundConfirmation,
			payload:       &RefundConfirmationPayload{Order: order, Email: "user@example.com"},
			wantTo:        "user@example.com",
			wantInSubject: "Refund",
			wantInBody:    "19.98",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mailer := &fakeMailer{}
			reg := NewRegistry()
			require.NoError(t, RegisterEmailHandlers(reg, mailer, EmailHandlerConfig{
				BaseURL: "https://shop.example.com",
			}))
			h, ok := reg.Lookup(tc.jobType)
			require.True(t, ok)

			result, err := h.ProcessJob(context.Background(), newEmailJob(t, tc.jobType, tc.payload))
			require.NoError(t, err)
			require.Len(t, mailer.sent, 1)
			assert.Equal(t, tc.wantTo, mailer.sent[0].To)
			assert.Contains(t, mailer.sent[0].Subject, tc.wantInSubject)
			assert.Contains(t, mailer.sent[0].Body, tc.wantInBody)
			require.NotNil(t, result)
			assert.Equal(t, tc.wantTo, result.Recipient)
		})
	}
}

func TestEmailHandlersWrapMailerFailures(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("connection refused")}
	reg := NewRegistry()
	require.NoError(t, RegisterEmailHandlers(reg, mailer, EmailHandlerConfig{}))
	h, ok := reg.Lookup(TypeWelcome)
	require.True(t, ok)

	_, err := h.ProcessJob(context.Background(),
		newEmailJob(t, TypeWelcome, &WelcomePayload{Email: "a@b.com", Name: "Ada"}))
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, mailer.err)
}

func TestEmailHandlersRejectMalformedPayload(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterEmailHandlers(reg, &fakeMailer{}, EmailHandlerConfig{}))
	h, ok := reg.Lookup(TypeWelcome)
	require.True(t, ok)

	job := &Job{ID: "bad", Type: TypeWelcome, Payload: []byte("not json")}
	_, err := h.ProcessJob(context.Background(), job)
	assert.Error(t, err)
}
