// Package mailer provides mailq.Mailer implementations: a real SMTP sender
// and a log sender for development.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/modernshop/mailq"
)

// SMTPConfig holds the settings of an SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is the sender address placed on outgoing mail.
	From string
	// FromName is the display name placed on outgoing mail.
	FromName string
}

// SMTPSender delivers email through an SMTP relay using PLAIN auth.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender returns a sender for the given relay.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPSender{cfg: cfg}
}

var _ mailq.Mailer = (*SMTPSender)(nil)

// Send delivers one message. The context deadline is not enforced below the
// dial; smtp.SendMail manages its own connection lifetime.
func (s *SMTPSender) Send(ctx context.Context, email mailq.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", email.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", email.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(email.Body)
	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{email.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", email.To, err)
	}
	return nil
}

// LogSender pretends to deliver email by logging it. Used in development
// when no SMTP relay is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a sender that logs instead of sending.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

var _ mailq.Mailer = (*LogSender)(nil)

func (s *LogSender) Send(ctx context.Context, email mailq.Email) error {
	s.logger.Info("email (not sent, no relay configured)",
		zap.String("to", email.To),
		zap.String("subject", email.Subject))
	return nil
}
