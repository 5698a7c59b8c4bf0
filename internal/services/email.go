package services

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"coaching_settlement/internal/config"
	"coaching_settlement/internal/settlement"
)

type EmailService struct {
	host     string
	port     string
	user     string
	password string
	from     string
}

func NewEmailService(cfg config.SMTP) *EmailService {
	return &EmailService{
		host:     cfg.Host,
		port:     cfg.Port,
		user:     cfg.User,
		password: cfg.Password,
		from:     cfg.From,
	}
}

// Configured reports whether every SMTP credential is present.
func (s *EmailService) Configured() bool {
	return s.host != "" && s.port != "" && s.user != "" && s.password != ""
}

func (s *EmailService) SendEmail(to []string, subject, body string) error {
	if !s.Configured() {
		return fmt.Errorf("SMTP credentials not fully configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	auth := smtp.PlainAuth("", s.user, s.password, s.host)

	message := []byte(fmt.Sprintf("To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", strings.Join(to, ", "), subject, body))

	addr := fmt.Sprintf("%s:%s", s.host, s.port)

	err := smtp.SendMail(addr, auth, s.from, to, message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}

// EmailAlerter mails operator alerts to a fixed address. Every alert is logged
// as well so it is never lost when SMTP is down.
type EmailAlerter struct {
	email  *EmailService
	to     string
	logger *zap.Logger
}

func NewEmailAlerter(email *EmailService, to string, logger *zap.Logger) *EmailAlerter {
	return &EmailAlerter{email: email, to: to, logger: logger}
}

func (a *EmailAlerter) Alert(ctx context.Context, alert settlement.Alert) error {
	logAlert(a.logger, alert)

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Subject)
	body := alert.Message
	if alert.PaymentID != "" {
		body += "\r\n\r\nPayment: " + alert.PaymentID
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.email.SendEmail([]string{a.to}, subject, body) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogAlerter only logs alerts. It is used when no alert address is configured.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(_ context.Context, alert settlement.Alert) error {
	logAlert(a.logger, alert)
	return nil
}

func logAlert(logger *zap.Logger, alert settlement.Alert) {
	fields := []zap.Field{
		zap.String("severity", string(alert.Severity)),
		zap.String("subject", alert.Subject),
		zap.String("message", alert.Message),
		zap.String("payment_id", alert.PaymentID),
	}
	if alert.Severity == settlement.SeverityCritical {
		logger.Error("Operator alert", fields...)
		return
	}
	logger.Warn("Operator alert", fields...)
}

// NewAlerter picks the email alerter when both SMTP and an alert address are
// configured.
func NewAlerter(cfg *config.Config, logger *zap.Logger) settlement.Alerter {
	email := NewEmailService(cfg.SMTP)
	if cfg.OpsAlertEmail != "" && email.Configured() {
		return NewEmailAlerter(email, cfg.OpsAlertEmail, logger)
	}
	return NewLogAlerter(logger)
}
