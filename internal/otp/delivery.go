package otp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"tipline-service/internal/config"
	"tipline-service/internal/errs"
)

// Channel selects which transports a code is fanned out over.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelBoth  Channel = "both"
)

// DeliveryTargets carries the per-channel recipient addresses.
type DeliveryTargets struct {
	Email string
	Phone string
}

// EmailSender and SMSSender are the capability seams for the external
// delivery transports. The service never knows which provider backs them.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, html string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, message string) error
}

// NewEmailSender dispatches on the configured provider variant. Unknown
// variants are a configuration error, not a silent no-op.
func NewEmailSender(cfg config.DeliveryConfig) (EmailSender, error) {
	switch cfg.EmailProvider {
	case config.EmailProviderSMTP:
		return &smtpSender{cfg: cfg.SMTP, timeout: cfg.SendTimeout}, nil
	case config.ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown email provider %q", errs.ErrConfig, cfg.EmailProvider)
	}
}

func NewSMSSender(cfg config.DeliveryConfig) (SMSSender, error) {
	switch cfg.SMSProvider {
	case config.SMSProviderHTTPGateway:
		return &httpGatewaySender{
			cfg: cfg.SMSGateway,
			client: &http.Client{
				Timeout: cfg.SendTimeout,
			},
		}, nil
	case config.ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown sms provider %q", errs.ErrConfig, cfg.SMSProvider)
	}
}

// smtpSender delivers over plain SMTP with optional auth.
type smtpSender struct {
	cfg     config.SMTPConfig
	timeout time.Duration
}

func (s *smtpSender) SendEmail(_ context.Context, to, subject, html string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(html)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}

// httpGatewaySender posts to a JSON SMS gateway.
type httpGatewaySender struct {
	cfg    config.SMSGatewayConfig
	client *http.Client
}

func (s *httpGatewaySender) SendSMS(ctx context.Context, to, message string) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("%w: sms gateway url is not configured", errs.ErrConfig)
	}

	body, err := json.Marshal(map[string]string{
		"to":      to,
		"from":    s.cfg.SenderID,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("failed to encode sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// DeliveryError aggregates per-channel failures so callers can report
// partial success instead of losing it to a single thrown error.
type DeliveryError struct {
	Failures map[string]error
}

func (e *DeliveryError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for channel, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", channel, err))
	}
	return "delivery failed on all channels: " + strings.Join(parts, "; ")
}
