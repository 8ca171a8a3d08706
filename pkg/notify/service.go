package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/types"
)

// EmailSender delivers one rendered message to one recipient.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Service delivers notices over SMTP and, for final warnings, to the
// tenant's registered Slack webhook as well.
type Service struct {
	cfg    config.NotifyConfig
	email  EmailSender
	post   func(ctx context.Context, url string, msg *slack.WebhookMessage) error
	logger zerolog.Logger
}

// NewService builds the SMTP-backed notifier.
func NewService(cfg config.NotifyConfig) *Service {
	return &Service{
		cfg:    cfg,
		email:  &smtpSender{cfg: cfg},
		post:   slack.PostWebhookContext,
		logger: log.WithComponent("notify"),
	}
}

func (s *Service) Send(ctx context.Context, kind Kind, tenant *types.Tenant, invoice *types.Invoice) error {
	msg := render(kind, tenant, invoice)

	var errs []string
	if tenant.ContactEmail == "" {
		s.logger.Warn().
			Str("tenant_id", tenant.ID).
			Str("kind", string(kind)).
			Msg("Tenant has no contact email, skipping mail channel")
	} else if err := s.email.Send(ctx, tenant.ContactEmail, msg.Subject, msg.Body); err != nil {
		errs = append(errs, fmt.Sprintf("email: %v", err))
	}

	// Final warnings also go out-of-band when the tenant registered a
	// webhook.
	if kind == KindFinalWarning && tenant.SlackWebhookURL != "" {
		payload := &slack.WebhookMessage{
			Username: "steward",
			Text:     msg.Subject,
			Attachments: []slack.Attachment{
				{Color: "danger", Text: msg.Body},
			},
		}
		if err := s.post(ctx, tenant.SlackWebhookURL, payload); err != nil {
			errs = append(errs, fmt.Sprintf("slack: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify %s for %s: %s", kind, tenant.ID, strings.Join(errs, "; "))
	}
	s.logger.Info().
		Str("tenant_id", tenant.ID).
		Str("kind", string(kind)).
		Msg("Notification sent")
	return nil
}

func (s *Service) NotifyOps(ctx context.Context, subject, text string) error {
	if s.cfg.SlackWebhookURL == "" {
		return nil
	}
	return s.post(ctx, s.cfg.SlackWebhookURL, &slack.WebhookMessage{
		Username: "steward",
		Text:     subject,
		Attachments: []slack.Attachment{
			{Color: "warning", Text: text},
		},
	})
}

// smtpSender talks to the configured relay. Auth is used only when a
// user is set; internal relays often take none.
type smtpSender struct {
	cfg config.NotifyConfig
}

func (s *smtpSender) Send(ctx context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)

	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPass, s.cfg.SMTPHost)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)

	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(b.String())); err != nil {
		return types.Transient("smtp send", err)
	}
	return nil
}
