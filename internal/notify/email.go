package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	"cagewatch/internal/config"
)

// SMTPMailer sends alert emails through an SMTP relay.
type SMTPMailer struct {
	cfg config.EmailConfig
	// dial is replaced in tests.
	dial func(ctx context.Context, client *mail.Client, msg *mail.Msg) error
}

func NewSMTPMailer(cfg config.EmailConfig) *SMTPMailer {
	return &SMTPMailer{
		cfg: cfg,
		dial: func(ctx context.Context, client *mail.Client, msg *mail.Msg) error {
			return client.DialAndSendWithContext(ctx, msg)
		},
	}
}

func (m *SMTPMailer) tlsPolicy() mail.TLSPolicy {
	switch m.cfg.TLS {
	case "opportunistic":
		return mail.TLSOpportunistic
	case "none":
		return mail.NoTLS
	default:
		return mail.TLSMandatory
	}
}

func (m *SMTPMailer) message(to, subject, html string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("%w: sender %q: %v", ErrRejected, m.cfg.From, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("%w: address %q: %v", ErrInvalidRecipient, to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, html)
	return msg, nil
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, html string) error {
	msg, err := m.message(to, subject, html)
	if err != nil {
		return err
	}
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(m.tlsPolicy()),
		mail.WithTimeout(30 * time.Second),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := m.dial(ctx, client, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}
