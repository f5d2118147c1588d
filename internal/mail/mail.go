// Package mail delivers rendered emails over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gomail "github.com/wneessen/go-mail"
	"golang.org/x/time/rate"
)

// Message is one rendered email for a single recipient
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a message or returns why it could not
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds SMTP connection parameters
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	FromName string
	Username string
	Password string
	TLS      bool
}

// SMTPSender dials the server for every message. Job traffic is bursty and
// workers are long-lived, so no connection is kept open between sends.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send delivers an HTML+plaintext multipart message
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("email send: no recipient")
	}

	m := gomail.NewMsg()
	if s.cfg.FromName != "" {
		if err := m.FromFormat(s.cfg.FromName, s.cfg.From); err != nil {
			return fmt.Errorf("email send: set from: %w", err)
		}
	} else if err := m.From(s.cfg.From); err != nil {
		return fmt.Errorf("email send: set from: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("email send: set to: %w", err)
	}

	// Strip CR/LF from subject to prevent header injection.
	m.Subject(strings.NewReplacer("\r", "", "\n", "").Replace(msg.Subject))
	m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}

	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	if s.cfg.TLS {
		opts = append(opts, gomail.WithTLSPortPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithTLSPortPolicy(gomail.TLSOpportunistic))
	}

	c, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// Throttled spaces out sends to stay under a provider's rate limit.
// All executors in the process share one limiter.
type Throttled struct {
	next    Sender
	limiter *rate.Limiter
}

// NewThrottled allows perSecond sends on average with bursts of up to burst
func NewThrottled(next Sender, perSecond float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (t *Throttled) Send(ctx context.Context, msg Message) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("email send: waiting for rate limit: %w", err)
	}
	return t.next.Send(ctx, msg)
}
