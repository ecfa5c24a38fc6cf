// pantry/email/email.go
// Package email composes and sends messages addressed with address.Address
// values. It wraps github.com/wneessen/go-mail for SMTP delivery.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/dalemusser/mailaddr/pantry/email/address"
	"github.com/dalemusser/mailaddr/pantry/retry"
)

// Errors returned by Compose before any network activity.
var (
	ErrNoSender     = errors.New("email: no sender address")
	ErrNoRecipients = errors.New("email: no recipients specified")
	ErrEmptyBody    = errors.New("email: message body is empty")
)

// Config holds SMTP server configuration.
type Config struct {
	// Host is the SMTP server hostname (e.g., "email-smtp.us-east-1.amazonaws.com")
	Host string

	// Port is the SMTP server port (typically 587 for STARTTLS, 465 for SSL)
	Port int

	Username string
	Password string

	// From is the default sender, used when a Message has none.
	From address.Address

	// UseTLS enables STARTTLS (default: true unless UseSSL or port 465)
	UseTLS bool

	// UseSSL enables implicit SSL/TLS (for port 465)
	UseSSL bool

	// Timeout for SMTP operations (default: 30 seconds)
	Timeout time.Duration
}

// Dialer delivers composed messages. *mail.Client satisfies it.
type Dialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Sender composes and sends email.
type Sender struct {
	cfg     Config
	dialer  Dialer
	factory *address.Factory
	logger  *zap.Logger
	metrics *Metrics
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithDialer replaces the go-mail client, e.g. with a capturing fake in tests.
func WithDialer(d Dialer) SenderOption {
	return func(s *Sender) { s.dialer = d }
}

// WithFactory sets the factory used to parse raw recipient strings.
func WithFactory(f *address.Factory) SenderOption {
	return func(s *Sender) { s.factory = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

// WithMetrics enables metrics collection.
func WithMetrics(m *Metrics) SenderOption {
	return func(s *Sender) { s.metrics = m }
}

// NewSender creates a new email sender with the given configuration.
func NewSender(cfg Config, opts ...SenderOption) *Sender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	// Default to TLS unless SSL is explicitly enabled
	if !cfg.UseSSL && cfg.Port != 465 {
		cfg.UseTLS = true
	}

	s := &Sender{
		cfg:     cfg,
		factory: address.Default(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Message represents an email message to be sent.
type Message struct {
	From        *address.Address  `json:"from,omitempty"` // nil uses Config.From
	To          []address.Address `json:"to"`
	Cc          []address.Address `json:"cc,omitempty"`
	Bcc         []address.Address `json:"bcc,omitempty"`
	ReplyTo     *address.Address  `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	TextBody    string            `json:"text_body,omitempty"` // optional if HTMLBody is set
	HTMLBody    string            `json:"html_body,omitempty"` // optional if TextBody is set
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// Attachment represents a file attachment.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// ParseRecipients turns raw recipient strings into addresses. A single
// comma-separated string is accepted in place of a list.
func (s *Sender) ParseRecipients(raws ...string) ([]address.Address, error) {
	addrs, err := s.factory.CreateArray(raws)
	s.metrics.observeAddresses(len(addrs), err)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// Compose builds the go-mail message for msg without sending it.
func (s *Sender) Compose(msg Message) (*mail.Msg, error) {
	from := s.cfg.From
	if msg.From != nil {
		from = *msg.From
	}
	if from.IsZero() {
		return nil, ErrNoSender
	}
	if len(msg.To) == 0 && len(msg.Cc) == 0 && len(msg.Bcc) == 0 {
		return nil, ErrNoRecipients
	}
	if msg.TextBody == "" && msg.HTMLBody == "" {
		return nil, ErrEmptyBody
	}

	m := mail.NewMsg()

	if err := setAddress(from, m.From, m.FromFormat); err != nil {
		return nil, fmt.Errorf("email: invalid from address: %w", err)
	}
	for _, a := range msg.To {
		if err := setAddress(a, m.AddTo, m.AddToFormat); err != nil {
			return nil, fmt.Errorf("email: invalid to address: %w", err)
		}
	}
	for _, a := range msg.Cc {
		if err := setAddress(a, m.AddCc, m.AddCcFormat); err != nil {
			return nil, fmt.Errorf("email: invalid cc address: %w", err)
		}
	}
	for _, a := range msg.Bcc {
		if err := setAddress(a, m.AddBcc, m.AddBccFormat); err != nil {
			return nil, fmt.Errorf("email: invalid bcc address: %w", err)
		}
	}
	if msg.ReplyTo != nil {
		if err := setAddress(*msg.ReplyTo, m.ReplyTo, m.ReplyToFormat); err != nil {
			return nil, fmt.Errorf("email: invalid reply-to address: %w", err)
		}
	}

	m.Subject(msg.Subject)

	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTMLBody)
	case msg.HTMLBody != "":
		m.SetBodyString(mail.TypeTextHTML, msg.HTMLBody)
	default:
		m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
	}

	for _, att := range msg.Attachments {
		var fopts []mail.FileOption
		if att.ContentType != "" {
			fopts = append(fopts, mail.WithFileContentType(mail.ContentType(att.ContentType)))
		}
		if err := m.AttachReader(att.Filename, bytes.NewReader(att.Data), fopts...); err != nil {
			return nil, fmt.Errorf("email: failed to attach %s: %w", att.Filename, err)
		}
	}

	return m, nil
}

// setAddress uses the *Format setter when a display name is present so
// go-mail handles quoting and encoding of the name.
func setAddress(a address.Address, plain func(string) error, format func(string, string) error) error {
	if name, ok := a.Name(); ok {
		return format(name, a.Email())
	}
	return plain(a.Email())
}

// Send composes and delivers an email message. Errors from Compose are
// marked permanent so the queue does not retry them.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	m, err := s.Compose(msg)
	if err != nil {
		s.metrics.observeEmail(emailStatusRejected)
		return retry.PermanentError(err)
	}

	d, err := s.client()
	if err != nil {
		s.metrics.observeEmail(emailStatusFailed)
		return err
	}

	if err := d.DialAndSendWithContext(ctx, m); err != nil {
		s.metrics.observeEmail(emailStatusFailed)
		s.logger.Warn("email send failed",
			zap.String("host", s.cfg.Host),
			zap.Int("recipients", len(msg.To)+len(msg.Cc)+len(msg.Bcc)),
			zap.Error(err),
		)
		return fmt.Errorf("email: failed to send: %w", err)
	}

	s.metrics.observeEmail(emailStatusSent)
	s.logger.Debug("email sent",
		zap.String("subject", msg.Subject),
		zap.Int("recipients", len(msg.To)+len(msg.Cc)+len(msg.Bcc)),
	)
	return nil
}

// client returns the configured Dialer, building a go-mail client if none
// was injected.
func (s *Sender) client() (Dialer, error) {
	if s.dialer != nil {
		return s.dialer, nil
	}

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.cfg.Timeout),
	}

	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}

	if s.cfg.UseSSL {
		opts = append(opts, mail.WithSSL())
	} else if s.cfg.UseTLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	}

	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("email: failed to create client: %w", err)
	}
	return c, nil
}
