package email

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"github.com/dalemusser/mailaddr/pantry/email/address"
)

// captureDialer records every message instead of talking SMTP.
type captureDialer struct {
	mu   sync.Mutex
	msgs []*mail.Msg
	err  error
}

func (d *captureDialer) DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, messages...)
	return nil
}

func render(t *testing.T, m *mail.Msg) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	return buf.String()
}

func newTestSender(d Dialer, opts ...SenderOption) *Sender {
	cfg := Config{
		Host: "smtp.example.com",
		From: address.MustCreate(`"Example App" <noreply@example.com>`),
	}
	return NewSender(cfg, append([]SenderOption{WithDialer(d)}, opts...)...)
}

func TestNewSender_Defaults(t *testing.T) {
	s := NewSender(Config{Host: "smtp.example.com"})
	assert.Equal(t, 587, s.cfg.Port)
	assert.True(t, s.cfg.UseTLS)
	assert.NotZero(t, s.cfg.Timeout)

	s = NewSender(Config{Host: "smtp.example.com", Port: 465})
	assert.False(t, s.cfg.UseTLS)
}

func TestCompose_Headers(t *testing.T) {
	s := newTestSender(&captureDialer{})
	replyTo := address.MustCreate("support@example.com")

	m, err := s.Compose(Message{
		To:       []address.Address{address.MustCreate(`"Ada Lovelace" <ada@example.com>`)},
		Cc:       []address.Address{address.MustCreate("bob@example.com")},
		ReplyTo:  &replyTo,
		Subject:  "Hello",
		TextBody: "Hi there",
		HTMLBody: "<p>Hi there</p>",
		Attachments: []Attachment{
			{Filename: "note.txt", ContentType: "text/plain", Data: []byte("note")},
		},
	})
	require.NoError(t, err)

	out := render(t, m)
	assert.Contains(t, out, "Subject: Hello")
	assert.Contains(t, out, "Ada Lovelace")
	assert.Contains(t, out, "<ada@example.com>")
	assert.Contains(t, out, "bob@example.com")
	assert.Contains(t, out, "support@example.com")
	assert.Contains(t, out, "noreply@example.com")
	assert.Contains(t, out, "note.txt")
}

func TestCompose_MessageFromOverridesDefault(t *testing.T) {
	s := newTestSender(&captureDialer{})
	from := address.MustCreate("alerts@example.com")

	m, err := s.Compose(Message{
		From:     &from,
		To:       []address.Address{address.MustCreate("ada@example.com")},
		TextBody: "x",
	})
	require.NoError(t, err)

	out := render(t, m)
	assert.Contains(t, out, "alerts@example.com")
	assert.NotContains(t, out, "noreply@example.com")
}

func TestCompose_Errors(t *testing.T) {
	to := []address.Address{address.MustCreate("ada@example.com")}

	_, err := NewSender(Config{}).Compose(Message{To: to, TextBody: "x"})
	assert.ErrorIs(t, err, ErrNoSender)

	s := newTestSender(&captureDialer{})
	_, err = s.Compose(Message{TextBody: "x"})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = s.Compose(Message{To: to})
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestSend_UsesDialer(t *testing.T) {
	d := &captureDialer{}
	s := newTestSender(d)

	err := s.Send(context.Background(), Message{
		To:       []address.Address{address.MustCreate("ada@example.com")},
		Subject:  "Hi",
		TextBody: "body",
	})
	require.NoError(t, err)
	require.Len(t, d.msgs, 1)
}

func TestSend_DialerError(t *testing.T) {
	boom := errors.New("connection refused")
	s := newTestSender(&captureDialer{err: boom})

	err := s.Send(context.Background(), Message{
		To:       []address.Address{address.MustCreate("ada@example.com")},
		TextBody: "body",
	})
	assert.ErrorIs(t, err, boom)
}

func TestSend_CSVRecipients(t *testing.T) {
	d := &captureDialer{}
	s := newTestSender(d)

	to, err := s.ParseRecipients("ada@example.com, bob@example.com")
	require.NoError(t, err)
	require.Len(t, to, 2)

	err = s.Send(context.Background(), Message{To: to, Subject: "Hi", TextBody: "body"})
	require.NoError(t, err)
	require.Len(t, d.msgs, 1)

	out := render(t, d.msgs[0])
	assert.Contains(t, out, "ada@example.com")
	assert.Contains(t, out, "bob@example.com")
}

func TestParseRecipients_Invalid(t *testing.T) {
	s := newTestSender(&captureDialer{})

	to, err := s.ParseRecipients("ada@example.com, nope")
	assert.ErrorIs(t, err, address.ErrInvalidAddress)
	assert.Nil(t, to)
}

func TestSender_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	// Registering twice reuses the existing collectors.
	m2, err := NewMetrics(reg)
	require.NoError(t, err)
	assert.Same(t, m.emails, m2.emails)

	s := newTestSender(&captureDialer{}, WithMetrics(m))

	_, err = s.ParseRecipients("a@x.com, b@y.com")
	require.NoError(t, err)
	_, err = s.ParseRecipients("a@x.com", "bad")
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.addresses.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.addresses.WithLabelValues("invalid")))

	require.NoError(t, s.Send(context.Background(), Message{
		To:       []address.Address{address.MustCreate("a@x.com")},
		TextBody: "b",
	}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.emails.WithLabelValues(emailStatusSent)))
}

func TestSender_CustomFactory(t *testing.T) {
	// A checker that accepts anything lets intranet addresses through.
	f := address.NewFactory(address.CheckerFunc(func(value, rules string) bool { return value != "" }))
	s := newTestSender(&captureDialer{}, WithFactory(f))

	rcpts, err := s.ParseRecipients("ops@localhost")
	require.NoError(t, err)
	require.Len(t, rcpts, 1)
	assert.Equal(t, "ops@localhost", rcpts[0].Email())
}
