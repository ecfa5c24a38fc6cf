// pantry/email/metrics.go
package email

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	emailStatusSent     = "sent"
	emailStatusFailed   = "failed"
	emailStatusRejected = "rejected"
	emailStatusRetried  = "retried"
)

// Metrics counts parsed addresses and sent emails. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	addresses *prometheus.CounterVec
	emails    *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg.
// If a counter is already registered, the existing one is reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	addresses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailaddr_addresses_parsed_total",
			Help: "Email addresses parsed from raw recipient strings, by result.",
		},
		[]string{"result"},
	)
	emails := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailaddr_emails_total",
			Help: "Email messages handled by the sender and queue, by status.",
		},
		[]string{"status"},
	)

	var err error
	if addresses, err = register(reg, addresses); err != nil {
		return nil, err
	}
	if emails, err = register(reg, emails); err != nil {
		return nil, err
	}

	return &Metrics{addresses: addresses, emails: emails}, nil
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func (m *Metrics) observeAddresses(valid int, err error) {
	if m == nil {
		return
	}
	m.addresses.WithLabelValues("valid").Add(float64(valid))
	if err != nil {
		m.addresses.WithLabelValues("invalid").Inc()
	}
}

func (m *Metrics) observeEmail(status string) {
	if m == nil {
		return
	}
	m.emails.WithLabelValues(status).Inc()
}
