package validate

import (
	"fmt"
	"strings"
	"sync"
)

// MessageProvider provides validation error messages with locale support.
type MessageProvider struct {
	mu       sync.RWMutex
	messages map[string]map[string]string // locale -> key -> message
	locale   string
	fallback string
}

// NewMessageProvider creates an empty message provider.
func NewMessageProvider() *MessageProvider {
	return &MessageProvider{
		messages: make(map[string]map[string]string),
		locale:   "en",
		fallback: "en",
	}
}

// DefaultMessages returns a message provider with default English messages.
func DefaultMessages() *MessageProvider {
	m := NewMessageProvider()
	m.RegisterLocale("en", defaultEnglishMessages)
	return m
}

// SetLocale sets the current locale.
func (m *MessageProvider) SetLocale(locale string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locale = locale
}

// RegisterLocale registers messages for a locale.
func (m *MessageProvider) RegisterLocale(locale string, messages map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(messages))
	for k, v := range messages {
		cp[k] = v
	}
	m.messages[locale] = cp
}

// AddMessage adds or updates a message for a locale.
func (m *MessageProvider) AddMessage(locale, key, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messages[locale] == nil {
		m.messages[locale] = make(map[string]string)
	}
	m.messages[locale][key] = message
}

// Get retrieves a message for the current locale, falling back to the
// fallback locale and then to a generic message.
// It supports placeholders: {field} for field name, {param} for parameter.
func (m *MessageProvider) Get(key, field, param string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, locale := range []string{m.locale, m.fallback} {
		if msg, ok := m.messages[locale][key]; ok {
			msg = strings.ReplaceAll(msg, "{field}", field)
			return strings.ReplaceAll(msg, "{param}", param)
		}
	}

	return fmt.Sprintf("%s validation failed for %s", key, field)
}

var defaultEnglishMessages = map[string]string{
	"required":           "{field} is required",
	"valid_email":        "{field} must be a valid email address",
	"valid_emails":       "{field} must contain only valid email addresses",
	"min_length":         "{field} must be at least {param} characters",
	"max_length":         "{field} must be at most {param} characters",
	"exact_length":       "{field} must be exactly {param} characters",
	"is_natural_no_zero": "{field} must be a whole number greater than zero",
	"in_list":            "{field} must be one of: {param}",
	"regex_match":        "{field} is not in the correct format",
	"bad_param":          "{field} has a rule with an invalid parameter {param}",
	"unknown_rule":       "{field} uses an unknown validation rule",
}
