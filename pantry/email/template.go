// pantry/email/template.go
// Named message templates, loadable from YAML.
package email

import (
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"sort"
	"strings"
	"sync"
	texttemplate "text/template"

	"gopkg.in/yaml.v3"
)

// ErrNoTemplate is returned for a template name that was never registered.
var ErrNoTemplate = errors.New("email: template not found")

// EmailTemplate is a named subject/text/HTML set in Go template syntax.
// Any part may be empty. Referencing a key missing from the data is an error.
type EmailTemplate struct {
	Name     string `yaml:"-"`
	Subject  string `yaml:"subject"`
	TextBody string `yaml:"text"`
	HTMLBody string `yaml:"html"`
}

type executor interface {
	Execute(w io.Writer, data any) error
}

type compiledTemplate struct {
	subject, text, html executor
}

// TemplateStore holds compiled templates by name. It is safe for concurrent
// use.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]compiledTemplate
}

func NewTemplateStore() *TemplateStore {
	return &TemplateStore{templates: make(map[string]compiledTemplate)}
}

// Register compiles tpl and stores it under tpl.Name, replacing any earlier
// template of that name.
func (s *TemplateStore) Register(tpl EmailTemplate) error {
	if strings.TrimSpace(tpl.Name) == "" {
		return errors.New("email: template name is empty")
	}

	var c compiledTemplate
	if tpl.Subject != "" {
		t, err := texttemplate.New(tpl.Name).Option("missingkey=error").Parse(tpl.Subject)
		if err != nil {
			return fmt.Errorf("email: template %s: subject: %w", tpl.Name, err)
		}
		c.subject = t
	}
	if tpl.TextBody != "" {
		t, err := texttemplate.New(tpl.Name).Option("missingkey=error").Parse(tpl.TextBody)
		if err != nil {
			return fmt.Errorf("email: template %s: text: %w", tpl.Name, err)
		}
		c.text = t
	}
	if tpl.HTMLBody != "" {
		t, err := htmltemplate.New(tpl.Name).Option("missingkey=error").Parse(tpl.HTMLBody)
		if err != nil {
			return fmt.Errorf("email: template %s: html: %w", tpl.Name, err)
		}
		c.html = t
	}

	s.mu.Lock()
	s.templates[tpl.Name] = c
	s.mu.Unlock()
	return nil
}

// LoadYAML registers every template in a YAML mapping of name to parts:
//
//	welcome:
//	  subject: "Welcome, {{.name}}"
//	  text: "Hello {{.name}}"
//	  html: "<p>Hello {{.name}}</p>"
//
// It returns the sorted names it registered. Nothing is registered if any
// template fails to parse.
func (s *TemplateStore) LoadYAML(r io.Reader) ([]string, error) {
	var doc map[string]EmailTemplate
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("email: decode templates: %w", err)
	}

	staged := NewTemplateStore()
	for name, tpl := range doc {
		tpl.Name = name
		if err := staged.Register(tpl); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	for name, c := range staged.templates {
		s.templates[name] = c
	}
	s.mu.Unlock()
	return staged.List(), nil
}

// Render executes the named template with data into a Message with no
// recipients. The subject is trimmed so a trailing newline from a YAML block
// scalar does not reach the header.
func (s *TemplateStore) Render(name string, data any) (*Message, error) {
	s.mu.RLock()
	c, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, name)
	}

	msg := &Message{}
	parts := []struct {
		part string
		exec executor
		dst  *string
	}{
		{"subject", c.subject, &msg.Subject},
		{"text", c.text, &msg.TextBody},
		{"html", c.html, &msg.HTMLBody},
	}
	for _, p := range parts {
		if p.exec == nil {
			continue
		}
		var b strings.Builder
		if err := p.exec.Execute(&b, data); err != nil {
			return nil, fmt.Errorf("email: template %s: render %s: %w", name, p.part, err)
		}
		*p.dst = b.String()
	}
	msg.Subject = strings.TrimSpace(msg.Subject)
	return msg, nil
}

// Has reports whether name is registered.
func (s *TemplateStore) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.templates[name]
	return ok
}

// List returns the registered names, sorted.
func (s *TemplateStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TemplateSender addresses rendered templates to raw recipient strings.
// The result goes to Sender.Send or Queue.EnqueueMessage.
type TemplateSender struct {
	sender *Sender
	store  *TemplateStore
}

// NewTemplateSender returns a TemplateSender that parses recipients with
// sender's factory and renders from store.
func NewTemplateSender(sender *Sender, store *TemplateStore) *TemplateSender {
	return &TemplateSender{sender: sender, store: store}
}

// Message renders templateName for the raw recipients, which are parsed
// like Sender.ParseRecipients. Recipients are checked first so an invalid
// address is reported even when the template would also fail.
func (s *TemplateSender) Message(to []string, templateName string, data any) (*Message, error) {
	rcpts, err := s.sender.ParseRecipients(to...)
	if err != nil {
		return nil, err
	}

	msg, err := s.store.Render(templateName, data)
	if err != nil {
		return nil, err
	}
	msg.To = rcpts
	return msg, nil
}
