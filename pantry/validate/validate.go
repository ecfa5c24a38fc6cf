// Package validate provides rule-string validation for single values and for
// struct fields, with overridable error messages.
//
// Rules are written as a pipe-separated list; parameters go in brackets:
//
//	validate.Check("ada@example.com", "required|valid_email")          // true
//	validate.Check("ab", "required|min_length[3]")                     // false
//
//	type Settings struct {
//	    From string `validate:"required|valid_email"`
//	    Port int    `validate:"is_natural_no_zero"`
//	}
//
//	if err := validate.Struct(s); err != nil {
//	    for _, e := range err.(validate.Errors) {
//	        fmt.Printf("%s: %s\n", e.Field, e.Message)
//	    }
//	}
package validate

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Validator checks values against named rules.
type Validator struct {
	tagName     string
	rules       map[string]RuleFunc
	messages    *MessageProvider
	mu          sync.RWMutex
	stopOnFirst bool
}

// RuleFunc is a validation rule function.
// It receives the value, the bracketed parameter (if any), and the enclosing
// struct (invalid when validating a lone value). It returns a message key if
// validation fails, or "" if the value is valid.
type RuleFunc func(value any, param string, structValue reflect.Value) string

// Option configures the validator.
type Option func(*Validator)

// New creates a new validator with the built-in rules.
func New(opts ...Option) *Validator {
	v := &Validator{
		tagName:  "validate",
		rules:    make(map[string]RuleFunc),
		messages: DefaultMessages(),
	}

	v.registerBuiltinRules()

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// WithMessages sets a custom message provider.
func WithMessages(m *MessageProvider) Option {
	return func(v *Validator) {
		v.messages = m
	}
}

// WithStopOnFirstError stops validation after the first error.
func WithStopOnFirstError() Option {
	return func(v *Validator) {
		v.stopOnFirst = true
	}
}

// RegisterRule registers a custom validation rule.
func (v *Validator) RegisterRule(name string, fn RuleFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[name] = fn
}

// RegisterRuleFunc registers a simple predicate as a rule.
func (v *Validator) RegisterRuleFunc(name string, fn func(value any) bool, messageKey string) {
	v.RegisterRule(name, func(value any, param string, sv reflect.Value) string {
		if fn(value) {
			return ""
		}
		return messageKey
	})
}

// Check reports whether value satisfies every rule in rules.
func (v *Validator) Check(value any, rules string) bool {
	return len(v.validateValue(reflect.ValueOf(value), "value", rules, reflect.Value{})) == 0
}

// Var validates a single value and returns Errors describing each failed rule.
func (v *Validator) Var(value any, rules string) error {
	errs := v.validateValue(reflect.ValueOf(value), "value", rules, reflect.Value{})
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Struct validates a struct using its validate tags.
func (v *Validator) Struct(s any) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate: expected struct, got %s", val.Kind())
	}

	if errs := v.validateStruct(val, ""); len(errs) > 0 {
		return errs
	}
	return nil
}

// validateStruct validates all exported fields of a struct, recursing into
// nested structs.
func (v *Validator) validateStruct(val reflect.Value, prefix string) Errors {
	var errs Errors
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)

		if !field.IsExported() {
			continue
		}

		fieldName := fieldNameOf(field)
		if prefix != "" {
			fieldName = prefix + "." + fieldName
		}

		errs = append(errs, v.validateValue(fieldVal, fieldName, field.Tag.Get(v.tagName), val)...)
		if v.stopOnFirst && len(errs) > 0 {
			return errs
		}

		if fieldVal.Kind() == reflect.Ptr && !fieldVal.IsNil() {
			fieldVal = fieldVal.Elem()
		}
		if fieldVal.Kind() == reflect.Struct && fieldVal.Type() != reflect.TypeOf(time.Time{}) {
			errs = append(errs, v.validateStruct(fieldVal, fieldName)...)
		}
	}

	return errs
}

// fieldNameOf prefers the mapstructure, then json, tag name over the Go name.
func fieldNameOf(field reflect.StructField) string {
	for _, key := range []string{"mapstructure", "json"} {
		tag := field.Tag.Get(key)
		if tag == "" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		if name != "" && name != "-" {
			return name
		}
	}
	return field.Name
}

// validateValue validates a single value against a rule string.
func (v *Validator) validateValue(val reflect.Value, fieldName, rules string, structVal reflect.Value) Errors {
	if rules == "" || rules == "-" {
		return nil
	}

	parsed := parseRules(rules)

	for _, r := range parsed {
		if r.name == "permit_empty" && isEmpty(val) {
			return nil
		}
	}

	var value any
	if val.IsValid() && val.CanInterface() {
		value = val.Interface()
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	var errs Errors
	for _, r := range parsed {
		if r.name == "permit_empty" {
			continue
		}

		msgKey := "unknown_rule"
		if ruleFn, ok := v.rules[r.name]; ok {
			msgKey = ruleFn(value, r.param, structVal)
		}
		if msgKey == "" {
			continue
		}

		errs = append(errs, &Error{
			Field:   fieldName,
			Rule:    r.name,
			Param:   r.param,
			Value:   value,
			Message: v.messages.Get(msgKey, fieldName, r.param),
		})
		if v.stopOnFirst {
			return errs
		}
	}

	return errs
}

// rule is one parsed entry of a rule string.
type rule struct {
	name  string
	param string
}

// parseRules splits "a|b[x]|c[y|z]" into rules. Pipes inside brackets belong
// to the parameter.
func parseRules(s string) []rule {
	var (
		rules []rule
		depth int
		start int
	)

	flush := func(part string) {
		part = strings.TrimSpace(part)
		if part == "" {
			return
		}
		r := rule{name: part}
		if open := strings.IndexByte(part, '['); open != -1 && strings.HasSuffix(part, "]") {
			r.name = part[:open]
			r.param = part[open+1 : len(part)-1]
		}
		rules = append(rules, r)
	}

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case '|':
			if depth == 0 {
				flush(s[start:i])
				start = i + 1
			}
		}
	}
	flush(s[start:])

	return rules
}

// isEmpty reports whether val holds its kind's empty value.
func isEmpty(val reflect.Value) bool {
	if !val.IsValid() {
		return true
	}

	switch val.Kind() {
	case reflect.String:
		return strings.TrimSpace(val.String()) == ""
	case reflect.Slice, reflect.Map, reflect.Array:
		return val.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return val.IsNil()
	}

	return val.IsZero()
}

// Error represents a validation error.
type Error struct {
	Field   string
	Rule    string
	Param   string
	Value   any
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errors is a collection of validation errors.
type Errors []*Error

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}

	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Message)
	}
	return strings.Join(msgs, "; ")
}

// ToMap converts errors to a map of field -> messages.
func (e Errors) ToMap() map[string][]string {
	result := make(map[string][]string)
	for _, err := range e {
		result[err.Field] = append(result[err.Field], err.Message)
	}
	return result
}

// Default validator instance
var defaultValidator = New()

// Default returns the package default validator.
func Default() *Validator {
	return defaultValidator
}

// Check validates a value using the default validator.
func Check(value any, rules string) bool {
	return defaultValidator.Check(value, rules)
}

// CheckString is Check specialized to strings, for callers that take a
// func(value, rules string) bool.
func CheckString(value, rules string) bool {
	return defaultValidator.Check(value, rules)
}

// Struct validates a struct using the default validator.
func Struct(s any) error {
	return defaultValidator.Struct(s)
}

// Var validates a variable using the default validator.
func Var(value any, rules string) error {
	return defaultValidator.Var(value, rules)
}

// RegisterRule registers a rule on the default validator.
func RegisterRule(name string, fn RuleFunc) {
	defaultValidator.RegisterRule(name, fn)
}
