package validate

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// registerBuiltinRules registers all built-in validation rules.
func (v *Validator) registerBuiltinRules() {
	v.rules["required"] = ruleRequired

	// Email
	v.rules["valid_email"] = ruleValidEmail
	v.rules["valid_emails"] = ruleValidEmails

	// Length
	v.rules["min_length"] = ruleMinLength
	v.rules["max_length"] = ruleMaxLength
	v.rules["exact_length"] = ruleExactLength

	// Numbers
	v.rules["is_natural_no_zero"] = ruleIsNaturalNoZero

	// Misc
	v.rules["in_list"] = ruleInList
	v.rules["regex_match"] = ruleRegexMatch
}

func ruleRequired(value any, param string, sv reflect.Value) string {
	if value == nil {
		return "required"
	}

	val := reflect.ValueOf(value)
	switch val.Kind() {
	case reflect.String:
		if strings.TrimSpace(val.String()) == "" {
			return "required"
		}
	case reflect.Slice, reflect.Map, reflect.Array:
		if val.Len() == 0 {
			return "required"
		}
	case reflect.Ptr, reflect.Interface:
		if val.IsNil() {
			return "required"
		}
	}
	// Zero numbers and false are present values.

	return ""
}

func ruleValidEmail(value any, param string, sv reflect.Value) string {
	s := toString(value)
	if s == "" {
		return ""
	}
	if !ValidEmail(s) {
		return "valid_email"
	}
	return ""
}

func ruleValidEmails(value any, param string, sv reflect.Value) string {
	s := toString(value)
	if s == "" {
		return ""
	}
	for _, part := range strings.Split(s, ",") {
		if !ValidEmail(strings.TrimSpace(part)) {
			return "valid_emails"
		}
	}
	return ""
}

func ruleMinLength(value any, param string, sv reflect.Value) string {
	n, err := strconv.Atoi(param)
	if err != nil {
		return "bad_param"
	}
	if utf8.RuneCountInString(toString(value)) < n {
		return "min_length"
	}
	return ""
}

func ruleMaxLength(value any, param string, sv reflect.Value) string {
	n, err := strconv.Atoi(param)
	if err != nil {
		return "bad_param"
	}
	if utf8.RuneCountInString(toString(value)) > n {
		return "max_length"
	}
	return ""
}

func ruleExactLength(value any, param string, sv reflect.Value) string {
	n, err := strconv.Atoi(param)
	if err != nil {
		return "bad_param"
	}
	if utf8.RuneCountInString(toString(value)) != n {
		return "exact_length"
	}
	return ""
}

func ruleIsNaturalNoZero(value any, param string, sv reflect.Value) string {
	n, ok := toInt(value)
	if !ok || n <= 0 {
		return "is_natural_no_zero"
	}
	return ""
}

func ruleInList(value any, param string, sv reflect.Value) string {
	s := toString(value)
	for _, opt := range strings.Split(param, ",") {
		if strings.TrimSpace(opt) == s {
			return ""
		}
	}
	return "in_list"
}

func ruleRegexMatch(value any, param string, sv reflect.Value) string {
	re, err := regexp.Compile(param)
	if err != nil {
		return "bad_param"
	}
	if !re.MatchString(toString(value)) {
		return "regex_match"
	}
	return ""
}

// toString converts a value to string.
func toString(v any) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// toInt converts a value to int64.
func toInt(v any) (int64, bool) {
	if v == nil {
		return 0, false
	}
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return val.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(val.Uint()), true
	case reflect.String:
		if i, err := strconv.ParseInt(strings.TrimSpace(val.String()), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}
