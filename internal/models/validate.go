package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrConfigInvalid marks monitor configurations that fail validation.
// Callers test with errors.Is.
var ErrConfigInvalid = errors.New("monitor config invalid")

// Global validator instance
var validate = validator.New()

// ValidationError represents a field-level validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors holds multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

func (v *ValidationErrors) Unwrap() error {
	return ErrConfigInvalid
}

func (v *ValidationErrors) add(field, message string) {
	v.Errors = append(v.Errors, ValidationError{Field: field, Message: message})
}

func (v *ValidationErrors) orNil() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Validate checks the whole monitor definition. Validation is total: an
// unknown type or a config variant that does not match the type is an
// error, never silently ignored.
func (m *Monitor) Validate() error {
	verrs := &ValidationErrors{}

	if err := validate.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, e := range fieldErrs {
				verrs.add(toSnakeCase(e.Field()), formatValidationMessage(e))
			}
		} else {
			verrs.add("_struct", err.Error())
		}
	}

	if !m.Type.Valid() {
		verrs.add("type", fmt.Sprintf("unknown monitor type %q", m.Type))
		return verrs // no variant to check against
	}

	m.validateCheck(verrs)

	if err := m.Thresholds.Validate(); err != nil {
		verrs.add("thresholds", err.Error())
	}
	for i, w := range m.MaintenanceWindows {
		if err := w.Validate(); err != nil {
			verrs.add(fmt.Sprintf("maintenance_windows[%d]", i), err.Error())
		}
	}
	for _, code := range m.ExpectedStatusCodes {
		if code < 100 || code > 599 {
			verrs.add("expected_status_codes", fmt.Sprintf("status code %d out of range", code))
		}
	}
	if err := compilable(m.PositivePattern); err != nil {
		verrs.add("positive_pattern", err.Error())
	}
	if err := compilable(m.NegativePattern); err != nil {
		verrs.add("negative_pattern", err.Error())
	}
	for i, c := range m.AlarmingCandidates {
		if c.Email == "" && c.Mobile == "" && c.Name == "" {
			verrs.add(fmt.Sprintf("alarming_candidate[%d]", i), "contact needs an email, mobile, or name")
			continue
		}
		if err := validate.Struct(&c); err != nil {
			verrs.add(fmt.Sprintf("alarming_candidate[%d]", i), err.Error())
		}
	}
	if m.Notification.EnableEscalation && m.Notification.EscalationDelayMinutes < 1 {
		verrs.add("notification_settings", "escalation_delay_minutes must be >= 1 when escalation is enabled")
	}

	return verrs.orNil()
}

// validateCheck enforces that exactly the config variant matching the
// monitor type is present, then validates that variant.
func (m *Monitor) validateCheck(verrs *ValidationErrors) {
	set := []string{}
	variants := map[string]interface{}{}
	if m.Check.URL != nil {
		set = append(set, "url")
		variants["url"] = m.Check.URL
	}
	if m.Check.APIPost != nil {
		set = append(set, "api_post")
		variants["api_post"] = m.Check.APIPost
	}
	if m.Check.Ping != nil {
		set = append(set, "ping")
		variants["ping"] = m.Check.Ping
	}
	if m.Check.SSH != nil {
		set = append(set, "ssh")
		variants["ssh"] = m.Check.SSH
	}
	if m.Check.AWS != nil {
		set = append(set, "aws")
		variants["aws"] = m.Check.AWS
	}
	if m.Check.Certificate != nil {
		set = append(set, "certificate")
		variants["certificate"] = m.Check.Certificate
	}
	if m.Check.Log != nil {
		set = append(set, "log")
		variants["log"] = m.Check.Log
	}
	if m.Check.System != nil {
		set = append(set, "system")
		variants["system"] = m.Check.System
	}
	if m.Check.Custom != nil {
		set = append(set, "custom")
		variants["custom"] = m.Check.Custom
	}

	want := checkKeyFor(m.Type)
	if len(set) != 1 || set[0] != want {
		verrs.add("check", fmt.Sprintf("type %q requires exactly the %q config, got [%s]",
			m.Type, want, strings.Join(set, ", ")))
		return
	}

	// Tag-level rules on the variant run through the struct dive above;
	// here we only invoke the custom hooks.
	variant := variants[want]
	if v, ok := variant.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			verrs.add("check."+want, err.Error())
		}
	}

	switch m.Type {
	case TypeLog:
		if err := compilable(m.Check.Log.Pattern); err != nil {
			verrs.add("check.log.pattern", err.Error())
		}
		if m.Check.Log.SSH != nil {
			if err := m.Check.Log.SSH.Validate(); err != nil {
				verrs.add("check.log.ssh", err.Error())
			}
		}
	case TypeCPU, TypeMem, TypeDisk:
		if m.Check.System.SSH != nil {
			if err := m.Check.System.SSH.Validate(); err != nil {
				verrs.add("check.system.ssh", err.Error())
			}
		}
	}
}

// checkKeyFor maps a monitor type onto its config variant key.
func checkKeyFor(t MonitorType) string {
	switch t {
	case TypeCPU, TypeMem, TypeDisk:
		return "system"
	default:
		return string(t)
	}
}

func compilable(pattern string) error {
	if pattern == "" {
		return nil
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid pattern: %v", err)
	}
	return nil
}

// formatValidationMessage creates human-readable error messages
func formatValidationMessage(e validator.FieldError) string {
	field := toSnakeCase(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

// toSnakeCase converts PascalCase/camelCase to snake_case
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				result.WriteByte('_')
			}
			result.WriteByte(byte(r + 'a' - 'A'))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
