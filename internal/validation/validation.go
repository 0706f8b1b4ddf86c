package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxPayloadBytes bounds a single queued payload.
	MaxPayloadBytes = 1 << 20

	// MaxKeyLength bounds cache collection names and record IDs.
	MaxKeyLength = 128
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateJSON returns an error if raw is missing, malformed, or larger than max bytes.
func ValidateJSON(field string, raw json.RawMessage, max int) *ValidationError {
	if len(raw) == 0 {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if len(raw) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", max),
		}
	}
	if !json.Valid(raw) {
		return &ValidationError{Field: field, Message: "must be valid JSON"}
	}
	return nil
}

// ValidateKey checks a path segment used as a cache collection or record ID.
func ValidateKey(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateUTF8(field, value); err != nil {
		return err
	}
	if err := ValidateNoNullBytes(field, value); err != nil {
		return err
	}
	return ValidateMaxLength(field, value, MaxKeyLength)
}

// ValidateEnqueueRequest checks an enqueue request against the recognized actions.
// All field errors are returned together.
func ValidateEnqueueRequest(action string, payload json.RawMessage, actions []string) []ValidationError {
	var c Collector

	if err := ValidateRequired("action", action); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateEnum("action", action, actions))
	}
	c.Add(ValidateJSON("payload", payload, MaxPayloadBytes))

	return c.Errors()
}
