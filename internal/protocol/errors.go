package protocol

import (
	"fmt"
	"strings"
)

// FieldError is a single invalid configuration value.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid configuration on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid configuration: %s", e.Message)
}

// ConfigError collects every invalid value found while building a
// configuration. It is the only error allowed to abort a run before it starts.
type ConfigError struct {
	Errors []*FieldError
}

func (e *ConfigError) Error() string {
	if len(e.Errors) == 0 {
		return "no configuration errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d configuration errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add records an error for field.
func (e *ConfigError) Add(field, message string) {
	e.Errors = append(e.Errors, &FieldError{Field: field, Message: message})
}

// Merge appends the errors of other.
func (e *ConfigError) Merge(other *ConfigError) {
	if other != nil {
		e.Errors = append(e.Errors, other.Errors...)
	}
}

// HasErrors returns true if there are any errors.
func (e *ConfigError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Fields returns the names of the invalid fields, in the order recorded.
func (e *ConfigError) Fields() []string {
	fields := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		fields[i] = err.Field
	}
	return fields
}
