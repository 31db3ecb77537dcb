package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfigNotFound indicates the butler.toml file was not found
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidTOML indicates TOML parsing failed
	ErrInvalidTOML = errors.New("invalid TOML syntax")

	// ErrValidationFailed indicates configuration validation failed
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrModuleNotFound indicates a module was not found in the config
	ErrModuleNotFound = errors.New("module not found")

	// ErrUnknownDependency indicates a module depends on an unregistered module
	ErrUnknownDependency = errors.New("unknown module dependency")

	// ErrDependencyCycle indicates the module dependency graph has a cycle
	ErrDependencyCycle = errors.New("module dependency cycle")

	// ErrMissingRequiredField indicates a required field is missing
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError wraps configuration validation errors with context.
type ValidationError struct {
	Component string // Component being validated (butler, runtime, module, schedule)
	ID        string // ID of the component
	Field     string // Field name (optional)
	Err       error  // Underlying error
}

// Error returns formatted error message
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Component, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s '%s': %v", e.Component, e.ID, e.Err)
}

// Unwrap returns the underlying error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(component, id, field string, err error) *ValidationError {
	return &ValidationError{
		Component: component,
		ID:        id,
		Field:     field,
		Err:       err,
	}
}

// LoadError wraps configuration loading errors with file context.
type LoadError struct {
	File string
	Err  error
}

// Error returns formatted error message
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error
func (e *LoadError) Unwrap() error {
	return e.Err
}

// ValidationErrors aggregates multiple validation errors into one.
type ValidationErrors struct {
	Errors []error
}

// Error joins all contained errors, one per line.
func (e *ValidationErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d configuration error(s):\n%s", len(e.Errors), strings.Join(msgs, "\n"))
}

// Unwrap exposes the contained errors for errors.Is / errors.As.
func (e *ValidationErrors) Unwrap() []error {
	return e.Errors
}
