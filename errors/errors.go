// Package errors provides the error taxonomy shared by the synthiot components.
// It includes error classification, the sentinel errors each layer reports and
// helpers for consistent wrapping across transport, routing and parameter code.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents environmental errors that may succeed on retry
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input, payloads or configuration
	ErrorInvalid
	// ErrorFatal represents programming errors that must not be recovered silently
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")

	// Transport errors
	ErrNotConnected       = errors.New("not connected to broker")
	ErrConnectionRefused  = errors.New("connection refused")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrInvalidTopic       = errors.New("invalid topic")
	ErrUnsupported        = errors.New("operation not supported by backend")

	// Conversion errors
	ErrConversionFailed = errors.New("payload conversion failed")
	ErrParsingFailed    = errors.New("parsing failed")

	// Parameter errors
	ErrUnknownParameter   = errors.New("unknown parameter")
	ErrDuplicateParameter = errors.New("duplicate parameter")
	ErrDuplicateGroup     = errors.New("duplicate group")
	ErrInvalidValue       = errors.New("invalid parameter value")
	ErrTypeMismatch       = errors.New("parameter type mismatch")
	ErrNotAutomatable     = errors.New("parameter is not automatable")

	// Registry errors
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidDevice  = errors.New("invalid device descriptor")

	// Storage and configuration errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingConfig      = errors.New("missing required configuration")
	ErrConfigNotFound     = errors.New("configuration not found")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
		"refused",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is a programming error that should surface
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrConversionFailed) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, ErrInvalidTopic) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrInvalidDevice) ||
		errors.Is(err, ErrUnknownParameter) ||
		errors.Is(err, ErrDuplicateParameter) ||
		errors.Is(err, ErrNotAutomatable)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Unknown errors are treated as environmental
	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// FromPanic converts a recovered panic value into an invalid error so that a
// misbehaving listener or converter can be logged like any other failure.
func FromPanic(r any, component, method string) error {
	var err error
	switch v := r.(type) {
	case error:
		err = v
	default:
		err = fmt.Errorf("panic: %v", v)
	}
	return WrapInvalid(err, component, method, "recover")
}
