package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"not connected", ErrNotConnected, true},
		{"connection lost", ErrConnectionLost, true},
		{"connection refused", ErrConnectionRefused, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"conversion failed", ErrConversionFailed, false},
		{"type mismatch", ErrTypeMismatch, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network unreachable"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrTypeMismatch))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(fmt.Errorf("read value: %w", ErrTypeMismatch)))
	assert.False(t, IsFatal(ErrNotConnected))
	assert.False(t, IsFatal(ErrConversionFailed))
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"conversion", ErrConversionFailed, true},
		{"topic", ErrInvalidTopic, true},
		{"device", ErrInvalidDevice, true},
		{"unknown parameter", ErrUnknownParameter, true},
		{"not automatable", ErrNotAutomatable, true},
		{"not connected", ErrNotConnected, false},
		{"wrapped conversion", fmt.Errorf("mapping 3: %w", ErrConversionFailed), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsInvalid(test.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorInvalid, Classify(ErrConversionFailed))
	assert.Equal(t, ErrorFatal, Classify(ErrTypeMismatch))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
	assert.Equal(t, ErrorInvalid, Classify(WrapInvalid(errors.New("timeout-looking text"), "A", "B", "c")))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Client", "Publish", "publish"))

	err := Wrap(ErrNotConnected, "Client", "Publish", "publish message")
	require.Error(t, err)
	assert.Equal(t, "Client.Publish: publish message failed: not connected to broker", err.Error())
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.wrap(nil, "C", "M", "a"))

			err := tt.wrap(ErrInvalidValue, "Adapter", "dispatch", "convert")
			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Adapter", ce.Component)
			assert.Equal(t, "dispatch", ce.Operation)
			assert.True(t, errors.Is(err, ErrInvalidValue))
			assert.True(t, strings.HasPrefix(err.Error(), "Adapter.dispatch: convert failed"))
		})
	}
}

func TestFromPanic(t *testing.T) {
	err := FromPanic("boom", "Bus", "dispatch")
	assert.True(t, IsInvalid(err))
	assert.Contains(t, err.Error(), "boom")

	inner := errors.New("inner")
	err = FromPanic(inner, "Bus", "dispatch")
	assert.True(t, errors.Is(err, inner))
}
