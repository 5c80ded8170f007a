package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestWrapFormat(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "broker", "EntityExists", "GET entity")

	require.Error(t, err)
	assert.Equal(t, "broker.EntityExists: GET entity failed: boom", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"transient", WrapTransient(base, "c", "m", "a"), ErrorTransient},
		{"invalid", WrapInvalid(base, "c", "m", "a"), ErrorInvalid},
		{"fatal", WrapFatal(base, "c", "m", "a"), ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ce *ClassifiedError
			require.ErrorAs(t, tt.err, &ce)
			assert.Equal(t, tt.class, ce.Class)
			assert.ErrorIs(t, tt.err, base)
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrBrokerUnavailable))
	assert.True(t, IsTransient(ErrConnectionTimeout))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(WrapTransient(errors.New("x"), "c", "m", "a")))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(WrapInvalid(errors.New("x"), "c", "m", "a")))
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrMalformedTemplate))
	assert.True(t, IsInvalid(ErrEntityNotFound))
	assert.True(t, IsInvalid(ErrSubscriptionNotFound))
	assert.True(t, IsInvalid(WrapInvalid(errors.New("x"), "c", "m", "a")))

	assert.False(t, IsInvalid(nil))
	assert.False(t, IsInvalid(errors.New("plain")))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrPortExhausted))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(fmt.Errorf("startup: %w", ErrMissingConfig)))

	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(ErrEntityNotFound))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("lookup: %w", ErrEntityNotFound)))
	assert.True(t, IsNotFound(ErrSubscriptionNotFound))
	assert.False(t, IsNotFound(ErrEntityExists))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrPortExhausted))
	assert.Equal(t, ErrorInvalid, Classify(ErrMalformedTemplate))
	assert.Equal(t, ErrorTransient, Classify(errors.New("anything else")))
}

func TestClassifiedErrorMessage(t *testing.T) {
	err := WrapTransient(errors.New("boom"), "broker", "CreateEntity", "POST entity")

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "broker", ce.Component)
	assert.Equal(t, "CreateEntity", ce.Operation)
	assert.Contains(t, ce.Error(), "POST entity failed")
}
