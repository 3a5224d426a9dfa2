package errors

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// Always use Is and As, Cause does not follow fmt.Errorf %w chains.

func Test_errorNew(t *testing.T) {
	err := New("my error")
	assert.Equal(t, "my error", err.Error())

	assert.True(t, Is(err, err))
	otherErr := New("other error")
	assert.False(t, Is(err, otherErr))

	wrappedErr := pkgerrors.Wrap(err, "wrap message")
	assert.True(t, Is(wrappedErr, err))
}

type exitError struct {
	Status int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Status)
}

func Test_customError(t *testing.T) {
	errVal1 := exitError{Status: 1}
	errVal2 := exitError{Status: 2}

	assert.False(t, Is(errVal1, errVal2))
	assert.True(t, As(errVal1, &exitError{}))

	wrappedErr := pkgerrors.Wrap(errVal1, "wrap message")
	assert.True(t, Is(wrappedErr, errVal1))

	var target exitError
	assert.True(t, As(wrappedErr, &target))
	assert.Equal(t, 1, target.Status)
}

func Test_WrapAndTraceError(t *testing.T) {
	err := New("my error")

	wrap1 := WrapAndTrace(Errorf("wrap 1: %w", err))
	wrap2 := WrapAndTrace(Errorf("wrap 2: %w", wrap1), "extra")

	assert.True(t, Is(wrap2, err))
	assert.Contains(t, wrap2.Error(), "errors_test.go")
	assert.Contains(t, wrap2.Error(), "extra")

	assert.NotEqual(t, err, pkgerrors.Cause(wrap2))
}

func Test_WrapAndTraceNil(t *testing.T) {
	assert.Nil(t, WrapAndTrace(nil))
}

func Test_ValidationErrorSurvivesWrap(t *testing.T) {
	err := WrapAndTrace(NewValidationError("port out of range"))

	var verr ValidationError
	assert.True(t, As(err, &verr))
	assert.Equal(t, "port out of range", verr.Message)
}

func Test_NewErrorReporter(t *testing.T) {
	assert.IsType(t, NoopErrorReporter{}, NewErrorReporter("", "dev"))
	assert.IsType(t, SentryErrorReporter{}, NewErrorReporter("https://key@example.com/1", "dev"))
}
