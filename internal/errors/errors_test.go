package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := fmt.Errorf("save lead: %w", Wrap(CodeStorageFailure, cause, "insert failed"))

	assert.Equal(t, CodeStorageFailure, CodeOf(err))
	assert.True(t, RetryableError(err))
	assert.True(t, stdErrors.Is(err, cause))
	assert.True(t, stdErrors.Is(err, New(CodeStorageFailure, "")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestValidationCollectsFields(t *testing.T) {
	assert.NoError(t, Validation(nil))

	err := Validation(map[string]string{"amount": "must be positive", "description": "required"})
	require.Error(t, err)

	e, ok := From(err)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, e.Code())
	assert.Equal(t, "invalid fields: amount, description", e.Message())
	assert.Equal(t, "required", e.Fields()["description"])
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(err))
}

func TestRegisterDefaultsStatus(t *testing.T) {
	code := Code("TEST_CUSTOM")
	Register(code, Attributes{Message: "custom"})

	assert.Equal(t, http.StatusInternalServerError, AttributesOf(code).HTTPStatus)
	assert.Equal(t, "custom", New(code, "").Message())
}

func TestOverrides(t *testing.T) {
	err := New(CodeNotFound, "lead missing", WithRetryable(true), WithAlert(true), WithSeverity(SeverityCritical), WithMetadata("id", "42"))

	assert.True(t, err.Retryable())
	assert.True(t, err.ShouldAlert())
	assert.Equal(t, SeverityCritical, err.Severity())
	assert.Equal(t, "42", err.Metadata()["id"])
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
}
