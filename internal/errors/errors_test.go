package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCodeAcrossFmtWrapping(t *testing.T) {
	cause := stdErrors.New("boom")
	wrapped := fmt.Errorf("outer: %w", Wrap(CodeStorageFailure, cause, "写入失败"))

	require.True(t, stdErrors.Is(wrapped, New(CodeStorageFailure, "")))
	assert.Equal(t, CodeStorageFailure, CodeOf(wrapped))
	assert.True(t, stdErrors.Is(wrapped, cause))
	assert.True(t, RetryableError(wrapped))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusOf(wrapped))
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_PAYMENT_REQUIRED"
	Register(code, Attributes{Message: "pay first", Severity: SeverityInfo, HTTPStatus: http.StatusPaymentRequired})

	err := New(code, "")
	assert.Equal(t, "[TEST_PAYMENT_REQUIRED] pay first", err.Error())
	assert.Equal(t, http.StatusPaymentRequired, HTTPStatusOf(err))
	assert.False(t, err.ShouldAlert())
}

func TestUnknownErrorsFallBack(t *testing.T) {
	err := stdErrors.New("plain")
	assert.Equal(t, CodeUnknown, CodeOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusOf(err))
	assert.Equal(t, SeverityCritical, SeverityOf(err))
	assert.False(t, HasCode(err, CodeUnknown))
}

func TestHasCodeFindsInnerCode(t *testing.T) {
	inner := New(CodeTimeout, "slow")
	outer := Wrap(CodeStorageFailure, inner, "outer")

	assert.True(t, HasCode(outer, CodeTimeout))
	assert.True(t, HasCode(outer, CodeStorageFailure))
	assert.False(t, HasCode(outer, CodeNotFound))
}

func TestOverrides(t *testing.T) {
	err := New(CodeTimeout, "", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo), WithMetadata("stage", "verify"))
	assert.False(t, err.Retryable())
	assert.False(t, err.ShouldAlert())
	assert.Equal(t, SeverityInfo, err.Severity())
	assert.Equal(t, map[string]string{"stage": "verify"}, err.Metadata())
	assert.Equal(t, "operation timed out", err.Message())
}
