package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeInvalidGrant, "code expired"))

	require.ErrorIs(t, err, New(CodeInvalidGrant, "anything"))
	assert.False(t, errors.Is(err, New(CodeUnauthorized, "code expired")))
	assert.True(t, Is(err, CodeInvalidGrant))
	assert.False(t, Is(errors.New("plain"), CodeInvalidGrant))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("redis down")
	err := Wrap(cause, CodeUnavailable, "replay store unavailable")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "replay store unavailable: redis down", err.Error())
	assert.Equal(t, http.StatusServiceUnavailable, err.Status())
}

func TestStatusOverride(t *testing.T) {
	err := New(CodeInvalidGrant, "token pair mismatch").WithStatus(http.StatusUnauthorized)
	assert.Equal(t, http.StatusUnauthorized, err.Status())
	assert.Equal(t, http.StatusBadRequest, New(CodeInvalidGrant, "x").Status())
}

func TestToHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidRequest:          http.StatusBadRequest,
		CodeUnsupportedResponseType: http.StatusBadRequest,
		CodeUnauthorized:            http.StatusUnauthorized,
		CodeForbidden:               http.StatusForbidden,
		CodeRateLimited:             http.StatusTooManyRequests,
		CodeUnavailable:             http.StatusServiceUnavailable,
		CodeInternal:                http.StatusInternalServerError,
		Code("something_else"):      http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, ToHTTPStatus(code), string(code))
	}
}
