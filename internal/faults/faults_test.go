package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsNestedErrors(t *testing.T) {
	inner := New(KindInsufficientBalance, "balance too low")
	wrapped := fmt.Errorf("submit: %w", inner)

	assert.Equal(t, KindInsufficientBalance, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindInsufficientBalance))
	assert.False(t, Is(wrapped, KindConflict))
}

func TestKindOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindUnavailable, cause, "redis reserve for account %d", 7)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "redis reserve for account 7: connection refused", err.Error())
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestNewMessageOnly(t *testing.T) {
	err := New(KindNotFound, "message %s not found", "abc")
	assert.Equal(t, "message abc not found", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}

// The status mapping is caller-visible contract.
func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidInput:        http.StatusBadRequest,
		KindInsufficientBalance: http.StatusBadRequest,
		KindConflict:            http.StatusBadRequest,
		KindDuplicateRequest:    http.StatusConflict,
		KindNotFound:            http.StatusNotFound,
		KindRateLimited:         http.StatusTooManyRequests,
		KindUnavailable:         http.StatusServiceUnavailable,
		KindInternal:            http.StatusInternalServerError,
		Kind("unknown"):         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), "kind %s", kind)
	}
}
