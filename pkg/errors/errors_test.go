package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	wrapped := Wrap(stderrors.New("db timeout"), ErrTokenRevoked.Code, ErrTokenRevoked.Status, "custom message")
	assert.ErrorIs(t, wrapped, ErrTokenRevoked)
	assert.NotErrorIs(t, wrapped, ErrTokenExpired)
}

func TestErrorIsSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("refresh exchange: %w", ErrDeviceMismatch)
	assert.ErrorIs(t, err, ErrDeviceMismatch)
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(cause, "some_code", http.StatusInternalServerError, "wrapped")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	typed := FromError(ErrRateLimited)
	require.NotNil(t, typed)
	assert.Equal(t, ErrRateLimited.Code, typed.Code)

	plain := FromError(stderrors.New("unexpected"))
	require.NotNil(t, plain)
	assert.Equal(t, ErrInternal.Code, plain.Code)
	assert.Equal(t, http.StatusInternalServerError, plain.Status)
}

func TestClone(t *testing.T) {
	clone := Clone(ErrTokenExpired, "session expired, sign in again")
	require.NotNil(t, clone)
	assert.Equal(t, ErrTokenExpired.Code, clone.Code)
	assert.Equal(t, "session expired, sign in again", clone.Message)
	assert.ErrorIs(t, clone, ErrTokenExpired)

	// Original stays untouched.
	assert.Equal(t, "token has expired", ErrTokenExpired.Message)

	keep := Clone(ErrTokenExpired, "")
	assert.Equal(t, ErrTokenExpired.Message, keep.Message)
	assert.Nil(t, Clone(nil, "anything"))
}
