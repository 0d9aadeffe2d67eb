package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"sudooom.im.realtime/internal/backend"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrBackend.Wrap(cause)

	assert.Equal(t, CodeBackendError, err.Code)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, ErrBackend.Err, "predefined error must not be mutated")
	assert.Equal(t, "[50002] 后端存储错误: connection refused", err.Error())
}

func TestWrapf(t *testing.T) {
	cause := errors.New("timeout")
	err := ErrBackend.Wrapf(cause, "write %s", "users/u1")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "write users/u1: timeout")
}

func TestIsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("accept: %w", ErrPartialAccept.Wrap(errors.New("boom")))

	assert.True(t, Is(wrapped, ErrPartialAccept))
	assert.False(t, Is(wrapped, ErrBackend))
	assert.True(t, errors.Is(wrapped, ErrPartialAccept))
	assert.False(t, Is(errors.New("plain"), ErrPartialAccept))
}

func TestGetCodeAndMessage(t *testing.T) {
	assert.Equal(t, CodeCannotAddSelf, GetCode(ErrCannotAddSelf))
	assert.Equal(t, CodeServerError, GetCode(errors.New("plain")))
	assert.Equal(t, "不能添加自己为好友", GetMessage(ErrCannotAddSelf))
	assert.Equal(t, "服务器内部错误", GetMessage(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		ErrTokenExpired:          http.StatusUnauthorized,
		ErrUnauthenticated:       http.StatusUnauthorized,
		ErrPermissionDenied:      http.StatusForbidden,
		ErrFriendRequestNotFound: http.StatusNotFound,
		ErrInvalidParams:         http.StatusBadRequest,
		ErrCannotAddSelf:         http.StatusBadRequest,
		ErrTooManyRequest:        http.StatusTooManyRequests,
		ErrBackend:               http.StatusInternalServerError,
		errors.New("plain"):      http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}

func TestFromBackend(t *testing.T) {
	assert.Nil(t, FromBackend(nil))

	err := FromBackend(fmt.Errorf("write users/u1: %w", backend.ErrPermissionDenied))
	assert.True(t, Is(err, ErrPermissionDenied))
	assert.ErrorIs(t, err, backend.ErrPermissionDenied)

	assert.True(t, Is(FromBackend(backend.ErrInvalidPath), ErrInvalidParams))
	assert.True(t, Is(FromBackend(errors.New("dial tcp: refused")), ErrBackend))

	already := ErrFriendRequestNotFound.Wrap(errors.New("gone"))
	assert.Same(t, already, FromBackend(already))
}
