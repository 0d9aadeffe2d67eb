package errors

import (
	"errors"

	"sudooom.im.realtime/internal/backend"
)

// FromBackend 将存储层错误转换为业务错误，已是 AppError 的原样返回
func FromBackend(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, backend.ErrPermissionDenied):
		return ErrPermissionDenied.Wrap(err)
	case errors.Is(err, backend.ErrInvalidPath):
		return ErrInvalidParams.Wrap(err)
	default:
		return ErrBackend.Wrap(err)
	}
}
