package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError 业务错误，携带错误码和用户可见的消息
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
	Err     error  // 底层错误（可选）
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建错误
func New(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap 以当前错误码包装底层错误，返回新实例，预定义错误本身不会被修改
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{Code: e.Code, Message: e.Message, Err: err}
}

// Wrapf 包装并附加上下文
func (e *AppError) Wrapf(err error, format string, args ...any) *AppError {
	return e.Wrap(fmt.Errorf(format+": %w", append(args, err)...))
}

// Is 按错误码比较，使 errors.Is(err, ErrXxx) 对包装后的实例同样成立
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Is 判断 err 链上是否有同错误码的 AppError
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，非 AppError 返回服务器错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取用户可见的错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrServerError.Message
}

// HTTPStatus 错误码对应的 HTTP 状态
func HTTPStatus(err error) int {
	code := GetCode(err)
	switch {
	case code == CodeSuccess:
		return http.StatusOK
	case code == CodeTokenInvalid || code == CodeTokenExpired || code == CodeInvalidCredentials || code == CodeUnauthenticated:
		return http.StatusUnauthorized
	case code == CodePermissionDenied:
		return http.StatusForbidden
	case code == CodeUserNotFound || code == CodeFriendRequestNotFound || code == CodeConversationNotFound:
		return http.StatusNotFound
	case code == CodeTooManyRequest:
		return http.StatusTooManyRequests
	case code >= 50000:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeEmailExists        = 10001
	CodeInvalidCredentials = 10002
	CodeTokenInvalid       = 10003
	CodeTokenExpired       = 10004
	CodeUnauthenticated    = 10005
	CodeDisplayNameTaken   = 10006

	// 用户相关 11000-11999
	CodeUserNotFound     = 11001
	CodeInvalidParams    = 11002
	CodeAvatarTooLarge   = 11003
	CodeAvatarType       = 11004
	CodePermissionDenied = 11005

	// 好友相关 12000-12999
	CodeFriendRequestNotFound = 12001
	CodeAlreadyFriends        = 12002
	CodeCannotAddSelf         = 12003
	CodePartialAccept         = 12004

	// 会话相关 13000-13999
	CodeConversationNotFound = 13001
	CodeNotParticipant       = 13002

	// 系统错误 50000-50999
	CodeServerError    = 50001
	CodeBackendError   = 50002
	CodeTooManyRequest = 50003
	CodeStorageError   = 50004
	CodeSessionClosed  = 50005
)

// 认证相关
var (
	ErrEmailExists        = New(CodeEmailExists, "邮箱已注册")
	ErrInvalidCredentials = New(CodeInvalidCredentials, "邮箱或密码错误")
	ErrTokenInvalid       = New(CodeTokenInvalid, "Token 无效")
	ErrTokenExpired       = New(CodeTokenExpired, "Token 已过期")
	ErrUnauthenticated    = New(CodeUnauthenticated, "未登录")
	ErrDisplayNameTaken   = New(CodeDisplayNameTaken, "昵称已被使用")
)

// 用户相关
var (
	ErrUserNotFound     = New(CodeUserNotFound, "用户不存在")
	ErrInvalidParams    = New(CodeInvalidParams, "参数校验失败")
	ErrAvatarTooLarge   = New(CodeAvatarTooLarge, "头像文件不能超过 5MB")
	ErrAvatarType       = New(CodeAvatarType, "头像仅支持 JPEG、PNG、WebP、GIF")
	ErrPermissionDenied = New(CodePermissionDenied, "没有权限")
)

// 好友相关
var (
	ErrFriendRequestNotFound = New(CodeFriendRequestNotFound, "好友请求不存在")
	ErrAlreadyFriends        = New(CodeAlreadyFriends, "已经是好友关系")
	ErrCannotAddSelf         = New(CodeCannotAddSelf, "不能添加自己为好友")
	ErrPartialAccept         = New(CodePartialAccept, "好友请求已接受，好友关系尚未完整建立")
)

// 会话相关
var (
	ErrConversationNotFound = New(CodeConversationNotFound, "会话不存在")
	ErrNotParticipant       = New(CodeNotParticipant, "不是会话成员")
)

// 系统相关
var (
	ErrServerError    = New(CodeServerError, "服务器内部错误")
	ErrBackend        = New(CodeBackendError, "后端存储错误")
	ErrTooManyRequest = New(CodeTooManyRequest, "请求过于频繁，请稍后再试")
	ErrStorage        = New(CodeStorageError, "文件存储错误")
	ErrSessionClosed  = New(CodeSessionClosed, "会话已关闭")
)
