package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "sudooom.im.realtime/internal/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    appErrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 从 AppError 生成错误响应，非 AppError 按服务器错误处理
func Error(c *gin.Context, err error) {
	c.JSON(appErrors.HTTPStatus(err), Response{
		Code:    appErrors.GetCode(err),
		Message: appErrors.GetMessage(err),
	})
}

// InvalidParams 参数校验失败
func InvalidParams(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    appErrors.CodeInvalidParams,
		Message: err.Error(),
	})
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
		Code:    appErrors.GetCode(err),
		Message: appErrors.GetMessage(err),
	})
}
