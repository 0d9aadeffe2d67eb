package server

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sudooom.im.realtime/internal/auth"
	"sudooom.im.realtime/internal/backend"
	appErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/metrics"
)

const (
	identityKey = "identity"
	claimsKey   = "claims"
)

// CORS 跨域中间件
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// Observe 请求日志与指标
func Observe(m *metrics.Metrics, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		m.ObserveHTTP(c.Request.Method, route, status, elapsed)
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"latency", elapsed,
			"clientIp", c.ClientIP())
	}
}

// TokenAuth Access Token 认证，WebSocket 握手无法设置请求头时可用 token 查询参数
func TokenAuth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			Unauthorized(c, appErrors.ErrUnauthenticated)
			return
		}

		identity, claims, err := svc.Authenticate(token)
		if err != nil {
			Unauthorized(c, err)
			return
		}
		c.Set(identityKey, *identity)
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// extractToken 从 Authorization header 提取 token
func extractToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// GetIdentity 从 context 获取当前身份
func GetIdentity(c *gin.Context) backend.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return backend.Identity{}
	}
	return v.(backend.Identity)
}
