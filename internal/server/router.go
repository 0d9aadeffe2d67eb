package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sudooom.im.realtime/internal/auth"
	"sudooom.im.realtime/internal/health"
	"sudooom.im.realtime/internal/metrics"
)

// RouterConfig 路由依赖
type RouterConfig struct {
	Mode           string
	AllowedOrigins []string
	Auth           *auth.Service
	Handler        *Handler
	Live           *Live
	Health         *health.Checker
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	// Files 可选，挂载在 /blobs 下的本地文件
	Files          http.Handler
}

// SetupRouter 设置路由
func SetupRouter(rc RouterConfig) *gin.Engine {
	if rc.Mode != "" {
		gin.SetMode(rc.Mode)
	}

	r := gin.New()

	logger := slog.Default()
	if rc.Handler != nil {
		logger = rc.Handler.logger
	}

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(Observe(rc.Metrics, logger))
	r.Use(CORS(rc.AllowedOrigins))

	if rc.Health != nil {
		r.GET("/health", gin.WrapH(rc.Health))
		r.GET("/ready", func(c *gin.Context) {
			if rc.Health.IsHealthy(c.Request.Context()) {
				c.String(http.StatusOK, "OK")
				return
			}
			c.String(http.StatusServiceUnavailable, "Not Ready")
		})
	}
	if rc.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(rc.Gatherer, promhttp.HandlerOpts{})))
	}

	if rc.Files != nil {
		r.GET("/blobs/*path", gin.WrapH(http.StripPrefix("/blobs", rc.Files)))
	}

	if rc.Auth == nil {
		return r
	}

	v1 := r.Group("/api/v1")
	authenticated := v1.Group("")
	authenticated.Use(TokenAuth(rc.Auth))
	if rc.Live != nil {
		authenticated.GET("/live", rc.Live.ServeHTTP)
	}

	h := rc.Handler
	if h == nil {
		return r
	}

	// 认证接口（无需登录）
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	authenticated.GET("/users/search", h.Search)

	user := authenticated.Group("/user")
	{
		user.PUT("/profile", h.UpdateProfile)
		user.POST("/avatar", h.UploadAvatar)
	}

	friends := authenticated.Group("/friends")
	{
		friends.GET("", h.Friends)
		friends.GET("/status", h.FriendStatus)
		friends.POST("/request", h.SendRequest)
		friends.GET("/requests", h.PendingRequests)
		friends.POST("/accept/:id", h.AcceptRequest)
		friends.POST("/reject/:id", h.RejectRequest)
		friends.POST("/repair/:id", h.RepairRequest)
	}

	authenticated.POST("/conversations/:id/messages", h.SendMessage)

	return r
}
