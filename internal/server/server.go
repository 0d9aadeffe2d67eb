// Package server HTTP 接口与实时连接入口
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Server HTTP 服务
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New 创建服务
func New(port int, engine *gin.Engine) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}
}

// Start 启动服务（阻塞）
func (s *Server) Start() error {
	s.logger.Info("HTTP server started", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭，等待进行中的请求完成
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
