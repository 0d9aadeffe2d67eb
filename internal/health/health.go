package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	Connected     = "connected"
	Disconnected  = "disconnected"
	NotConfigured = "not configured"

	pingTimeout = 2 * time.Second
)

// Status 健康状态
type Status struct {
	Service  string `json:"service"`
	Backend  string `json:"backend"`
	NATS     string `json:"nats"`
	Redis    string `json:"redis"`
	Postgres string `json:"postgres"`
	Sessions int    `json:"sessions"`
}

// SessionCounter 在线会话计数
type SessionCounter interface {
	Count() int
}

// Checker 健康检查器，未配置的依赖不参与判定
type Checker struct {
	service  string
	backend  string
	nc       *nats.Conn
	redis    redis.UniversalClient
	pg       *pgxpool.Pool
	sessions SessionCounter
}

// Option 检查器选项
type Option func(*Checker)

func WithNATS(nc *nats.Conn) Option {
	return func(c *Checker) { c.nc = nc }
}

func WithRedis(client redis.UniversalClient) Option {
	return func(c *Checker) { c.redis = client }
}

func WithPostgres(pool *pgxpool.Pool) Option {
	return func(c *Checker) { c.pg = pool }
}

func WithSessions(counter SessionCounter) Option {
	return func(c *Checker) { c.sessions = counter }
}

// NewChecker 创建健康检查器
func NewChecker(service, backend string, opts ...Option) *Checker {
	c := &Checker{service: service, backend: backend}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service:  h.service,
		Backend:  h.backend,
		NATS:     NotConfigured,
		Redis:    NotConfigured,
		Postgres: NotConfigured,
	}

	if h.nc != nil {
		status.NATS = Disconnected
		if h.nc.IsConnected() {
			status.NATS = Connected
		}
	}

	if h.redis != nil {
		status.Redis = ping(ctx, func(ctx context.Context) error { return h.redis.Ping(ctx).Err() })
	}

	if h.pg != nil {
		status.Postgres = ping(ctx, h.pg.Ping)
	}

	if h.sessions != nil {
		status.Sessions = h.sessions.Count()
	}
	return status
}

func ping(ctx context.Context, fn func(context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return Disconnected
	}
	return Connected
}

// Healthy 所有已配置的依赖均可用
func (s *Status) Healthy() bool {
	return s.NATS != Disconnected && s.Redis != Disconnected && s.Postgres != Disconnected
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Healthy()
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
