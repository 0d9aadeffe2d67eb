package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	appErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/session"
)

const (
	liveMaxPayloadBytes = 64 << 10
	liveCloseTimeout    = 5 * time.Second
)

// LiveOptions 实时连接参数
type LiveOptions struct {
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	SendBuffer     int
}

func (o LiveOptions) withDefaults() LiveOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// Live WebSocket 会话入口
type Live struct {
	deps     session.Deps
	registry *session.Registry
	opts     LiveOptions
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewLive 创建实时连接处理器
func NewLive(deps session.Deps, registry *session.Registry, opts LiveOptions) *Live {
	opts = opts.withDefaults()
	return &Live{
		deps:     deps.WithDefaults(),
		registry: registry,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(opts.AllowedOrigins, "*") || slices.Contains(opts.AllowedOrigins, origin)
			},
		},
		logger: slog.Default(),
	}
}

// liveConn 一条 WebSocket 连接，写入只在 writeLoop 中进行
type liveConn struct {
	live      *Live
	conn      *websocket.Conn
	send      chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	session   *session.Session
}

// ServeHTTP 升级连接并运行读写循环
// GET /api/v1/live
func (l *Live) ServeHTTP(c *gin.Context) {
	identity := GetIdentity(c)
	conn, err := l.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.logger.Debug("WebSocket upgrade failed", "userId", identity.UID, "error", err)
		return
	}

	lc := &liveConn{
		live:      l,
		conn:      conn,
		send:      make(chan []byte, l.opts.SendBuffer),
		closeChan: make(chan struct{}),
	}
	lc.session = session.New(l.deps, identity, lc.push)
	l.registry.Add(lc.session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go lc.writeLoop()
	lc.session.Open(ctx)
	lc.readLoop(ctx)

	lc.close()
	l.registry.Remove(lc.session.ID())
	closeCtx, closeCancel := context.WithTimeout(context.Background(), liveCloseTimeout)
	defer closeCancel()
	lc.session.Close(closeCtx)
}

func (lc *liveConn) readLoop(ctx context.Context) {
	pongWait := lc.live.opts.PingInterval * 3 / 2
	lc.conn.SetReadLimit(liveMaxPayloadBytes)
	_ = lc.conn.SetReadDeadline(time.Now().Add(pongWait))
	lc.conn.SetPongHandler(func(string) error {
		return lc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := lc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				lc.live.logger.Debug("WebSocket read failed", "sessionId", lc.session.ID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame session.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			lc.push(session.ErrorEvent("", appErrors.ErrInvalidParams.Wrap(err)))
			continue
		}
		if err := lc.session.Handle(ctx, frame); err != nil {
			if errors.Is(err, session.ErrSessionClosed) {
				return
			}
			lc.push(session.ErrorEvent(frame.Type, err))
		}
	}
}

func (lc *liveConn) writeLoop() {
	ticker := time.NewTicker(lc.live.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lc.closeChan:
			return
		case msg := <-lc.send:
			_ = lc.conn.SetWriteDeadline(time.Now().Add(lc.live.opts.WriteTimeout))
			if err := lc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				lc.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(lc.live.opts.WriteTimeout)
			if err := lc.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				lc.close()
				return
			}
		}
	}
}

// push 编码后放入发送队列，队列满时丢弃并记录
func (lc *liveConn) push(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		lc.live.logger.Error("Failed to encode event", "type", ev.Type, "error", err)
		return
	}
	select {
	case <-lc.closeChan:
	case lc.send <- data:
	default:
		lc.live.logger.Warn("Send buffer full, dropping event", "sessionId", lc.session.ID(), "type", ev.Type)
	}
}

func (lc *liveConn) close() {
	lc.closeOnce.Do(func() {
		close(lc.closeChan)
		_ = lc.conn.Close()
	})
}
