// Package typing 输入状态的发送与订阅
package typing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/clock"
	"sudooom.im.realtime/internal/metrics"
	"sudooom.im.realtime/internal/task"
)

const (
	// DefaultIdleTimeout 最后一次输入后自动停止的时长
	DefaultIdleTimeout = 3 * time.Second
	// DefaultUserName 未提供显示名时写入的名字
	DefaultUserName = "User"
	// UnknownName 信号中缺少名字时的展示名
	UnknownName = "Someone"

	stopTimeout = 10 * time.Second
)

var ErrClosed = errors.New("typing coordinator closed")

// Config 输入状态配置
type Config struct {
	IdleTimeout time.Duration
	// StaleAfter 大于 0 时订阅端忽略 updatedAt 早于该时长的信号
	StaleAfter time.Duration
}

// Coordinator 当前身份在各会话中的输入状态
//
// 同一会话的写入按决策顺序串行执行：每次决策在锁内领取序号，按序号依次写入后端。
type Coordinator struct {
	store    backend.Store
	identity backend.Identity
	cfg      Config
	clock    clock.Clock
	sched    *task.Scheduler
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

type slot struct {
	typing bool
	gen    uint64
	// next 下一个待领取的写入序号，serving 当前允许写入的序号
	next    uint64
	serving uint64
	turn    *sync.Cond
}

// NewCoordinator 创建输入状态协调器
func NewCoordinator(store backend.Store, identity backend.Identity, cfg Config, c clock.Clock, m *metrics.Metrics) *Coordinator {
	if c == nil {
		c = clock.New()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Coordinator{
		store:    store,
		identity: identity,
		cfg:      cfg,
		clock:    c,
		sched:    task.NewScheduler(c),
		metrics:  m,
		logger:   slog.Default(),
		slots:    make(map[string]*slot),
	}
}

func taskID(conversationID string) string {
	return "typing:" + conversationID
}

func (c *Coordinator) slotLocked(conversationID string) *slot {
	s, ok := c.slots[conversationID]
	if !ok {
		s = &slot{turn: sync.NewCond(&c.mu)}
		c.slots[conversationID] = s
	}
	return s
}

// waitTurnLocked 领取序号并等待轮到自己，返回时仍持有 c.mu
func (s *slot) waitTurnLocked() {
	ticket := s.next
	s.next++
	for s.serving != ticket {
		s.turn.Wait()
	}
}

func (s *slot) doneLocked() {
	s.serving++
	s.turn.Broadcast()
}

// NotifyTyping 一次按键，未处于输入状态时立即写入信号，每次调用都重新计时自动停止
func (c *Coordinator) NotifyTyping(ctx context.Context, conversationID, displayName string) error {
	if conversationID == "" || c.identity.UID == "" {
		return nil
	}
	if displayName == "" {
		displayName = DefaultUserName
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	s := c.slotLocked(conversationID)
	starting := !s.typing
	if starting {
		s.typing = true
		s.gen++
		c.metrics.TypingStarted()
	}
	gen := s.gen
	err := c.sched.Schedule(task.NewTask(taskID(conversationID), conversationID, c.cfg.IdleTimeout, c.idle))
	if err != nil {
		c.logger.Warn("Failed to schedule typing stop", "conversationId", conversationID, "error", err)
	}
	if !starting {
		c.mu.Unlock()
		return nil
	}

	s.waitTurnLocked()
	c.mu.Unlock()

	now := c.clock.Now()
	werr := c.store.Write(ctx, backend.TypingPath(conversationID, c.identity.UID), backend.Fields{
		"isTyping":  true,
		"userName":  displayName,
		"updatedAt": now,
	}, backend.Merge)
	c.metrics.WriteResult("typing", werr)

	c.mu.Lock()
	if werr != nil && s.typing && s.gen == gen {
		// 下一次按键重新写入
		s.typing = false
		c.sched.Cancel(taskID(conversationID))
		c.metrics.TypingStopped()
	}
	s.doneLocked()
	c.mu.Unlock()

	if werr != nil {
		c.logger.Warn("Failed to start typing",
			"conversationId", conversationID,
			"userId", c.identity.UID,
			"error", werr)
	}
	return werr
}

// idle 自动停止任务
func (c *Coordinator) idle(ctx context.Context, conversationID string) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	return c.stop(ctx, conversationID, false)
}

// StopTyping 立即停止输入状态，未处于输入状态时不做任何事
func (c *Coordinator) StopTyping(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return nil
	}
	return c.stop(ctx, conversationID, true)
}

func (c *Coordinator) stop(ctx context.Context, conversationID string, cancelTask bool) error {
	c.mu.Lock()
	s, ok := c.slots[conversationID]
	if cancelTask {
		c.sched.Cancel(taskID(conversationID))
	}
	if !ok || !s.typing {
		c.mu.Unlock()
		return nil
	}
	s.typing = false
	c.metrics.TypingStopped()

	s.waitTurnLocked()
	c.mu.Unlock()

	err := c.store.Remove(ctx, backend.TypingPath(conversationID, c.identity.UID))
	c.metrics.WriteResult("typing", err)

	c.mu.Lock()
	s.doneLocked()
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Failed to stop typing",
			"conversationId", conversationID,
			"userId", c.identity.UID,
			"error", err)
	}
	return err
}

// IsTyping 本端在会话中是否处于输入状态
func (c *Coordinator) IsTyping(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[conversationID]
	return ok && s.typing
}

// StopAll 强制停止所有会话的输入状态（页面隐藏、卸载），返回各会话停止失败的合并错误
func (c *Coordinator) StopAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.slots))
	for id, s := range c.slots {
		if s.typing {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.StopTyping(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 停止所有输入状态并拒绝后续通知
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.StopAll(ctx); err != nil {
		c.logger.Warn("Failed to stop typing on close", "userId", c.identity.UID, "error", err)
	}
	c.sched.Stop()
}
