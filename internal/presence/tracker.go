package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/clock"
	"sudooom.im.realtime/internal/metrics"
	"sudooom.im.realtime/internal/task"
)

// WriteTimeout 单次状态写入的超时
const WriteTimeout = 10 * time.Second

// Tracker 维护本端身份的在线状态并写入用户文档
//
// 事件与状态的对应关系:
//
//	Start / 页面可见 / 网络恢复 -> online
//	页面隐藏                   -> away
//	网络断开                   -> offline
//	Stop                       -> offline
//
// 每个事件都会写入 {status, lastSeen, updatedAt}，写入失败只记录日志。
// 写入按事件顺序串行执行，不阻塞调用方。
type Tracker struct {
	store   backend.Documents
	uid     string
	clock   clock.Clock
	exec    task.Executor
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	status   Status
	started  bool
	stopped  bool
	queue    []update
	flushing bool
}

type update struct {
	status Status
	at     time.Time
}

// TrackerOption Tracker 配置项
type TrackerOption func(*Tracker)

// WithClock 设置时钟
func WithClock(c clock.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// WithExecutor 设置写入执行者，默认每次刷新启动一个协程
func WithExecutor(e task.Executor) TrackerOption {
	return func(t *Tracker) { t.exec = e }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker 创建本端在线状态跟踪器
func NewTracker(store backend.Documents, uid string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		uid:    uid,
		clock:  clock.New(),
		exec:   task.Go{},
		logger: slog.Default(),
		status: StatusOffline,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Status 最近一次发布的状态
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Start 挂载时调用，发布 online
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.transition(StatusOnline)
}

// SetVisibility 页面可见性变化
func (t *Tracker) SetVisibility(hidden bool) {
	if hidden {
		t.transition(StatusAway)
		return
	}
	t.transition(StatusOnline)
}

// SetNetwork 网络状态变化
func (t *Tracker) SetNetwork(online bool) {
	if online {
		t.transition(StatusOnline)
		return
	}
	t.transition(StatusOffline)
}

// Stop 卸载或页面关闭时调用，发布 offline，之后的事件全部忽略
// offline 入队与标记停止在同一临界区内完成，保证 offline 是最后一次写入
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.stopped = true
		t.mu.Unlock()
		return
	}
	schedule := t.enqueueLocked(StatusOffline)
	t.stopped = true
	t.mu.Unlock()

	if schedule {
		t.schedule()
	}
}

func (t *Tracker) transition(status Status) {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	schedule := t.enqueueLocked(status)
	t.mu.Unlock()

	if schedule {
		t.schedule()
	}
}

// enqueueLocked 记录状态并入队，返回是否需要启动刷新
func (t *Tracker) enqueueLocked(status Status) bool {
	t.status = status
	t.queue = append(t.queue, update{status: status, at: t.clock.Now()})
	if t.flushing {
		return false
	}
	t.flushing = true
	return true
}

func (t *Tracker) schedule() {
	if !t.exec.Submit(t.flush) {
		// 执行者已关闭（进程退出中），直接在当前协程写入
		t.flush()
	}
}

// flush 按顺序写出队列中的全部状态
func (t *Tracker) flush() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.flushing = false
			t.mu.Unlock()
			return
		}
		u := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.write(u)
	}
}

func (t *Tracker) write(u update) {
	ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
	defer cancel()

	err := t.store.Write(ctx, backend.UserPath(t.uid), backend.Fields{
		"status":    string(u.status),
		"lastSeen":  u.at,
		"updatedAt": u.at,
	}, backend.Merge)
	t.metrics.WriteResult("presence", err)
	if err != nil {
		t.logger.Warn("Failed to update presence",
			"userId", t.uid,
			"status", u.status,
			"error", err)
		return
	}
	t.logger.Debug("Presence updated", "userId", t.uid, "status", u.status)
}
