package nats

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"sudooom.im.realtime/internal/backend"
)

// 文档变更 Subject
// 完整格式: {prefix}.{collection}，如 im.doc.users、im.doc.typing
const DefaultSubjectPrefix = "im.doc"

var ErrFeedStopped = errors.New("change feed stopped")

// FeedConfig 变更通道配置
type FeedConfig struct {
	SubjectPrefix string
	WorkerCount   int // 分片 worker 数量，同一路径的变更总落在同一 worker 上
	BufferSize    int // 每个 worker 的缓冲
}

// Feed 基于 NATS 的文档变更通道
type Feed struct {
	nc     *nats.Conn
	cfg    FeedConfig
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[int64]func(backend.Change)
	nextID    int64

	sub     *nats.Subscription
	shards  []chan backend.Change
	wg      sync.WaitGroup
	stopped bool
}

var _ backend.ChangeFeed = (*Feed)(nil)

// NewFeed 创建变更通道
func NewFeed(nc *nats.Conn, cfg FeedConfig) *Feed {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	return &Feed{
		nc:        nc,
		cfg:       cfg,
		logger:    slog.Default(),
		listeners: make(map[int64]func(backend.Change)),
	}
}

// Subject 变更路径对应的 Subject
func (f *Feed) Subject(path string) string {
	collection := path
	if i := strings.IndexByte(path, '/'); i >= 0 {
		collection = path[:i]
	}
	return f.cfg.SubjectPrefix + "." + collection
}

// Start 订阅所有集合的变更并启动分片 worker
// 每个进程都需要收到全部变更，因此不使用队列组
func (f *Feed) Start(ctx context.Context) error {
	f.shards = make([]chan backend.Change, f.cfg.WorkerCount)
	for i := range f.shards {
		f.shards[i] = make(chan backend.Change, f.cfg.BufferSize)
		f.wg.Add(1)
		go f.worker(f.shards[i])
	}

	sub, err := f.nc.Subscribe(f.cfg.SubjectPrefix+".>", func(msg *nats.Msg) {
		var ch backend.Change
		if err := json.Unmarshal(msg.Data, &ch); err != nil {
			f.logger.Error("Failed to unmarshal document change", "subject", msg.Subject, "error", err)
			return
		}
		f.mu.RLock()
		defer f.mu.RUnlock()
		if f.stopped {
			return
		}
		select {
		case f.shards[shardOf(ch.Path, len(f.shards))] <- ch:
		default:
			f.logger.Warn("Change buffer full, dropping change", "path", ch.Path, "bufferSize", f.cfg.BufferSize)
		}
	})
	if err != nil {
		f.closeShards()
		f.wg.Wait()
		f.shards = nil
		return err
	}
	f.sub = sub

	go func() {
		<-ctx.Done()
		f.Stop()
	}()

	f.logger.Info("Change feed started",
		"subject", f.cfg.SubjectPrefix+".>",
		"workerCount", f.cfg.WorkerCount,
		"bufferSize", f.cfg.BufferSize)
	return nil
}

// Stop 取消订阅并等待 worker 退出
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	// 持写锁关闭，回调中的发送已全部结束
	f.closeShards()
	f.mu.Unlock()

	if f.sub != nil {
		if err := f.sub.Unsubscribe(); err != nil {
			f.logger.Warn("Failed to unsubscribe change feed", "error", err)
		}
	}
	f.wg.Wait()
	f.logger.Info("Change feed stopped")
}

func (f *Feed) closeShards() {
	for _, ch := range f.shards {
		close(ch)
	}
}

func (f *Feed) worker(ch <-chan backend.Change) {
	defer f.wg.Done()
	for change := range ch {
		f.dispatch(change)
	}
}

func (f *Feed) dispatch(ch backend.Change) {
	f.mu.RLock()
	listeners := make([]func(backend.Change), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	f.mu.RUnlock()

	for _, fn := range listeners {
		fn(ch)
	}
}

// Publish 发布变更
func (f *Feed) Publish(ctx context.Context, changes ...backend.Change) error {
	f.mu.RLock()
	stopped := f.stopped
	f.mu.RUnlock()
	if stopped {
		return ErrFeedStopped
	}

	for _, ch := range changes {
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		if err := f.nc.Publish(f.Subject(ch.Path), data); err != nil {
			f.logger.Error("Failed to publish document change", "path", ch.Path, "error", err)
			return err
		}
	}
	return nil
}

// Listen 注册变更监听
func (f *Feed) Listen(fn func(backend.Change)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func shardOf(path string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(path))
	return int(h.Sum32() % uint32(n))
}
