// Package live 为不支持实时查询的文档存储补充订阅能力
//
// 写入成功后通过 ChangeFeed 广播变更路径，各进程收到后对受影响的订阅重新查询并推送完整结果。
package live

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"sudooom.im.realtime/internal/backend"
)

// Store 组合文档存储与变更通道
type Store struct {
	docs   backend.Documents
	feed   backend.ChangeFeed
	origin string
	logger *slog.Logger

	// QueryTimeout 订阅刷新时单次查询的超时
	QueryTimeout time.Duration

	mu     sync.Mutex
	subs   map[int64]*subscription
	nextID int64

	stopListen func()
}

var _ backend.Store = (*Store)(nil)

// New 创建实时存储，docs 若实现 BatchWriter，Store 也会通过 AsBatchWriter 暴露该能力
func New(docs backend.Documents, feed backend.ChangeFeed) *Store {
	s := &Store{
		docs:         docs,
		feed:         feed,
		origin:       uuid.NewString(),
		logger:       slog.Default(),
		QueryTimeout: 5 * time.Second,
		subs:         make(map[int64]*subscription),
	}
	s.stopListen = feed.Listen(s.onChange)
	return s
}

// Origin 本进程标识
func (s *Store) Origin() string {
	return s.origin
}

// Close 停止接收变更并关闭所有订阅
func (s *Store) Close() {
	if s.stopListen != nil {
		s.stopListen()
	}
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[int64]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
}

// Write 写入后广播变更
func (s *Store) Write(ctx context.Context, path string, fields backend.Fields, opts backend.WriteOptions) error {
	if err := s.docs.Write(ctx, path, fields, opts); err != nil {
		return err
	}
	s.changed(ctx, backend.ChangeWrite, path)
	return nil
}

// Remove 删除后广播变更
func (s *Store) Remove(ctx context.Context, path string) error {
	if err := s.docs.Remove(ctx, path); err != nil {
		return err
	}
	s.changed(ctx, backend.ChangeRemove, path)
	return nil
}

func (s *Store) GetOnce(ctx context.Context, path string) (*backend.Document, error) {
	return s.docs.GetOnce(ctx, path)
}

func (s *Store) QueryOnce(ctx context.Context, collection string, preds ...backend.Predicate) ([]backend.Document, error) {
	return s.docs.QueryOnce(ctx, collection, preds...)
}

// batchStore 同时支持批量写入的实时存储
type batchStore struct {
	*Store
	batch backend.BatchWriter
}

// AsBatchWriter 底层存储支持原子批量写入时返回带 ApplyBatch 的包装
func (s *Store) AsBatchWriter() (backend.Store, bool) {
	bw, ok := s.docs.(backend.BatchWriter)
	if !ok {
		return s, false
	}
	return &batchStore{Store: s, batch: bw}, true
}

// ApplyBatch 原子写入后广播所有变更
func (b *batchStore) ApplyBatch(ctx context.Context, mutations []backend.Mutation) error {
	if err := b.batch.ApplyBatch(ctx, mutations); err != nil {
		return err
	}
	changes := make([]backend.Change, 0, len(mutations))
	for _, m := range mutations {
		op := backend.ChangeWrite
		if m.Op == backend.OpRemove {
			op = backend.ChangeRemove
		}
		changes = append(changes, b.change(op, m.Path))
	}
	b.notify(changes...)
	b.publish(ctx, changes...)
	return nil
}

func (s *Store) change(op backend.ChangeOp, path string) backend.Change {
	return backend.Change{Path: path, Op: op, Origin: s.origin, At: time.Now().UnixMilli()}
}

func (s *Store) changed(ctx context.Context, op backend.ChangeOp, path string) {
	ch := s.change(op, path)
	s.notify(ch)
	s.publish(ctx, ch)
}

// publish 广播失败只记录日志，写入本身已成功
func (s *Store) publish(ctx context.Context, changes ...backend.Change) {
	if err := s.feed.Publish(context.WithoutCancel(ctx), changes...); err != nil {
		s.logger.Warn("Failed to publish document change", "count", len(changes), "error", err)
	}
}

// onChange 处理来自其他进程的变更
func (s *Store) onChange(ch backend.Change) {
	if ch.Origin == s.origin {
		return
	}
	s.notify(ch)
}

func (s *Store) notify(changes ...backend.Change) {
	s.mu.Lock()
	var targets []*subscription
	for _, sub := range s.subs {
		for _, ch := range changes {
			if sub.query.Touches(ch.Path) {
				targets = append(targets, sub)
				break
			}
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.poke()
	}
}

// Subscribe 订阅查询，当前结果与后续变更由订阅自己的协程推送
func (s *Store) Subscribe(q backend.Query, onNext func(backend.Snapshot), onError func(error)) backend.Disposer {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		query:   q,
		onNext:  onNext,
		onError: onError,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.run(s)

	return backend.OnceDisposer(func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.cancel()
	})
}

type subscription struct {
	query   backend.Query
	onNext  func(backend.Snapshot)
	onError func(error)
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	last *backend.Snapshot
}

// poke 标记需要刷新，多次变更合并为一次查询
func (sub *subscription) poke() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) run(s *Store) {
	for {
		sub.refresh(s)
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.wake:
		}
	}
}

func (sub *subscription) refresh(s *Store) {
	ctx, cancel := context.WithTimeout(sub.ctx, s.QueryTimeout)
	defer cancel()

	snap, err := s.load(ctx, sub.query)
	if sub.ctx.Err() != nil {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("Live query refresh failed", "query", sub.query.String(), "error", err)
		if sub.onError != nil {
			sub.onError(err)
		}
		return
	}
	// 结果未变化时不重复推送
	if sub.last != nil && reflect.DeepEqual(*sub.last, snap) {
		return
	}
	sub.last = &snap
	if sub.onNext != nil && sub.ctx.Err() == nil {
		sub.onNext(snap)
	}
}

func (s *Store) load(ctx context.Context, q backend.Query) (backend.Snapshot, error) {
	if q.IsDocument() {
		doc, err := s.docs.GetOnce(ctx, q.Path)
		if err != nil {
			return backend.Snapshot{}, err
		}
		if doc == nil {
			return backend.Snapshot{}, nil
		}
		return backend.Snapshot{Documents: []backend.Document{*doc}}, nil
	}
	docs, err := s.docs.QueryOnce(ctx, q.Collection, q.Predicates...)
	if err != nil {
		return backend.Snapshot{}, err
	}
	backend.SortByPath(docs)
	return backend.Snapshot{Documents: docs}, nil
}
