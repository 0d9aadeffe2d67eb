// Package memory 内存文档存储，用于测试与本地开发
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sudooom.im.realtime/internal/backend"
)

// Op 存储操作类型，用于故障注入与写入记录
type Op string

const (
	OpWrite     Op = "write"
	OpRemove    Op = "remove"
	OpGet       Op = "get"
	OpQuery     Op = "query"
	OpSubscribe Op = "subscribe"
	OpBatch     Op = "batch"
)

// Fault 返回非 nil 时对应操作失败
type Fault func(op Op, path string) error

// WriteRecord 一次成功的变更
type WriteRecord struct {
	Op     Op
	Path   string
	Fields backend.Fields
	Merge  bool
	At     time.Time
}

type subscription struct {
	id      int64
	query   backend.Query
	onNext  func(backend.Snapshot)
	onError func(error)

	mu        sync.Mutex
	queue     []queued
	draining  bool
	delivered int64
	closed    bool
}

type queued struct {
	version  int64
	snapshot backend.Snapshot
	err      error
}

// push 将结果放入订阅队列并在当前协程中投递
// 回调执行期间不持锁，回调内触发的新结果排队，由外层循环按序投递
func (sub *subscription) push(item queued) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, item)
	if sub.draining {
		sub.mu.Unlock()
		return
	}
	sub.draining = true

	for {
		if sub.closed || len(sub.queue) == 0 {
			sub.queue = nil
			sub.draining = false
			sub.mu.Unlock()
			return
		}
		next := sub.queue[0]
		sub.queue = sub.queue[1:]

		if next.err != nil {
			sub.mu.Unlock()
			if sub.onError != nil {
				sub.onError(next.err)
			}
			sub.mu.Lock()
			continue
		}
		// 并发写入时较旧的结果可能晚到，直接丢弃
		if next.version < sub.delivered {
			continue
		}
		sub.delivered = next.version

		sub.mu.Unlock()
		if sub.onNext != nil {
			sub.onNext(next.snapshot)
		}
		sub.mu.Lock()
	}
}

func (sub *subscription) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.queue = nil
	sub.mu.Unlock()
}

// Store 内存实现，满足 backend.Store 与 backend.BatchWriter
// 回调在写入方协程中同步执行，执行时不持有存储锁
type Store struct {
	mu      sync.Mutex
	docs    map[string]backend.Fields
	subs    map[int64]*subscription
	nextSub int64
	version int64
	fault   Fault
	log     []WriteRecord
	now     func() time.Time
	logger  *slog.Logger
}

var (
	_ backend.Store       = (*Store)(nil)
	_ backend.BatchWriter = (*Store)(nil)
)

// New 创建内存存储
func New() *Store {
	return &Store{
		docs:   make(map[string]backend.Fields),
		subs:   make(map[int64]*subscription),
		now:    time.Now,
		logger: slog.Default(),
	}
}

// SetFault 设置故障注入函数，nil 表示清除
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// DenyPrefix 对指定前缀路径的所有操作返回权限错误
func DenyPrefix(prefix string, ops ...Op) Fault {
	return func(op Op, path string) error {
		if !strings.HasPrefix(path, prefix) {
			return nil
		}
		if len(ops) == 0 {
			return backend.ErrPermissionDenied
		}
		for _, o := range ops {
			if o == op {
				return backend.ErrPermissionDenied
			}
		}
		return nil
	}
}

// Writes 已成功的变更记录
func (s *Store) Writes() []WriteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WriteRecord(nil), s.log...)
}

// WritesTo 某路径的变更记录
func (s *Store) WritesTo(path string) []WriteRecord {
	var out []WriteRecord
	for _, w := range s.Writes() {
		if w.Path == path {
			out = append(out, w)
		}
	}
	return out
}

// ResetWrites 清空变更记录
func (s *Store) ResetWrites() {
	s.mu.Lock()
	s.log = nil
	s.mu.Unlock()
}

// Subscriptions 当前与查询相同的订阅数量
func (s *Store) Subscriptions(q backend.Query) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := q.String()
	n := 0
	for _, sub := range s.subs {
		if sub.query.String() == key {
			n++
		}
	}
	return n
}

// ActiveSubscriptions 全部订阅数量
func (s *Store) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) checkLocked(ctx context.Context, op Op, path string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if s.fault != nil {
		if err := s.fault(op, path); err != nil {
			return err
		}
	}
	return nil
}

// Write 写入文档
func (s *Store) Write(ctx context.Context, path string, fields backend.Fields, opts backend.WriteOptions) error {
	if !backend.ValidDocumentPath(path) {
		return fmt.Errorf("%w: %q", backend.ErrInvalidPath, path)
	}

	s.mu.Lock()
	if err := s.checkLocked(ctx, OpWrite, path); err != nil {
		s.mu.Unlock()
		return err
	}
	s.applyLocked(backend.SetMutation(path, fields, opts))
	pending := s.collectLocked([]string{path})
	s.mu.Unlock()

	deliver(pending)
	return nil
}

// Remove 删除文档，文档不存在时不报错
func (s *Store) Remove(ctx context.Context, path string) error {
	if !backend.ValidDocumentPath(path) {
		return fmt.Errorf("%w: %q", backend.ErrInvalidPath, path)
	}

	s.mu.Lock()
	if err := s.checkLocked(ctx, OpRemove, path); err != nil {
		s.mu.Unlock()
		return err
	}
	s.applyLocked(backend.RemoveMutation(path))
	pending := s.collectLocked([]string{path})
	s.mu.Unlock()

	deliver(pending)
	return nil
}

// ApplyBatch 原子执行一组变更，任一操作被拒绝时全部不生效
func (s *Store) ApplyBatch(ctx context.Context, mutations []backend.Mutation) error {
	paths := make([]string, 0, len(mutations))
	for _, m := range mutations {
		if !backend.ValidDocumentPath(m.Path) {
			return fmt.Errorf("%w: %q", backend.ErrInvalidPath, m.Path)
		}
		paths = append(paths, m.Path)
	}

	s.mu.Lock()
	for _, m := range mutations {
		op := OpWrite
		if m.Op == backend.OpRemove {
			op = OpRemove
		}
		if err := s.checkLocked(ctx, op, m.Path); err != nil {
			s.mu.Unlock()
			return err
		}
		if err := s.checkLocked(ctx, OpBatch, m.Path); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	for _, m := range mutations {
		s.applyLocked(m)
	}
	pending := s.collectLocked(paths)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

func (s *Store) applyLocked(m backend.Mutation) {
	record := WriteRecord{Path: m.Path, Merge: m.Merge, At: s.now()}

	switch m.Op {
	case backend.OpRemove:
		delete(s.docs, m.Path)
		record.Op = OpRemove
	default:
		encoded := backend.EncodeFields(m.Fields)
		if existing, ok := s.docs[m.Path]; ok && m.Merge {
			merged := existing.Clone()
			for k, v := range encoded {
				merged[k] = v
			}
			s.docs[m.Path] = merged
		} else {
			s.docs[m.Path] = encoded.Clone()
		}
		record.Op = OpWrite
		record.Fields = encoded.Clone()
	}

	s.version++
	s.log = append(s.log, record)
}

// GetOnce 读取单个文档
func (s *Store) GetOnce(ctx context.Context, path string) (*backend.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx, OpGet, path); err != nil {
		return nil, err
	}
	fields, ok := s.docs[path]
	if !ok {
		return nil, nil
	}
	doc := backend.NewDocument(path, fields.Clone())
	return &doc, nil
}

// QueryOnce 查询集合
func (s *Store) QueryOnce(ctx context.Context, collection string, preds ...backend.Predicate) ([]backend.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(ctx, OpQuery, collection); err != nil {
		return nil, err
	}
	return s.snapshotLocked(backend.CollectionQuery(collection, preds...)).Documents, nil
}

func (s *Store) snapshotLocked(q backend.Query) backend.Snapshot {
	var docs []backend.Document
	if q.IsDocument() {
		if fields, ok := s.docs[q.Path]; ok {
			docs = append(docs, backend.NewDocument(q.Path, fields.Clone()))
		}
		return backend.Snapshot{Documents: docs}
	}
	for path, fields := range s.docs {
		doc := backend.Document{Path: path, Fields: fields}
		if q.Matches(doc) {
			docs = append(docs, backend.NewDocument(path, fields.Clone()))
		}
	}
	backend.SortByPath(docs)
	return backend.Snapshot{Documents: docs}
}

// Subscribe 订阅查询，当前结果在返回前同步推送
func (s *Store) Subscribe(q backend.Query, onNext func(backend.Snapshot), onError func(error)) backend.Disposer {
	path := q.Path
	if !q.IsDocument() {
		path = q.Collection
	}

	s.mu.Lock()
	if err := s.checkLocked(context.Background(), OpSubscribe, path); err != nil {
		s.mu.Unlock()
		if onError != nil {
			onError(err)
		}
		return backend.OnceDisposer(nil)
	}

	s.nextSub++
	sub := &subscription{id: s.nextSub, query: q, onNext: onNext, onError: onError}
	s.subs[sub.id] = sub
	initial := pendingDelivery{sub: sub, version: s.version, snapshot: s.snapshotLocked(q)}
	s.mu.Unlock()

	deliver([]pendingDelivery{initial})

	return backend.OnceDisposer(func() {
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()

		sub.close()
	})
}

// InjectError 向匹配路径的订阅推送错误，模拟实时查询中断
func (s *Store) InjectError(path string, err error) {
	s.mu.Lock()
	var targets []*subscription
	for _, sub := range s.subs {
		if sub.query.Touches(path) || sub.query.Collection == path {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.push(queued{err: err})
	}
}

type pendingDelivery struct {
	sub      *subscription
	version  int64
	snapshot backend.Snapshot
}

func (s *Store) collectLocked(paths []string) []pendingDelivery {
	var out []pendingDelivery
	for _, sub := range s.subs {
		for _, p := range paths {
			if sub.query.Touches(p) {
				out = append(out, pendingDelivery{sub: sub, version: s.version, snapshot: s.snapshotLocked(sub.query)})
				break
			}
		}
	}
	return out
}

func deliver(pending []pendingDelivery) {
	for _, p := range pending {
		p.sub.push(queued{version: p.version, snapshot: p.snapshot})
	}
}
