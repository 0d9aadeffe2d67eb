package presence

import (
	"log/slog"
	"sync"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/clock"
	"sudooom.im.realtime/internal/metrics"
)

// Observer 收到在线状态推送，record 为 nil 表示用户文档不存在
type Observer func(record *Record)

// Hub 在进程内共享在线状态订阅
// 同一 uid 无论有多少观察者，只持有一个后端订阅；最后一个观察者离开时释放订阅并丢弃缓存
// 释放完成前到达的新观察者会等待，旧订阅取消后才建立新订阅
type Hub struct {
	store   backend.Store
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	uid       string
	record    *Record
	loaded    bool
	observers map[uint64]Observer
	nextID    uint64
	dispose   backend.Disposer
	closing   bool
	done      chan struct{} // 旧订阅取消后关闭
}

// NewHub 创建在线状态中心
func NewHub(store backend.Store, c clock.Clock, m *metrics.Metrics) *Hub {
	if c == nil {
		c = clock.New()
	}
	return &Hub{
		store:   store,
		clock:   c,
		metrics: m,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
}

// Observe 观察 uid 的在线状态，已有缓存时立即推送一次
func (h *Hub) Observe(uid string, fn Observer) backend.Disposer {
	if uid == "" || fn == nil {
		return backend.Nop
	}

	h.mu.Lock()
	e, ok := h.entries[uid]
	for ok && e.closing {
		done := e.done
		h.mu.Unlock()
		<-done
		h.mu.Lock()
		e, ok = h.entries[uid]
	}
	if !ok {
		e = &entry{uid: uid, observers: make(map[uint64]Observer)}
		h.entries[uid] = e
	}
	id := e.nextID
	e.nextID++
	e.observers[id] = fn
	loaded, record := e.loaded, e.record.clone()
	h.mu.Unlock()

	if ok {
		if loaded {
			fn(record)
		}
	} else {
		h.subscribe(e)
	}

	return backend.OnceDisposer(func() { h.release(e, id) })
}

// subscribe 在锁外建立后端订阅，订阅期间 entry 可能已进入释放流程
func (h *Hub) subscribe(e *entry) {
	dispose := h.store.Subscribe(
		backend.DocQuery(backend.UserPath(e.uid)),
		func(snap backend.Snapshot) { h.onSnapshot(e, snap) },
		func(err error) {
			h.logger.Warn("Presence subscription failed", "userId", e.uid, "error", err)
		},
	)
	h.metrics.SubscriptionOpened("presence")

	h.mu.Lock()
	if !e.closing {
		e.dispose = dispose
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	dispose()
	h.metrics.SubscriptionClosed("presence")
	h.finish(e)
}

func (h *Hub) onSnapshot(e *entry, snap backend.Snapshot) {
	var record *Record
	if doc := snap.First(); doc != nil {
		r := recordFromDocument(e.uid, *doc, h.clock.Now())
		record = &r
	}

	h.mu.Lock()
	if e.closing {
		h.mu.Unlock()
		return
	}
	e.record = record
	e.loaded = true
	observers := make([]Observer, 0, len(e.observers))
	for _, fn := range e.observers {
		observers = append(observers, fn)
	}
	h.mu.Unlock()

	for _, fn := range observers {
		fn(record.clone())
	}
}

func (h *Hub) release(e *entry, id uint64) {
	h.mu.Lock()
	delete(e.observers, id)
	if len(e.observers) > 0 || e.closing {
		h.mu.Unlock()
		return
	}
	e.closing = true
	e.done = make(chan struct{})
	dispose := e.dispose
	h.mu.Unlock()

	// dispose 为 nil 时订阅尚未建立，由 subscribe 负责释放
	if dispose == nil {
		return
	}
	dispose()
	h.metrics.SubscriptionClosed("presence")
	h.finish(e)
}

// finish 旧订阅已取消，移除 entry 并唤醒等待的观察者
func (h *Hub) finish(e *entry) {
	h.mu.Lock()
	if h.entries[e.uid] == e {
		delete(h.entries, e.uid)
	}
	h.mu.Unlock()
	close(e.done)
}

// Record 当前缓存的在线状态
func (h *Hub) Record(uid string) (*Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[uid]
	if !ok || !e.loaded || e.closing {
		return nil, false
	}
	return e.record.clone(), true
}

// Watched 当前持有订阅的 uid 数量
func (h *Hub) Watched() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// ObserveMany 同时观察多个 uid，每次任一用户变化时推送完整的 uid -> 状态映射
func (h *Hub) ObserveMany(uids []string, fn func(map[string]*Record)) backend.Disposer {
	if len(uids) == 0 || fn == nil {
		return backend.Nop
	}

	var (
		mu      sync.Mutex
		records = make(map[string]*Record, len(uids))
	)
	push := func(uid string, record *Record) {
		mu.Lock()
		if record == nil {
			delete(records, uid)
		} else {
			records[uid] = record
		}
		out := make(map[string]*Record, len(records))
		for k, v := range records {
			out[k] = v
		}
		mu.Unlock()
		fn(out)
	}

	seen := make(map[string]struct{}, len(uids))
	disposers := make([]backend.Disposer, 0, len(uids))
	for _, uid := range uids {
		if _, dup := seen[uid]; dup || uid == "" {
			continue
		}
		seen[uid] = struct{}{}
		disposers = append(disposers, h.Observe(uid, func(r *Record) { push(uid, r) }))
	}

	return backend.OnceDisposer(func() {
		for _, d := range disposers {
			d()
		}
	})
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
