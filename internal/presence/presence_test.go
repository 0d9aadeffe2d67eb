package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/backend/memory"
	"sudooom.im.realtime/internal/clock"
	"sudooom.im.realtime/internal/metrics"
	"sudooom.im.realtime/internal/task"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func statuses(store *memory.Store, uid string) []string {
	var out []string
	for _, w := range store.WritesTo(backend.UserPath(uid)) {
		s, _ := w.Fields["status"].(string)
		out = append(out, s)
	}
	return out
}

func newTracker(store backend.Documents, c clock.Clock, m *metrics.Metrics) *Tracker {
	return NewTracker(store, "u1", WithClock(c), WithExecutor(task.Inline{}), WithMetrics(m))
}

func TestTrackerTransitions(t *testing.T) {
	store := memory.New()
	c := clock.NewManual(start)
	tr := newTracker(store, c, nil)

	tr.Start()
	assert.Equal(t, StatusOnline, tr.Status())
	tr.SetVisibility(true)
	assert.Equal(t, StatusAway, tr.Status())
	tr.SetVisibility(false)
	tr.SetNetwork(false)
	assert.Equal(t, StatusOffline, tr.Status())
	tr.SetNetwork(true)
	tr.Stop()

	assert.Equal(t, []string{"online", "away", "online", "offline", "online", "offline"}, statuses(store, "u1"))

	doc, err := store.GetOnce(context.Background(), backend.UserPath("u1"))
	require.NoError(t, err)
	assert.Equal(t, start.UnixMilli(), doc.Millis("lastSeen", time.Time{}))
	assert.Equal(t, start.UnixMilli(), doc.Millis("updatedAt", time.Time{}))
}

func TestTrackerMergesIntoProfile(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Write(ctx, backend.UserPath("u1"), backend.Fields{"displayName": "Alice"}, backend.WriteOptions{}))

	tr := newTracker(store, clock.NewManual(start), nil)
	tr.Start()

	doc, err := store.GetOnce(ctx, backend.UserPath("u1"))
	require.NoError(t, err)
	assert.Equal(t, "Alice", doc.String("displayName"))
	assert.Equal(t, "online", doc.String("status"))
}

func TestTrackerIgnoresEventsOutsideLifetime(t *testing.T) {
	store := memory.New()
	tr := newTracker(store, clock.NewManual(start), nil)

	tr.SetVisibility(true)
	assert.Empty(t, statuses(store, "u1"), "事件在 Start 之前应被忽略")

	tr.Start()
	tr.Stop()
	tr.Stop()
	tr.SetNetwork(true)
	tr.Start()

	assert.Equal(t, []string{"online", "offline"}, statuses(store, "u1"))
}

func TestTrackerSwallowsWriteFailures(t *testing.T) {
	store := memory.New()
	store.SetFault(memory.DenyPrefix("users/"))
	m := metrics.New(prometheus.NewRegistry())
	tr := newTracker(store, clock.NewManual(start), m)

	assert.NotPanics(t, func() {
		tr.Start()
		tr.SetVisibility(true)
	})
	assert.Equal(t, StatusAway, tr.Status())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BackendWrites.WithLabelValues("presence", "error")))
}

func TestTrackerPreservesOrderOnPool(t *testing.T) {
	store := memory.New()
	pool := task.NewPool(4, 64, nil)
	tr := NewTracker(store, "u1", WithExecutor(pool))

	tr.Start()
	for i := 0; i < 20; i++ {
		tr.SetVisibility(i%2 == 0)
	}
	tr.Stop()

	require.Eventually(t, func() bool { return len(statuses(store, "u1")) == 22 }, time.Second, 5*time.Millisecond)
	pool.Shutdown()

	got := statuses(store, "u1")
	assert.Equal(t, "online", got[0])
	assert.Equal(t, "away", got[1])
	assert.Equal(t, "offline", got[len(got)-1])
}

func TestTrackerStopRacesWithEvents(t *testing.T) {
	for round := 0; round < 50; round++ {
		store := memory.New()
		pool := task.NewPool(2, 64, nil)
		tr := NewTracker(store, "u1", WithExecutor(pool))
		tr.Start()

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(hidden bool) {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					tr.SetVisibility(hidden)
					tr.SetNetwork(true)
				}
			}(i%2 == 0)
		}
		tr.Stop()
		wg.Wait()
		pool.Shutdown()

		got := statuses(store, "u1")
		require.NotEmpty(t, got)
		assert.Equal(t, "offline", got[len(got)-1], "Stop 之后不应再写入其他状态")
		assert.Equal(t, StatusOffline, tr.Status())
	}
}

func TestIsActive(t *testing.T) {
	now := start
	cases := []struct {
		name   string
		record *Record
		want   bool
	}{
		{"nil", nil, false},
		{"online", &Record{Status: StatusOnline, LastSeenMillis: now.Add(-time.Hour).UnixMilli()}, true},
		{"away recent", &Record{Status: StatusAway, LastSeenMillis: now.Add(-4 * time.Minute).UnixMilli()}, true},
		{"offline at window", &Record{Status: StatusOffline, LastSeenMillis: now.Add(-5 * time.Minute).UnixMilli()}, false},
		{"offline old", &Record{Status: StatusOffline, LastSeenMillis: now.Add(-6 * time.Minute).UnixMilli()}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsActive(tc.record, now))
		})
	}

	assert.True(t, IsActiveWithin(&Record{Status: StatusOffline, LastSeenMillis: now.Add(-6 * time.Minute).UnixMilli()}, now, 10*time.Minute))
}

func TestLastSeenText(t *testing.T) {
	now := start
	ago := func(d time.Duration) int64 { return now.Add(-d).UnixMilli() }

	assert.Equal(t, "Active now", LastSeenText(ago(30*time.Second), now))
	assert.Equal(t, "Active 1m ago", LastSeenText(ago(90*time.Second), now))
	assert.Equal(t, "Active 59m ago", LastSeenText(ago(59*time.Minute), now))
	assert.Equal(t, "Active 2h ago", LastSeenText(ago(2*time.Hour), now))
	assert.Equal(t, "Active yesterday", LastSeenText(ago(30*time.Hour), now))
	assert.Equal(t, "Active 3d ago", LastSeenText(ago(3*24*time.Hour), now))
	assert.Equal(t, "Active 2w ago", LastSeenText(ago(15*24*time.Hour), now))
}

func TestRecordFromDocumentNormalizesTimestamps(t *testing.T) {
	now := start
	doc := backend.NewDocument("users/u2", backend.Fields{
		"status":   "away",
		"lastSeen": map[string]any{"seconds": int64(1700000000), "nanoseconds": int64(500000000)},
	})
	r := recordFromDocument("u2", doc, now)
	assert.Equal(t, StatusAway, r.Status)
	assert.Equal(t, int64(1700000000500), r.LastSeenMillis)

	r = recordFromDocument("u2", backend.NewDocument("users/u2", backend.Fields{"status": "busy"}), now)
	assert.Equal(t, StatusOffline, r.Status)
	assert.Equal(t, now.UnixMilli(), r.LastSeenMillis, "缺少 lastSeen 时回退为当前时间")
}

func TestHubSharesOneSubscriptionPerUID(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Write(ctx, backend.UserPath("u2"), backend.Fields{"status": "online", "lastSeen": start}, backend.WriteOptions{}))

	m := metrics.New(prometheus.NewRegistry())
	hub := NewHub(store, clock.NewManual(start), m)
	query := backend.DocQuery(backend.UserPath("u2"))

	var first, second []*Record
	d1 := hub.Observe("u2", func(r *Record) { first = append(first, r) })
	d2 := hub.Observe("u2", func(r *Record) { second = append(second, r) })

	assert.Equal(t, 1, store.Subscriptions(query))
	require.Len(t, first, 1)
	require.Len(t, second, 1, "后加入的观察者立即收到缓存状态")
	assert.Equal(t, StatusOnline, second[0].Status)

	require.NoError(t, store.Write(ctx, backend.UserPath("u2"), backend.Fields{"status": "away"}, backend.Merge))
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.Equal(t, StatusAway, first[1].Status)

	d1()
	d1()
	assert.Equal(t, 1, store.Subscriptions(query), "仍有观察者时保留订阅")

	d2()
	assert.Equal(t, 0, store.Subscriptions(query))
	assert.Equal(t, 0, hub.Watched())
	_, ok := hub.Record("u2")
	assert.False(t, ok, "最后一个观察者离开后丢弃缓存")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSubscriptions.WithLabelValues("presence")))

	require.NoError(t, store.Write(ctx, backend.UserPath("u2"), backend.Fields{"status": "offline"}, backend.Merge))
	assert.Len(t, first, 2, "释放后不再推送")
}

// gatedStore 取消订阅时阻塞在 gate 上，用于观察释放过程中的重复订阅
type gatedStore struct {
	*memory.Store
	gate      chan struct{}
	disposing chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
}

func (g *gatedStore) Subscribe(q backend.Query, onNext func(backend.Snapshot), onError func(error)) backend.Disposer {
	g.mu.Lock()
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()

	dispose := g.Store.Subscribe(q, onNext, onError)
	return backend.OnceDisposer(func() {
		g.disposing <- struct{}{}
		<-g.gate
		dispose()
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	})
}

func (g *gatedStore) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active, g.maxActive
}

func TestHubReobserveWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{Store: memory.New(), gate: make(chan struct{}), disposing: make(chan struct{}, 1)}
	require.NoError(t, store.Write(ctx, backend.UserPath("u2"), backend.Fields{"status": "online"}, backend.WriteOptions{}))
	hub := NewHub(store, clock.NewManual(start), nil)

	d1 := hub.Observe("u2", func(*Record) {})
	released := make(chan struct{})
	go func() {
		d1()
		close(released)
	}()
	<-store.disposing

	var got []*Record
	var mu sync.Mutex
	observed := make(chan backend.Disposer, 1)
	go func() {
		observed <- hub.Observe("u2", func(r *Record) {
			mu.Lock()
			got = append(got, r)
			mu.Unlock()
		})
	}()

	select {
	case <-observed:
		t.Fatal("旧订阅取消前不应建立新订阅")
	case <-time.After(50 * time.Millisecond):
	}
	active, _ := store.counts()
	assert.Equal(t, 1, active)
	_, ok := hub.Record("u2")
	assert.False(t, ok, "释放中的缓存不可读")

	close(store.gate)
	<-released
	d2 := <-observed

	active, maxActive := store.counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, maxActive, "同一 uid 任意时刻只有一个后端订阅")
	mu.Lock()
	require.Len(t, got, 1, "新观察者收到当前状态")
	assert.Equal(t, StatusOnline, got[0].Status)
	mu.Unlock()
	assert.Equal(t, 1, hub.Watched())

	d2()
	active, _ = store.counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, hub.Watched())
}

func TestHubMissingUserYieldsNil(t *testing.T) {
	hub := NewHub(memory.New(), clock.NewManual(start), nil)

	var got []*Record
	dispose := hub.Observe("ghost", func(r *Record) { got = append(got, r) })
	defer dispose()

	require.Len(t, got, 1)
	assert.Nil(t, got[0])
}

func TestHubSubscriptionErrorKeepsLastRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Write(ctx, backend.UserPath("u2"), backend.Fields{"status": "online"}, backend.WriteOptions{}))
	hub := NewHub(store, clock.NewManual(start), nil)

	dispose := hub.Observe("u2", func(*Record) {})
	defer dispose()

	store.InjectError(backend.UserPath("u2"), errors.New("stream reset"))

	r, ok := hub.Record("u2")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, r.Status)
}

func TestHubObserveMany(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Write(ctx, backend.UserPath("a"), backend.Fields{"status": "online"}, backend.WriteOptions{}))
	require.NoError(t, store.Write(ctx, backend.UserPath("b"), backend.Fields{"status": "away"}, backend.WriteOptions{}))
	hub := NewHub(store, clock.NewManual(start), nil)

	var last map[string]*Record
	dispose := hub.ObserveMany([]string{"a", "b", "a", "c"}, func(m map[string]*Record) { last = m })

	require.Len(t, last, 2)
	assert.Equal(t, StatusOnline, last["a"].Status)
	assert.Equal(t, StatusAway, last["b"].Status)
	assert.Equal(t, 3, hub.Watched())

	require.NoError(t, store.Write(ctx, backend.UserPath("c"), backend.Fields{"status": "online"}, backend.WriteOptions{}))
	assert.Len(t, last, 3)

	dispose()
	assert.Equal(t, 0, hub.Watched())
	assert.Equal(t, 0, store.ActiveSubscriptions())
}
