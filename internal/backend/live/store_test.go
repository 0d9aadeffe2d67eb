package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/backend/memory"
)

// recorder 收集订阅推送
type recorder struct {
	mu    sync.Mutex
	snaps []backend.Snapshot
	errs  []error
}

func (r *recorder) next(s backend.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) fail(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) last() (backend.Snapshot, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return backend.Snapshot{}, 0
	}
	return r.snaps[len(r.snaps)-1], len(r.snaps)
}

func TestSubscribeAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	docs := memory.New()
	feed := NewLocalFeed()

	// 两个 Store 共享同一后端与通道，模拟两个进程
	a := New(docs, feed)
	b := New(docs, feed)
	defer a.Close()
	defer b.Close()

	rec := &recorder{}
	dispose := b.Subscribe(backend.CollectionQuery(backend.TypingCollection("c1")), rec.next, rec.fail)
	defer dispose()

	require.Eventually(t, func() bool {
		_, n := rec.last()
		return n == 1
	}, time.Second, 5*time.Millisecond, "initial snapshot")

	require.NoError(t, a.Write(ctx, backend.TypingPath("c1", "u1"), backend.Fields{"isTyping": true}, backend.WriteOptions{}))

	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		return len(snap.Documents) == 1 && snap.Documents[0].ID == "u1"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Remove(ctx, backend.TypingPath("c1", "u1")))
	require.Eventually(t, func() bool {
		snap, n := rec.last()
		return n == 3 && snap.Empty()
	}, time.Second, 5*time.Millisecond)
}

func TestUnchangedResultsAreNotRepeated(t *testing.T) {
	ctx := context.Background()
	docs := memory.New()
	s := New(docs, NewLocalFeed())
	defer s.Close()

	rec := &recorder{}
	dispose := s.Subscribe(backend.DocQuery("users/u1"), rec.next, rec.fail)
	defer dispose()
	require.Eventually(t, func() bool {
		_, n := rec.last()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Write(ctx, "users/u1", backend.Fields{"status": "online"}, backend.Merge))
	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		return !snap.Empty()
	}, time.Second, 5*time.Millisecond)

	// 写入相同内容，结果不变
	require.NoError(t, s.Write(ctx, "users/u1", backend.Fields{"status": "online"}, backend.Merge))
	time.Sleep(50 * time.Millisecond)

	_, n := rec.last()
	assert.Equal(t, 2, n)
}

func TestDisposeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(), NewLocalFeed())
	defer s.Close()

	rec := &recorder{}
	dispose := s.Subscribe(backend.DocQuery("users/u1"), rec.next, rec.fail)
	require.Eventually(t, func() bool {
		_, n := rec.last()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	dispose()
	dispose()

	require.NoError(t, s.Write(ctx, "users/u1", backend.Fields{"status": "online"}, backend.Merge))
	time.Sleep(50 * time.Millisecond)

	_, n := rec.last()
	assert.Equal(t, 1, n)
}

func TestRefreshErrorIsReported(t *testing.T) {
	docs := memory.New()
	docs.SetFault(memory.DenyPrefix("users/", memory.OpGet))
	s := New(docs, NewLocalFeed())
	defer s.Close()

	rec := &recorder{}
	dispose := s.Subscribe(backend.DocQuery("users/u1"), rec.next, rec.fail)
	defer dispose()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.errs) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rec.errs[0], backend.ErrPermissionDenied)
}

func TestAsBatchWriter(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(), NewLocalFeed())
	defer s.Close()

	store, ok := s.AsBatchWriter()
	require.True(t, ok)
	bw, ok := store.(backend.BatchWriter)
	require.True(t, ok)

	rec := &recorder{}
	dispose := store.Subscribe(backend.CollectionQuery(backend.CollectionFriendships), rec.next, rec.fail)
	defer dispose()

	require.NoError(t, bw.ApplyBatch(ctx, []backend.Mutation{
		backend.SetMutation("friendships/a_b", backend.Fields{"user1Id": "a", "user2Id": "b"}, backend.Merge),
		backend.SetMutation("friendRequests/1", backend.Fields{"status": "accepted"}, backend.Merge),
	}))

	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		return len(snap.Documents) == 1
	}, time.Second, 5*time.Millisecond)
}
