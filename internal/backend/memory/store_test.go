package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.realtime/internal/backend"
)

func TestWriteMergeAndGet(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Write(ctx, "users/u1", backend.Fields{"displayName": "Alice", "status": "offline"}, backend.WriteOptions{}))
	require.NoError(t, s.Write(ctx, "users/u1", backend.Fields{"status": "online"}, backend.Merge))

	doc, err := s.GetOnce(ctx, "users/u1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "u1", doc.ID)
	assert.Equal(t, "Alice", doc.String("displayName"))
	assert.Equal(t, "online", doc.String("status"))

	require.NoError(t, s.Write(ctx, "users/u1", backend.Fields{"status": "away"}, backend.WriteOptions{}))
	doc, err = s.GetOnce(ctx, "users/u1")
	require.NoError(t, err)
	assert.Empty(t, doc.String("displayName"), "non-merge write replaces the document")

	missing, err := s.GetOnce(ctx, "users/none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWriteRejectsInvalidPath(t *testing.T) {
	err := New().Write(context.Background(), "users", backend.Fields{}, backend.WriteOptions{})
	assert.ErrorIs(t, err, backend.ErrInvalidPath)
}

func TestQueryOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Write(ctx, "friendRequests/1", backend.Fields{"senderId": "a", "status": "pending"}, backend.WriteOptions{})
	s.Write(ctx, "friendRequests/2", backend.Fields{"senderId": "a", "status": "rejected"}, backend.WriteOptions{})
	s.Write(ctx, "friendRequests/3", backend.Fields{"senderId": "b", "status": "pending"}, backend.WriteOptions{})
	s.Write(ctx, "conversations/a_b", backend.Fields{"participants": []string{"a", "b"}}, backend.WriteOptions{})

	docs, err := s.QueryOnce(ctx, backend.CollectionFriendRequests, backend.Eq("senderId", "a"), backend.Eq("status", "pending"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "1", docs[0].ID)

	convs, err := s.QueryOnce(ctx, backend.CollectionConversations, backend.ArrayContains("participants", "b"))
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestSubscribeDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Write(ctx, "typing/c1/users/u1", backend.Fields{"isTyping": true}, backend.WriteOptions{})

	var snapshots []backend.Snapshot
	dispose := s.Subscribe(backend.CollectionQuery(backend.TypingCollection("c1")), func(snap backend.Snapshot) {
		snapshots = append(snapshots, snap)
	}, nil)

	require.Len(t, snapshots, 1, "initial snapshot is delivered before Subscribe returns")
	assert.Len(t, snapshots[0].Documents, 1)

	s.Write(ctx, "typing/c1/users/u2", backend.Fields{"isTyping": true}, backend.WriteOptions{})
	s.Write(ctx, "typing/c2/users/u2", backend.Fields{"isTyping": true}, backend.WriteOptions{})
	s.Remove(ctx, "typing/c1/users/u1")

	require.Len(t, snapshots, 3, "writes to other collections are not delivered")
	assert.Len(t, snapshots[1].Documents, 2)
	assert.Len(t, snapshots[2].Documents, 1)
	assert.Equal(t, "u2", snapshots[2].Documents[0].ID)

	dispose()
	dispose()
	s.Write(ctx, "typing/c1/users/u3", backend.Fields{"isTyping": true}, backend.WriteOptions{})
	assert.Len(t, snapshots, 3)
	assert.Equal(t, 0, s.ActiveSubscriptions())
}

func TestSubscribeCallbackMayWriteAndDispose(t *testing.T) {
	ctx := context.Background()
	s := New()

	var seen []int
	var dispose backend.Disposer
	dispose = s.Subscribe(backend.DocQuery("users/u1"), func(snap backend.Snapshot) {
		seen = append(seen, len(snap.Documents))
		if len(seen) == 2 {
			// 回调中再次写入同一文档不会死锁，结果按序投递
			s.Write(ctx, "users/u1", backend.Fields{"status": "away"}, backend.Merge)
		}
		if len(seen) == 3 {
			dispose()
		}
	}, nil)

	s.Write(ctx, "users/u1", backend.Fields{"status": "online"}, backend.Merge)
	s.Write(ctx, "users/u1", backend.Fields{"status": "offline"}, backend.Merge)

	assert.Equal(t, []int{0, 1, 1}, seen)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetFault(DenyPrefix("typing/", OpWrite))

	err := s.Write(ctx, "typing/c1/users/u1", backend.Fields{"isTyping": true}, backend.WriteOptions{})
	assert.ErrorIs(t, err, backend.ErrPermissionDenied)
	assert.NoError(t, s.Write(ctx, "users/u1", backend.Fields{}, backend.WriteOptions{}))
	assert.NoError(t, s.Remove(ctx, "typing/c1/users/u1"))

	s.SetFault(DenyPrefix("users/", OpSubscribe))
	var gotErr error
	s.Subscribe(backend.DocQuery("users/u1"), func(backend.Snapshot) {}, func(err error) { gotErr = err })
	assert.ErrorIs(t, gotErr, backend.ErrPermissionDenied)
}

func TestApplyBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetFault(DenyPrefix("conversations/", OpWrite))

	err := s.ApplyBatch(ctx, []backend.Mutation{
		backend.SetMutation("friendRequests/1", backend.Fields{"status": "accepted"}, backend.Merge),
		backend.SetMutation("conversations/a_b", backend.Fields{"participants": []string{"a", "b"}}, backend.Merge),
	})
	assert.ErrorIs(t, err, backend.ErrPermissionDenied)
	assert.Empty(t, s.Writes())

	s.SetFault(nil)
	require.NoError(t, s.ApplyBatch(ctx, []backend.Mutation{
		backend.SetMutation("friendRequests/1", backend.Fields{"status": "accepted"}, backend.Merge),
		backend.RemoveMutation("friendRequests/2"),
	}))
	assert.Len(t, s.Writes(), 2)
}

func TestInjectError(t *testing.T) {
	s := New()
	var errs []error
	s.Subscribe(backend.CollectionQuery(backend.TypingCollection("c1")), func(backend.Snapshot) {}, func(err error) {
		errs = append(errs, err)
	})

	s.InjectError(backend.TypingCollection("c1"), backend.ErrPermissionDenied)
	assert.Equal(t, []error{backend.ErrPermissionDenied}, errs)
}

func TestLoadSeed(t *testing.T) {
	ctx := context.Background()
	s := New()

	n, err := s.LoadSeed(ctx, strings.NewReader(`
documents:
  users/alice:
    displayName: Alice
    email: alice@example.com
  users/bob:
    displayName: Bob
    lastSeen: 1700000000500
`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	docs, err := s.QueryOnce(ctx, backend.CollectionUsers)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Alice", docs[0].String("displayName"))
	assert.Equal(t, int64(1700000000500), docs[1].Millis("lastSeen", s.now()))
}

func TestBlobs(t *testing.T) {
	ctx := context.Background()
	b := NewBlobs("https://cdn.test")

	url, err := b.Upload(ctx, "avatars/u1/u1_1", strings.NewReader("png-bytes"), backend.BlobMetadata{ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/avatars/u1/u1_1", url)

	blob, ok := b.Get("avatars/u1/u1_1")
	require.True(t, ok)
	assert.Equal(t, "png-bytes", string(blob.Data))

	require.NoError(t, b.Delete(ctx, "avatars/u1/u1_1"))
	assert.ErrorIs(t, b.Delete(ctx, "avatars/u1/u1_1"), backend.ErrNotFound)
}
