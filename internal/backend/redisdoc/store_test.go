package redisdoc

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.realtime/internal/backend"
)

// newTestStore 连接本地 Redis，不可用时跳过
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// 每个测试使用独立集合名，避免互相干扰
	return New(client), "test" + uuid.NewString()[:8]
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "im:doc:users/u1", BuildDocKey("users/u1"))
	assert.Equal(t, "im:col:typing/c1/users", BuildCollectionKey("typing/c1/users"))
}

func TestWriteMergeQuery(t *testing.T) {
	s, col := newTestStore(t)
	ctx := context.Background()
	path := backend.Join(col, "u1")
	defer s.Remove(ctx, path)

	lastSeen := time.UnixMilli(1700000000500)
	require.NoError(t, s.Write(ctx, path, backend.Fields{"displayName": "Alice", "status": "offline"}, backend.WriteOptions{}))
	require.NoError(t, s.Write(ctx, path, backend.Fields{"status": "online", "lastSeen": lastSeen}, backend.Merge))

	doc, err := s.GetOnce(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Alice", doc.String("displayName"))
	assert.Equal(t, "online", doc.String("status"))
	assert.Equal(t, int64(1700000000500), doc.Millis("lastSeen", time.Now()))

	docs, err := s.QueryOnce(ctx, col, backend.Eq("status", "online"))
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, s.Remove(ctx, path))
	doc, err = s.GetOnce(ctx, path)
	require.NoError(t, err)
	assert.Nil(t, doc)

	docs, err = s.QueryOnce(ctx, col)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestApplyBatch(t *testing.T) {
	s, col := newTestStore(t)
	ctx := context.Background()
	a, b := backend.Join(col, "a"), backend.Join(col, "b")
	defer s.Remove(ctx, a)
	defer s.Remove(ctx, b)

	require.NoError(t, s.ApplyBatch(ctx, []backend.Mutation{
		backend.SetMutation(a, backend.Fields{"participants": []string{"x", "y"}}, backend.Merge),
		backend.SetMutation(b, backend.Fields{"status": "pending"}, backend.WriteOptions{}),
	}))

	docs, err := s.QueryOnce(ctx, col, backend.ArrayContains("participants", "y"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID)
}
