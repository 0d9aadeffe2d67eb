package relationship

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/backend/memory"
	"sudooom.im.realtime/internal/clock"
	appErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/metrics"
	"sudooom.im.realtime/internal/snowflake"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// sagaStore 隐藏 ApplyBatch，模拟不支持批量写入的存储
type sagaStore struct {
	backend.Store
}

type fixture struct {
	store *memory.Store
	clock *clock.Manual
	ids   *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	f := &fixture{store: memory.New(), clock: clock.NewManual(start), ids: ids}

	ctx := context.Background()
	for uid, name := range map[string]string{"alice": "Alice Liddell", "bob": "Bob Stone", "carol": "Carol"} {
		require.NoError(t, f.store.Write(ctx, backend.UserPath(uid), backend.Fields{
			"uid":         uid,
			"displayName": name,
			"email":       uid + "@example.com",
		}, backend.WriteOptions{}))
	}
	return f
}

func (f *fixture) resolver(uid string) *Resolver {
	return NewResolver(f.store, backend.Identity{UID: uid}, f.ids, f.clock, nil)
}

func (f *fixture) sagaResolver(uid string) *Resolver {
	return NewResolver(sagaStore{f.store}, backend.Identity{UID: uid}, f.ids, f.clock, nil)
}

func TestSendAndAcceptEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := f.resolver("bob"), f.resolver("alice")
	require.NoError(t, a.Load(ctx))
	require.NoError(t, b.Load(ctx))

	req, err := a.SendRequest(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, RequestPending, req.Status)
	assert.Equal(t, StatusPendingSent, a.Classify("alice"))

	require.NoError(t, b.Load(ctx))
	assert.Equal(t, StatusPendingReceived, b.Classify("bob"))

	accepted, err := b.AcceptRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestAccepted, accepted.Status)
	assert.Equal(t, StatusFriends, b.Classify("bob"))

	friendship, err := f.store.GetOnce(ctx, backend.FriendshipPath("alice_bob"))
	require.NoError(t, err)
	require.NotNil(t, friendship)
	assert.Equal(t, "alice", friendship.String("user1Id"))
	assert.Equal(t, "bob", friendship.String("user2Id"))

	conv, err := f.store.GetOnce(ctx, backend.ConversationPath("alice_bob"))
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, []string{"alice", "bob"}, conv.Strings("participants"))

	stored, err := f.store.GetOnce(ctx, backend.FriendRequestPath(req.ID))
	require.NoError(t, err)
	assert.Equal(t, "accepted", stored.String("status"))

	require.NoError(t, a.Refresh(ctx))
	assert.Equal(t, StatusFriends, a.Classify("alice"))
	assert.Equal(t, []string{"alice"}, a.FriendIDs())
}

func TestClassifyPrecedence(t *testing.T) {
	r := &Resolver{
		friends:  map[string]struct{}{"f": {}, "all": {}},
		sent:     map[string]struct{}{"s": {}, "both": {}, "all": {}},
		received: map[string]struct{}{"r": {}, "both": {}, "all": {}},
	}

	assert.Equal(t, StatusFriends, r.Classify("f"))
	assert.Equal(t, StatusFriends, r.Classify("all"))
	assert.Equal(t, StatusPendingReceived, r.Classify("both"))
	assert.Equal(t, StatusPendingReceived, r.Classify("r"))
	assert.Equal(t, StatusPendingSent, r.Classify("s"))
	assert.Equal(t, StatusNone, r.Classify("nobody"))

	got := r.ClassifyMany([]string{"f", "nobody"})
	assert.Equal(t, map[string]Status{"f": StatusFriends, "nobody": StatusNone}, got)
}

func TestSendRequestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.resolver("alice")

	_, err := r.SendRequest(ctx, "")
	assert.ErrorIs(t, err, appErrors.ErrInvalidParams)
	_, err = r.SendRequest(ctx, "alice")
	assert.ErrorIs(t, err, appErrors.ErrCannotAddSelf)

	_, err = NewResolver(f.store, backend.Identity{}, f.ids, f.clock, nil).SendRequest(ctx, "bob")
	assert.ErrorIs(t, err, appErrors.ErrUnauthenticated)

	assert.Empty(t, f.store.WritesTo(backend.CollectionFriendRequests), "校验失败时不写入")
	for _, w := range f.store.Writes() {
		assert.NotContains(t, w.Path, backend.CollectionFriendRequests)
	}
}

func TestSendRequestPermissionDeniedKeepsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.resolver("alice")
	f.store.SetFault(memory.DenyPrefix(backend.CollectionFriendRequests+"/", memory.OpWrite))

	_, err := r.SendRequest(ctx, "bob")
	assert.ErrorIs(t, err, appErrors.ErrPermissionDenied)
	assert.ErrorIs(t, err, backend.ErrPermissionDenied)
	assert.Equal(t, StatusNone, r.Classify("bob"))
}

func TestCrossRequestsAcceptClosesMirror(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, b := f.resolver("alice"), f.resolver("bob")

	fromA, err := a.SendRequest(ctx, "bob")
	require.NoError(t, err)
	fromB, err := b.SendRequest(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, b.Load(ctx))
	assert.Equal(t, StatusPendingReceived, b.Classify("alice"), "双向请求时优先显示为待接受")

	_, err = b.AcceptRequest(ctx, fromA.ID)
	require.NoError(t, err)

	mirror, err := f.store.GetOnce(ctx, backend.FriendRequestPath(fromB.ID))
	require.NoError(t, err)
	assert.Equal(t, "accepted", mirror.String("status"))

	require.NoError(t, a.Load(ctx))
	assert.Equal(t, StatusFriends, a.Classify("bob"))
	incoming, err := a.PendingIncoming(ctx)
	require.NoError(t, err)
	assert.Empty(t, incoming)
}

func TestAcceptAndRejectValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob, carol := f.resolver("alice"), f.resolver("bob"), f.resolver("carol")

	req, err := alice.SendRequest(ctx, "bob")
	require.NoError(t, err)

	_, err = carol.AcceptRequest(ctx, req.ID)
	assert.ErrorIs(t, err, appErrors.ErrFriendRequestNotFound, "不能处理别人的请求")
	assert.ErrorIs(t, carol.RejectRequest(ctx, req.ID), appErrors.ErrFriendRequestNotFound)
	assert.ErrorIs(t, bob.RejectRequest(ctx, "missing"), appErrors.ErrFriendRequestNotFound)
	_, err = alice.AcceptRequest(ctx, req.ID)
	assert.ErrorIs(t, err, appErrors.ErrFriendRequestNotFound, "发送者不能接受自己的请求")

	require.NoError(t, bob.Load(ctx))
	require.NoError(t, bob.RejectRequest(ctx, req.ID))
	assert.Equal(t, StatusNone, bob.Classify("alice"))
	assert.ErrorIs(t, bob.RejectRequest(ctx, req.ID), appErrors.ErrFriendRequestNotFound, "已处理的请求不能再次拒绝")
	_, err = bob.AcceptRequest(ctx, req.ID)
	assert.ErrorIs(t, err, appErrors.ErrFriendRequestNotFound)

	doc, err := f.store.GetOnce(ctx, backend.FriendshipPath("alice_bob"))
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestAtomicAcceptFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.resolver("alice").SendRequest(ctx, "bob")
	require.NoError(t, err)

	bob := f.resolver("bob")
	require.NoError(t, bob.Load(ctx))
	f.store.SetFault(memory.DenyPrefix(backend.CollectionConversations+"/", memory.OpBatch, memory.OpWrite))

	_, err = bob.AcceptRequest(ctx, req.ID)
	assert.ErrorIs(t, err, appErrors.ErrPermissionDenied)
	assert.Equal(t, StatusPendingReceived, bob.Classify("alice"))

	stored, err := f.store.GetOnce(ctx, backend.FriendRequestPath(req.ID))
	require.NoError(t, err)
	assert.Equal(t, "pending", stored.String("status"))
	friendship, err := f.store.GetOnce(ctx, backend.FriendshipPath("alice_bob"))
	require.NoError(t, err)
	assert.Nil(t, friendship)
}

func TestSagaPartialAcceptThenRepair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.resolver("alice").SendRequest(ctx, "bob")
	require.NoError(t, err)

	bob := f.sagaResolver("bob")
	require.NoError(t, bob.Load(ctx))
	f.store.SetFault(memory.DenyPrefix(backend.CollectionFriendships+"/", memory.OpWrite))

	_, err = bob.AcceptRequest(ctx, req.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrPartialAccept)
	assert.Equal(t, StatusPendingReceived, bob.Classify("alice"), "失败时本地状态不变")

	stored, err := f.store.GetOnce(ctx, backend.FriendRequestPath(req.ID))
	require.NoError(t, err)
	assert.Equal(t, "accepted", stored.String("status"))

	f.store.SetFault(nil)
	require.NoError(t, bob.Repair(ctx, req.ID))
	require.NoError(t, bob.Repair(ctx, req.ID))
	assert.Equal(t, StatusFriends, bob.Classify("alice"))

	friendship, err := f.store.GetOnce(ctx, backend.FriendshipPath("alice_bob"))
	require.NoError(t, err)
	require.NotNil(t, friendship)
	conv, err := f.store.GetOnce(ctx, backend.ConversationPath("alice_bob"))
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Len(t, f.store.WritesTo(backend.FriendshipPath("alice_bob")), 1, "重复修复不产生额外写入")
}

func TestSagaFirstStepFailureIsPlainError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.resolver("alice").SendRequest(ctx, "bob")
	require.NoError(t, err)

	f.store.SetFault(memory.DenyPrefix(backend.CollectionFriendRequests+"/", memory.OpWrite))
	_, err = f.sagaResolver("bob").AcceptRequest(ctx, req.ID)
	assert.ErrorIs(t, err, appErrors.ErrPermissionDenied)
	assert.False(t, appErrors.Is(err, appErrors.ErrPartialAccept))
}

func TestReconcileRepairsAcceptedRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := metrics.New(prometheus.NewRegistry())

	require.NoError(t, f.store.Write(ctx, backend.FriendRequestPath("r1"), backend.Fields{
		"senderId": "alice", "receiverId": "carol", "status": "accepted",
	}, backend.WriteOptions{}))
	require.NoError(t, f.store.Write(ctx, backend.FriendRequestPath("r2"), backend.Fields{
		"senderId": "bob", "receiverId": "carol", "status": "pending",
	}, backend.WriteOptions{}))
	require.NoError(t, f.store.Write(ctx, backend.ConversationPath("alice_carol"), backend.Fields{
		"participants": []string{"alice", "carol"}, "lastMessage": "hi",
	}, backend.WriteOptions{}))

	rc := NewReconciler(f.store, f.clock, m)
	res, err := rc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Scanned: 1, Repaired: 1}, res)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FriendshipsRepaired))

	conv, err := f.store.GetOnce(ctx, backend.ConversationPath("alice_carol"))
	require.NoError(t, err)
	assert.Equal(t, "hi", conv.String("lastMessage"), "已有会话不被覆盖")

	res, err = rc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Repaired)
}

func TestPendingIncomingAndObserve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.resolver("bob").SendRequest(ctx, "alice")
	require.NoError(t, err)
	_, err = NewResolver(f.store, backend.Identity{UID: "ghost"}, f.ids, f.clock, nil).SendRequest(ctx, "alice")
	require.NoError(t, err)

	alice := f.resolver("alice")
	incoming, err := alice.PendingIncoming(ctx)
	require.NoError(t, err)
	require.Len(t, incoming, 2)
	names := map[string]string{}
	for _, in := range incoming {
		names[in.SenderID] = in.SenderName
	}
	assert.Equal(t, map[string]string{"bob": "Bob Stone", "ghost": UnknownName}, names)

	var last []IncomingRequest
	dispose := alice.ObserveIncoming(func(reqs []IncomingRequest) { last = reqs })
	require.Len(t, last, 2)
	assert.Equal(t, StatusPendingReceived, alice.Classify("bob"))

	req, err := f.resolver("carol").SendRequest(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, last, 3)

	require.NoError(t, alice.RejectRequest(ctx, req.ID))
	assert.Len(t, last, 2)

	dispose()
	dispose()
	assert.Equal(t, 0, f.store.ActiveSubscriptions())
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.resolver("alice")
	_, err := alice.SendRequest(ctx, "bob")
	require.NoError(t, err)

	results, err := alice.Search(ctx, "  STONE ")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "bob", results[0].UID)
	assert.Equal(t, StatusPendingSent, results[0].Relationship)

	results, err = alice.Search(ctx, "example.com")
	require.NoError(t, err)
	assert.Len(t, results, 2, "搜索结果不包含自己")

	results, err = alice.Search(ctx, "   ")
	require.NoError(t, err)
	assert.Empty(t, results)
}
