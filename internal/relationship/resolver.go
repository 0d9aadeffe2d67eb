package relationship

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/clock"
	appErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/metrics"
	"sudooom.im.realtime/internal/snowflake"
)

// Resolver 当前身份的好友关系
//
// Load 之后按 friends > pendingReceived > pendingSent > none 的优先级分类任意用户。
// 变更操作失败时本地集合保持不变。
type Resolver struct {
	store    backend.Store
	identity backend.Identity
	ids      *snowflake.Node
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	friends  map[string]struct{}
	sent     map[string]struct{}
	received map[string]struct{}
	loaded   bool
}

// NewResolver 创建好友关系解析器
func NewResolver(store backend.Store, identity backend.Identity, ids *snowflake.Node, c clock.Clock, m *metrics.Metrics) *Resolver {
	if c == nil {
		c = clock.New()
	}
	return &Resolver{
		store:    store,
		identity: identity,
		ids:      ids,
		clock:    c,
		metrics:  m,
		logger:   slog.Default(),
		friends:  map[string]struct{}{},
		sent:     map[string]struct{}{},
		received: map[string]struct{}{},
	}
}

// Load 并发加载好友、已发送与已收到的待处理请求
func (r *Resolver) Load(ctx context.Context) error {
	me := r.identity.UID
	if me == "" {
		return appErrors.ErrUnauthenticated
	}

	var asUser1, asUser2, sentDocs, receivedDocs []backend.Document
	g, gctx := errgroup.WithContext(ctx)
	query := func(dst *[]backend.Document, collection string, preds ...backend.Predicate) {
		g.Go(func() error {
			docs, err := r.store.QueryOnce(gctx, collection, preds...)
			*dst = docs
			return err
		})
	}
	query(&asUser1, backend.CollectionFriendships, backend.Eq("user1Id", me))
	query(&asUser2, backend.CollectionFriendships, backend.Eq("user2Id", me))
	query(&sentDocs, backend.CollectionFriendRequests, backend.Eq("senderId", me), backend.Eq("status", string(RequestPending)))
	query(&receivedDocs, backend.CollectionFriendRequests, backend.Eq("receiverId", me), backend.Eq("status", string(RequestPending)))
	if err := g.Wait(); err != nil {
		r.logger.Warn("Failed to load relationships", "userId", me, "error", err)
		return appErrors.FromBackend(err)
	}

	friends := make(map[string]struct{}, len(asUser1)+len(asUser2))
	for _, d := range asUser1 {
		addNonEmpty(friends, d.String("user2Id"))
	}
	for _, d := range asUser2 {
		addNonEmpty(friends, d.String("user1Id"))
	}
	sent := make(map[string]struct{}, len(sentDocs))
	for _, d := range sentDocs {
		addNonEmpty(sent, d.String("receiverId"))
	}
	received := make(map[string]struct{}, len(receivedDocs))
	for _, d := range receivedDocs {
		addNonEmpty(received, d.String("senderId"))
	}

	r.mu.Lock()
	r.friends, r.sent, r.received = friends, sent, received
	r.loaded = true
	r.mu.Unlock()

	r.logger.Debug("Relationships loaded",
		"userId", me,
		"friends", len(friends),
		"sentPending", len(sent),
		"receivedPending", len(received))
	return nil
}

// Refresh 重新加载
func (r *Resolver) Refresh(ctx context.Context) error {
	return r.Load(ctx)
}

func addNonEmpty(set map[string]struct{}, id string) {
	if id != "" {
		set[id] = struct{}{}
	}
}

// Loaded 是否已完成加载
func (r *Resolver) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Classify 与 uid 的关系，双向都有待处理请求时按 pendingReceived 处理
func (r *Resolver) Classify(uid string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classifyLocked(uid)
}

func (r *Resolver) classifyLocked(uid string) Status {
	if _, ok := r.friends[uid]; ok {
		return StatusFriends
	}
	if _, ok := r.received[uid]; ok {
		return StatusPendingReceived
	}
	if _, ok := r.sent[uid]; ok {
		return StatusPendingSent
	}
	return StatusNone
}

// ClassifyMany 批量分类
func (r *Resolver) ClassifyMany(uids []string) map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(uids))
	for _, uid := range uids {
		out[uid] = r.classifyLocked(uid)
	}
	return out
}

// FriendIDs 好友 uid 列表
func (r *Resolver) FriendIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.friends))
	for id := range r.friends {
		out = append(out, id)
	}
	return out
}

// SendRequest 向 toUID 发送好友请求，不检查对方是否已向自己发出请求
func (r *Resolver) SendRequest(ctx context.Context, toUID string) (*Request, error) {
	me := r.identity.UID
	toUID = strings.TrimSpace(toUID)
	switch {
	case me == "":
		return nil, appErrors.ErrUnauthenticated
	case toUID == "":
		return nil, appErrors.ErrInvalidParams
	case toUID == me:
		return nil, appErrors.ErrCannotAddSelf
	case r.Classify(toUID) == StatusFriends:
		return nil, appErrors.ErrAlreadyFriends
	}

	now := r.clock.Now()
	req := &Request{
		ID:         r.ids.NextKey(),
		SenderID:   me,
		ReceiverID: toUID,
		Status:     RequestPending,
		CreatedAt:  now.UnixMilli(),
		UpdatedAt:  now.UnixMilli(),
	}
	err := r.store.Write(ctx, backend.FriendRequestPath(req.ID), backend.Fields{
		"senderId":   req.SenderID,
		"receiverId": req.ReceiverID,
		"status":     string(req.Status),
		"createdAt":  now,
		"updatedAt":  now,
	}, backend.WriteOptions{})
	r.metrics.WriteResult("relationship", err)
	if err != nil {
		r.logger.Warn("Failed to send friend request", "userId", me, "toUserId", toUID, "error", err)
		return nil, appErrors.FromBackend(err)
	}

	r.mu.Lock()
	r.sent[toUID] = struct{}{}
	r.mu.Unlock()

	r.logger.Info("Friend request sent", "requestId", req.ID, "userId", me, "toUserId", toUID)
	return req, nil
}

// Search 按显示名或邮箱（不区分大小写）搜索用户，排除自己
// 需要扫描全部用户文档
func (r *Resolver) Search(ctx context.Context, term string) ([]SearchResult, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return []SearchResult{}, nil
	}

	docs, err := r.store.QueryOnce(ctx, backend.CollectionUsers)
	if err != nil {
		return nil, appErrors.FromBackend(err)
	}

	results := []SearchResult{}
	for _, d := range docs {
		if d.ID == r.identity.UID {
			continue
		}
		name, email := d.String("displayName"), d.String("email")
		if !strings.Contains(strings.ToLower(name), term) && !strings.Contains(strings.ToLower(email), term) {
			continue
		}
		if name == "" {
			name = UnknownName
		}
		results = append(results, SearchResult{
			UID:          d.ID,
			DisplayName:  name,
			Email:        email,
			PhotoURL:     d.String("photoURL"),
			Relationship: r.Classify(d.ID),
		})
	}
	return results, nil
}
