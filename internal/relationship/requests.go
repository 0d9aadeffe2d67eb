package relationship

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"sudooom.im.realtime/internal/backend"
	appErrors "sudooom.im.realtime/internal/errors"
)

// loadIncoming 读取请求并校验是否为发给自己的待处理请求
func (r *Resolver) loadIncoming(ctx context.Context, requestID string) (Request, error) {
	if requestID == "" {
		return Request{}, appErrors.ErrInvalidParams
	}
	doc, err := r.store.GetOnce(ctx, backend.FriendRequestPath(requestID))
	if err != nil {
		return Request{}, appErrors.FromBackend(err)
	}
	if doc == nil {
		return Request{}, appErrors.ErrFriendRequestNotFound
	}
	req := requestFromDocument(*doc, r.clock.Now())
	if req.ReceiverID != r.identity.UID || req.Status != RequestPending {
		return Request{}, appErrors.ErrFriendRequestNotFound
	}
	return req, nil
}

// AcceptRequest 接受好友请求
//
// 依次写入：请求状态 accepted、好友关系、会话。存储支持批量写入时三步原子完成；
// 否则逐步写入，第二或第三步失败时返回 ErrPartialAccept，由 Repair 或 Reconcile 补齐。
// 自己发给对方的待处理请求在同一操作中一并关闭。
func (r *Resolver) AcceptRequest(ctx context.Context, requestID string) (*Request, error) {
	req, err := r.loadIncoming(ctx, requestID)
	if err != nil {
		return nil, err
	}
	me, other := r.identity.UID, req.SenderID
	now := r.clock.Now()

	accepted := backend.Fields{"status": string(RequestAccepted), "updatedAt": now}
	mutations := []backend.Mutation{
		backend.SetMutation(backend.FriendRequestPath(req.ID), accepted, backend.Merge),
		friendshipMutation(me, other, now),
	}
	conv, err := conversationMutation(ctx, r.store, me, other, now)
	if err != nil {
		return nil, appErrors.FromBackend(err)
	}
	mutations = append(mutations, conv)

	mirrors, err := r.store.QueryOnce(ctx, backend.CollectionFriendRequests,
		backend.Eq("senderId", me),
		backend.Eq("receiverId", other),
		backend.Eq("status", string(RequestPending)))
	if err != nil {
		return nil, appErrors.FromBackend(err)
	}
	for _, m := range mirrors {
		mutations = append(mutations, backend.SetMutation(m.Path, accepted.Clone(), backend.Merge))
	}

	if bw, ok := r.store.(backend.BatchWriter); ok {
		err = bw.ApplyBatch(ctx, mutations)
		r.metrics.WriteResult("relationship", err)
		if err != nil {
			r.logger.Warn("Failed to accept friend request", "requestId", req.ID, "userId", me, "error", err)
			return nil, appErrors.FromBackend(err)
		}
	} else if err := r.acceptSaga(ctx, req, mutations); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.friends[other] = struct{}{}
	delete(r.received, other)
	delete(r.sent, other)
	r.mu.Unlock()

	req.Status = RequestAccepted
	req.UpdatedAt = now.UnixMilli()
	r.logger.Info("Friend request accepted", "requestId", req.ID, "userId", me, "friendId", other)
	return &req, nil
}

// acceptSaga 逐步写入，mutations 顺序为 请求、好友关系、会话、对向请求
func (r *Resolver) acceptSaga(ctx context.Context, req Request, mutations []backend.Mutation) error {
	for i, m := range mutations {
		err := apply(ctx, r.store, m)
		r.metrics.WriteResult("relationship", err)
		if err == nil {
			continue
		}
		r.logger.Warn("Friend request accept step failed",
			"requestId", req.ID,
			"step", i+1,
			"path", m.Path,
			"error", err)
		switch {
		case i == 0:
			return appErrors.FromBackend(err)
		case i <= 2:
			return appErrors.ErrPartialAccept.Wrap(err)
		default:
			// 对向请求未关闭不影响好友关系
			continue
		}
	}
	return nil
}

// Repair 对已接受的请求补齐好友关系与会话，可重复调用
func (r *Resolver) Repair(ctx context.Context, requestID string) error {
	doc, err := r.store.GetOnce(ctx, backend.FriendRequestPath(requestID))
	if err != nil {
		return appErrors.FromBackend(err)
	}
	if doc == nil {
		return appErrors.ErrFriendRequestNotFound
	}
	req := requestFromDocument(*doc, r.clock.Now())
	if req.Status != RequestAccepted || (req.SenderID != r.identity.UID && req.ReceiverID != r.identity.UID) {
		return appErrors.ErrFriendRequestNotFound
	}

	repaired, err := repairLinks(ctx, r.store, req, r.clock.Now())
	r.metrics.WriteResult("relationship", err)
	if err != nil {
		return appErrors.FromBackend(err)
	}
	if repaired {
		r.metrics.FriendshipRepaired()
		r.logger.Info("Friendship repaired", "requestId", req.ID, "userId", r.identity.UID)
	}

	r.mu.Lock()
	other := req.Other(r.identity.UID)
	r.friends[other] = struct{}{}
	delete(r.received, other)
	delete(r.sent, other)
	r.mu.Unlock()
	return nil
}

// RejectRequest 拒绝好友请求，请求不存在、不属于自己或已处理时返回 ErrFriendRequestNotFound
func (r *Resolver) RejectRequest(ctx context.Context, requestID string) error {
	req, err := r.loadIncoming(ctx, requestID)
	if err != nil {
		return err
	}

	err = r.store.Write(ctx, backend.FriendRequestPath(req.ID), backend.Fields{
		"status":    string(RequestRejected),
		"updatedAt": r.clock.Now(),
	}, backend.Merge)
	r.metrics.WriteResult("relationship", err)
	if err != nil {
		r.logger.Warn("Failed to reject friend request", "requestId", req.ID, "error", err)
		return appErrors.FromBackend(err)
	}

	r.mu.Lock()
	delete(r.received, req.SenderID)
	r.mu.Unlock()

	r.logger.Info("Friend request rejected", "requestId", req.ID, "userId", r.identity.UID)
	return nil
}

// PendingIncoming 收到的待处理请求，附带发送者显示名
func (r *Resolver) PendingIncoming(ctx context.Context) ([]IncomingRequest, error) {
	docs, err := r.store.QueryOnce(ctx, backend.CollectionFriendRequests,
		backend.Eq("receiverId", r.identity.UID),
		backend.Eq("status", string(RequestPending)))
	if err != nil {
		return nil, appErrors.FromBackend(err)
	}
	return r.enrich(ctx, docs)
}

// enrich 并发读取发送者资料，读取失败的发送者显示为 Unknown
func (r *Resolver) enrich(ctx context.Context, docs []backend.Document) ([]IncomingRequest, error) {
	now := r.clock.Now()
	out := make([]IncomingRequest, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, d := range docs {
		out[i] = IncomingRequest{Request: requestFromDocument(d, now), SenderName: UnknownName}
		g.Go(func() error {
			sender, err := r.store.GetOnce(gctx, backend.UserPath(out[i].SenderID))
			if err != nil {
				r.logger.Debug("Failed to load request sender", "senderId", out[i].SenderID, "error", err)
				return nil
			}
			if sender != nil {
				if name := sender.String("displayName"); name != "" {
					out[i].SenderName = name
				}
				out[i].SenderAvatar = sender.String("photoURL")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// ObserveIncoming 订阅收到的待处理请求，同时更新本地的 pendingReceived 集合
func (r *Resolver) ObserveIncoming(fn func([]IncomingRequest)) backend.Disposer {
	if fn == nil || r.identity.UID == "" {
		return backend.Nop
	}
	ctx, cancel := context.WithCancel(context.Background())

	dispose := r.store.Subscribe(
		backend.CollectionQuery(backend.CollectionFriendRequests,
			backend.Eq("receiverId", r.identity.UID),
			backend.Eq("status", string(RequestPending))),
		func(snap backend.Snapshot) {
			received := make(map[string]struct{}, len(snap.Documents))
			for _, d := range snap.Documents {
				addNonEmpty(received, d.String("senderId"))
			}
			r.mu.Lock()
			for id := range received {
				if _, friend := r.friends[id]; friend {
					delete(received, id)
				}
			}
			r.received = received
			r.mu.Unlock()

			reqs, err := r.enrich(ctx, snap.Documents)
			if err != nil || ctx.Err() != nil {
				return
			}
			fn(reqs)
		},
		func(err error) {
			r.logger.Warn("Friend request subscription failed", "userId", r.identity.UID, "error", err)
		},
	)
	r.metrics.SubscriptionOpened("requests")

	return backend.OnceDisposer(func() {
		cancel()
		dispose()
		r.metrics.SubscriptionClosed("requests")
	})
}
