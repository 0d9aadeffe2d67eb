package relationship

import (
	"context"
	"time"

	"sudooom.im.realtime/internal/backend"
)

// friendshipMutation 好友关系文档，user1Id/user2Id 按排序存放
func friendshipMutation(a, b string, now time.Time) backend.Mutation {
	pair := backend.SortedPair(a, b)
	return backend.SetMutation(backend.FriendshipPath(backend.SortedPairID(a, b)), backend.Fields{
		"user1Id":   pair[0],
		"user2Id":   pair[1],
		"createdAt": now,
	}, backend.WriteOptions{})
}

// conversationMutation 会话文档，已存在时只补齐成员，不覆盖最后一条消息
func conversationMutation(ctx context.Context, docs backend.Documents, a, b string, now time.Time) (backend.Mutation, error) {
	pair := backend.SortedPair(a, b)
	path := backend.ConversationPath(backend.SortedPairID(a, b))
	participants := []string{pair[0], pair[1]}

	existing, err := docs.GetOnce(ctx, path)
	if err != nil {
		return backend.Mutation{}, err
	}
	if existing != nil {
		return backend.SetMutation(path, backend.Fields{"participants": participants}, backend.Merge), nil
	}
	return backend.SetMutation(path, backend.Fields{
		"participants":      participants,
		"lastMessage":       nil,
		"lastMessageTime":   nil,
		"lastMessageSender": nil,
		"createdAt":         now,
		"updatedAt":         now,
	}, backend.Merge), nil
}

func apply(ctx context.Context, docs backend.Documents, m backend.Mutation) error {
	if m.Op == backend.OpRemove {
		return docs.Remove(ctx, m.Path)
	}
	return docs.Write(ctx, m.Path, m.Fields, backend.WriteOptions{Merge: m.Merge})
}

// repairLinks 补齐已接受请求的好友关系与会话，重复执行无副作用
// 返回是否有写入
func repairLinks(ctx context.Context, docs backend.Documents, req Request, now time.Time) (bool, error) {
	repaired := false

	friendship, err := docs.GetOnce(ctx, backend.FriendshipPath(backend.SortedPairID(req.SenderID, req.ReceiverID)))
	if err != nil {
		return false, err
	}
	if friendship == nil {
		if err := apply(ctx, docs, friendshipMutation(req.SenderID, req.ReceiverID, now)); err != nil {
			return false, err
		}
		repaired = true
	}

	conv, err := docs.GetOnce(ctx, backend.ConversationPath(backend.SortedPairID(req.SenderID, req.ReceiverID)))
	if err != nil {
		return repaired, err
	}
	if conv == nil {
		m, err := conversationMutation(ctx, docs, req.SenderID, req.ReceiverID, now)
		if err != nil {
			return repaired, err
		}
		if err := apply(ctx, docs, m); err != nil {
			return repaired, err
		}
		repaired = true
	}
	return repaired, nil
}
