package backend

import (
	"sort"
	"strings"
)

// 集合名称
const (
	CollectionUsers          = "users"
	CollectionTyping         = "typing"
	CollectionFriendships    = "friendships"
	CollectionFriendRequests = "friendRequests"
	CollectionConversations  = "conversations"
	CollectionMessages       = "messages"
	CollectionCredentials    = "credentials"
)

// Join 拼接路径片段
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split 将文档路径拆分为集合路径和文档 ID
// "typing/c1/users/u1" -> ("typing/c1/users", "u1")
func Split(path string) (collection, id string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidDocumentPath 文档路径由偶数个非空片段组成
func ValidDocumentPath(path string) bool {
	segments := strings.Split(path, "/")
	if len(segments)%2 != 0 {
		return false
	}
	for _, s := range segments {
		if s == "" {
			return false
		}
	}
	return true
}

// ValidCollectionPath 集合路径由奇数个非空片段组成
func ValidCollectionPath(path string) bool {
	segments := strings.Split(path, "/")
	if len(segments)%2 != 1 {
		return false
	}
	for _, s := range segments {
		if s == "" {
			return false
		}
	}
	return true
}

func UserPath(uid string) string { return Join(CollectionUsers, uid) }

func CredentialPath(email string) string { return Join(CollectionCredentials, email) }

func FriendshipPath(pairID string) string { return Join(CollectionFriendships, pairID) }

func FriendRequestPath(id string) string { return Join(CollectionFriendRequests, id) }

func ConversationPath(id string) string { return Join(CollectionConversations, id) }

// MessagesCollection 会话消息集合
func MessagesCollection(conversationID string) string {
	return Join(CollectionConversations, conversationID, CollectionMessages)
}

// MessagePath 消息文档
func MessagePath(conversationID, messageID string) string {
	return Join(MessagesCollection(conversationID), messageID)
}

// TypingCollection 会话的输入状态集合
func TypingCollection(conversationID string) string {
	return Join(CollectionTyping, conversationID, CollectionUsers)
}

// TypingPath 某用户在会话中的输入状态
func TypingPath(conversationID, uid string) string {
	return Join(TypingCollection(conversationID), uid)
}

// SortedPairID 两个 uid 排序后以 "_" 连接，作为无向关系的唯一键
func SortedPairID(a, b string) string {
	pair := SortedPair(a, b)
	return pair[0] + "_" + pair[1]
}

// SortedPair 排序后的两个 uid
func SortedPair(a, b string) [2]string {
	pair := []string{a, b}
	sort.Strings(pair)
	return [2]string{pair[0], pair[1]}
}
