// Package relationship 好友关系的分类与好友请求的处理
package relationship

import (
	"time"

	"sudooom.im.realtime/internal/backend"
)

// Status 与某个用户的关系
type Status string

const (
	StatusNone            Status = "none"
	StatusPendingSent     Status = "pendingSent"
	StatusPendingReceived Status = "pendingReceived"
	StatusFriends         Status = "friends"
)

// RequestStatus 好友请求状态
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// Request 好友请求
type Request struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Status     RequestStatus `json:"status"`
	CreatedAt  int64         `json:"createdAt"`
	UpdatedAt  int64         `json:"updatedAt"`
}

// IncomingRequest 收到的好友请求，附带发送者资料
type IncomingRequest struct {
	Request
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
}

// SearchResult 用户搜索结果
type SearchResult struct {
	UID          string `json:"uid"`
	DisplayName  string `json:"displayName"`
	Email        string `json:"email,omitempty"`
	PhotoURL     string `json:"photoURL,omitempty"`
	Relationship Status `json:"relationship"`
}

// UnknownName 用户资料缺失时的展示名
const UnknownName = "Unknown"

func requestFromDocument(doc backend.Document, now time.Time) Request {
	return Request{
		ID:         doc.ID,
		SenderID:   doc.String("senderId"),
		ReceiverID: doc.String("receiverId"),
		Status:     RequestStatus(doc.String("status")),
		CreatedAt:  doc.Millis("createdAt", now),
		UpdatedAt:  doc.Millis("updatedAt", now),
	}
}

// Other 请求中除 uid 以外的另一方
func (r Request) Other(uid string) string {
	if r.SenderID == uid {
		return r.ReceiverID
	}
	return r.SenderID
}
