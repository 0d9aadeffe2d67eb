package session

import (
	"time"

	"sudooom.im.realtime/internal/presence"
	"sudooom.im.realtime/internal/typing"
)

// 上行帧类型
const (
	FrameVisibility  = "visibility"
	FrameNetwork     = "network"
	FrameTyping      = "typing"
	FrameStopTyping  = "stop_typing"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// 下行事件类型
const (
	EventPresence      = "presence"
	EventTyping        = "typing"
	EventConversations = "conversations"
	EventMessages      = "messages"
	EventRequests      = "requests"
	EventError         = "error"
)

// 订阅主题
const (
	TopicPresence      = "presence"
	TopicFriends       = "friends"
	TopicTyping        = "typing"
	TopicMessages      = "messages"
	TopicConversations = "conversations"
	TopicRequests      = "requests"
)

// Frame 客户端发来的帧
type Frame struct {
	Type           string   `json:"type"`
	Topic          string   `json:"topic,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	UIDs           []string `json:"uids,omitempty"`
	Hidden         bool     `json:"hidden,omitempty"`
	Online         bool     `json:"online,omitempty"`
	Name           string   `json:"name,omitempty"`
}

// Event 推送给客户端的事件，Topic 为 uid、会话 ID 或订阅主题
type Event struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ErrorPayload error 事件的数据
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Frame   string `json:"frame,omitempty"`
}

// PresenceView presence 事件的数据
type PresenceView struct {
	UID          string          `json:"uid"`
	Exists       bool            `json:"exists"`
	Status       presence.Status `json:"status"`
	Active       bool            `json:"active"`
	LastSeen     int64           `json:"lastSeen"`
	LastSeenText string          `json:"lastSeenText"`
}

func presenceView(uid string, r *presence.Record, now time.Time, window time.Duration) PresenceView {
	if r == nil {
		return PresenceView{UID: uid, Status: presence.StatusOffline}
	}
	return PresenceView{
		UID:          uid,
		Exists:       true,
		Status:       r.Status,
		Active:       presence.IsActiveWithin(r, now, window),
		LastSeen:     r.LastSeenMillis,
		LastSeenText: presence.LastSeenText(r.LastSeenMillis, now),
	}
}

// TypingPayload typing 事件的数据
type TypingPayload struct {
	typing.View
	Text string `json:"text"`
}
