// Package conversation 会话列表与消息的实时视图，以及发送消息
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/clock"
	appErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/metrics"
	"sudooom.im.realtime/internal/snowflake"
)

const (
	// NoMessages 会话还没有消息时的预览文案
	NoMessages = "No messages yet"
	// UnknownUser 对方资料缺失时的展示名
	UnknownUser = "Unknown User"
)

// Summary 会话列表中的一项
type Summary struct {
	ID                string   `json:"id"`
	Participants      []string `json:"participants"`
	ParticipantID     string   `json:"participantId"`
	ParticipantName   string   `json:"participantName"`
	ParticipantAvatar string   `json:"participantAvatar,omitempty"`
	LastMessage       string   `json:"lastMessage"`
	LastMessageTime   int64    `json:"lastMessageTime"`
	LastMessageSender string   `json:"lastMessageSender,omitempty"`
	Unread            int64    `json:"unread"`
}

// Message 会话中的一条消息
type Message struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Read      bool   `json:"read"`
	Edited    bool   `json:"edited"`
}

// TypingStopper 发送消息前停止输入状态
type TypingStopper interface {
	StopTyping(ctx context.Context, conversationID string) error
}

// Service 当前身份的会话视图
type Service struct {
	store    backend.Store
	identity backend.Identity
	typing   TypingStopper
	ids      *snowflake.Node
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService 创建会话服务，typing 可为 nil
func NewService(store backend.Store, identity backend.Identity, typing TypingStopper, ids *snowflake.Node, c clock.Clock, m *metrics.Metrics) *Service {
	if c == nil {
		c = clock.New()
	}
	return &Service{
		store:    store,
		identity: identity,
		typing:   typing,
		ids:      ids,
		clock:    c,
		metrics:  m,
		logger:   slog.Default(),
	}
}

// ObserveConversations 订阅 uid 参与的会话，按最后消息时间倒序
func (s *Service) ObserveConversations(uid string, fn func([]Summary)) backend.Disposer {
	if uid == "" || fn == nil {
		return backend.Nop
	}
	ctx, cancel := context.WithCancel(context.Background())

	dispose := s.store.Subscribe(
		backend.CollectionQuery(backend.CollectionConversations, backend.ArrayContains("participants", uid)),
		func(snap backend.Snapshot) {
			summaries := s.summarize(ctx, uid, snap.Documents)
			if ctx.Err() != nil {
				return
			}
			fn(summaries)
		},
		func(err error) {
			s.logger.Warn("Conversation subscription failed", "userId", uid, "error", err)
		},
	)
	s.metrics.SubscriptionOpened("conversations")

	return backend.OnceDisposer(func() {
		cancel()
		dispose()
		s.metrics.SubscriptionClosed("conversations")
	})
}

func (s *Service) summarize(ctx context.Context, uid string, docs []backend.Document) []Summary {
	now := s.clock.Now()
	out := make([]Summary, 0, len(docs))
	for _, d := range docs {
		participants := d.Strings("participants")
		other := ""
		for _, p := range participants {
			if p != uid {
				other = p
				break
			}
		}
		if other == "" {
			continue
		}

		sum := Summary{
			ID:                d.ID,
			Participants:      participants,
			ParticipantID:     other,
			ParticipantName:   UnknownUser,
			LastMessage:       d.String("lastMessage"),
			LastMessageSender: d.String("lastMessageSender"),
			Unread:            unreadFor(d.Fields["unread"], uid),
		}
		if sum.LastMessage == "" {
			sum.LastMessage = NoMessages
		}
		if v, ok := d.Fields["lastMessageTime"]; ok && v != nil {
			sum.LastMessageTime = backend.ToMillis(v, now)
		} else {
			sum.LastMessageTime = d.Millis("updatedAt", now)
		}
		out = append(out, sum)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range out {
		g.Go(func() error {
			user, err := s.store.GetOnce(gctx, backend.UserPath(out[i].ParticipantID))
			if err != nil {
				s.logger.Debug("Failed to load participant", "userId", out[i].ParticipantID, "error", err)
				return nil
			}
			if user != nil {
				if name := user.String("displayName"); name != "" {
					out[i].ParticipantName = name
				}
				out[i].ParticipantAvatar = user.String("photoURL")
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(out, func(i, j int) bool { return out[i].LastMessageTime > out[j].LastMessageTime })
	return out
}

func unreadFor(v any, uid string) int64 {
	var m map[string]any
	switch t := v.(type) {
	case map[string]any:
		m = t
	case backend.Fields:
		m = t
	default:
		return 0
	}
	switch n := m[uid].(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

// ObserveMessages 订阅会话消息，按时间正序
func (s *Service) ObserveMessages(conversationID string, fn func([]Message)) backend.Disposer {
	if conversationID == "" || fn == nil {
		return backend.Nop
	}

	dispose := s.store.Subscribe(
		backend.CollectionQuery(backend.MessagesCollection(conversationID)),
		func(snap backend.Snapshot) {
			now := s.clock.Now()
			msgs := make([]Message, 0, len(snap.Documents))
			for _, d := range snap.Documents {
				msgs = append(msgs, Message{
					ID:        d.ID,
					SenderID:  d.String("senderId"),
					Text:      d.String("text"),
					Timestamp: d.Millis("timestamp", now),
					Read:      d.Bool("read"),
					Edited:    d.Bool("edited"),
				})
			}
			sort.SliceStable(msgs, func(i, j int) bool {
				if msgs[i].Timestamp == msgs[j].Timestamp {
					return msgs[i].ID < msgs[j].ID
				}
				return msgs[i].Timestamp < msgs[j].Timestamp
			})
			fn(msgs)
		},
		func(err error) {
			s.logger.Warn("Message subscription failed", "conversationId", conversationID, "error", err)
		},
	)
	s.metrics.SubscriptionOpened("messages")

	return backend.OnceDisposer(func() {
		dispose()
		s.metrics.SubscriptionClosed("messages")
	})
}

// CheckParticipant 会话存在且当前身份是参与者
func (s *Service) CheckParticipant(ctx context.Context, conversationID string) error {
	if s.identity.UID == "" {
		return appErrors.ErrUnauthenticated
	}
	conv, err := s.store.GetOnce(ctx, backend.ConversationPath(conversationID))
	if err != nil {
		return appErrors.FromBackend(err)
	}
	if conv == nil {
		return appErrors.ErrConversationNotFound
	}
	if !slices.Contains(conv.Strings("participants"), s.identity.UID) {
		return appErrors.ErrNotParticipant
	}
	return nil
}

// SendMessage 发送消息：先停止输入状态，写入消息，再更新会话的最后消息
func (s *Service) SendMessage(ctx context.Context, conversationID, text string) (*Message, error) {
	me := s.identity.UID
	text = strings.TrimSpace(text)
	switch {
	case me == "":
		return nil, appErrors.ErrUnauthenticated
	case conversationID == "" || text == "":
		return nil, appErrors.ErrInvalidParams
	}

	if err := s.CheckParticipant(ctx, conversationID); err != nil {
		return nil, err
	}

	if s.typing != nil {
		if err := s.typing.StopTyping(ctx, conversationID); err != nil {
			s.logger.Debug("Failed to stop typing before send", "conversationId", conversationID, "error", err)
		}
	}

	now := s.clock.Now()
	msg := &Message{
		ID:        s.ids.NextKey(),
		SenderID:  me,
		Text:      text,
		Timestamp: now.UnixMilli(),
	}
	err := s.store.Write(ctx, backend.MessagePath(conversationID, msg.ID), backend.Fields{
		"senderId":  msg.SenderID,
		"text":      msg.Text,
		"timestamp": now,
		"read":      false,
		"edited":    false,
	}, backend.WriteOptions{})
	s.metrics.WriteResult("conversation", err)
	if err != nil {
		s.logger.Warn("Failed to send message", "conversationId", conversationID, "userId", me, "error", err)
		return nil, appErrors.FromBackend(err)
	}

	err = s.store.Write(ctx, backend.ConversationPath(conversationID), backend.Fields{
		"lastMessage":       text,
		"lastMessageTime":   now,
		"lastMessageSender": me,
		"updatedAt":         now,
	}, backend.Merge)
	s.metrics.WriteResult("conversation", err)
	if err != nil {
		s.logger.Warn("Failed to update conversation preview", "conversationId", conversationID, "error", err)
		return msg, appErrors.FromBackend(err)
	}
	return msg, nil
}

// ShortTime 会话列表中的相对时间
func ShortTime(millis int64, now time.Time) string {
	if millis == 0 {
		return ""
	}
	diff := now.UnixMilli() - millis
	switch mins := diff / 60000; {
	case mins < 1:
		return "now"
	case mins < 60:
		return fmt.Sprintf("%dm", mins)
	case diff/3600000 < 24:
		return fmt.Sprintf("%dh", diff/3600000)
	case diff/86400000 < 7:
		return fmt.Sprintf("%dd", diff/86400000)
	default:
		return time.UnixMilli(millis).In(now.Location()).Format("2006-01-02")
	}
}
