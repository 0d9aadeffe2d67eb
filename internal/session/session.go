// Package session 一条实时连接的作用域：在线状态、输入状态与各类订阅随连接创建，随连接释放
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/clock"
	"sudooom.im.realtime/internal/conversation"
	appErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/metrics"
	"sudooom.im.realtime/internal/presence"
	"sudooom.im.realtime/internal/profile"
	"sudooom.im.realtime/internal/relationship"
	"sudooom.im.realtime/internal/snowflake"
	"sudooom.im.realtime/internal/task"
	"sudooom.im.realtime/internal/typing"
)

var ErrSessionClosed = errors.New("session closed")

// Deps 会话共享的依赖
type Deps struct {
	Store        backend.Store
	Blobs        backend.Blobs
	IDs          *snowflake.Node
	Clock        clock.Clock
	Metrics      *metrics.Metrics
	Hub          *presence.Hub
	Executor     task.Executor
	Typing       typing.Config
	ActiveWindow time.Duration
}

// WithDefaults 补齐缺省依赖，Hub 在此创建，多个会话应共享同一份结果
func (d Deps) WithDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Hub == nil {
		d.Hub = presence.NewHub(d.Store, d.Clock, d.Metrics)
	}
	if d.Executor == nil {
		d.Executor = task.Go{}
	}
	if d.ActiveWindow <= 0 {
		d.ActiveWindow = presence.DefaultActiveWindow
	}
	return d
}

// Sink 接收推送事件，可能在任意协程中被调用，不能阻塞
type Sink func(Event)

// Session 单条连接的会话
type Session struct {
	id       string
	identity backend.Identity
	deps     Deps
	sink     Sink
	logger   *slog.Logger

	tracker       *presence.Tracker
	typing        *typing.Coordinator
	relationships *relationship.Resolver
	conversations *conversation.Service
	profile       *profile.Service

	mu      sync.Mutex
	subs    map[string]backend.Disposer // nil 值表示正在建立
	allowed map[string]struct{}         // 已校验过成员身份的会话
	closed  bool
}

// New 创建会话，调用 Open 后开始上报在线状态
func New(deps Deps, identity backend.Identity, sink Sink) *Session {
	deps = deps.WithDefaults()
	if sink == nil {
		sink = func(Event) {}
	}
	coordinator := typing.NewCoordinator(deps.Store, identity, deps.Typing, deps.Clock, deps.Metrics)
	return &Session{
		id:       uuid.NewString(),
		identity: identity,
		deps:     deps,
		sink:     sink,
		logger:   slog.Default(),
		tracker: presence.NewTracker(deps.Store, identity.UID,
			presence.WithClock(deps.Clock),
			presence.WithExecutor(deps.Executor),
			presence.WithMetrics(deps.Metrics)),
		typing:        coordinator,
		relationships: relationship.NewResolver(deps.Store, identity, deps.IDs, deps.Clock, deps.Metrics),
		conversations: conversation.NewService(deps.Store, identity, coordinator, deps.IDs, deps.Clock, deps.Metrics),
		profile:       profile.NewService(deps.Store, deps.Blobs, identity, deps.Clock, deps.Metrics),
		subs:          make(map[string]backend.Disposer),
		allowed:       make(map[string]struct{}),
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) Identity() backend.Identity { return s.identity }
func (s *Session) Presence() *presence.Tracker { return s.tracker }
func (s *Session) Typing() *typing.Coordinator { return s.typing }
func (s *Session) Relationships() *relationship.Resolver { return s.relationships }
func (s *Session) Conversations() *conversation.Service { return s.conversations }
func (s *Session) Profile() *profile.Service { return s.profile }

// Open 上报在线并加载关系集合，加载失败只记录日志
func (s *Session) Open(ctx context.Context) {
	s.tracker.Start()
	if err := s.relationships.Load(ctx); err != nil {
		s.logger.Warn("Failed to load relationships", "sessionId", s.id, "userId", s.identity.UID, "error", err)
	}
	s.deps.Metrics.SessionOpened()
	s.logger.Info("Session opened", "sessionId", s.id, "userId", s.identity.UID)
}

// Close 释放全部订阅，撤销输入状态并上报离线，可重复调用
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, dispose := range subs {
		if dispose != nil {
			dispose()
		}
	}
	s.typing.Close(ctx)
	s.tracker.Stop()
	s.deps.Metrics.SessionClosed()
	s.logger.Info("Session closed", "sessionId", s.id, "userId", s.identity.UID, "subscriptions", len(subs))
}

// Subscriptions 当前订阅数
func (s *Session) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Handle 处理一条上行帧
func (s *Session) Handle(ctx context.Context, f Frame) error {
	switch f.Type {
	case FrameVisibility:
		s.tracker.SetVisibility(f.Hidden)
		if f.Hidden {
			// 页面隐藏时不等待自动停止
			if err := s.typing.StopAll(ctx); err != nil {
				s.logger.Warn("Failed to stop typing on hide", "sessionId", s.id, "userId", s.identity.UID, "error", err)
			}
		}
	case FrameNetwork:
		s.tracker.SetNetwork(f.Online)
	case FrameTyping:
		if f.ConversationID == "" {
			return nil
		}
		if err := s.allow(ctx, f.ConversationID); err != nil {
			return err
		}
		name := f.Name
		if name == "" {
			name = s.identity.DisplayName
		}
		return s.typing.NotifyTyping(ctx, f.ConversationID, name)
	case FrameStopTyping:
		return s.typing.StopTyping(ctx, f.ConversationID)
	case FrameSubscribe:
		return s.Subscribe(ctx, f)
	case FrameUnsubscribe:
		s.Unsubscribe(f)
	default:
		return appErrors.ErrInvalidParams.Wrap(fmt.Errorf("unknown frame type %q", f.Type))
	}
	return nil
}

// Subscribe 按主题建立订阅，同一主题重复订阅无效果
func (s *Session) Subscribe(ctx context.Context, f Frame) error {
	now := s.deps.Clock.Now
	window := s.deps.ActiveWindow

	switch f.Topic {
	case TopicPresence:
		if len(f.UIDs) == 0 {
			return appErrors.ErrInvalidParams.Wrap(errors.New("presence subscription requires uids"))
		}
		for _, uid := range f.UIDs {
			if uid == "" {
				continue
			}
			err := s.watch(TopicPresence+":"+uid, func() backend.Disposer {
				return s.deps.Hub.Observe(uid, func(r *presence.Record) {
					s.emit(Event{Type: EventPresence, Topic: uid, Data: presenceView(uid, r, now(), window)})
				})
			})
			if err != nil {
				return err
			}
		}
		return nil

	case TopicFriends:
		ids := s.relationships.FriendIDs()
		return s.watch(TopicFriends, func() backend.Disposer {
			return s.deps.Hub.ObserveMany(ids, func(records map[string]*presence.Record) {
				views := make(map[string]PresenceView, len(ids))
				for _, uid := range ids {
					views[uid] = presenceView(uid, records[uid], now(), window)
				}
				s.emit(Event{Type: EventPresence, Topic: TopicFriends, Data: views})
			})
		})

	case TopicTyping:
		id := f.ConversationID
		if err := s.allow(ctx, id); err != nil {
			return err
		}
		return s.watch(TopicTyping+":"+id, func() backend.Disposer {
			return s.typing.Observe(id, func(v typing.View) {
				s.emit(Event{Type: EventTyping, Topic: id, Data: TypingPayload{View: v, Text: v.Text()}})
			})
		})

	case TopicMessages:
		id := f.ConversationID
		if err := s.allow(ctx, id); err != nil {
			return err
		}
		return s.watch(TopicMessages+":"+id, func() backend.Disposer {
			return s.conversations.ObserveMessages(id, func(msgs []conversation.Message) {
				s.emit(Event{Type: EventMessages, Topic: id, Data: msgs})
			})
		})

	case TopicConversations:
		return s.watch(TopicConversations, func() backend.Disposer {
			return s.conversations.ObserveConversations(s.identity.UID, func(list []conversation.Summary) {
				s.emit(Event{Type: EventConversations, Data: list})
			})
		})

	case TopicRequests:
		return s.watch(TopicRequests, func() backend.Disposer {
			return s.relationships.ObserveIncoming(func(reqs []relationship.IncomingRequest) {
				s.emit(Event{Type: EventRequests, Data: reqs})
			})
		})

	default:
		return appErrors.ErrInvalidParams.Wrap(fmt.Errorf("unknown topic %q", f.Topic))
	}
}

// Unsubscribe 释放订阅，未订阅时无效果
func (s *Session) Unsubscribe(f Frame) {
	var keys []string
	switch f.Topic {
	case TopicPresence:
		for _, uid := range f.UIDs {
			keys = append(keys, TopicPresence+":"+uid)
		}
	case TopicTyping, TopicMessages:
		keys = append(keys, f.Topic+":"+f.ConversationID)
	default:
		keys = append(keys, f.Topic)
	}

	var disposers []backend.Disposer
	s.mu.Lock()
	for _, key := range keys {
		if dispose, ok := s.subs[key]; ok {
			delete(s.subs, key)
			if dispose != nil {
				disposers = append(disposers, dispose)
			}
		}
	}
	s.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
}

// watch 先占位再在锁外建立订阅，建立期间被取消或会话关闭时立即释放
func (s *Session) watch(key string, open func() backend.Disposer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := s.subs[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.subs[key] = nil
	s.mu.Unlock()

	dispose := open()

	s.mu.Lock()
	current, ok := s.subs[key]
	if s.closed || !ok || current != nil {
		s.mu.Unlock()
		dispose()
		return nil
	}
	s.subs[key] = dispose
	s.mu.Unlock()
	return nil
}

// allow 校验成员身份，结果按会话缓存
func (s *Session) allow(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return appErrors.ErrInvalidParams.Wrap(errors.New("conversationId is required"))
	}
	s.mu.Lock()
	_, ok := s.allowed[conversationID]
	s.mu.Unlock()
	if ok {
		return nil
	}
	if err := s.conversations.CheckParticipant(ctx, conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	s.allowed[conversationID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.sink(ev)
	}
}

// ErrorEvent 把处理错误转换为 error 事件
func ErrorEvent(frameType string, err error) Event {
	return Event{Type: EventError, Data: ErrorPayload{
		Code:    appErrors.GetCode(err),
		Message: appErrors.GetMessage(err),
		Frame:   frameType,
	}}
}
