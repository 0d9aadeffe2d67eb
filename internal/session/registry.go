package session

import (
	"context"
	"errors"
	"sync"

	"sudooom.im.realtime/internal/conversation"
)

// Registry 管理所有在线会话
type Registry struct {
	sessions map[string]*Session
	byUser   map[string]map[string]*Session // uid -> sessionID -> Session
	mu       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID()] = s
	uid := s.Identity().UID
	if _, ok := r.byUser[uid]; !ok {
		r.byUser[uid] = make(map[string]*Session)
	}
	r.byUser[uid][s.ID()] = s
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)

	uid := s.Identity().UID
	if userSessions, ok := r.byUser[uid]; ok {
		delete(userSessions, id)
		if len(userSessions) == 0 {
			delete(r.byUser, uid)
		}
	}
}

func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *Registry) ByUser(uid string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions := r.byUser[uid]
	out := make([]*Session, 0, len(userSessions))
	for _, s := range userSessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll 关闭并移除所有会话（优雅退出时上报离线）
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.byUser = make(map[string]map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.Close(ctx)
	}
}

// TypingFor 把停止输入转发到该用户的所有会话，供 HTTP 发送消息使用
func (r *Registry) TypingFor(uid string) conversation.TypingStopper {
	return userTyping{registry: r, uid: uid}
}

type userTyping struct {
	registry *Registry
	uid      string
}

func (u userTyping) StopTyping(ctx context.Context, conversationID string) error {
	var errs []error
	for _, s := range u.registry.ByUser(u.uid) {
		if err := s.Typing().StopTyping(ctx, conversationID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
