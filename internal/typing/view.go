package typing

import (
	"fmt"
	"sort"
	"time"

	"sudooom.im.realtime/internal/backend"
)

// View 会话中其他人的输入状态
type View struct {
	UIDs  []string          `json:"uids"`
	Names map[string]string `json:"names"`
}

// Empty 没有人在输入
func (v View) Empty() bool {
	return len(v.UIDs) == 0
}

// Name 显示名，缺失时为 Someone
func (v View) Name(uid string) string {
	if name := v.Names[uid]; name != "" {
		return name
	}
	return UnknownName
}

// Text 提示文案
func (v View) Text() string {
	switch len(v.UIDs) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", v.Name(v.UIDs[0]))
	case 2:
		return fmt.Sprintf("%s and %s are typing...", v.Name(v.UIDs[0]), v.Name(v.UIDs[1]))
	default:
		return fmt.Sprintf("%d people are typing...", len(v.UIDs))
	}
}

// buildView 过滤本人与未在输入的信号
func buildView(snap backend.Snapshot, self string, now time.Time, staleAfter time.Duration) View {
	v := View{UIDs: []string{}, Names: map[string]string{}}
	for _, doc := range snap.Documents {
		if doc.ID == self || !doc.Bool("isTyping") {
			continue
		}
		if staleAfter > 0 && now.UnixMilli()-doc.Millis("updatedAt", now) > staleAfter.Milliseconds() {
			continue
		}
		v.UIDs = append(v.UIDs, doc.ID)
		name := doc.String("userName")
		if name == "" {
			name = UnknownName
		}
		v.Names[doc.ID] = name
	}
	sort.Strings(v.UIDs)
	return v
}

// Observe 订阅会话中其他人的输入状态
func (c *Coordinator) Observe(conversationID string, fn func(View)) backend.Disposer {
	if conversationID == "" || fn == nil {
		return backend.Nop
	}

	dispose := c.store.Subscribe(
		backend.CollectionQuery(backend.TypingCollection(conversationID)),
		func(snap backend.Snapshot) {
			fn(buildView(snap, c.identity.UID, c.clock.Now(), c.cfg.StaleAfter))
		},
		func(err error) {
			c.logger.Warn("Typing subscription failed", "conversationId", conversationID, "error", err)
		},
	)
	c.metrics.SubscriptionOpened("typing")

	return backend.OnceDisposer(func() {
		dispose()
		c.metrics.SubscriptionClosed("typing")
	})
}
