package presence

import (
	"fmt"
	"time"

	"sudooom.im.realtime/internal/backend"
)

// Status 在线状态
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// DefaultActiveWindow 非在线状态仍视为活跃的时长
const DefaultActiveWindow = 5 * time.Minute

// Record 被观察用户的在线状态
type Record struct {
	UID            string `json:"uid"`
	Status         Status `json:"status"`
	LastSeenMillis int64  `json:"lastSeen"`
}

// recordFromDocument 从用户文档解析，缺少状态时按离线处理
func recordFromDocument(uid string, doc backend.Document, now time.Time) Record {
	status := Status(doc.String("status"))
	switch status {
	case StatusOnline, StatusAway, StatusOffline:
	default:
		status = StatusOffline
	}
	return Record{
		UID:            uid,
		Status:         status,
		LastSeenMillis: doc.Millis("lastSeen", now),
	}
}

// IsActive 在线，或最后活跃时间在默认窗口内
func IsActive(r *Record, now time.Time) bool {
	return IsActiveWithin(r, now, DefaultActiveWindow)
}

// IsActiveWithin 在线，或 now 与最后活跃时间之差小于 window
func IsActiveWithin(r *Record, now time.Time, window time.Duration) bool {
	if r == nil {
		return false
	}
	if r.Status == StatusOnline {
		return true
	}
	return now.UnixMilli()-r.LastSeenMillis < window.Milliseconds()
}

// LastSeenText 最后活跃时间的展示文案
func LastSeenText(lastSeenMillis int64, now time.Time) string {
	diff := now.UnixMilli() - lastSeenMillis
	mins := diff / 60000
	hours := diff / 3600000
	days := diff / 86400000

	switch {
	case mins < 1:
		return "Active now"
	case mins < 60:
		return fmt.Sprintf("Active %dm ago", mins)
	case hours < 24:
		return fmt.Sprintf("Active %dh ago", hours)
	case days == 1:
		return "Active yesterday"
	case days < 7:
		return fmt.Sprintf("Active %dd ago", days)
	default:
		return fmt.Sprintf("Active %dw ago", days/7)
	}
}
