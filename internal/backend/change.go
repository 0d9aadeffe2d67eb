package backend

import "context"

// ChangeOp 变更类型
type ChangeOp string

const (
	ChangeWrite  ChangeOp = "write"
	ChangeRemove ChangeOp = "remove"
)

// Change 文档变更通知，只携带路径，订阅方收到后重新查询
type Change struct {
	Path   string   `json:"path"`
	Op     ChangeOp `json:"op"`
	Origin string   `json:"origin"`
	At     int64    `json:"at"`
}

// ChangeFeed 跨进程的变更通知通道
type ChangeFeed interface {
	Publish(ctx context.Context, changes ...Change) error
	Listen(fn func(Change)) (cancel func())
}
