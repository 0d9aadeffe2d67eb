package task

import (
	"context"
	"time"
)

// TaskFunc 到期回调，target 为调度时传入的对象标识
type TaskFunc func(ctx context.Context, target string) error

// Task 按 ID 去重的延迟任务
type Task struct {
	ID     string        // 同 ID 重新调度会替换旧任务
	Target string        // 操作对象标识，仅用于回调与日志
	Delay  time.Duration // 延迟时长
	Fn     TaskFunc

	version int64     // 重新调度时递增，过期回调据此丢弃
	dueAt   time.Time // 预计执行时间
}

// NewTask 创建延迟任务
func NewTask(id, target string, delay time.Duration, fn TaskFunc) *Task {
	return &Task{ID: id, Target: target, Delay: delay, Fn: fn}
}

// DueAt 预计执行时间，未调度时为零值
func (t *Task) DueAt() time.Time {
	return t.dueAt
}

// Execute 执行任务
func (t *Task) Execute(ctx context.Context) error {
	if t.Fn == nil {
		return nil
	}
	return t.Fn(ctx, t.Target)
}
