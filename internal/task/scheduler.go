package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"sudooom.im.realtime/internal/clock"
)

var (
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrInvalidTask      = errors.New("invalid task")
)

// scheduled 已调度的任务
type scheduled struct {
	task  *Task
	timer clock.Timer
}

// Scheduler 按 ID 管理的延迟任务调度器
// 同一 ID 重新调度前会先取消旧任务，因此同一 ID 最多只有一个待执行回调
type Scheduler struct {
	clock   clock.Clock
	logger  *slog.Logger
	mu      sync.Mutex
	tasks   map[string]*scheduled
	stopped bool
}

// NewScheduler 创建任务调度器
func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{
		clock:  c,
		logger: slog.Default(),
		tasks:  make(map[string]*scheduled),
	}
}

// Schedule 调度任务，存在同 ID 任务时取消后重新计时
func (s *Scheduler) Schedule(task *Task) error {
	if task == nil || task.ID == "" {
		return ErrInvalidTask
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	task.version = 1
	if prev, ok := s.tasks[task.ID]; ok {
		prev.timer.Stop()
		task.version = prev.task.version + 1
	}
	task.dueAt = s.clock.Now().Add(task.Delay)

	id, version := task.ID, task.version
	s.tasks[task.ID] = &scheduled{
		task: task,
		timer: s.clock.AfterFunc(task.Delay, func() {
			s.fire(id, version)
		}),
	}

	s.logger.Debug("Task scheduled",
		"taskId", task.ID,
		"target", task.Target,
		"delay", task.Delay,
		"version", task.version)
	return nil
}

// Cancel 取消任务，任务不存在时返回 false
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.tasks, taskID)
	return true
}

// Pending 检查任务是否待执行
func (s *Scheduler) Pending(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.tasks[taskID]
	return ok
}

// Count 待执行任务数量
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// Stop 停止调度器并丢弃所有待执行任务
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for id, entry := range s.tasks {
		entry.timer.Stop()
		delete(s.tasks, id)
	}
}

// fire 到期回调，版本不一致说明任务已被替换
func (s *Scheduler) fire(taskID string, version int64) {
	s.mu.Lock()
	entry, ok := s.tasks[taskID]
	if !ok || entry.task.version != version {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, taskID)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panic recovered",
				"taskId", taskID,
				"panic", r)
		}
	}()

	if err := entry.task.Execute(context.Background()); err != nil {
		s.logger.Warn("Task execution failed",
			"taskId", taskID,
			"target", entry.task.Target,
			"error", err)
	}
}
