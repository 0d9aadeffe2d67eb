package task

import (
	"log/slog"
	"sync"
)

// Job 定义即发即弃的任务函数类型
type Job func()

// Pool Worker Pool 实现
// Shutdown 会等待队列中已提交的任务执行完毕
type Pool struct {
	workers   int
	taskQueue chan Job
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	logger    *slog.Logger
}

// NewPool 创建一个新的 Worker Pool
// workers: worker 数量
// queueSize: 任务队列大小
func NewPool(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool := &Pool{
		workers:   workers,
		taskQueue: make(chan Job, queueSize),
		logger:    logger,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queueSize", queueSize)

	return pool
}

// worker 工作协程
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.taskQueue {
		p.run(id, job)
	}
}

// run 执行任务，捕获 panic
func (p *Pool) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered",
				"workerId", id,
				"panic", r)
		}
	}()
	job()
}

// Submit 提交任务到 Worker Pool
// 队列满时阻塞，Pool 已关闭时返回 false
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	p.taskQueue <- job
	return true
}

// TrySubmit 尝试提交任务，如果队列满了立即返回 false
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- job:
		return true
	default:
		return false
	}
}

// Shutdown 优雅关闭 Worker Pool
// 等待所有任务完成，重复调用无副作用
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool shutdown completed")
}
