package task

// Executor 即发即弃任务的执行者，Pool 实现该接口
type Executor interface {
	Submit(job Job) bool
}

// Inline 在调用方协程中同步执行任务
type Inline struct{}

func (Inline) Submit(job Job) bool {
	job()
	return true
}

// Go 每个任务启动一个协程
type Go struct{}

func (Go) Submit(job Job) bool {
	go job()
	return true
}
