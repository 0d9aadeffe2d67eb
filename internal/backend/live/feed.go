package live

import (
	"context"
	"sync"

	"sudooom.im.realtime/internal/backend"
)

// LocalFeed 进程内变更通道，单进程部署与测试使用
type LocalFeed struct {
	mu        sync.Mutex
	listeners map[int64]func(backend.Change)
	nextID    int64
}

var _ backend.ChangeFeed = (*LocalFeed)(nil)

func NewLocalFeed() *LocalFeed {
	return &LocalFeed{listeners: make(map[int64]func(backend.Change))}
}

// Publish 同步通知所有监听者
func (f *LocalFeed) Publish(ctx context.Context, changes ...backend.Change) error {
	f.mu.Lock()
	listeners := make([]func(backend.Change), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()

	for _, ch := range changes {
		for _, fn := range listeners {
			fn(ch)
		}
	}
	return nil
}

func (f *LocalFeed) Listen(fn func(backend.Change)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}
