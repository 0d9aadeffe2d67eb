// Package clock 提供可替换的时间源与延迟回调
package clock

import "time"

// Timer 可取消的延迟回调
type Timer interface {
	// Stop 取消回调，回调已触发或已取消时返回 false
	Stop() bool
}

// Clock 时间源
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real 系统时钟
type Real struct{}

// New 创建系统时钟
func New() Clock {
	return Real{}
}

// Now 当前时间
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc 在 d 之后于独立协程执行 f
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
