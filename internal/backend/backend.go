// Package backend 定义核心组件依赖的文档存储、实时查询与文件存储能力
package backend

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("document not found")
	ErrInvalidPath      = errors.New("invalid document path")
)

// Identity 当前登录身份
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
}

// WriteOptions 写入选项，Merge 为 true 时只覆盖给出的字段
type WriteOptions struct {
	Merge bool
}

// Merge 合并写入
var Merge = WriteOptions{Merge: true}

// Documents 文档读写
// GetOnce 在文档不存在时返回 (nil, nil)
type Documents interface {
	Write(ctx context.Context, path string, fields Fields, opts WriteOptions) error
	Remove(ctx context.Context, path string) error
	GetOnce(ctx context.Context, path string) (*Document, error)
	QueryOnce(ctx context.Context, collection string, preds ...Predicate) ([]Document, error)
}

// Store 支持实时查询的文档存储
// Subscribe 先推送一次当前结果，之后每次变更推送完整结果，直到 Disposer 被调用
type Store interface {
	Documents
	Subscribe(q Query, onNext func(Snapshot), onError func(error)) Disposer
}

// MutationOp 批量写操作类型
type MutationOp int

const (
	OpWrite MutationOp = iota
	OpRemove
)

// Mutation 批量写中的单个操作
type Mutation struct {
	Op     MutationOp
	Path   string
	Fields Fields
	Merge  bool
}

// SetMutation 写入操作
func SetMutation(path string, fields Fields, opts WriteOptions) Mutation {
	return Mutation{Op: OpWrite, Path: path, Fields: fields, Merge: opts.Merge}
}

// RemoveMutation 删除操作
func RemoveMutation(path string) Mutation {
	return Mutation{Op: OpRemove, Path: path}
}

// BatchWriter 支持原子多文档写入的存储
type BatchWriter interface {
	ApplyBatch(ctx context.Context, mutations []Mutation) error
}

// BlobMetadata 上传文件的元数据
type BlobMetadata struct {
	ContentType string
	Custom      map[string]string
}

// Blobs 文件存储
type Blobs interface {
	Upload(ctx context.Context, path string, r io.Reader, meta BlobMetadata) (string, error)
	Delete(ctx context.Context, path string) error
}

// Disposer 取消订阅，重复调用无副作用
type Disposer func()

// OnceDisposer 包装 f 使其最多执行一次
func OnceDisposer(f func()) Disposer {
	var once sync.Once
	return func() {
		once.Do(func() {
			if f != nil {
				f()
			}
		})
	}
}

// Nop 空操作
func Nop() {}
