package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"sudooom.im.realtime/internal/backend"
)

// Blob 内存中的文件
type Blob struct {
	Data []byte
	Meta backend.BlobMetadata
}

// Blobs 内存文件存储
type Blobs struct {
	mu      sync.Mutex
	objects map[string]Blob
	baseURL string
	fault   Fault
}

var _ backend.Blobs = (*Blobs)(nil)

// NewBlobs 创建内存文件存储，URL 形如 baseURL/path
func NewBlobs(baseURL string) *Blobs {
	if baseURL == "" {
		baseURL = "memory://blobs"
	}
	return &Blobs{objects: make(map[string]Blob), baseURL: baseURL}
}

// SetFault 设置故障注入
func (b *Blobs) SetFault(f Fault) {
	b.mu.Lock()
	b.fault = f
	b.mu.Unlock()
}

// Upload 保存文件并返回访问地址
func (b *Blobs) Upload(ctx context.Context, path string, r io.Reader, meta backend.BlobMetadata) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty blob path", backend.ErrInvalidPath)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", fmt.Errorf("read blob: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.fault != nil {
		if err := b.fault(OpWrite, path); err != nil {
			return "", err
		}
	}
	b.objects[path] = Blob{Data: buf.Bytes(), Meta: meta}
	return b.baseURL + "/" + path, nil
}

// Delete 删除文件，不存在时返回 ErrNotFound
func (b *Blobs) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if b.fault != nil {
		if err := b.fault(OpRemove, path); err != nil {
			return err
		}
	}
	if _, ok := b.objects[path]; !ok {
		return backend.ErrNotFound
	}
	delete(b.objects, path)
	return nil
}

// Get 读取文件
func (b *Blobs) Get(path string) (Blob, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blob, ok := b.objects[path]
	return blob, ok
}

// Len 文件数量
func (b *Blobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// ServeHTTP 按路径读取文件，供本地开发时访问上传的头像
func (b *Blobs) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	blob, ok := b.Get(strings.TrimPrefix(r.URL.Path, "/"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	if blob.Meta.ContentType != "" {
		w.Header().Set("Content-Type", blob.Meta.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	_, _ = w.Write(blob.Data)
}
