package blob

import (
	"context"
	"io"
	"strings"
	"sync"
)

type object struct {
	contentType string
	data        []byte
}

// Memory 把对象保存在进程内，通过 /blobs/*key 回读。
type Memory struct {
	mu      sync.RWMutex
	objects map[string]object
	baseURL string
}

func NewMemory(baseURL string) *Memory {
	return &Memory{objects: make(map[string]object), baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *Memory) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.objects[key] = object{contentType: contentType, data: data}
	m.mu.Unlock()
	return m.baseURL + "/blobs/" + key, nil
}

// Open 返回对象内容，不存在时 ok 为 false。
func (m *Memory) Open(key string) (contentType string, data []byte, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[strings.TrimPrefix(key, "/")]
	return obj.contentType, obj.data, ok
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
