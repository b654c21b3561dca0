package artifact

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryObject struct {
	data []byte
	meta map[string]string
}

// MemoryBackend keeps objects in process for development mode.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]memoryObject)}
}

var _ Backend = (*MemoryBackend)(nil)

func (b *MemoryBackend) PutObject(_ context.Context, key string, data []byte, metadata map[string]string) error {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[strings.ToLower(k)] = v
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = memoryObject{data: append([]byte(nil), data...), meta: meta}
	return nil
}

func (b *MemoryBackend) GetObject(_ context.Context, key string) ([]byte, map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	return append([]byte(nil), obj.data...), copyMeta(obj.meta), nil
}

func (b *MemoryBackend) StatObject(_ context.Context, key string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return copyMeta(obj.meta), nil
}

func (b *MemoryBackend) ListObjects(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0)
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) RemoveObject(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
