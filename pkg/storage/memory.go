package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryObject struct {
	data []byte
	obj  Object
}

// Memory is an in-memory object store with the same write-once semantics as S3.
// It is safe for concurrent use and intended for tests and local development.
type Memory struct {
	baseURL string
	objects map[string]memoryObject
	mu      sync.RWMutex
}

// NewMemory creates an empty store whose public URLs are rooted at baseURL.
func NewMemory(baseURL string) *Memory {
	return &Memory{baseURL: baseURL, objects: make(map[string]memoryObject)}
}

// Put stores body under key unless the key is taken.
func (m *Memory) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (Object, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return Object{}, fmt.Errorf("failed to read content: %w", err)
	}
	if size > 0 && int64(len(data)) != size {
		return Object{}, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return Object{}, &RejectedError{Op: "put", Key: key, Code: "ObjectExists", Reason: "The resource already exists", Err: ErrObjectExists}
	}
	obj := Object{
		Key:          key,
		ContentType:  contentType,
		Size:         int64(len(data)),
		LastModified: time.Now(),
	}
	m.objects[key] = memoryObject{data: data, obj: obj}
	return obj, nil
}

// Head returns object metadata, or ErrNotFound.
func (m *Memory) Head(ctx context.Context, key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	if !ok {
		return Object{}, fmt.Errorf("head %s: %w", key, ErrNotFound)
	}
	return o.obj, nil
}

// GetRange returns length bytes of key starting at offset; a negative length reads to the end.
func (m *Memory) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	size := int64(len(o.data))
	if offset < 0 || offset > size {
		return nil, &RejectedError{Op: "get", Key: key, Code: "InvalidRange", Reason: "The requested range is not satisfiable"}
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(o.data[offset:end])), nil
}

// PublicURL returns baseURL/key.
func (m *Memory) PublicURL(key string) string {
	return publicObjectURL(S3Config{PublicURL: m.baseURL}, key)
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
