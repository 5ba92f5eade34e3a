package objectstore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests that exercise job
// processing without a real S3-compatible backend.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	PresignURLPrefix string
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte), PresignURLPrefix: "https://mem.local/"}
}

// Seed places an object directly, bypassing PresignPut, for test setup.
func (m *MemStore) Seed(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

// Keys returns the stored keys, for assertions on chunk fan-out.
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

func (m *MemStore) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return m.PresignURLPrefix + key, nil
}

func (m *MemStore) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *MemStore) StreamGet(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

var _ Store = (*MemStore)(nil)
