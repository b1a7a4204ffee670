package storage

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryObjectStore keeps objects in-process. Used by tests.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// PutErr, when set, is returned by Put.
	PutErr error
}

// NewMemoryObjectStore initializes an empty in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (m *MemoryObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *MemoryObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryObjectStore) Remove(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.objects, key)
	}
	return nil
}

func (m *MemoryObjectStore) PublicURL(key string) string {
	return "memory://attachments/" + key
}

func (m *MemoryObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return m.PublicURL(key) + "?presigned=1", nil
}

// Keys returns all stored object keys.
func (m *MemoryObjectStore) Keys() []string {
	keys, _ := m.List(context.Background(), "")
	return keys
}
