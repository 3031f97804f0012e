package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process ObjectStore
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	puts    int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func memKey(bucket, key string) string {
	return bucket + "/" + key
}

func (m *MemoryStore) Get(ctx context.Context, bucket, key string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[memKey(bucket, key)]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return &Object{Body: append([]byte(nil), obj.Body...), ContentType: obj.ContentType}, nil
}

func (m *MemoryStore) Put(ctx context.Context, bucket, key string, obj *Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[memKey(bucket, key)] = Object{Body: append([]byte(nil), obj.Body...), ContentType: obj.ContentType}
	m.puts++
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.objects[memKey(bucket, key)]
	return ok, nil
}

func (m *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	full := memKey(bucket, prefix)
	for k := range m.objects {
		if strings.HasPrefix(k, full) {
			keys = append(keys, strings.TrimPrefix(k, bucket+"/"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Puts returns how many writes the store has accepted
func (m *MemoryStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
