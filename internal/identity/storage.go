package identity

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by a Storage when a key has never been written or
// has been deleted.
var ErrNotFound = errors.New("identity: key not found")

// Keys persisted by the Store.
const (
	KeyDeviceID = "device_id"
	KeyUserID   = "user_id"
)

// Storage is the durable key/value backend behind a Store. Implementations
// may fail for any reason (unreachable server, quota); the Store absorbs
// those failures.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryStorage keeps values for the life of the process.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: map[string]string{}}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
