package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("storage: key not found")
	// ErrQuotaExceeded is returned when a write would exceed the store's byte budget
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
)

// KeyValueStore is durable storage keyed by fixed string identifiers.
// Each manager reads and writes only keys under its own namespace.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore is an in-process KeyValueStore with an optional byte quota
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	size     int64
	maxBytes int64
}

// NewMemoryStore creates a store; maxBytes <= 0 disables the quota
func NewMemoryStore(maxBytes int64) *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		maxBytes: maxBytes,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := int64(len(value)) - int64(len(s.data[key]))
	if s.maxBytes > 0 && s.size+delta > s.maxBytes {
		return ErrQuotaExceeded
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	s.size += delta
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.data[key]; ok {
		s.size -= int64(len(value))
		delete(s.data, key)
	}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the number of bytes currently stored
func (s *MemoryStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// SetQuota changes the byte budget
func (s *MemoryStore) SetQuota(maxBytes int64) {
	s.mu.Lock()
	s.maxBytes = maxBytes
	s.mu.Unlock()
}
