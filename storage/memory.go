package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory BlobStore for tests and local
// development.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	mimes map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		mimes: make(map[string]string),
	}
}

// PutBase64 decodes and stores a base64 payload.
func (s *MemoryStore) PutBase64(ctx context.Context, encoded, path, mimeType string) (string, error) {
	data, err := decodeBase64(encoded)
	if err != nil {
		return "", fmt.Errorf("storage: decode base64: %w", err)
	}
	return s.PutBuffer(ctx, data, path, mimeType)
}

// PutBuffer stores raw bytes under path.
func (s *MemoryStore) PutBuffer(ctx context.Context, data []byte, path, mimeType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[path] = cp
	s.mimes[path] = mimeType
	return "memory://" + path, nil
}

// Get returns a stored blob.
func (s *MemoryStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[path]
	return data, ok
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
