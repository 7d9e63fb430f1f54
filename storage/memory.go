package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"sync"
	"time"
)

// MemoryStore keeps objects in process memory. It backs tests and local
// development; production uses S3Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailDownloads lists refs whose Download should fail, for exercising
	// per-asset fetch errors in tests.
	FailDownloads map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:       make(map[string][]byte),
		FailDownloads: make(map[string]error),
	}
}

func (m *MemoryStore) Upload(ctx context.Context, key string, r io.Reader) (string, int64, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return key, int64(len(data)), nil
}

func (m *MemoryStore) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	failErr := m.FailDownloads[ref]
	data, ok := m.objects[ref]
	m.mu.RUnlock()
	if failErr != nil {
		return nil, failErr
	}
	if !ok {
		return nil, ErrNotFound
	}
	return ioutil.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) SignedURL(ref string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[ref]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("memory://%s?expires=%d", ref, expires), nil
}

// Put seeds an object directly; a test helper.
func (m *MemoryStore) Put(key string, data []byte) {
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
