package authclient

import (
	"context"
	"sync"
)

var _ Channel = (*MemoryChannel)(nil)

// MemoryChannel is a process scoped Channel. It is the ephemeral channel by
// default: its contents are gone when the process exits.
type MemoryChannel struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryChannel returns an empty channel
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{values: map[string]string{}}
}

func (m *MemoryChannel) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryChannel) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryChannel) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Len returns the number of stored keys
func (m *MemoryChannel) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
