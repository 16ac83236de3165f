package stream

import (
	"context"
	"sync"
)

// ResumeStore persists the last event id seen on the stream.
type ResumeStore interface {
	LastEventID(ctx context.Context) (string, error)
	SaveLastEventID(ctx context.Context, id string) error
}

// MemoryResumeStore keeps the id for the life of the process only.
type MemoryResumeStore struct {
	mu sync.Mutex
	id string
}

func (m *MemoryResumeStore) LastEventID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *MemoryResumeStore) SaveLastEventID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != "" {
		m.id = id
	}
	return nil
}
