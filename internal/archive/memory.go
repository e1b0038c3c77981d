package archive

import (
	"context"
	"fmt"
	"sync"
)

// MemoryArchive keeps objects in memory.
type MemoryArchive struct {
	objects map[string][]byte
	mu      sync.RWMutex
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string][]byte)}
}

func (a *MemoryArchive) Put(_ context.Context, digest string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.objects[digest]; ok {
		return nil
	}
	a.objects[digest] = append([]byte(nil), data...)
	return nil
}

func (a *MemoryArchive) Get(_ context.Context, digest string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	data, ok := a.objects[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return append([]byte(nil), data...), nil
}

func (a *MemoryArchive) Has(_ context.Context, digest string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.objects[digest]
	return ok, nil
}

func (a *MemoryArchive) Delete(_ context.Context, digest string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, digest)
	return nil
}

func (a *MemoryArchive) Digests(_ context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]string, 0, len(a.objects))
	for d := range a.objects {
		out = append(out, d)
	}
	return out, nil
}

func (a *MemoryArchive) Close() error { return nil }
