package cowverse

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byKind(kind OpKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, state State) Universe {
	t.Helper()
	u, err := s.Create(state, CreateMeta{})
	require.NoError(t, err)
	return u
}

func mustClone(t *testing.T, s *Store, id string) Universe {
	t.Helper()
	u, err := s.Clone(id, CreateMeta{})
	require.NoError(t, err)
	return u
}

func mustGet(t *testing.T, s *Store, id string) Universe {
	t.Helper()
	u, ok := s.Get(id)
	require.True(t, ok, "universe %s", id)
	return u
}

func mustSnapshots(t *testing.T, s *Store, id string) []Snapshot {
	t.Helper()
	snaps, err := s.Snapshots(id)
	require.NoError(t, err)
	return snaps
}
