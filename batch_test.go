package cowverse

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMany_InvalidCount(t *testing.T) {
	s := newTestStore(t, WithMaxBatchCount(100))
	c := NewCoordinator(s)

	for _, count := range []int{0, -1, 101} {
		_, err := c.CreateMany(context.Background(), count, CreateConfig{})
		assert.ErrorIs(t, err, ErrInvalidArgument, "count %d", count)
	}
	assert.Zero(t, s.Len(), "no work starts on a bad count")
}

func TestCreateMany_Chunks(t *testing.T) {
	rec := &eventRecorder{}
	s := newTestStore(t, WithEventHandler(rec.handle))
	c := NewCoordinator(s)

	res, err := c.CreateMany(context.Background(), 250, CreateConfig{
		ChunkSize: 50,
		Initial:   State{"seed": true},
		Meta:      CreateMeta{Type: "worker"},
	})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Chunks)
	assert.Empty(t, res.Failures)
	require.Len(t, res.Items, 250)
	assert.Equal(t, 250, s.Len())

	seen := make(map[string]struct{}, 250)
	for i, u := range res.Items {
		assert.Equal(t, i, u.Metadata.CreationIndex)
		assert.Equal(t, res.BatchID, u.Metadata.BatchID)
		assert.Equal(t, "worker", u.Metadata.Type)
		assert.Equal(t, true, u.State["seed"])
		seen[u.ID] = struct{}{}
	}
	assert.Len(t, seen, 250)

	creates := rec.byKind(OpCreate)
	assert.Len(t, creates, 250)
	for _, e := range creates {
		assert.Equal(t, res.BatchID, e.BatchID)
	}

	batches := rec.byKind(OpCreateMany)
	require.Len(t, batches, 1)
	assert.Equal(t, 250, batches[0].Succeeded)
	assert.Zero(t, batches[0].Failed)
}

func TestCreateMany_ChunkOrdering(t *testing.T) {
	var (
		mu      sync.Mutex
		indices []int
	)
	s := newTestStore(t)
	s.ev.handlers = append(s.ev.handlers, func(e Event) {
		if e.Kind != OpCreate {
			return
		}
		u, ok := s.Get(e.IDs[0])
		if !ok {
			return
		}
		mu.Lock()
		indices = append(indices, u.Metadata.CreationIndex)
		mu.Unlock()
	})
	c := NewCoordinator(s)

	_, err := c.CreateMany(context.Background(), 30, CreateConfig{ChunkSize: 10})
	require.NoError(t, err)

	// Completions are grouped by chunk even though order within a chunk is
	// arbitrary.
	require.Len(t, indices, 30)
	for chunk := range 3 {
		got := append([]int(nil), indices[chunk*10:(chunk+1)*10]...)
		sort.Ints(got)
		for i, idx := range got {
			assert.Equal(t, chunk*10+i, idx)
		}
	}
}

func TestCreateMany_FromSource(t *testing.T) {
	s := newTestStore(t)
	c := NewCoordinator(s)
	src := mustCreate(t, s, State{"x": 1})

	res, err := c.CreateMany(context.Background(), 5, CreateConfig{SourceID: src.ID})
	require.NoError(t, err)
	require.Len(t, res.Items, 5)

	for _, u := range res.Items {
		assert.Equal(t, src.ID, u.ParentID)
		assert.Equal(t, TypeClone, u.Metadata.Type)
	}
	got, _ := s.Get(src.ID)
	assert.Len(t, got.Children, 5)
}

func TestCreateMany_PartialFailure(t *testing.T) {
	s := newTestStore(t, WithMaxUniverses(7))
	c := NewCoordinator(s)

	res, err := c.CreateMany(context.Background(), 10, CreateConfig{ChunkSize: 3})
	require.NoError(t, err, "per-item errors never fail the batch")

	assert.Len(t, res.Items, 7)
	require.Len(t, res.Failures, 3)
	for _, f := range res.Failures {
		assert.ErrorIs(t, f, ErrCapacityExceeded)
	}
	assert.Equal(t, 4, res.Chunks)
}

func TestCreateMany_Cancelled(t *testing.T) {
	s := newTestStore(t)
	c := NewCoordinator(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.CreateMany(ctx, 20, CreateConfig{ChunkSize: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	require.Len(t, res.Failures, 20)
	for i, f := range res.Failures {
		assert.Equal(t, i, f.Index)
		assert.ErrorIs(t, f.Err, ErrCancelled)
	}
	assert.Zero(t, s.Len())
}

func TestCreateMany_DeadlineBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestStore(t)
	var created atomic.Int32
	s.ev.handlers = append(s.ev.handlers, func(e Event) {
		if e.Kind == OpCreate && created.Add(1) == 4 {
			cancel()
		}
	})
	c := NewCoordinator(s)

	res, err := c.CreateMany(ctx, 12, CreateConfig{ChunkSize: 4})
	require.NoError(t, err)

	// The first chunk completes; later chunks never start.
	assert.Len(t, res.Items, 4)
	require.Len(t, res.Failures, 8)
	for _, f := range res.Failures {
		assert.GreaterOrEqual(t, f.Index, 4)
		assert.ErrorIs(t, f, ErrCancelled)
	}
	assert.Equal(t, 4, s.Len())
}

func TestCreateMany_InFlightBound(t *testing.T) {
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
	)
	s := newTestStore(t, WithMaxInFlight(3))
	// Handlers run inside the item goroutine, so sleeping here holds the
	// slot open.
	s.ev.handlers = append(s.ev.handlers, func(e Event) {
		if e.Kind != OpCreate {
			return
		}
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
	})
	c := NewCoordinator(s)

	_, err := c.CreateMany(context.Background(), 20, CreateConfig{ChunkSize: 20})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunMany_PartialFailure(t *testing.T) {
	s := newTestStore(t)
	c := NewCoordinator(s)

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = mustCreate(t, s, State{"i": i}).ID
	}

	ops := []Operation{
		{Kind: OpUpdate, UniverseID: ids[0], Updates: map[string]any{"done": true}},
		{Kind: OpSnapshot, UniverseID: ids[1]},
		{Kind: OpUpdate, UniverseID: "missing", Updates: map[string]any{"done": true}},
		{Kind: OpClone, UniverseID: ids[2]},
		{Kind: OpBranch, UniverseID: ids[3], Updates: State{"branch": 1}},
	}

	for range 10 {
		res, err := c.RunMany(context.Background(), ops)
		require.NoError(t, err)

		require.Len(t, res.Results, 4)
		require.Len(t, res.Failures, 1)
		assert.Equal(t, 2, res.Failures[0].Index)
		assert.ErrorIs(t, res.Failures[0].Err, ErrNotFound)

		indices := []int{}
		for _, r := range res.Results {
			indices = append(indices, r.Index)
		}
		assert.Equal(t, []int{0, 1, 3, 4}, indices)

		assert.NotNil(t, res.Results[0].Update)
		assert.NotNil(t, res.Results[1].Snapshot)
		assert.Equal(t, ids[2], res.Results[2].Universe.ParentID)
		assert.Equal(t, TypeBranch, res.Results[3].Universe.Metadata.Type)
		assert.Equal(t, 1, res.Results[3].Universe.State["branch"])
	}
}

func TestRunMany_Validation(t *testing.T) {
	s := newTestStore(t, WithMaxBatchCount(2))
	c := NewCoordinator(s)
	a := mustCreate(t, s, State{})

	_, err := c.RunMany(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.RunMany(context.Background(), make([]Operation, 3))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	res, err := c.RunMany(context.Background(), []Operation{
		{Kind: OpUpdate, UniverseID: a.ID, Updates: []any{1}},
		{Kind: "explode", UniverseID: a.ID},
	})
	require.NoError(t, err)
	require.Len(t, res.Failures, 2)
	assert.ErrorIs(t, res.Failures[0].Err, ErrInvalidUpdate)
	assert.ErrorIs(t, res.Failures[1].Err, ErrInvalidArgument)
}

func TestRunMany_MergeRestoreEvict(t *testing.T) {
	s := newTestStore(t)
	c := NewCoordinator(s)

	target := mustCreate(t, s, State{"x": 1})
	src := mustCreate(t, s, State{"y": 2})
	doomed := mustCreate(t, s, State{})
	snap, err := s.Snapshot(target.ID, SnapshotMeta{})
	require.NoError(t, err)

	res, err := c.RunMany(context.Background(), []Operation{
		{Kind: OpMerge, UniverseID: target.ID, SourceIDs: []string{src.ID}, Strategy: MergeReplace},
		{Kind: OpEvict, UniverseID: doomed.ID},
		{Kind: OpRestore, UniverseID: src.ID, SnapshotID: snap.ID},
	})
	require.NoError(t, err)

	require.Len(t, res.Results, 2)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 2, res.Failures[0].Index, "snapshot belongs to another universe")

	_, ok := s.Get(doomed.ID)
	assert.False(t, ok)
	got, _ := s.Get(target.ID)
	assert.Equal(t, State{"x": 1, "y": 2}, got.State)
}

func TestRunMany_Cancelled(t *testing.T) {
	s := newTestStore(t)
	c := NewCoordinator(s)
	a := mustCreate(t, s, State{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.RunMany(ctx, []Operation{
		{Kind: OpSnapshot, UniverseID: a.ID},
		{Kind: OpSnapshot, UniverseID: a.ID},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	require.Len(t, res.Failures, 2)
	assert.ErrorIs(t, res.Failures[0].Err, ErrCancelled)

	snaps, _ := s.Snapshots(a.ID)
	assert.Empty(t, snaps)
}

func TestRunMany_TagsCreatedUniverses(t *testing.T) {
	s := newTestStore(t)
	c := NewCoordinator(s)
	src := mustCreate(t, s, State{"x": 1})

	res, err := c.RunMany(context.Background(), []Operation{
		{Kind: OpSnapshot, UniverseID: src.ID},
		{Kind: OpClone, UniverseID: src.ID},
		{Kind: OpBranch, UniverseID: src.ID, Updates: map[string]any{"y": 2}},
		{Kind: OpClone, UniverseID: src.ID},
	})
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	require.Len(t, res.Results, 4)

	for _, r := range res.Results[1:] {
		require.NotNil(t, r.Universe)
		assert.Equal(t, res.BatchID, r.Universe.Metadata.BatchID)
		assert.Equal(t, r.Index, r.Universe.Metadata.CreationIndex)

		stored := mustGet(t, s, r.Universe.ID)
		assert.Equal(t, res.BatchID, stored.Metadata.BatchID)
		assert.Equal(t, r.Index, stored.Metadata.CreationIndex)
	}
	assert.Equal(t, TypeBranch, res.Results[2].Universe.Metadata.Type)
}
