package cowverse

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aweris/cowverse/internal/archive"
)

// MergeStrategy selects how Merge combines states.
type MergeStrategy string

// MergeReplace lets later sources overwrite keys from earlier sources and
// from the target.
const MergeReplace MergeStrategy = "replace"

// Store owns the set of live universes. All structural mutations are
// serialized by a single writer lock.
type Store struct {
	opts    *Options
	log     *zap.Logger
	ev      *emitter
	now     func() time.Time
	archive Archive

	mu        sync.RWMutex
	universes map[string]*universe
	snapshots map[string]*Snapshot
	seq       uint64

	live      atomic.Int64
	cowBreaks atomic.Int64
}

// New creates an empty store.
func New(opts ...Option) (*Store, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}

	return &Store{
		opts:      options,
		log:       options.Logger.Named("store"),
		ev:        &emitter{handlers: options.Handlers, metrics: options.Metrics},
		now:       options.Clock,
		archive:   options.Archive,
		universes: make(map[string]*universe),
		snapshots: make(map[string]*Snapshot),
	}, nil
}

// Options returns a copy of the store's configuration.
func (s *Store) Options() Options {
	return *s.opts
}

// Close closes the snapshot archive.
func (s *Store) Close() error {
	return s.archive.Close()
}

// batchInfo tags work done on behalf of a batch with its request index.
type batchInfo struct {
	id    string
	index int
}

// Create allocates a new root universe that shares no storage.
func (s *Store) Create(initial State, meta CreateMeta) (Universe, error) {
	return s.createOp(initial, meta, batchInfo{})
}

func (s *Store) createOp(initial State, meta CreateMeta, batch batchInfo) (Universe, error) {
	start := time.Now()
	u, err := s.create(initial, meta, batch)
	s.finish(OpCreate, batch.id, start, err, u.ID)
	return u, err
}

func (s *Store) create(initial State, meta CreateMeta, batch batchInfo) (Universe, error) {
	// Encode before copying: the encoder rejects cyclic values.
	data, err := encodeState(initial)
	if err != nil {
		return Universe{}, err
	}
	state := initial.Clone()
	depth := stateDepth(state)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.universes) >= s.opts.MaxUniverses {
		return Universe{}, fmt.Errorf("%w: %d live universes", ErrCapacityExceeded, len(s.universes))
	}

	now := s.now()
	typ := meta.Type
	if typ == "" {
		typ = TypeRoot
	}
	u := &universe{
		id:    uuid.NewString(),
		block: &stateBlock{data: state, refs: 1},
		depth: depth,
		meta: Metadata{
			CreatedAt:     now,
			ModifiedAt:    now,
			Type:          typ,
			StateSize:     len(data),
			Tags:          copyTags(meta.Tags),
			BatchID:       batch.id,
			CreationIndex: batch.index,
		},
	}
	s.insertLocked(u)
	return u.detach(), nil
}

// Clone creates a universe whose state shares the source's storage until
// either side writes.
func (s *Store) Clone(sourceID string, overrides CreateMeta) (Universe, error) {
	return s.cloneOp(sourceID, overrides, batchInfo{})
}

func (s *Store) cloneOp(sourceID string, overrides CreateMeta, batch batchInfo) (Universe, error) {
	start := time.Now()
	u, err := s.clone(sourceID, overrides, TypeClone, nil, batch)
	s.finish(OpClone, batch.id, start, err, u.ID, sourceID)
	return u, err
}

// Branch clones sourceID and immediately applies modifications, if any.
func (s *Store) Branch(sourceID string, modifications State, meta CreateMeta) (Universe, error) {
	return s.branchOp(sourceID, modifications, meta, batchInfo{})
}

func (s *Store) branchOp(sourceID string, modifications State, meta CreateMeta, batch batchInfo) (Universe, error) {
	start := time.Now()
	u, err := s.clone(sourceID, meta, TypeBranch, modifications, batch)
	s.finish(OpBranch, batch.id, start, err, u.ID, sourceID)
	return u, err
}

func (s *Store) clone(sourceID string, meta CreateMeta, typ string, mods State, batch batchInfo) (Universe, error) {
	if mods != nil {
		if _, err := encodeState(mods); err != nil {
			return Universe{}, err
		}
		mods = mods.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.universes[sourceID]
	if !ok {
		return Universe{}, notFound(sourceID)
	}
	if len(s.universes) >= s.opts.MaxUniverses {
		return Universe{}, fmt.Errorf("%w: %d live universes", ErrCapacityExceeded, len(s.universes))
	}

	if meta.Type != "" {
		typ = meta.Type
	}
	now := s.now()
	u := &universe{
		id:       uuid.NewString(),
		parentID: src.id,
		block:    src.block,
		shared:   true,
		depth:    src.depth,
		meta: Metadata{
			CreatedAt:     now,
			ModifiedAt:    now,
			Type:          typ,
			StateSize:     src.meta.StateSize,
			Tags:          copyTags(meta.Tags),
			BatchID:       batch.id,
			CreationIndex: batch.index,
		},
	}
	src.block.refs++
	src.shared = true
	src.children = append(src.children, u.id)
	s.insertLocked(u)

	if len(mods) > 0 {
		if _, err := s.applyLocked(u, mods, false); err != nil {
			return Universe{}, err
		}
	}
	return u.detach(), nil
}

func (s *Store) insertLocked(u *universe) {
	s.seq++
	u.seq = s.seq
	s.universes[u.id] = u
	s.live.Store(int64(len(s.universes)))
}

// UpdateState merges updates into the universe's state, breaking
// copy-on-write sharing first if needed.
func (s *Store) UpdateState(id string, updates State) (UpdateResult, error) {
	return s.updateOp(id, updates, "")
}

func (s *Store) updateOp(id string, updates State, batchID string) (UpdateResult, error) {
	start := time.Now()
	res, err := s.update(id, updates)
	s.finish(OpUpdate, batchID, start, err, id)
	return res, err
}

func (s *Store) update(id string, updates State) (UpdateResult, error) {
	if updates == nil {
		return UpdateResult{}, ErrInvalidUpdate
	}
	if _, err := encodeState(updates); err != nil {
		return UpdateResult{}, err
	}
	updates = updates.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.universes[id]
	if !ok {
		return UpdateResult{}, notFound(id)
	}
	return s.applyLocked(u, updates, false)
}

// applyLocked writes to u's state. With replace the state becomes updates
// instead of merging them in. Values already in the store are never mutated
// in place, so a top-level copy is enough to make a block private.
func (s *Store) applyLocked(u *universe, updates State, replace bool) (UpdateResult, error) {
	var res UpdateResult

	if u.shared {
		if u.block.refs > 1 {
			u.block.refs--
			if replace {
				u.block = &stateBlock{data: State{}, refs: 1}
			} else {
				u.block = &stateBlock{data: maps.Clone(u.block.data), refs: 1}
			}
			res.COWBreak = true
			s.cowBreaks.Add(1)
		}
		u.shared = false
	}

	if replace {
		u.block.data = updates
	} else {
		if u.block.data == nil {
			u.block.data = State{}
		}
		maps.Copy(u.block.data, updates)
	}

	data, err := encodeState(u.block.data)
	if err != nil {
		return res, err
	}
	res.Size = len(data)
	res.SizeDelta = res.Size - u.meta.StateSize
	u.meta.StateSize = res.Size
	u.meta.ModifiedAt = s.now()
	u.depth = stateDepth(u.block.data)
	return res, nil
}

// Merge combines the target's state with each source's state in order and
// writes the result to the target. A source equal to the target contributes
// nothing.
func (s *Store) Merge(targetID string, sourceIDs []string, strategy MergeStrategy) (UpdateResult, error) {
	return s.mergeOp(targetID, sourceIDs, strategy, "")
}

func (s *Store) mergeOp(targetID string, sourceIDs []string, strategy MergeStrategy, batchID string) (UpdateResult, error) {
	start := time.Now()
	res, err := s.merge(targetID, sourceIDs, strategy)
	s.finish(OpMerge, batchID, start, err, append([]string{targetID}, sourceIDs...)...)
	return res, err
}

func (s *Store) merge(targetID string, sourceIDs []string, strategy MergeStrategy) (UpdateResult, error) {
	if len(sourceIDs) == 0 {
		return UpdateResult{}, fmt.Errorf("%w: merge needs at least one source", ErrInvalidArgument)
	}
	if strategy != "" && strategy != MergeReplace {
		return UpdateResult{}, fmt.Errorf("%w: unknown merge strategy %q", ErrInvalidArgument, strategy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.universes[targetID]
	if !ok {
		return UpdateResult{}, notFound(targetID)
	}
	sources := make([]*universe, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		src, ok := s.universes[id]
		if !ok {
			return UpdateResult{}, notFound(id)
		}
		sources = append(sources, src)
	}

	if !slices.ContainsFunc(sources, func(u *universe) bool { return u != target }) {
		return UpdateResult{Size: target.meta.StateSize}, nil
	}

	combined := maps.Clone(target.block.data)
	if combined == nil {
		combined = State{}
	}
	for _, src := range sources {
		if src == target {
			continue
		}
		maps.Copy(combined, src.block.data)
	}
	return s.applyLocked(target, combined, false)
}

// Snapshot captures an immutable deep copy of the universe's state and
// appends it to the universe's snapshot log.
func (s *Store) Snapshot(id string, meta SnapshotMeta) (Snapshot, error) {
	return s.snapshotOp(id, meta, "")
}

func (s *Store) snapshotOp(id string, meta SnapshotMeta, batchID string) (Snapshot, error) {
	start := time.Now()
	snap, data, err := s.snapshot(id, meta)
	if err == nil {
		// Archive I/O stays outside the store lock.
		if aerr := s.archive.Put(context.Background(), string(snap.Digest), data); aerr != nil {
			s.log.Warn("archive snapshot", zap.String("snapshot", snap.ID), zap.Error(aerr))
		}
	}
	s.finish(OpSnapshot, batchID, start, err, id)
	return snap, err
}

func (s *Store) snapshot(id string, meta SnapshotMeta) (Snapshot, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.universes[id]
	if !ok {
		return Snapshot{}, nil, notFound(id)
	}

	state := u.block.data.Clone()
	data, err := encodeState(state)
	if err != nil {
		return Snapshot{}, nil, err
	}
	snap := &Snapshot{
		ID:         uuid.NewString(),
		UniverseID: u.id,
		Digest:     digestOf(data),
		State:      state,
		CapturedAt: s.now(),
		Size:       len(data),
		Meta: SnapshotMeta{
			Name:        meta.Name,
			Description: meta.Description,
			Tags:        copyTags(meta.Tags),
		},
	}
	u.snapshots = append(u.snapshots, snap)
	s.snapshots[snap.ID] = snap
	return snap.detach(), data, nil
}

// Snapshots returns the universe's snapshot log, oldest first.
func (s *Store) Snapshots(id string) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.universes[id]
	if !ok {
		return nil, notFound(id)
	}
	out := make([]Snapshot, len(u.snapshots))
	for i, snap := range u.snapshots {
		out[i] = snap.detach()
	}
	return out, nil
}

// RestoreSnapshot replaces the universe's state with a copy of one of its
// snapshots.
func (s *Store) RestoreSnapshot(universeID, snapshotID string) (UpdateResult, error) {
	return s.restoreOp(universeID, snapshotID, "")
}

func (s *Store) restoreOp(universeID, snapshotID, batchID string) (UpdateResult, error) {
	start := time.Now()
	res, err := s.restore(universeID, snapshotID)
	s.finish(OpRestore, batchID, start, err, universeID)
	return res, err
}

func (s *Store) restore(universeID, snapshotID string) (UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.universes[universeID]
	if !ok {
		return UpdateResult{}, notFound(universeID)
	}
	snap, ok := s.snapshots[snapshotID]
	if !ok || snap.UniverseID != universeID {
		return UpdateResult{}, fmt.Errorf("%w: snapshot %s of universe %s", ErrNotFound, snapshotID, universeID)
	}
	return s.applyLocked(u, snap.State.Clone(), true)
}

// ExportSnapshot returns the canonical encoding of a snapshot's state.
func (s *Store) ExportSnapshot(ctx context.Context, snapshotID string) ([]byte, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[snapshotID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, snapshotID)
	}

	data, err := s.archive.Get(ctx, string(snap.Digest))
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, archive.ErrNotFound) {
		return nil, fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	// Snapshot state is immutable, so re-encoding yields the same bytes.
	return encodeState(snap.State)
}

// Get returns a detached copy of the universe.
func (s *Store) Get(id string) (Universe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.universes[id]
	if !ok {
		return Universe{}, false
	}
	return u.detach(), true
}

// List returns the ids of all live universes in creation order.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*universe, 0, len(s.universes))
	for _, u := range s.universes {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	ids := make([]string, len(all))
	for i, u := range all {
		ids[i] = u.id
	}
	return ids
}

// Len returns the number of live universes.
func (s *Store) Len() int {
	return int(s.live.Load())
}

// Evict removes a universe and its snapshots. Children keep their parent id.
func (s *Store) Evict(id string) error {
	return s.evictOp(id, "")
}

func (s *Store) evictOp(id, batchID string) error {
	start := time.Now()
	err := s.evict(id)
	s.finish(OpEvict, batchID, start, err, id)
	return err
}

func (s *Store) evict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.universes[id]; !ok {
		return notFound(id)
	}
	s.evictLocked(id)
	return nil
}

func (s *Store) evictLocked(id string) {
	u := s.universes[id]
	u.block.refs--
	for _, snap := range u.snapshots {
		delete(s.snapshots, snap.ID)
	}
	delete(s.universes, id)
	s.live.Store(int64(len(s.universes)))
}

// GCArchive deletes archived encodings no longer referenced by any live
// snapshot and returns how many were removed.
func (s *Store) GCArchive(ctx context.Context) (int, error) {
	// List before collecting live digests: an object archived after the
	// listing is never considered.
	digests, err := s.archive.Digests(ctx)
	if err != nil {
		return 0, fmt.Errorf("list archive: %w", err)
	}

	s.mu.RLock()
	live := make(map[string]struct{}, len(s.snapshots))
	for _, snap := range s.snapshots {
		live[string(snap.Digest)] = struct{}{}
	}
	s.mu.RUnlock()

	removed := 0
	for _, d := range digests {
		if _, ok := live[d]; ok {
			continue
		}
		if err := s.archive.Delete(ctx, d); err != nil {
			return removed, fmt.Errorf("delete %s: %w", d, err)
		}
		removed++
	}
	return removed, nil
}

// Stats summarizes the store.
type Stats struct {
	Live            int
	Snapshots       int
	StateBytes      int
	SharedUniverses int
	COWBreaks       int64
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Live:      len(s.universes),
		Snapshots: len(s.snapshots),
		COWBreaks: s.cowBreaks.Load(),
	}
	for _, u := range s.universes {
		st.StateBytes += u.meta.StateSize
		if u.shared && u.block.refs > 1 {
			st.SharedUniverses++
		}
	}
	return st
}

func (s *Store) finish(kind OpKind, batchID string, start time.Time, err error, ids ...string) {
	d := time.Since(start)
	if err != nil {
		s.log.Debug("operation failed", zap.String("op", string(kind)), zap.Strings("ids", ids), zap.Error(err))
	} else {
		s.log.Debug("operation", zap.String("op", string(kind)), zap.Strings("ids", ids), zap.Duration("elapsed", d))
	}
	s.ev.emit(Event{Kind: kind, IDs: nonEmpty(ids), BatchID: batchID, Duration: d, Err: err})
	s.opts.Metrics.SetLive(s.Len())
}

func nonEmpty(ids []string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
