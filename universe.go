package cowverse

import (
	"time"
)

// Type tags recorded in Metadata.Type.
const (
	TypeRoot   = "root"
	TypeClone  = "clone"
	TypeBranch = "branch"
)

// Metadata describes a universe.
type Metadata struct {
	CreatedAt  time.Time
	ModifiedAt time.Time
	Type       string
	StateSize  int
	Tags       map[string]string

	// Set on universes created by CreateMany.
	BatchID       string
	CreationIndex int
}

// CreateMeta is the caller-supplied part of Metadata.
type CreateMeta struct {
	Type string
	Tags map[string]string
}

// Universe is a detached view of a universe. Mutating it has no effect on
// the store.
type Universe struct {
	ID        string
	ParentID  string
	State     State
	Metadata  Metadata
	Snapshots []Snapshot
	Children  []string
}

// HasParent reports whether the universe was cloned or branched.
func (u Universe) HasParent() bool { return u.ParentID != "" }

// SnapshotMeta is the caller-supplied part of a snapshot's metadata.
type SnapshotMeta struct {
	Name        string
	Description string
	Tags        map[string]string
}

// Snapshot is an immutable point-in-time copy of a universe's state.
type Snapshot struct {
	ID         string
	UniverseID string
	Digest     Digest
	State      State
	CapturedAt time.Time
	Size       int
	Meta       SnapshotMeta
}

func (s *Snapshot) detach() Snapshot {
	out := *s
	out.State = s.State.Clone()
	out.Meta.Tags = copyTags(s.Meta.Tags)
	return out
}

// UpdateResult reports the effect of a state update.
type UpdateResult struct {
	// COWBreak is true when the update had to materialize a private copy of
	// storage shared with another universe.
	COWBreak  bool
	SizeDelta int
	Size      int
}

// stateBlock is the storage a universe's state lives in. Clones point at
// their source's block until the first write.
type stateBlock struct {
	data State
	refs int
}

// universe is the store-owned record. Guarded by Store.mu.
type universe struct {
	seq      uint64
	id       string
	parentID string
	block    *stateBlock
	shared   bool
	meta     Metadata
	depth    int

	snapshots []*Snapshot
	children  []string
}

func (u *universe) detach() Universe {
	out := Universe{
		ID:       u.id,
		ParentID: u.parentID,
		State:    u.block.data.Clone(),
		Metadata: u.meta,
		Children: append([]string(nil), u.children...),
	}
	out.Metadata.Tags = copyTags(u.meta.Tags)
	out.Snapshots = make([]Snapshot, len(u.snapshots))
	for i, s := range u.snapshots {
		out.Snapshots[i] = s.detach()
	}
	return out
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
