// Package cowverse provides an in-memory store of universes with copy-on-write state sharing and lineage tracking.
//
// A universe is an isolated state map. Cloning a universe is O(1): the clone
// points at its source's state until either side writes, at which point the
// writer takes a private copy. Every universe records its parent and children,
// so lineage can be queried long after ancestors are evicted.
//
// Basic usage:
//
//	store, _ := cowverse.New(cowverse.WithMaxUniverses(1000))
//	defer store.Close()
//
//	// Create and clone
//	root, _ := store.Create(cowverse.State{"gen": 0}, cowverse.CreateMeta{})
//	clone, _ := store.Clone(root.ID, cowverse.CreateMeta{})
//
//	// First write breaks sharing
//	res, _ := store.UpdateState(clone.ID, cowverse.State{"gen": 1})
//	fmt.Println(res.COWBreak, res.SizeDelta)
//
//	// Branch with modifications, merge back
//	branch, _ := store.Branch(root.ID, cowverse.State{"experiment": true}, cowverse.CreateMeta{})
//	store.Merge(root.ID, []string{branch.ID}, cowverse.MergeReplace)
//
//	// Snapshots are immutable and content addressed
//	snap, _ := store.Snapshot(root.ID, cowverse.SnapshotMeta{Name: "before"})
//	store.RestoreSnapshot(root.ID, snap.ID)
//	data, _ := store.ExportSnapshot(ctx, snap.ID)
//
// Bulk operations:
//
//	coord := cowverse.NewCoordinator(store)
//	created, _ := coord.CreateMany(ctx, 250, cowverse.CreateConfig{ChunkSize: 50})
//	ran, _ := coord.RunMany(ctx, []cowverse.Operation{
//	    {Kind: cowverse.OpSnapshot, UniverseID: root.ID},
//	    {Kind: cowverse.OpUpdate, UniverseID: clone.ID, Updates: map[string]any{"x": 1}},
//	})
//	for _, f := range ran.Failures {
//	    fmt.Println(f.Index, f.Err)
//	}
//
// Lineage and maintenance:
//
//	index := cowverse.NewIndex(store)
//	n, _ := index.Descendants(root.ID)
//	dist, _ := index.Distribution(cowverse.ByComplexity)
//
//	janitor := cowverse.NewJanitor(store)
//	janitor.Start(ctx)   // evict universes older than EvictAge
//	defer janitor.Stop()
package cowverse
