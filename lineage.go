package cowverse

import (
	"fmt"
	"sort"
)

// Dimension selects how Distribution groups universes.
type Dimension string

const (
	ByType       Dimension = "type"
	ByAge        Dimension = "age"
	ByComplexity Dimension = "complexity"
)

// Age buckets.
const (
	AgeNew    = "new"
	AgeActive = "active"
	AgeOld    = "old"
)

// Complexity buckets.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

// Integrity issues.
const (
	IssueParentNotFound = "parent not found"
	IssueChildNotFound  = "child not found"
)

// Index answers read-only lineage and statistics queries against a Store.
// Every query runs under the store's read lock and sees one consistent
// point in time.
type Index struct {
	store *Store
}

// NewIndex creates an index over store.
func NewIndex(store *Store) *Index {
	return &Index{store: store}
}

// Siblings returns the ids of live universes sharing id's parent, sorted.
// A universe without a parent has no siblings.
func (x *Index) Siblings(id string) ([]string, error) {
	s := x.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.universes[id]
	if !ok {
		return nil, notFound(id)
	}
	if u.parentID == "" {
		return []string{}, nil
	}

	out := []string{}
	for _, other := range s.universes {
		if other.id != id && other.parentID == u.parentID {
			out = append(out, other.id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Descendants counts live universes transitively reachable through
// children lists. Evicted children count as zero and cycles are visited
// once.
func (x *Index) Descendants(id string) (int, error) {
	s := x.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.universes[id]
	if !ok {
		return 0, notFound(id)
	}

	visited := map[string]struct{}{id: {}}
	stack := append([]string(nil), root.children...)
	count := 0
	for len(stack) > 0 {
		cid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[cid]; seen {
			continue
		}
		visited[cid] = struct{}{}

		child, ok := s.universes[cid]
		if !ok {
			continue
		}
		count++
		stack = append(stack, child.children...)
	}
	return count, nil
}

// IntegrityReport lists dangling lineage references of one universe.
type IntegrityReport struct {
	Healthy bool
	Issues  []string
}

// Integrity reports a missing parent and one issue per missing child.
func (x *Index) Integrity(id string) (IntegrityReport, error) {
	s := x.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.universes[id]
	if !ok {
		return IntegrityReport{}, notFound(id)
	}

	issues := []string{}
	if u.parentID != "" {
		if _, ok := s.universes[u.parentID]; !ok {
			issues = append(issues, IssueParentNotFound)
		}
	}
	for _, cid := range u.children {
		if _, ok := s.universes[cid]; !ok {
			issues = append(issues, IssueChildNotFound)
		}
	}
	return IntegrityReport{Healthy: len(issues) == 0, Issues: issues}, nil
}

// Distribution counts live universes per bucket of the given dimension.
func (x *Index) Distribution(dim Dimension) (map[string]int, error) {
	s := x.store
	opts := s.opts

	var bucket func(u *universe) string
	switch dim {
	case ByType:
		bucket = func(u *universe) string { return u.meta.Type }
	case ByAge:
		now := s.now()
		bucket = func(u *universe) string {
			age := now.Sub(u.meta.CreatedAt)
			switch {
			case age < opts.NewAge:
				return AgeNew
			case age < opts.ActiveAge:
				return AgeActive
			default:
				return AgeOld
			}
		}
	case ByComplexity:
		bucket = func(u *universe) string {
			switch {
			case u.meta.StateSize >= opts.ComplexSize || u.depth >= opts.ComplexDepth:
				return ComplexityComplex
			case u.meta.StateSize <= opts.SimpleSize && u.depth <= opts.SimpleDepth:
				return ComplexitySimple
			default:
				return ComplexityModerate
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown dimension %q", ErrInvalidArgument, dim)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, u := range s.universes {
		out[bucket(u)]++
	}
	return out, nil
}
