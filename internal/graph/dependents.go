// Package graph holds traversals over the Filer's dependency graph. The
// functions here do no I/O and never mutate the nodes they walk, so they can
// be exercised against hand-built graphs.
package graph

import (
	"github.com/emirpasic/gods/stacks/arraystack"

	"gro/internal/disknode"
)

// Lookup resolves a node id to its current node, or nil if untracked.
type Lookup func(id string) *disknode.Disknode

// FilterDependents returns the ids of every node that transitively depends on
// node, following Dependents edges. The walk uses an explicit stack so chain
// depth is bounded by memory rather than by the goroutine stack.
//
// When predicate is non-nil only ids it accepts are returned, but the walk
// still continues through rejected nodes. node itself is part of the result
// only when it is reachable from itself through a cycle.
//
// If getByID is non-nil each dependent is re-resolved through it before its
// own dependents are followed; ids it cannot resolve are reported but not
// expanded.
func FilterDependents(node *disknode.Disknode, getByID Lookup, predicate func(id string) bool) map[string]struct{} {
	results := make(map[string]struct{})
	if node == nil {
		return results
	}

	searched := make(map[string]struct{})
	pending := arraystack.New()
	pending.Push(node)

	for !pending.Empty() {
		value, _ := pending.Pop()
		current := value.(*disknode.Disknode)

		for id, dependent := range current.Dependents {
			if _, seen := searched[id]; seen {
				continue
			}
			searched[id] = struct{}{}
			if predicate == nil || predicate(id) {
				results[id] = struct{}{}
			}

			next := dependent
			if getByID != nil {
				next = getByID(id)
			}
			if next != nil {
				pending.Push(next)
			}
		}
	}

	return results
}
