// Package disknode defines the node type of the Filer's dependency graph.
//
// A Disknode is one tracked file. Its Dependencies and Dependents maps are
// exact inverses of each other across the whole graph; they are only ever
// written through Link, Unlink and UnlinkDependencies so that the inverse
// relation cannot drift.
package disknode

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

type Disknode struct {
	// ID is the absolute path of the file.
	ID string
	// Contents is nil when the file does not exist on disk.
	Contents []byte
	// External nodes live outside the watched root or are excluded by the
	// filter. They are created on demand and read lazily.
	External bool
	// Ctime and Mtime are zero until the file has been read.
	Ctime time.Time
	Mtime time.Time
	// ContentHash is empty until the node is populated.
	ContentHash string

	Dependencies map[string]*Disknode
	Dependents   map[string]*Disknode
}

func New(id string, external bool) *Disknode {
	return &Disknode{
		ID:           id,
		External:     external,
		Dependencies: make(map[string]*Disknode),
		Dependents:   make(map[string]*Disknode),
	}
}

func (node *Disknode) Exists() bool {
	return node != nil && node.Contents != nil
}

// SetContents stores a fresh read of the file. A nil contents slice marks the
// file as absent and clears the timestamps and hash.
func (node *Disknode) SetContents(contents []byte, ctime, mtime time.Time) {
	if contents == nil {
		node.Contents = nil
		node.Ctime = time.Time{}
		node.Mtime = time.Time{}
		node.ContentHash = ""
		return
	}
	node.Contents = contents
	node.Ctime = ctime
	node.Mtime = mtime
	node.ContentHash = Hash(contents)
}

// SameContents reports whether contents equals what the node holds, treating
// nil (absent) and empty (existing but empty) as different.
func (node *Disknode) SameContents(contents []byte) bool {
	if (node.Contents == nil) != (contents == nil) {
		return false
	}
	return bytes.Equal(node.Contents, contents)
}

// Tombstone clears the node in place so that dependents keep a valid target.
// The node's own outgoing links are dropped: a deleted file imports nothing.
func (node *Disknode) Tombstone() {
	node.SetContents(nil, time.Time{}, time.Time{})
	node.UnlinkDependencies()
}

// Link records that node imports dependency.
func (node *Disknode) Link(dependency *Disknode) {
	if node == nil || dependency == nil {
		return
	}
	node.Dependencies[dependency.ID] = dependency
	dependency.Dependents[node.ID] = node
}

// Unlink removes the import of id, if present.
func (node *Disknode) Unlink(id string) {
	if node == nil {
		return
	}
	dependency, ok := node.Dependencies[id]
	if !ok {
		return
	}
	delete(node.Dependencies, id)
	delete(dependency.Dependents, node.ID)
}

func (node *Disknode) UnlinkDependencies() {
	if node == nil {
		return
	}
	for id := range node.Dependencies {
		node.Unlink(id)
	}
}

// SetDependencies replaces the node's imports with next, touching only the
// links that actually change.
func (node *Disknode) SetDependencies(next map[string]*Disknode) {
	for id := range node.Dependencies {
		if _, keep := next[id]; !keep {
			node.Unlink(id)
		}
	}
	for id, dependency := range next {
		if existing, ok := node.Dependencies[id]; ok && existing == dependency {
			continue
		}
		node.Unlink(id)
		node.Link(dependency)
	}
}

// Snapshot returns a copy of node that later graph updates do not touch.
// Linked nodes appear as stubs carrying only ID and External; follow an edge
// by looking its id up again. Contents is shared and must not be modified.
func (node *Disknode) Snapshot() *Disknode {
	if node == nil {
		return nil
	}
	return &Disknode{
		ID:           node.ID,
		Contents:     node.Contents,
		External:     node.External,
		Ctime:        node.Ctime,
		Mtime:        node.Mtime,
		ContentHash:  node.ContentHash,
		Dependencies: stubs(node.Dependencies),
		Dependents:   stubs(node.Dependents),
	}
}

func stubs(links map[string]*Disknode) map[string]*Disknode {
	copied := make(map[string]*Disknode, len(links))
	for id, linked := range links {
		copied[id] = &Disknode{ID: id, External: linked.External}
	}
	return copied
}

func Hash(contents []byte) string {
	return strconv.FormatUint(xxhash.Sum64(contents), 16)
}

// VerifyLinks checks that every dependency edge in nodes has its inverse
// dependent edge and vice versa.
func VerifyLinks(nodes map[string]*Disknode) error {
	for id, node := range nodes {
		for depID, dependency := range node.Dependencies {
			if dependency.Dependents[id] != node {
				return fmt.Errorf("%s imports %s but is not among its dependents", id, depID)
			}
		}
		for dependentID, dependent := range node.Dependents {
			if dependent.Dependencies[id] != node {
				return fmt.Errorf("%s lists dependent %s which does not import it", id, dependentID)
			}
		}
	}
	return nil
}
