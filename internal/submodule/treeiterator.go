package submodule

import (
	"sort"
	"strings"
)

// EntryKind distinguishes the three kinds of tree entry the Change
// Collector and Checkout-Rules Walker need to tell apart.
type EntryKind int

const (
	KindBlob EntryKind = iota
	KindTree
	KindSubmodule
)

// TreeEntry is one row of a `git ls-tree` listing.
type TreeEntry struct {
	Path string
	Sha  string
	Kind EntryKind
}

// TreeIterator walks a tree's direct children in some defined order.
// Next returns false once iteration is exhausted.
type TreeIterator interface {
	Next() bool
	Entry() TreeEntry
}

// sliceIterator is the base iterator: entries in whatever order they were
// supplied in (native git ls-tree order, submodules sorting as if they
// were directories).
type sliceIterator struct {
	entries []TreeEntry
	pos     int
}

// NewTreeIterator returns the base, non-remapped iterator over entries.
func NewTreeIterator(entries []TreeEntry) TreeIterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (it *sliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}

func (it *sliceIterator) Entry() TreeEntry {
	return it.entries[it.pos]
}

// indirectIterator is grounded on IndirectSubmoduleAwareTreeIterator.java:
// git sorts submodule (gitlink) entries as though they were directories —
// with an implicit trailing "/" — but callers that treat a submodule as
// an ordinary path component need filename order instead ("a" < "a.c" <
// "a0c" rather than "a.c" < "a/c" < "a0c"). Where the Java original carried
// a precomputed int[] mapping and renavigated a wrapped, stateful iterator
// position-by-position (next(delta)/back(delta)), we have the full entry
// list in memory already, so the remap collapses to a single sort of a
// materialized slice — no delta-based navigation needed.
type indirectIterator struct {
	entries []TreeEntry
	pos     int
}

// NewSubmoduleAwareTreeIterator returns an iterator over entries in
// filename order, treating submodule entries as plain path components
// rather than directories.
func NewSubmoduleAwareTreeIterator(entries []TreeEntry) TreeIterator {
	remapped := make([]TreeEntry, len(entries))
	copy(remapped, entries)

	sort.SliceStable(remapped, func(i, j int) bool {
		return sortKey(remapped[i]) < sortKey(remapped[j])
	})

	return &indirectIterator{entries: remapped, pos: -1}
}

// sortKey mirrors git's tree-entry comparison except that submodules never
// gain the trailing "/" that trees use to sort after same-prefixed blobs.
func sortKey(e TreeEntry) string {
	if e.Kind == KindTree {
		return e.Path + "/"
	}
	return e.Path
}

func (it *indirectIterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}

func (it *indirectIterator) Entry() TreeEntry {
	return it.entries[it.pos]
}

// IsSubmodulePath reports whether path names a submodule entry among
// entries, for callers that only have a path and need a quick lookup
// rather than a full walk.
func IsSubmodulePath(entries []TreeEntry, path string) bool {
	for _, e := range entries {
		if e.Kind == KindSubmodule && e.Path == path {
			return true
		}
	}
	return false
}

// splitPath is a small helper used when matching checkout-rules path
// prefixes against submodule mount points.
func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}
