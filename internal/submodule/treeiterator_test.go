package submodule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func collectPaths(it TreeIterator) []string {
	var paths []string
	for it.Next() {
		paths = append(paths, it.Entry().Path)
	}
	return paths
}

func TestTreeIteratorNativeOrderTreatsSubmodulesAsDirectories(t *testing.T) {
	// Raw git ls-tree order: "a.c" sorts before "a" (submodule) because git
	// appends an implicit "/" to both tree and gitlink entries.
	entries := []TreeEntry{
		{Path: "a.c", Kind: KindBlob},
		{Path: "a", Kind: KindSubmodule},
		{Path: "a0c", Kind: KindBlob},
	}
	it := NewTreeIterator(entries)
	require.Equal(t, []string{"a.c", "a", "a0c"}, collectPaths(it))
}

func TestSubmoduleAwareTreeIteratorOrdersSubmodulesAsFilenames(t *testing.T) {
	entries := []TreeEntry{
		{Path: "a.c", Kind: KindBlob},
		{Path: "a", Kind: KindSubmodule},
		{Path: "a0c", Kind: KindBlob},
	}
	it := NewSubmoduleAwareTreeIterator(entries)
	require.Equal(t, []string{"a", "a.c", "a0c"}, collectPaths(it))
}

func TestSubmoduleAwareTreeIteratorKeepsDirectoriesSortingAfterDottedNames(t *testing.T) {
	entries := []TreeEntry{
		{Path: "a.c", Kind: KindBlob},
		{Path: "a", Kind: KindTree},
		{Path: "a0c", Kind: KindBlob},
	}
	it := NewSubmoduleAwareTreeIterator(entries)
	// "a" is a real directory here, so it still sorts with an implicit "/",
	// landing after "a.c".
	require.Equal(t, []string{"a.c", "a", "a0c"}, collectPaths(it))
}

func TestIsSubmodulePath(t *testing.T) {
	entries := []TreeEntry{
		{Path: "libs/foo", Kind: KindSubmodule},
		{Path: "README.md", Kind: KindBlob},
	}
	require.True(t, IsSubmodulePath(entries, "libs/foo"))
	require.False(t, IsSubmodulePath(entries, "README.md"))
	require.False(t, IsSubmodulePath(entries, "missing"))
}

func TestParseLsTree(t *testing.T) {
	output := "100644 blob aaaa\tREADME.md\n" +
		"040000 tree bbbb\tlibs\n" +
		"160000 commit cccc\tlibs/foo\n"

	entries := ParseLsTree(output)
	require.Len(t, entries, 3)
	require.Equal(t, TreeEntry{Path: "README.md", Sha: "aaaa", Kind: KindBlob}, entries[0])
	require.Equal(t, TreeEntry{Path: "libs", Sha: "bbbb", Kind: KindTree}, entries[1])
	require.Equal(t, TreeEntry{Path: "libs/foo", Sha: "cccc", Kind: KindSubmodule}, entries[2])
}
