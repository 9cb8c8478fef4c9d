package submodule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveSubmoduleURLAbsoluteIsUnchanged(t *testing.T) {
	got := resolveSubmoduleURL("https://example.com/team/proj.git", "https://other.com/x.git")
	require.Equal(t, "https://other.com/x.git", got)
}

func TestResolveSubmoduleURLRelativeSibling(t *testing.T) {
	got := resolveSubmoduleURL("https://example.com/team/proj.git", "../sibling.git")
	require.Equal(t, "https://example.com/team/sibling.git", got)
}

func TestResolveSubmoduleURLRelativeChild(t *testing.T) {
	got := resolveSubmoduleURL("https://example.com/team/proj.git", "./extra.git")
	require.Equal(t, "https://example.com/team/proj.git/extra.git", got)
}

func TestResolveSubmoduleURLRelativeMultipleLevelsUp(t *testing.T) {
	got := resolveSubmoduleURL("https://example.com/team/sub/proj.git", "../../other/thing.git")
	require.Equal(t, "https://example.com/team/other/thing.git", got)
}

func TestResolveSubmoduleURLUnparsableParentReturnsSubmoduleURLUnchanged(t *testing.T) {
	got := resolveSubmoduleURL("://not a url", "../sibling.git")
	require.Equal(t, "../sibling.git", got)
}
