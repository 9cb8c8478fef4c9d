package submodule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGitmodulesBasic(t *testing.T) {
	content := `
[submodule "libs/foo"]
	path = libs/foo
	url = ../foo.git
	branch = main

[submodule "libs/bar"]
	path = libs/bar
	url = https://example.com/team/bar.git
`
	config := parseGitmodules(content)

	require.Len(t, config, 2)
	require.Equal(t, "../foo.git", config["libs/foo"].URL)
	require.Equal(t, "main", config["libs/foo"].Branch)
	require.Equal(t, "https://example.com/team/bar.git", config["libs/bar"].URL)
	require.Empty(t, config["libs/bar"].Branch)
}

func TestParseGitmodulesIgnoresNonSubmoduleSections(t *testing.T) {
	content := `
[core]
	filemode = true

[submodule "vendor/lib"]
	path = vendor/lib
	url = .
`
	config := parseGitmodules(content)

	require.Len(t, config, 1)
	require.Contains(t, config, "vendor/lib")
}

func TestParseGitmodulesEmptyContent(t *testing.T) {
	config := parseGitmodules("")
	require.Empty(t, config)
}

func TestParseGitmodulesSkipsCommentsAndBlankLines(t *testing.T) {
	content := `
# a top-level comment
; another style of comment

[submodule "x"]
	; comment inside section
	path = x
	url = ../x.git
`
	config := parseGitmodules(content)
	require.Len(t, config, 1)
	require.Equal(t, "../x.git", config["x"].URL)
}
