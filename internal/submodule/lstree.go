package submodule

import (
	"bufio"
	"strings"
)

// ParseLsTree parses one level of `git ls-tree <treeish>` output (mode
// type sha, then a tab and the path) into TreeEntry values.
// Mode 160000 is git's gitlink mode, marking a submodule. Exported so
// internal/changes can classify changed paths against the same tree
// listing this package uses for iteration.
func ParseLsTree(output string) []TreeEntry {
	var entries []TreeEntry

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		tabIdx := strings.IndexByte(line, '\t')
		if tabIdx < 0 {
			continue
		}
		meta := strings.Fields(line[:tabIdx])
		path := line[tabIdx+1:]
		if len(meta) != 3 {
			continue
		}
		mode, _, sha := meta[0], meta[1], meta[2]

		kind := KindBlob
		switch mode {
		case "160000":
			kind = KindSubmodule
		case "040000":
			kind = KindTree
		}

		entries = append(entries, TreeEntry{Path: path, Sha: sha, Kind: kind})
	}

	return entries
}
