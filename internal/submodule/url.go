package submodule

import (
	"net/url"
	"path"
	"strings"
)

// resolveSubmoduleURL resolves a submodule's configured URL against the
// parent mirror's canonical remote (spec §3 "relative URLs beginning with
// '.' are resolved against the mirror's teamcity.remote"). Absolute URLs
// are returned unchanged.
func resolveSubmoduleURL(parentURL, submoduleURL string) string {
	if !strings.HasPrefix(submoduleURL, ".") {
		return submoduleURL
	}

	base, err := url.Parse(parentURL)
	if err != nil {
		return submoduleURL
	}

	// Git resolves a relative submodule URL against the superproject's own
	// URL treated as a directory (not its parent directory), so "../sibling.git"
	// against ".../team/proj.git" yields ".../team/sibling.git".
	base.Path = path.Clean(path.Join(base.Path, submoduleURL))
	return base.String()
}
