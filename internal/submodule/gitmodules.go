package submodule

import (
	"bufio"
	"strings"

	"gitlab.com/ci-platform/ciremote/internal/model"
)

// parseGitmodules parses the contents of a .gitmodules blob into a
// SubmoduleConfig. The format is git-config's ini-like syntax restricted
// to `[submodule "name"]` sections with `path`, `url` and `branch` keys;
// none of the pack's config libraries (go-toml, envconfig) understand this
// dialect, so this is a small purpose-built parser — the one place in the
// package that isn't backed by a pack dependency.
func parseGitmodules(content string) model.SubmoduleConfig {
	config := make(model.SubmoduleConfig)

	var currentPath, currentURL, currentBranch string
	var inSection bool

	flush := func() {
		if inSection && currentPath != "" {
			config[currentPath] = model.SubmoduleEntry{Path: currentPath, URL: currentURL, Branch: currentBranch}
		}
		currentPath, currentURL, currentBranch = "", "", ""
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			flush()
			inSection = strings.HasPrefix(line, "[submodule ")
			continue
		}
		if !inSection {
			continue
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "path":
			currentPath = value
		case "url":
			currentURL = value
		case "branch":
			currentBranch = value
		}
	}
	flush()

	return config
}

func splitKeyValue(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	value = strings.Trim(value, `"`)
	return key, value, true
}
