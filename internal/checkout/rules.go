// Package checkout is the Checkout-Rules Walker (spec §4.G): given a
// start commit and a stop set, it finds the newest ancestor commit whose
// changes are relevant under a set of include/exclude path rules.
package checkout

import "strings"

// rule is one `+:pattern` or `-:pattern` checkout-rule line. A path
// matches a rule when it equals the pattern or sits under it as a
// directory prefix.
type rule struct {
	include bool
	pattern string
}

// Rules is an ordered set of include/exclude path rules (spec §3
// "CheckoutRules"). The last rule matching a path wins, mirroring
// TeamCity's own checkout-rules evaluation order; once any rule exists,
// a path matching none of them is excluded by default.
type Rules struct {
	rules []rule
}

// ParseRules parses checkout-rule lines of the form "+:path" / "-:path".
// Blank lines and lines without a recognized sign are ignored.
func ParseRules(lines []string) Rules {
	var parsed []rule
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var include bool
		switch {
		case strings.HasPrefix(line, "+:"):
			include = true
		case strings.HasPrefix(line, "-:"):
			include = false
		default:
			continue
		}
		pattern := strings.Trim(line[2:], "/")
		parsed = append(parsed, rule{include: include, pattern: pattern})
	}
	return Rules{rules: parsed}
}

// AllRules matches every path; the zero value of Rules already behaves
// this way, but the name documents intent at call sites.
func AllRules() Rules { return Rules{} }

// Matches reports whether path is selected by the rule set. An empty rule
// set (spec §3 "no checkout rules configured") includes everything; once
// any rule is present, a path matching none of them is excluded — the
// same "rules are a whitelist once you write one" behavior TeamCity's
// checkout rules use.
func (r Rules) Matches(path string) bool {
	if len(r.rules) == 0 {
		return true
	}

	path = strings.Trim(path, "/")
	result := false
	for _, ru := range r.rules {
		if ru.pattern == "" || ru.pattern == "." || path == ru.pattern || strings.HasPrefix(path, ru.pattern+"/") {
			result = ru.include
		}
	}
	return result
}

// MatchesAny reports whether any of paths is selected by the rule set;
// used to decide whether a commit's change list is relevant at all.
func (r Rules) MatchesAny(paths []string) bool {
	for _, p := range paths {
		if r.Matches(p) {
			return true
		}
	}
	return false
}

// AllMatch reports whether every one of paths is selected — used to tell
// a fully-affected commit from a merge commit where only some parents'
// changes are in scope.
func (r Rules) AllMatch(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !r.Matches(p) {
			return false
		}
	}
	return true
}
