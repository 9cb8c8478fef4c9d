package mirror

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
)

// RepoUrl is a canonicalized remote location (spec §3 "Repository URL").
// Two URLs that differ only in userinfo map to the same mirror.
type RepoUrl struct {
	raw       string
	canonical string
}

// ParseRepoUrl canonicalizes raw into a RepoUrl. Two URLs differing only in
// embedded credentials compare equal once parsed.
func ParseRepoUrl(raw string) RepoUrl {
	canonical := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		u.User = nil
		canonical = strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.Path
		if u.RawQuery != "" {
			canonical += "?" + u.RawQuery
		}
	}
	return RepoUrl{raw: raw, canonical: canonical}
}

// String returns the canonical form of the URL, as stored in the mirror's
// `ciremote.remote` config entry.
func (u RepoUrl) String() string { return u.canonical }

// Raw returns the URL exactly as the caller supplied it, credentials
// included; used only when actually dialing the remote.
func (u RepoUrl) Raw() string { return u.raw }

// Equal reports whether two RepoUrls canonicalize to the same mirror.
func (u RepoUrl) Equal(other RepoUrl) bool { return u.canonical == other.canonical }

// Hash returns the stable hex digest used to name the on-disk mirror
// directory: `<hash>.git`.
func (u RepoUrl) Hash() string {
	sum := sha1.Sum([]byte(u.canonical))
	return hex.EncodeToString(sum[:])
}
