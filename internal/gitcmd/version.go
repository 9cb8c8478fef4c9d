package gitcmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// minimumVersion is the oldest native git release the Fetch Coordinator will
// trust to do `fetch --stdin` batched ref updates (spec §4.C).
var minimumVersion = Version{versionString: "2.31.0", major: 2, minor: 31, patch: 0}

// Version is a parsed `git version` output.
type Version struct {
	versionString       string
	major, minor, patch uint32
	rc                  bool
}

func (v Version) String() string { return v.versionString }

// IsSupported reports whether v meets the facade's minimum supported
// version for native transport.
func (v Version) IsSupported() bool { return !v.LessThan(minimumVersion) }

// LessThan reports whether v is older than other.
func (v Version) LessThan(other Version) bool {
	switch {
	case v.major != other.major:
		return v.major < other.major
	case v.minor != other.minor:
		return v.minor < other.minor
	case v.patch != other.patch:
		return v.patch < other.patch
	case v.rc != other.rc:
		return v.rc
	default:
		return false
	}
}

// DetectVersion runs `git version` through f and parses the result. The
// facade caches this per process since it never changes across the
// lifetime of a running ciremote-gcd/ciremote-ctl process.
func (f *Facade) DetectVersion(ctx context.Context) (Version, error) {
	f.versionOnce.Do(func() {
		result, err := f.runner.Run(ctx, f.buildConfig(buildOpts{subcommand: "version"}))
		if err != nil {
			f.versionErr = fmt.Errorf("gitcmd: detect version: %w", err)
			return
		}
		f.version, f.versionErr = parseVersion(string(result.Stdout))
	})
	return f.version, f.versionErr
}

func parseVersion(output string) (Version, error) {
	trimmed := strings.TrimSpace(output)
	fields := strings.SplitN(trimmed, " ", 3)
	if len(fields) != 3 {
		return Version{}, fmt.Errorf("gitcmd: invalid `git version` output %q", output)
	}

	parts := strings.SplitN(fields[2], ".", 4)
	if len(parts) < 3 {
		return Version{}, fmt.Errorf("gitcmd: expected major.minor.patch in %q", fields[2])
	}

	ver := Version{versionString: fields[2]}
	dst := []*uint32{&ver.major, &ver.minor, &ver.patch}
	for i, raw := range parts[:3] {
		rcSplit := strings.SplitN(raw, "-", 2)
		n, err := strconv.ParseUint(rcSplit[0], 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("gitcmd: parsing version component %q: %w", raw, err)
		}
		*dst[i] = uint32(n)
		if len(rcSplit) == 2 && strings.HasPrefix(rcSplit[1], "rc") {
			ver.rc = true
		}
	}
	if len(parts) == 4 && strings.HasPrefix(parts[3], "rc") {
		ver.rc = true
	}

	return ver, nil
}
