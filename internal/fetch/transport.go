package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	git2go "github.com/libgit2/git2go/v34"

	"gitlab.com/ci-platform/ciremote/internal/ciremoteerrors"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
)

// Transport performs the actual network fetch for a mirror. The
// Coordinator treats native and in-process transports identically (spec
// §4.D "the core treats the in-process path as a plug-in with the same
// interface").
type Transport interface {
	Fetch(ctx context.Context, dir *mirror.Dir, remoteURL string, refspecs []string) error
}

// NativeTransport shells out to the configured native git binary through
// the Native-Git Facade.
type NativeTransport struct {
	Facade       *gitcmd.Facade
	IdleTimeout  time.Duration
	TotalTimeout time.Duration
}

// Fetch implements Transport using `git fetch --stdin` when the detected
// git version supports it, falling back to one `git fetch` invocation per
// refspec batch otherwise.
func (t NativeTransport) Fetch(ctx context.Context, dir *mirror.Dir, remoteURL string, refspecs []string) error {
	if len(refspecs) == 0 {
		return nil
	}

	opts := gitcmd.ExecOpts{GitDir: dir.Path(), IdleTimeout: t.IdleTimeout, TotalTimeout: t.TotalTimeout}

	version, err := t.Facade.DetectVersion(ctx)
	if err == nil && version.IsSupported() {
		if _, err := t.Facade.FetchStdin(ctx, dir.Path(), remoteURL, refspecs, opts); err != nil {
			return classifyTransportError(err)
		}
		return nil
	}

	if _, err := t.Facade.Exec(ctx, gitcmd.SubCmd{Name: "fetch", Args: append([]string{remoteURL}, refspecs...)}, opts); err != nil {
		return classifyTransportError(err)
	}
	return nil
}

// InProcessTransport fetches via libgit2 bindings directly in this
// process, without spawning a child git (spec §4.D "in-process
// transport").
type InProcessTransport struct{}

// Fetch implements Transport using an anonymous git2go remote.
func (InProcessTransport) Fetch(ctx context.Context, dir *mirror.Dir, remoteURL string, refspecs []string) error {
	if len(refspecs) == 0 {
		return nil
	}

	repo, err := git2go.OpenRepository(dir.Path())
	if err != nil {
		return ciremoteerrors.Wrap(ciremoteerrors.NativeGitUnavailable, err, "opening mirror for in-process fetch")
	}
	defer repo.Free()

	remote, err := repo.Remotes.CreateAnonymous(remoteURL)
	if err != nil {
		return classifyTransportError(err)
	}
	defer remote.Free()

	if err := remote.Fetch(refspecs, nil, ""); err != nil {
		return classifyTransportError(err)
	}
	return nil
}

// classifyTransportError maps a raw transport failure onto the error
// taxonomy's recoverable/permanent/auth split (spec §4.D "the predicate
// for recoverability is a pure function of the error").
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "wrong password") || strings.Contains(msg, "authentication failed") || strings.Contains(msg, "invalid credentials"):
		return ciremoteerrors.Wrap(ciremoteerrors.AuthWrongCredentials, err, "authenticating to remote")
	case strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "temporary failure in name resolution") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "broken pipe"):
		return ciremoteerrors.Wrap(ciremoteerrors.TransportRecoverable, err, "transient transport failure")
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "certificate") || strings.Contains(msg, "no such host") || strings.Contains(msg, "could not resolve host"):
		return ciremoteerrors.Wrap(ciremoteerrors.TransportPermanent, err, "transport failure")
	default:
		return fmt.Errorf("fetch: %w", err)
	}
}
