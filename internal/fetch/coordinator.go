// Package fetch is the Fetch Coordinator (spec §4.D): it decides whether a
// mirror already has the commits a caller needs, deduplicates concurrent
// fetches of the same mirror, chooses between the native and in-process
// transport, and retries recoverable transport errors.
package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sync/singleflight"

	"gitlab.com/ci-platform/ciremote/internal/ciremoteerrors"
	"gitlab.com/ci-platform/ciremote/internal/command"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/log"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
	"gitlab.com/ci-platform/ciremote/internal/model"
)

// ErrorRecorder is the subset of the Error/Progress Registry (component I)
// the Coordinator needs; satisfied by *registry.Registry.
type ErrorRecorder interface {
	RegisterError(mirrorHash string, kind ciremoteerrors.Kind, message string, cause error)
	ClearError(mirrorHash string)
}

type noopRecorder struct{}

func (noopRecorder) RegisterError(string, ciremoteerrors.Kind, string, error) {}
func (noopRecorder) ClearError(string)                                       {}

// Config configures a Coordinator's transport selection and retry policy.
type Config struct {
	NativeGitOperationsEnabled bool
	// NativeGitURLPrefixes restricts native transport to matching remote
	// URLs; empty means "all URLs" once NativeGitOperationsEnabled is set.
	NativeGitURLPrefixes []string

	RetryAttempts uint
	RetryInterval time.Duration
}

// Coordinator implements the Fetch Coordinator.
type Coordinator struct {
	cfg    Config
	facade *gitcmd.Facade
	native Transport
	inProc Transport

	recorder ErrorRecorder

	dedup singleflight.Group
}

// NewCoordinator returns a Coordinator using facade for native transport,
// presence checks, and an in-process libgit2 transport as its fallback.
func NewCoordinator(cfg Config, facade *gitcmd.Facade, recorder ErrorRecorder) *Coordinator {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Coordinator{
		cfg:      cfg,
		facade:   facade,
		native:   NativeTransport{Facade: facade},
		inProc:   InProcessTransport{},
		recorder: recorder,
	}
}

// EnsurePresent implements spec §4.D's contract: it fetches only the
// commits in snapshot that aren't already locally resolvable, retrying
// recoverable transport errors, and optionally fails with
// REVISION_NOT_FOUND if the target is still missing after the fetch.
func (c *Coordinator) EnsurePresent(ctx context.Context, dir *mirror.Dir, snapshot model.StateSnapshot, throwIfMissingAfterFetch bool) error {
	missing, err := c.missingRefspecs(ctx, dir, snapshot)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	if _, err, _ := c.dedup.Do(dir.Hash(), func() (interface{}, error) {
		return nil, c.fetchWithRetry(ctx, dir, missing)
	}); err != nil {
		return err
	}

	if !throwIfMissingAfterFetch {
		return nil
	}

	stillMissing, err := c.missingRefspecs(ctx, dir, snapshot)
	if err != nil {
		return err
	}
	if len(stillMissing) > 0 {
		return ciremoteerrors.Newf(ciremoteerrors.RevisionNotFound,
			"after fetching %s, %d of %d requested revisions are still absent", dir.Url(), len(stillMissing), len(snapshot))
	}
	return nil
}

// refspec is one (ref, sha) pair from a StateSnapshot still absent
// locally.
type refspec struct {
	ref string
	sha string
}

func (c *Coordinator) missingRefspecs(ctx context.Context, dir *mirror.Dir, snapshot model.StateSnapshot) ([]refspec, error) {
	var missing []refspec
	err := dir.WithReadLock(func() error {
		for ref, sha := range snapshot {
			present, err := c.isPresent(ctx, dir, sha)
			if err != nil {
				return err
			}
			if !present {
				missing = append(missing, refspec{ref: ref, sha: sha})
			}
		}
		return nil
	})
	return missing, err
}

// isPresent checks local resolvability of sha without spawning a fetch,
// preserving spec invariant 2 ("no-op fetch"): a fully-present snapshot
// never causes a fetch process to be spawned.
func (c *Coordinator) isPresent(ctx context.Context, dir *mirror.Dir, sha string) (bool, error) {
	result, err := c.facade.RevParse(ctx, dir.Path(), []string{"--verify", "--quiet", sha + "^{commit}"}, gitcmd.ExecOpts{})
	if err != nil {
		if _, ok := err.(*command.RunError); ok {
			return false, nil
		}
		return false, err
	}
	return result.ExitCode == 0, nil
}

func (c *Coordinator) fetchWithRetry(ctx context.Context, dir *mirror.Dir, missing []refspec) error {
	transport, err := c.selectTransport(ctx, dir)
	if err != nil {
		return err
	}

	refspecStrings := make([]string, len(missing))
	for i, rs := range missing {
		refspecStrings[i] = fmt.Sprintf("+%s:%s", rs.ref, rs.ref)
	}

	return dir.WithWriteLock(func() error {
		return retry.Do(
			func() error {
				return transport.Fetch(ctx, dir, dir.Url().Raw(), refspecStrings)
			},
			retry.Attempts(maxUint(c.cfg.RetryAttempts, 1)),
			retry.Delay(c.cfg.RetryInterval),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				recoverable := ciremoteerrors.IsRecoverable(err)
				if recoverable {
					log.Default().WithError(err).WithField("mirror", dir.Hash()).Debug("fetch: retrying recoverable transport error")
				} else {
					c.recorder.RegisterError(dir.Hash(), ciremoteerrors.KindOf(err), err.Error(), err)
				}
				return recoverable
			}),
		)
	})
}

// selectTransport implements spec §4.D's transport-selection rule.
func (c *Coordinator) selectTransport(ctx context.Context, dir *mirror.Dir) (Transport, error) {
	if !c.cfg.NativeGitOperationsEnabled {
		return c.inProc, nil
	}

	native, ok := c.native.(NativeTransport)
	if !ok || native.Facade == nil {
		return c.inProc, nil
	}

	version, err := native.Facade.DetectVersion(ctx)
	if err != nil || !version.IsSupported() {
		return c.inProc, nil
	}

	if len(c.cfg.NativeGitURLPrefixes) > 0 {
		url := dir.Url().String()
		matched := false
		for _, prefix := range c.cfg.NativeGitURLPrefixes {
			if strings.HasPrefix(url, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return c.inProc, nil
		}
	}

	return c.native, nil
}

func maxUint(v, min uint) uint {
	if v < min {
		return min
	}
	return v
}
