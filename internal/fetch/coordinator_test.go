package fetch

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/ci-platform/ciremote/internal/command"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
	"gitlab.com/ci-platform/ciremote/internal/model"
)

func requireGit(t *testing.T) string {
	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not available on PATH")
	}
	return path
}

// newSeededMirror creates a bare mirror with one commit on main, returning
// its Dir and the commit sha.
func newSeededMirror(t *testing.T, facade *gitcmd.Facade) (*mirror.Dir, string) {
	ctx := context.Background()
	base := t.TempDir()

	// Build a seed working repo with one commit, then fetch it into our
	// managed bare directory so the Dir already has the commit present.
	seed := filepath.Join(base, "seed")
	require.NoError(t, exec.Command("git", "init", seed).Run())
	require.NoError(t, exec.Command("git", "-C", seed, "config", "user.email", "x@example.com").Run())
	require.NoError(t, exec.Command("git", "-C", seed, "config", "user.name", "tester").Run())
	require.NoError(t, exec.Command("git", "-C", seed, "commit", "--allow-empty", "-m", "initial").Run())

	shaOut, err := exec.Command("git", "-C", seed, "rev-parse", "HEAD").Output()
	require.NoError(t, err)
	sha := string(shaOut[:40])

	m := mirror.NewManager(mirror.Config{BaseDir: filepath.Join(base, "mirrors"), TTL: time.Hour}, facade)
	dir, err := m.Resolve(ctx, mirror.ParseRepoUrl("file://"+seed))
	require.NoError(t, err)

	_, err = facade.Exec(ctx, gitcmd.SubCmd{Name: "fetch", Args: []string{seed, "+refs/heads/main:refs/heads/main"}}, gitcmd.ExecOpts{GitDir: dir.Path()})
	if err != nil {
		_, err = facade.Exec(ctx, gitcmd.SubCmd{Name: "fetch", Args: []string{seed, "+refs/heads/master:refs/heads/master"}}, gitcmd.ExecOpts{GitDir: dir.Path()})
	}
	require.NoError(t, err)

	return dir, sha
}

func TestCoordinatorEnsurePresentNoOpWhenAlreadyPresent(t *testing.T) {
	binPath := requireGit(t)
	facade := gitcmd.New(binPath, command.NoopCgroupPlacer{})
	dir, sha := newSeededMirror(t, facade)

	coordinator := NewCoordinator(Config{RetryAttempts: 1, RetryInterval: time.Millisecond}, facade, nil)

	snapshot := model.StateSnapshot{"refs/heads/main": sha}
	err := coordinator.EnsurePresent(context.Background(), dir, snapshot, true)
	require.NoError(t, err)
}

func TestCoordinatorEnsurePresentMissingAfterFetchFails(t *testing.T) {
	binPath := requireGit(t)
	facade := gitcmd.New(binPath, command.NoopCgroupPlacer{})
	dir, _ := newSeededMirror(t, facade)

	coordinator := NewCoordinator(Config{RetryAttempts: 1, RetryInterval: time.Millisecond}, facade, nil)

	bogusSha := "0000000000000000000000000000000000000000"
	snapshot := model.StateSnapshot{"refs/heads/does-not-exist": bogusSha}

	err := coordinator.EnsurePresent(context.Background(), dir, snapshot, true)
	require.Error(t, err)
}

func TestIsPresentDoesNotErrorOnMissingRevision(t *testing.T) {
	binPath := requireGit(t)
	facade := gitcmd.New(binPath, command.NoopCgroupPlacer{})
	dir, _ := newSeededMirror(t, facade)

	coordinator := NewCoordinator(Config{RetryAttempts: 1, RetryInterval: time.Millisecond}, facade, nil)

	present, err := coordinator.isPresent(context.Background(), dir, "0000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.False(t, present)
}

func TestClassifyTransportError(t *testing.T) {
	cases := map[string]bool{
		"connection reset by peer":           true,
		"dial tcp: i/o timeout":              true,
		"authentication failed for '...'":    false,
		"remote: permission denied":          false,
		"unexpected internal failure, sorry": false,
	}
	for msg, wantRecoverable := range cases {
		classified := classifyTransportError(&testError{msg: msg})
		require.Equal(t, wantRecoverable, strings.Contains(classified.Error(), "TRANSPORT_RECOVERABLE"), msg)
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
