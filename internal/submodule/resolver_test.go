package submodule

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/ci-platform/ciremote/internal/ciremoteerrors"
	"gitlab.com/ci-platform/ciremote/internal/command"
	"gitlab.com/ci-platform/ciremote/internal/fetch"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
)

func requireGit(t *testing.T) string {
	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not available on PATH")
	}
	return path
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	require.NoError(t, err, "git %v", args)
	return string(out)
}

// seededParentWithSubmodule builds two seed working repos on disk (a
// "child" repo with one commit, and a "parent" repo whose .gitmodules
// references the child by relative path), then fetches the parent into a
// managed mirror. It returns the mirror manager (so the resolver can
// create the child mirror lazily), the parent Dir, the parent's HEAD sha,
// and the child's HEAD sha. The parent commit holds only .gitmodules, with
// no gitlink entry, so callers pass the child's sha as the pointer.
func seededParentWithSubmodule(t *testing.T, facade *gitcmd.Facade) (*mirror.Manager, *mirror.Dir, string, string) {
	base := t.TempDir()
	ctx := context.Background()

	childSeed := filepath.Join(base, "child-seed")
	require.NoError(t, exec.Command("git", "init", childSeed).Run())
	runGit(t, childSeed, "config", "user.email", "x@example.com")
	runGit(t, childSeed, "config", "user.name", "tester")
	runGit(t, childSeed, "commit", "--allow-empty", "-m", "child initial")
	childSha := firstLine(runGit(t, childSeed, "rev-parse", "HEAD"))

	parentSeed := filepath.Join(base, "parent-seed")
	require.NoError(t, exec.Command("git", "init", parentSeed).Run())
	runGit(t, parentSeed, "config", "user.email", "x@example.com")
	runGit(t, parentSeed, "config", "user.name", "tester")
	gitmodules := "[submodule \"libs/child\"]\n\tpath = libs/child\n\turl = ../child-seed\n"
	require.NoError(t, writeFile(filepath.Join(parentSeed, ".gitmodules"), gitmodules))
	runGit(t, parentSeed, "add", ".gitmodules")
	runGit(t, parentSeed, "commit", "-m", "add submodule config")
	parentSha := firstLine(runGit(t, parentSeed, "rev-parse", "HEAD"))

	m := mirror.NewManager(mirror.Config{BaseDir: filepath.Join(base, "mirrors"), TTL: time.Hour}, facade)
	parentDir, err := m.Resolve(ctx, mirror.ParseRepoUrl("file://"+parentSeed))
	require.NoError(t, err)

	fetchHead(t, facade, parentDir, parentSeed)

	return m, parentDir, parentSha, childSha
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func fetchHead(t *testing.T, facade *gitcmd.Facade, dir *mirror.Dir, seedPath string) {
	t.Helper()
	ctx := context.Background()
	_, err := facade.Exec(ctx, gitcmd.SubCmd{Name: "fetch", Args: []string{seedPath, "+refs/heads/main:refs/heads/main"}}, gitcmd.ExecOpts{GitDir: dir.Path()})
	if err != nil {
		_, err = facade.Exec(ctx, gitcmd.SubCmd{Name: "fetch", Args: []string{seedPath, "+refs/heads/master:refs/heads/master"}}, gitcmd.ExecOpts{GitDir: dir.Path()})
	}
	require.NoError(t, err)
}

func TestResolverGetSubmoduleCommitResolvesAndFetchesChild(t *testing.T) {
	binPath := requireGit(t)
	facade := gitcmd.New(binPath, command.NoopCgroupPlacer{})
	manager, parentDir, parentSha, childSha := seededParentWithSubmodule(t, facade)

	coordinator := fetch.NewCoordinator(fetch.Config{RetryAttempts: 1, RetryInterval: time.Millisecond}, facade, nil)
	resolver := NewResolver(facade, manager, coordinator, parentDir, parentSha)

	childDir, err := resolver.GetSubmoduleCommit(context.Background(), "libs/child", childSha)
	require.NoError(t, err)
	require.NotNil(t, childDir)
}

func TestResolverMissingConfigAtCommitWithoutGitmodules(t *testing.T) {
	binPath := requireGit(t)
	facade := gitcmd.New(binPath, command.NoopCgroupPlacer{})
	base := t.TempDir()
	ctx := context.Background()

	seed := filepath.Join(base, "seed")
	require.NoError(t, exec.Command("git", "init", seed).Run())
	runGit(t, seed, "config", "user.email", "x@example.com")
	runGit(t, seed, "config", "user.name", "tester")
	runGit(t, seed, "commit", "--allow-empty", "-m", "no submodules here")
	sha := firstLine(runGit(t, seed, "rev-parse", "HEAD"))

	manager := mirror.NewManager(mirror.Config{BaseDir: filepath.Join(base, "mirrors"), TTL: time.Hour}, facade)
	dir, err := manager.Resolve(ctx, mirror.ParseRepoUrl("file://"+seed))
	require.NoError(t, err)
	fetchHead(t, facade, dir, seed)

	coordinator := fetch.NewCoordinator(fetch.Config{RetryAttempts: 1, RetryInterval: time.Millisecond}, facade, nil)
	resolver := NewResolver(facade, manager, coordinator, dir, sha)

	_, err = resolver.GetSubmoduleCommit(ctx, "libs/anything", "deadbeef")
	require.Error(t, err)
	require.Equal(t, ciremoteerrors.SubmoduleMissingConfig, ciremoteerrors.KindOf(err))
}
