package gitcmd

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/ci-platform/ciremote/internal/command"
)

func findGit(t *testing.T) string {
	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not available on PATH")
	}
	return path
}

func TestFacadeInitBareAndConfig(t *testing.T) {
	binPath := findGit(t)
	dir := t.TempDir()
	gitDir := filepath.Join(dir, "repo.git")

	f := New(binPath, command.NoopCgroupPlacer{})
	ctx := context.Background()

	_, err := f.InitBare(ctx, gitDir, ExecOpts{})
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(gitDir, "objects"))

	_, err = f.ConfigSet(ctx, gitDir, "ciremote.remote", "https://example.com/repo.git", ExecOpts{})
	require.NoError(t, err)

	result, err := f.ConfigGet(ctx, gitDir, "ciremote.remote", ExecOpts{})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/repo.git\n", string(result.Stdout))
}

func TestFacadeDetectVersion(t *testing.T) {
	binPath := findGit(t)
	f := New(binPath, command.NoopCgroupPlacer{})

	version, err := f.DetectVersion(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, version.String())

	// cached: second call must not re-spawn (can't observe directly here,
	// but it must still return the same value).
	version2, err := f.DetectVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, version, version2)
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		output    string
		wantMajor uint32
		wantMinor uint32
		wantPatch uint32
	}{
		{"git version 2.39.2", 2, 39, 2},
		{"git version 2.40.0-rc1\n", 2, 40, 0},
	}
	for _, tt := range tests {
		version, err := parseVersion(tt.output)
		require.NoError(t, err)
		require.Equal(t, tt.wantMajor, version.major)
		require.Equal(t, tt.wantMinor, version.minor)
		require.Equal(t, tt.wantPatch, version.patch)
	}
}

func TestVersionIsSupported(t *testing.T) {
	require.True(t, Version{major: 2, minor: 40, patch: 0}.IsSupported())
	require.False(t, Version{major: 2, minor: 20, patch: 0}.IsSupported())
	require.False(t, Version{major: 1, minor: 9, patch: 0}.IsSupported())
}
