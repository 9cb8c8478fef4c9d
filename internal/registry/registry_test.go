package registry

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/ci-platform/ciremote/internal/ciremoteerrors"
)

func TestRegistryRegisterAndClearError(t *testing.T) {
	r := New()
	cause := errors.New("disk full")

	r.RegisterError("abc123", ciremoteerrors.GCDiskFull, "no space for repack", cause)

	view := r.View()
	require.Contains(t, view, "abc123")
	require.Equal(t, ciremoteerrors.GCDiskFull, view["abc123"].Kind)

	r.ClearError("abc123")
	require.NotContains(t, r.View(), "abc123")
}

func TestRegistryRetainErrorsPrunesStaleMirrors(t *testing.T) {
	r := New()
	r.RegisterError("mirror-a", ciremoteerrors.GCProcessFailed, "repack crashed", nil)
	r.RegisterError("mirror-b", ciremoteerrors.GCProcessFailed, "repack crashed", nil)

	r.RetainErrors([]string{"mirror-a"})

	view := r.View()
	require.Contains(t, view, "mirror-a")
	require.NotContains(t, view, "mirror-b")
}

func TestRegistryLastNativeGitError(t *testing.T) {
	r := New()

	_, ok := r.LastNativeGitError()
	require.False(t, ok)

	r.SetLastNativeGitError(errors.New("git executable not found"))
	err, ok := r.LastNativeGitError()
	require.True(t, ok)
	require.EqualError(t, err, "git executable not found")

	r.SetLastNativeGitError(nil)
	_, ok = r.LastNativeGitError()
	require.False(t, ok)
}

func TestProgressSinkWritesCorrelatedLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewProgressSink(&buf)

	sink.Stage("fetching")
	sink.Printf("fetched %d refs", 3)
	sink.Done()

	output := buf.String()
	require.Contains(t, output, sink.CorrelationID())
	require.Contains(t, output, "==> fetching")
	require.Contains(t, output, "fetched 3 refs")
	require.Contains(t, output, "done")
}
