package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunnerRunSuccess(t *testing.T) {
	ctx := context.Background()
	var r Runner

	result, err := r.Run(ctx, Config{
		Path: "/bin/sh",
		Args: []string{"-c", "echo hello; echo world 1>&2"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, "hello\n", string(result.Stdout))
	require.Equal(t, "world\n", string(result.Stderr))
}

func TestRunnerRunNonZeroExit(t *testing.T) {
	ctx := context.Background()
	var r Runner

	result, err := r.Run(ctx, Config{
		Path: "/bin/sh",
		Args: []string{"-c", "echo failing 1>&2; exit 7"},
	})
	require.Error(t, err)
	require.NotNil(t, result)
	require.Equal(t, 7, result.ExitCode)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, CategoryNonZeroExit, runErr.Category)
	require.Contains(t, runErr.StderrTail, "failing")
}

func TestRunnerRunTotalTimeout(t *testing.T) {
	ctx := context.Background()
	var r Runner

	start := time.Now()
	_, err := r.Run(ctx, Config{
		Path:         "/bin/sh",
		Args:         []string{"-c", "sleep 30"},
		TotalTimeout: 200 * time.Millisecond,
	})
	require.Less(t, time.Since(start), 10*time.Second)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, CategoryTimeout, runErr.Category)
}

func TestRunnerRunIdleTimeout(t *testing.T) {
	ctx := context.Background()
	var r Runner

	_, err := r.Run(ctx, Config{
		Path:        "/bin/sh",
		Args:        []string{"-c", "echo start; sleep 30"},
		IdleTimeout: 200 * time.Millisecond,
	})

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, CategoryTimeout, runErr.Category)
}

func TestRunnerRunStdin(t *testing.T) {
	ctx := context.Background()

	cmd, err := Start(ctx, Config{
		Path:  "/bin/cat",
		Stdin: SetupStdin,
	})
	require.NoError(t, err)

	_, err = cmd.Write([]byte("piped input\n"))
	require.NoError(t, err)
	require.NoError(t, cmd.Wait())
	require.Equal(t, "piped input\n", string(cmd.Stdout()))
}

func TestRunnerRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var r Runner

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, Config{
			Path: "/bin/sh",
			Args: []string{"-c", "sleep 30"},
		})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("command was not killed after context cancellation")
	}
}

func TestAllowedEnvironment(t *testing.T) {
	filtered := AllowedEnvironment([]string{
		"PATH=/usr/bin",
		"SOME_SECRET=hunter2",
		"HOME=/root",
	})
	require.Contains(t, filtered, "PATH=/usr/bin")
	require.Contains(t, filtered, "HOME=/root")
	require.NotContains(t, filtered, "SOME_SECRET=hunter2")
}
