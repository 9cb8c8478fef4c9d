package mirror

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/ci-platform/ciremote/internal/command"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	binPath, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not available on PATH")
	}
	facade := gitcmd.New(binPath, command.NoopCgroupPlacer{})
	return NewManager(Config{BaseDir: t.TempDir(), TTL: ttl}, facade)
}

func TestManagerResolveIsIdempotent(t *testing.T) {
	m := newTestManager(t, time.Hour)
	ctx := context.Background()
	url := ParseRepoUrl("https://example.com/team/proj.git")

	first, err := m.Resolve(ctx, url)
	require.NoError(t, err)
	require.DirExists(t, first.Path())

	second, err := m.Resolve(ctx, url)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestManagerResolveConcurrentCallersShareCreation(t *testing.T) {
	m := newTestManager(t, time.Hour)
	ctx := context.Background()
	url := ParseRepoUrl("https://example.com/team/concurrent.git")

	const n = 16
	results := make([]*Dir, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			dir, err := m.Resolve(ctx, url)
			require.NoError(t, err)
			results[i] = dir
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, results[0], results[i])
	}
}

func TestManagerExpiredDirs(t *testing.T) {
	m := newTestManager(t, time.Millisecond)
	ctx := context.Background()
	url := ParseRepoUrl("https://example.com/team/expiring.git")

	dir, err := m.Resolve(ctx, url)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	expired := m.ExpiredDirs()
	require.Len(t, expired, 1)
	require.Same(t, dir, expired[0])
}

func TestManagerRemoveDropsBookkeeping(t *testing.T) {
	m := newTestManager(t, time.Hour)
	ctx := context.Background()
	url := ParseRepoUrl("https://example.com/team/removable.git")

	dir, err := m.Resolve(ctx, url)
	require.NoError(t, err)

	release := dir.RmWriteLock()
	require.NoError(t, m.Remove(dir))
	release()

	require.NoDirExists(t, dir.Path())
	require.Equal(t, 0, m.Stats().TotalMirrors)
}

func TestManagerDiscoverAllAdoptsMirrorsFromAPriorProcess(t *testing.T) {
	binPath, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not available on PATH")
	}
	facade := gitcmd.New(binPath, command.NoopCgroupPlacer{})
	baseDir := t.TempDir()
	ctx := context.Background()

	url := ParseRepoUrl("https://example.com/team/discovered.git")
	original := NewManager(Config{BaseDir: baseDir, TTL: time.Hour}, facade)
	dir, err := original.Resolve(ctx, url)
	require.NoError(t, err)
	originalPath := dir.Path()

	fresh := NewManager(Config{BaseDir: baseDir, TTL: time.Hour}, facade)
	require.Empty(t, fresh.All())

	require.NoError(t, fresh.DiscoverAll(ctx))

	discovered := fresh.All()
	require.Len(t, discovered, 1)
	require.Equal(t, originalPath, discovered[0].Path())
	require.True(t, discovered[0].Url().Equal(url))
}

func TestManagerDiscoverAllSkipsAlreadyTrackedMirrors(t *testing.T) {
	m := newTestManager(t, time.Hour)
	ctx := context.Background()
	url := ParseRepoUrl("https://example.com/team/already-known.git")

	dir, err := m.Resolve(ctx, url)
	require.NoError(t, err)

	require.NoError(t, m.DiscoverAll(ctx))

	require.Len(t, m.All(), 1)
	require.Same(t, dir, m.All()[0])
}

func TestManagerDiscoverAllToleratesMissingBaseDir(t *testing.T) {
	binPath, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not available on PATH")
	}
	facade := gitcmd.New(binPath, command.NoopCgroupPlacer{})
	m := NewManager(Config{BaseDir: t.TempDir() + "/does-not-exist", TTL: time.Hour}, facade)

	require.NoError(t, m.DiscoverAll(context.Background()))
	require.Empty(t, m.All())
}

func TestDirWithReadLockAllowsConcurrentReaders(t *testing.T) {
	m := newTestManager(t, time.Hour)
	ctx := context.Background()
	dir, err := m.Resolve(ctx, ParseRepoUrl("https://example.com/team/readers.git"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := dir.WithReadLock(func() error {
				started <- struct{}{}
				time.Sleep(20 * time.Millisecond)
				return nil
			})
			require.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool {
		return len(started) == 2
	}, time.Second, time.Millisecond)
	wg.Wait()
}

func TestDirWriteLockExcludesReaders(t *testing.T) {
	m := newTestManager(t, time.Hour)
	ctx := context.Background()
	dir, err := m.Resolve(ctx, ParseRepoUrl("https://example.com/team/writer.git"))
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = dir.WithWriteLock(func() error {
			mu.Lock()
			order = append(order, "write-start")
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			order = append(order, "write-end")
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(5 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = dir.WithReadLock(func() error {
			mu.Lock()
			order = append(order, "read")
			mu.Unlock()
			return nil
		})
	}()

	wg.Wait()

	require.Equal(t, []string{"write-start", "write-end", "read"}, order)
}
