package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"gitlab.com/ci-platform/ciremote/internal/ciremoteerrors"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/log"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
)

// gcCopySwap runs gc in a throwaway clone of dir and atomically swaps it
// in, so readers never see a mirror mid-repack (Cleanup.java's
// runGcInCopy). The original is only briefly unavailable during the
// final rename, under dir's rm.write lock.
func (c *Compactor) gcCopySwap(ctx context.Context, dir *mirror.Dir) {
	release := dir.RmReadLock()

	needed, err := c.isGcNeeded(ctx, dir)
	if err != nil {
		release()
		log.Default().WithError(err).WithField("mirror", dir.Hash()).Warn("gc: failed to check if gc is needed")
		return
	}
	if !needed {
		release()
		c.recorder.ClearError(dir.Hash())
		return
	}

	if free := freeDiskSpace(filepath.Dir(dir.Path())); !enoughDiskSpaceForGC(dir.Path(), free) {
		release()
		c.recorder.RegisterError(dir.Hash(), ciremoteerrors.GCDiskFull, "not enough free disk space to garbage collect this mirror", nil)
		return
	}

	gcRepoPath, err := c.setupGcRepo(ctx, dir.Path())
	if err != nil {
		release()
		c.recorder.RegisterError(dir.Hash(), ciremoteerrors.GCProcessFailed, "failed to create temporary repository for garbage collection", err)
		return
	}

	if err := c.repackAndPackRefs(ctx, gcRepoPath); err != nil {
		release()
		c.recorder.RegisterError(dir.Hash(), ciremoteerrors.GCProcessFailed, "error while running garbage collection", err)
		os.RemoveAll(gcRepoPath)
		return
	}
	release()

	// Alternates must go before the swap: once gcRepoPath becomes the live
	// mirror it must stand on its own, not depend on the original it was
	// repacked from.
	os.Remove(filepath.Join(gcRepoPath, "objects", "info", "alternates"))

	oldPath, err := uniqueSiblingPath(dir.Path() + ".old")
	if err != nil {
		c.recorder.RegisterError(dir.Hash(), ciremoteerrors.GCProcessFailed, "error while creating temporary directory", err)
		os.RemoveAll(gcRepoPath)
		return
	}

	releaseWrite := dir.RmWriteLock()
	defer releaseWrite()

	if !renameWithRetry(dir.Path(), oldPath, 5) {
		c.recorder.RegisterError(dir.Hash(), ciremoteerrors.GCRenameFailed, fmt.Sprintf("failed to rename %s to %s", dir.Path(), oldPath), nil)
		os.RemoveAll(gcRepoPath)
		return
	}
	if !renameWithRetry(gcRepoPath, dir.Path(), 5) {
		c.recorder.RegisterError(dir.Hash(), ciremoteerrors.GCRenameFailed, fmt.Sprintf("failed to rename %s to %s, restoring original", gcRepoPath, dir.Path()), nil)
		if !renameWithRetry(oldPath, dir.Path(), 5) {
			log.Default().WithField("mirror", dir.Hash()).Error("gc: failed to restore original mirror after a failed swap")
		}
		return
	}

	os.RemoveAll(oldPath)
	c.recorder.ClearError(dir.Hash())
}

// setupGcRepo creates a bare sibling repository that shares gitDir's
// objects via an alternates file, so `git repack` there produces a
// self-contained pack without touching gitDir (Cleanup.java's
// setupGcRepo).
func (c *Compactor) setupGcRepo(ctx context.Context, gitDir string) (string, error) {
	gcPath, err := uniqueSiblingPath(gitDir + ".gc")
	if err != nil {
		return "", err
	}

	if _, err := c.facade.InitBare(ctx, gcPath, gitcmd.ExecOpts{}); err != nil {
		os.RemoveAll(gcPath)
		return "", err
	}

	objectsInfo := filepath.Join(gcPath, "objects", "info")
	if err := os.MkdirAll(objectsInfo, 0o755); err != nil {
		os.RemoveAll(gcPath)
		return "", err
	}
	canonicalObjects, err := filepath.Abs(filepath.Join(gitDir, "objects"))
	if err != nil {
		os.RemoveAll(gcPath)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(objectsInfo, "alternates"), []byte(canonicalObjects+"\n"), 0o644); err != nil {
		os.RemoveAll(gcPath)
		return "", err
	}

	copyIfExists(filepath.Join(gitDir, "packed-refs"), filepath.Join(gcPath, "packed-refs"))
	copyIfExists(filepath.Join(gitDir, "config"), filepath.Join(gcPath, "config"))
	copyDirIfExists(filepath.Join(gitDir, "refs"), filepath.Join(gcPath, "refs"))
	copyDirIfExists(filepath.Join(gitDir, c.cfg.MonitoringDirName), filepath.Join(gcPath, c.cfg.MonitoringDirName))

	return gcPath, nil
}

func (c *Compactor) repackAndPackRefs(ctx context.Context, gcRepoPath string) error {
	if _, err := c.facade.Repack(ctx, gcRepoPath, c.cfg.RepackArgs, gitcmd.ExecOpts{}); err != nil {
		return err
	}
	if _, err := c.facade.PackRefsAll(ctx, gcRepoPath, gitcmd.ExecOpts{}); err != nil {
		return err
	}
	return nil
}

// isGcNeeded implements git's own gc --auto heuristic: too many
// non-keep packs, or too many loose objects estimated from a single
// fanout bucket (Cleanup.java's tooManyPacks/tooManyLooseObjects).
func (c *Compactor) isGcNeeded(ctx context.Context, dir *mirror.Dir) (bool, error) {
	tooManyPacks, err := c.tooManyPacks(ctx, dir.Path())
	if err != nil {
		return false, err
	}
	if tooManyPacks {
		return true, nil
	}
	return c.tooManyLooseObjects(dir.Path()), nil
}

func (c *Compactor) tooManyPacks(ctx context.Context, gitDir string) (bool, error) {
	if c.cfg.AutopackLimit == 0 {
		return false, nil
	}
	if c.cfg.AutopackLimit < 0 {
		// A negative limit forces gc regardless of actual pack count, used
		// by callers (and tests) that want to drive a repack unconditionally.
		return true, nil
	}
	packDir := filepath.Join(gitDir, "objects", "pack")
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	count := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".pack" {
			count++
		}
	}
	return count > c.cfg.AutopackLimit, nil
}

// tooManyLooseObjects estimates the loose object count by counting just
// the "17" fanout bucket and scaling up — sha1 hex digests are evenly
// distributed across the 256 fanout buckets, so this avoids a full
// objects/ walk on large repositories (same estimate jgit uses
// internally, per Cleanup.java's comment).
func (c *Compactor) tooManyLooseObjects(gitDir string) bool {
	if c.cfg.AutoLimit == 0 {
		return false
	}
	limit := c.cfg.AutoLimit
	if limit < 0 {
		limit = 6700
	}
	bucketLimit := (limit + 255) / 256

	bucket := filepath.Join(gitDir, "objects", "17")
	entries, err := os.ReadDir(bucket)
	if err != nil {
		return false
	}
	count := 0
	for _, e := range entries {
		if looseObjectPattern.MatchString(e.Name()) {
			count++
		}
		if count > bucketLimit {
			return true
		}
	}
	return false
}

// enoughDiskSpaceForGC reports whether freeBytes comfortably covers the
// mirror's existing pack directory size — a proxy for the peak disk use
// of a copy-swap gc, which briefly needs both the original and the
// freshly repacked copy on disk at once.
func enoughDiskSpaceForGC(gitDir string, freeBytes int64) bool {
	if freeBytes <= 0 {
		return true
	}
	return packDirSize(filepath.Join(gitDir, "objects", "pack")) < freeBytes
}

func packDirSize(packDir string) int64 {
	entries, err := os.ReadDir(packDir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

func freeDiskSpace(path string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}

func copyIfExists(src, dst string) {
	data, err := os.ReadFile(src)
	if err != nil {
		return
	}
	_ = os.WriteFile(dst, data, 0o644)
}

func copyDirIfExists(src, dst string) {
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return
	}
	_ = os.MkdirAll(dst, 0o755)
	entries, err := os.ReadDir(src)
	if err != nil {
		return
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			copyDirIfExists(srcPath, dstPath)
			continue
		}
		copyIfExists(srcPath, dstPath)
	}
}

// uniqueSiblingPath returns base if it doesn't exist yet, else
// base+"1", base+"2", ... (Cleanup.java's createTempDir suffix scheme).
func uniqueSiblingPath(base string) (string, error) {
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base, nil
	}
	for i := 1; ; i++ {
		candidate := base + strconv.Itoa(i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}

// renameWithRetry retries os.Rename up to attempts times, 100ms apart
// (Cleanup.java's renameDir).
func renameWithRetry(oldPath, newPath string, attempts int) bool {
	for i := 0; i < attempts; i++ {
		if os.Rename(oldPath, newPath) == nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
