// Package gc is the Compactor (spec §4.H): a periodically-driven
// background job that removes expired mirrors, prunes stale monitoring
// data, and repacks mirrors that need it, under a process-wide
// single-flight semaphore so at most one compaction runs at a time.
package gc

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"gitlab.com/ci-platform/ciremote/internal/ciremoteerrors"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/log"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
)

// ErrorRecorder is the subset of the Error/Progress Registry (component
// I) the Compactor needs; satisfied by *registry.Registry.
type ErrorRecorder interface {
	RegisterError(mirrorHash string, kind ciremoteerrors.Kind, message string, cause error)
	ClearError(mirrorHash string)
	RetainErrors(currentMirrorHashes []string)
	SetLastNativeGitError(err error)
}

type noopRecorder struct{}

func (noopRecorder) RegisterError(string, ciremoteerrors.Kind, string, error) {}
func (noopRecorder) ClearError(string)                                       {}
func (noopRecorder) RetainErrors([]string)                                   {}
func (noopRecorder) SetLastNativeGitError(error)                             {}

// RepackVariant selects between an in-place gc (holding the mirror's
// write lock for the whole repack) and a copy-swap gc (repacking a
// throwaway clone, then atomically swapping it in).
type RepackVariant int

const (
	CopySwap RepackVariant = iota
	InPlace
)

var looseObjectPattern = regexp.MustCompile(`^[0-9a-fA-F]{38}$`)

// Config configures a Compactor.
type Config struct {
	Variant             RepackVariant
	QuotaPerRun         time.Duration
	MonitoringDirName    string
	MonitoringExpiration time.Duration
	RepackArgs          []string
	// AutopackLimit / AutoLimit mirror git's own gc.autopacklimit /
	// gc.auto thresholds; 0 disables the corresponding check. A negative
	// AutopackLimit forces the pack check to always report true; a
	// negative AutoLimit uses git's default of 6700.
	AutopackLimit int
	AutoLimit     int
}

// DefaultConfig matches git's own gc.autopacklimit=50 / gc.auto=6700
// defaults (Cleanup.java's tooManyPacks/tooManyLooseObjects).
func DefaultConfig() Config {
	return Config{
		Variant:              CopySwap,
		QuotaPerRun:          20 * time.Minute,
		MonitoringDirName:    "monitoring",
		MonitoringExpiration: 7 * 24 * time.Hour,
		RepackArgs:           []string{"-a", "-d"},
		AutopackLimit:        50,
		AutoLimit:            6700,
	}
}

// Compactor implements the Compactor component. It is safe to call Run
// concurrently; overlapping calls lose the semaphore race and return
// immediately, mirroring Cleanup.java's `Semaphore(1).tryAcquire()`.
type Compactor struct {
	cfg      Config
	facade   *gitcmd.Facade
	manager  *mirror.Manager
	recorder ErrorRecorder

	sem *semaphore.Weighted
	// rnd is the source for the shuffled per-mirror iteration order;
	// NewCompactor seeds it from the current time.
	rnd *rand.Rand
}

// runSemaphore is shared by every Compactor in the process, so at most one
// compaction round runs at a time.
var runSemaphore = semaphore.NewWeighted(1)

// NewCompactor returns a Compactor for the mirrors manager owns.
func NewCompactor(cfg Config, facade *gitcmd.Facade, manager *mirror.Manager, recorder ErrorRecorder) *Compactor {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Compactor{
		cfg:      cfg,
		facade:   facade,
		manager:  manager,
		recorder: recorder,
		sem:      runSemaphore,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run performs one compaction pass: skip if already running, else remove
// expired mirrors, prune monitoring data, then repack whatever mirrors
// need it within the configured wall-clock quota.
func (c *Compactor) Run(ctx context.Context) error {
	if !c.sem.TryAcquire(1) {
		log.Default().Info("gc: skipping run, another compaction is already in progress")
		return nil
	}
	defer c.sem.Release(1)

	log.Default().Info("gc: compaction started")
	defer log.Default().Info("gc: compaction finished")

	if err := c.manager.DiscoverAll(ctx); err != nil {
		log.Default().WithError(err).Warn("gc: scanning base dir for undiscovered mirrors failed, proceeding with what's already tracked")
	}

	c.removeUnusedRepositories()
	c.cleanupMonitoringData()
	c.cleanupBrokenGcCopies()

	return c.runGC(ctx)
}

// removeUnusedRepositories deletes every mirror the manager reports as
// expired, under that mirror's rm.write lock so no in-flight operation
// can be using it (Cleanup.java's removeUnusedRepositories).
func (c *Compactor) removeUnusedRepositories() {
	for _, dir := range c.manager.ExpiredDirs() {
		log.Default().WithField("mirror", dir.Hash()).Info("gc: removing expired mirror")
		release := dir.RmWriteLock()
		err := c.manager.Remove(dir)
		release()
		if err != nil {
			log.Default().WithError(err).WithField("mirror", dir.Hash()).Error("gc: failed to remove expired mirror")
			continue
		}
		c.recorder.ClearError(dir.Hash())
	}
}

// cleanupMonitoringData deletes monitoring-data files older than
// cfg.MonitoringExpiration in every mirror still tracked (Cleanup.java's
// cleanupMonitoringData).
func (c *Compactor) cleanupMonitoringData() {
	for _, dir := range c.manager.All() {
		monitoringDir := filepath.Join(dir.Path(), c.cfg.MonitoringDirName)
		entries, err := os.ReadDir(monitoringDir)
		if err != nil {
			continue
		}
		cutoff := time.Now().Add(-c.cfg.MonitoringExpiration)
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			_ = os.Remove(filepath.Join(monitoringDir, entry.Name()))
		}
	}
}

// cleanupBrokenGcCopies removes any leftover `<hash>.git.gc*` directories
// from a prior gc run that crashed mid-swap (Cleanup.java's
// getRepositoryDirCopiesCreatedByGc).
func (c *Compactor) cleanupBrokenGcCopies() {
	for _, dir := range c.manager.All() {
		base := filepath.Dir(dir.Path())
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if strings.Contains(entry.Name(), ".git.gc") {
				stale := filepath.Join(base, entry.Name())
				log.Default().WithField("path", stale).Info("gc: removing leftover gc copy from a previous crashed run")
				_ = os.RemoveAll(stale)
			}
		}
		break // base dir is shared by every mirror; one pass suffices
	}
}

// runGC repacks every tracked mirror that needs it, in shuffled order,
// stopping once cfg.QuotaPerRun has elapsed (Cleanup.java's runNativeGC
// wall-clock quota and Collections.shuffle(allDirs)).
func (c *Compactor) runGC(ctx context.Context) error {
	dirs := c.manager.All()
	hashes := make([]string, len(dirs))
	for i, d := range dirs {
		hashes[i] = d.Hash()
	}
	c.recorder.RetainErrors(hashes)

	if len(dirs) == 0 {
		c.recorder.SetLastNativeGitError(nil)
		return nil
	}

	if _, err := c.facade.DetectVersion(ctx); err != nil {
		c.recorder.SetLastNativeGitError(err)
		log.Default().WithError(err).Warn("gc: native git unavailable, skipping compaction")
		return nil
	}
	c.recorder.SetLastNativeGitError(nil)

	shuffled := make([]*mirror.Dir, len(dirs))
	copy(shuffled, dirs)
	c.rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	start := time.Now()
	for i, dir := range shuffled {
		if time.Since(start) > c.cfg.QuotaPerRun {
			log.Default().WithField("skipped", len(shuffled)-i).Info("gc: quota exceeded, stopping this run")
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.gcOne(ctx, dir)
	}
	return nil
}

func (c *Compactor) gcOne(ctx context.Context, dir *mirror.Dir) {
	if c.cfg.Variant == InPlace {
		c.gcInPlace(ctx, dir)
		return
	}
	c.gcCopySwap(ctx, dir)
}

// gcInPlace runs `git gc --auto --quiet` directly against dir, holding
// its write lock for the duration.
func (c *Compactor) gcInPlace(ctx context.Context, dir *mirror.Dir) {
	needed, err := c.isGcNeeded(ctx, dir)
	if err != nil {
		log.Default().WithError(err).WithField("mirror", dir.Hash()).Warn("gc: failed to check if gc is needed")
		return
	}
	if !needed {
		c.recorder.ClearError(dir.Hash())
		return
	}

	err = dir.WithWriteLock(func() error {
		_, err := c.facade.GCAuto(ctx, dir.Path(), gitcmd.ExecOpts{})
		return err
	})
	if err != nil {
		c.recorder.RegisterError(dir.Hash(), ciremoteerrors.GCProcessFailed, "in-place gc failed", err)
		return
	}
	c.recorder.ClearError(dir.Hash())
}
