// Package mirror is the Mirror Directory Manager (spec §4.A): it maps a
// canonical remote URL to an on-disk bare repository directory, hands out
// the two-layer lock set described in spec §3/§5, and tracks per-mirror
// last-used timestamps for expiry.
package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/log"
)

// RemoteConfigKey is the git config key a mirror's canonical URL is
// recorded under (spec §3's `teamcity.remote` equivalent).
const RemoteConfigKey = "ciremote.remote"

// Config configures a Manager.
type Config struct {
	BaseDir          string
	TTL              time.Duration
	DeleteTempFiles  bool
}

// Manager owns every Dir for one storage. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	facade *gitcmd.Facade

	mu   sync.Mutex
	dirs map[string]*Dir

	creation singleflight.Group
}

// NewManager returns a Manager rooted at cfg.BaseDir, using facade to
// create new bare mirrors.
func NewManager(cfg Config, facade *gitcmd.Facade) *Manager {
	return &Manager{
		cfg:    cfg,
		facade: facade,
		dirs:   make(map[string]*Dir),
	}
}

// Resolve maps repoURL to its Dir, creating the on-disk bare repository
// the first time it's seen. Concurrent callers resolving the same URL
// share a single creation attempt (spec §4.A "idempotent under concurrent
// callers").
func (m *Manager) Resolve(ctx context.Context, repoURL RepoUrl) (*Dir, error) {
	hash := repoURL.Hash()

	m.mu.Lock()
	existing, ok := m.dirs[hash]
	m.mu.Unlock()

	if ok && !existing.Invalidated() {
		existing.touch()
		return existing, nil
	}

	result, err, _ := m.creation.Do(hash, func() (interface{}, error) {
		return m.createOrReuse(ctx, repoURL, hash)
	})
	if err != nil {
		return nil, err
	}
	dir := result.(*Dir)
	dir.touch()
	return dir, nil
}

func (m *Manager) createOrReuse(ctx context.Context, repoURL RepoUrl, hash string) (*Dir, error) {
	m.mu.Lock()
	if existing, ok := m.dirs[hash]; ok && !existing.Invalidated() {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	path := filepath.Join(m.cfg.BaseDir, hash+".git")

	if _, err := os.Stat(filepath.Join(path, "objects")); err != nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mirror: creating base dir: %w", err)
		}
		if _, err := m.facade.InitBare(ctx, path, gitcmd.ExecOpts{}); err != nil {
			return nil, fmt.Errorf("mirror: init bare %s: %w", path, err)
		}
		if _, err := m.facade.ConfigSet(ctx, path, RemoteConfigKey, repoURL.String(), gitcmd.ExecOpts{}); err != nil {
			return nil, fmt.Errorf("mirror: recording remote url for %s: %w", path, err)
		}
		log.Default().WithField("hash", hash).WithField("url", repoURL.String()).Info("mirror: created new mirror directory")
	}

	dir := &Dir{url: repoURL, hash: hash, path: path}

	m.mu.Lock()
	m.dirs[hash] = dir
	m.mu.Unlock()

	return dir, nil
}

// ExpiredDirs returns every mirror whose last-used timestamp is older than
// cfg.TTL (spec §4.A).
func (m *Manager) ExpiredDirs() []*Dir {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Dir
	cutoff := time.Now().Add(-m.cfg.TTL)
	for _, dir := range m.dirs {
		if dir.LastUsed().Before(cutoff) {
			expired = append(expired, dir)
		}
	}
	return expired
}

// RunWithDisabledRemove holds rm.read on dir for the duration of fn; any
// concurrent attempt to delete dir (from the Compactor) waits until fn
// returns.
func (m *Manager) RunWithDisabledRemove(dir *Dir, fn func() error) error {
	release := dir.RmReadLock()
	defer release()
	return fn()
}

// Invalidate marks dir as unusable (e.g. after a failed delete left a
// stale file handle); the next Resolve for its URL attempts re-creation.
func (m *Manager) Invalidate(dir *Dir) {
	dir.invalidate()
}

// Remove deletes dir's on-disk tree and drops it from the manager's
// bookkeeping. The caller must already hold dir's rm.write lock.
func (m *Manager) Remove(dir *Dir) error {
	if err := os.RemoveAll(dir.Path()); err != nil {
		m.Invalidate(dir)
		return fmt.Errorf("mirror: removing %s: %w", dir.Path(), err)
	}

	m.mu.Lock()
	delete(m.dirs, dir.Hash())
	m.mu.Unlock()
	return nil
}

// Stats is a point-in-time snapshot of the manager's bookkeeping, exposed
// for status reporting.
type Stats struct {
	TotalMirrors int
	Expired      int
}

// Stats returns a snapshot of the manager's current state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	total := len(m.dirs)
	m.mu.Unlock()
	return Stats{TotalMirrors: total, Expired: len(m.ExpiredDirs())}
}

// DiscoverAll scans cfg.BaseDir for `<hash>.git` directories this process
// hasn't resolved yet and adopts them, reading each one's recorded
// `ciremote.remote` config entry to recover its RepoUrl. Grounded on
// maintenance/randomwalker.go's directory-walking idiom — BaseDir is a
// single flat level here, so a plain os.ReadDir stands in for the
// teacher's recursive stack-based walk.
//
// A fresh process's Manager only knows about mirrors it has itself
// Resolve()d; a long-lived daemon (the Compactor) and any one-shot
// inspection tool (ciremote-ctl status) both need this to see mirrors
// created by a previous process before acting on the full pool.
func (m *Manager) DiscoverAll(ctx context.Context) error {
	entries, err := os.ReadDir(m.cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("mirror: scanning base dir %s: %w", m.cfg.BaseDir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".git") {
			continue
		}
		hash := strings.TrimSuffix(entry.Name(), ".git")

		m.mu.Lock()
		_, known := m.dirs[hash]
		m.mu.Unlock()
		if known {
			continue
		}

		path := filepath.Join(m.cfg.BaseDir, entry.Name())
		result, err := m.facade.ConfigGet(ctx, path, RemoteConfigKey, gitcmd.ExecOpts{})
		if err != nil {
			log.Default().WithField("path", path).WithError(err).Warn("mirror: skipping undiscoverable directory, no recorded remote url")
			continue
		}
		repoURL := ParseRepoUrl(strings.TrimSpace(string(result.Stdout)))
		if repoURL.Hash() != hash {
			log.Default().WithField("path", path).Warn("mirror: skipping directory whose recorded remote url does not hash back to its own name")
			continue
		}

		dir := &Dir{url: repoURL, hash: hash, path: path}
		// No on-disk last-used record exists (see DESIGN.md on
		// copyswap.go's dropped timestamp file); the directory's own
		// mtime is the best available proxy so a freshly rediscovered
		// mirror isn't immediately reported as expired.
		if info, err := os.Stat(path); err == nil {
			dir.lastUsedUnixNano = info.ModTime().UnixNano()
		} else {
			dir.touch()
		}

		m.mu.Lock()
		if _, known := m.dirs[hash]; !known {
			m.dirs[hash] = dir
		}
		m.mu.Unlock()
	}

	return nil
}

// All returns every Dir currently tracked, in unspecified order. Used by
// the Compactor to drive its per-mirror gc loop.
func (m *Manager) All() []*Dir {
	m.mu.Lock()
	defer m.mu.Unlock()

	dirs := make([]*Dir, 0, len(m.dirs))
	for _, dir := range m.dirs {
		dirs = append(dirs, dir)
	}
	return dirs
}
