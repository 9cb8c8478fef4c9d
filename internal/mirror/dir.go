package mirror

import (
	"sync/atomic"
	"time"
)

// Dir is one bare mirror repository on disk (spec §3 "Mirror Directory").
// It is created on first Resolve and reused thereafter.
type Dir struct {
	url  RepoUrl
	hash string
	path string

	locks locks

	lastUsedUnixNano int64
	invalidated      int32
}

// Url returns the canonical remote location this mirror tracks.
func (d *Dir) Url() RepoUrl { return d.url }

// Path is the absolute on-disk path of the bare repository, e.g.
// `<baseDir>/<hash>.git`.
func (d *Dir) Path() string { return d.path }

// Hash is the stable digest of the canonical URL used to name Path.
func (d *Dir) Hash() string { return d.hash }

// LastUsed returns the timestamp of the most recent successful Resolve
// for this mirror.
func (d *Dir) LastUsed() time.Time {
	return time.Unix(0, atomic.LoadInt64(&d.lastUsedUnixNano))
}

func (d *Dir) touch() {
	atomic.StoreInt64(&d.lastUsedUnixNano, time.Now().UnixNano())
}

// Invalidated reports whether a prior delete attempt left this Dir in an
// unusable state (e.g. a stale file handle); the next Resolve for its URL
// will attempt re-creation from scratch.
func (d *Dir) Invalidated() bool { return atomic.LoadInt32(&d.invalidated) != 0 }

func (d *Dir) invalidate() { atomic.StoreInt32(&d.invalidated, 1) }

// ReadLock acquires the shared inner lock, used by the Change Collector,
// Checkout-Rules Walker and Fetch Coordinator for object access. Callers
// must already hold an RmReadLock (see WithReadLock for a helper that
// takes both in the correct order).
func (d *Dir) ReadLock() Release { return d.locks.readLock() }

// WriteLock acquires the exclusive inner lock, held by the Fetch
// Coordinator while fetching and by the Compactor during in-place gc.
func (d *Dir) WriteLock() Release { return d.locks.writeLock() }

// RmReadLock acquires the outer shared lock: the directory is guaranteed
// to exist and not be renamed for as long as it's held.
func (d *Dir) RmReadLock() Release { return d.locks.rmReadLock() }

// RmWriteLock acquires the outer exclusive lock, excluding every other
// lock on this mirror; used to delete or rename the directory itself.
func (d *Dir) RmWriteLock() Release { return d.locks.rmWriteLock() }

// WithReadLock runs fn while holding rm.read then inner.read, in the
// mandated lock order (spec §5), releasing both in reverse order
// afterwards even if fn panics or returns an error.
func (d *Dir) WithReadLock(fn func() error) error {
	releaseRm := d.RmReadLock()
	defer releaseRm()
	releaseInner := d.ReadLock()
	defer releaseInner()
	return fn()
}

// WithWriteLock runs fn while holding rm.read then inner.write — the Fetch
// Coordinator's fetch path and the Compactor's in-place gc path both use
// this, since neither renames the directory itself.
func (d *Dir) WithWriteLock(fn func() error) error {
	releaseRm := d.RmReadLock()
	defer releaseRm()
	releaseInner := d.WriteLock()
	defer releaseInner()
	return fn()
}
