package mirror

import "sync"

// locks implements the two-layer lock set of spec §3/§5: an outer rm
// (read/write) lock guarding deletion/renaming of the directory itself,
// and an inner read/write lock guarding the repository's contents. Lock
// order is always rm before inner; holding inner while trying to acquire
// rm on the same mirror is forbidden (the copy-swap gc sequence drops
// inner before taking rm.write).
type locks struct {
	rm    sync.RWMutex
	inner sync.RWMutex
}

// Release undoes whatever lock acquisition returned it. It is always safe
// to defer.
type Release func()

func (l *locks) rmReadLock() Release {
	l.rm.RLock()
	return Release(l.rm.RUnlock)
}

func (l *locks) rmWriteLock() Release {
	l.rm.Lock()
	return Release(l.rm.Unlock)
}

func (l *locks) readLock() Release {
	l.inner.RLock()
	return Release(l.inner.RUnlock)
}

func (l *locks) writeLock() Release {
	l.inner.Lock()
	return Release(l.inner.Unlock)
}
