// Package registry is the Error/Progress Registry (spec §4.I): it records
// the last failure for each mirror (retained across retries, cleared by
// the Compactor on the next gc success), a single process-scope "last native-git error" cell,
// and streams human-readable progress to callers.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"gitlab.com/ci-platform/ciremote/internal/ciremoteerrors"
	"gitlab.com/ci-platform/ciremote/internal/log"
)

// Entry is one mirror's last recorded failure.
type Entry struct {
	Kind      ciremoteerrors.Kind
	Message   string
	Cause     error
	Timestamp time.Time
}

// Registry tracks per-mirror error state plus the process-wide
// last-native-git-error cell. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry

	lastNativeGitError atomic.Value // stores error
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// RegisterError records mirrorHash's latest failure, overwriting any
// prior entry. Kind == Internal is additionally reported to Sentry, the
// same way internal/dontpanic captures unexpected panics, since an
// unclassified failure here is exactly the kind of thing an operator
// needs paged on.
func (r *Registry) RegisterError(mirrorHash string, kind ciremoteerrors.Kind, message string, cause error) {
	entry := Entry{Kind: kind, Message: message, Cause: cause, Timestamp: time.Now()}

	r.mu.Lock()
	r.entries[mirrorHash] = entry
	r.mu.Unlock()

	log.Default().WithFields(map[string]interface{}{
		"mirror": mirrorHash,
		"kind":   kind,
	}).WithError(cause).Warn("registry: recorded mirror error")

	if kind == ciremoteerrors.Internal {
		sentry.CaptureException(cause)
	}
}

// ClearError removes mirrorHash's entry. The Compactor calls it when it
// removes a mirror, finds it needs no gc, or gcs it successfully. A
// successful fetch does not clear an entry.
func (r *Registry) ClearError(mirrorHash string) {
	r.mu.Lock()
	delete(r.entries, mirrorHash)
	r.mu.Unlock()
}

// RetainErrors prunes entries for mirrors that no longer exist, given the
// current authoritative set of mirror hashes.
func (r *Registry) RetainErrors(currentMirrorHashes []string) {
	keep := make(map[string]struct{}, len(currentMirrorHashes))
	for _, hash := range currentMirrorHashes {
		keep[hash] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for hash := range r.entries {
		if _, ok := keep[hash]; !ok {
			delete(r.entries, hash)
		}
	}
}

// View returns a read-only snapshot of every recorded error, keyed by
// mirror hash.
func (r *Registry) View() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]Entry, len(r.entries))
	for hash, entry := range r.entries {
		snapshot[hash] = entry
	}
	return snapshot
}

// nativeGitErrorCell wraps an error so the nil case can still be stored in
// an atomic.Value, which otherwise panics on a nil interface.
type nativeGitErrorCell struct{ err error }

// SetLastNativeGitError records the most recent failure to invoke the
// configured native git executable at all (as opposed to a failure of a
// particular git operation), so an operator UI can surface "your
// configured git executable is broken".
func (r *Registry) SetLastNativeGitError(err error) {
	r.lastNativeGitError.Store(nativeGitErrorCell{err: err})
}

// LastNativeGitError returns the most recently recorded native-git
// execution failure, if any.
func (r *Registry) LastNativeGitError() (error, bool) {
	v := r.lastNativeGitError.Load()
	if v == nil {
		return nil, false
	}
	cell := v.(nativeGitErrorCell)
	return cell.err, cell.err != nil
}
