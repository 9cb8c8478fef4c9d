// Package submodule is the Submodule Resolver (spec §4.F): given a tree
// entry that is a submodule pointer, it locates or fetches the
// sub-repository's mirror and resolves the pointer commit within it,
// recursing transparently across nesting.
package submodule

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"gitlab.com/ci-platform/ciremote/internal/ciremoteerrors"
	"gitlab.com/ci-platform/ciremote/internal/command"
	"gitlab.com/ci-platform/ciremote/internal/fetch"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
	"gitlab.com/ci-platform/ciremote/internal/model"
)

// childResolverCacheSize bounds how many nested-submodule resolvers a
// single walk keeps warm. Unlike the Mirror Directory Manager's own
// bookkeeping map, evicting an entry here is harmless: it only discards
// a parsed .gitmodules and a *mirror.Dir reference, never a held lock.
const childResolverCacheSize = 256

// Resolver resolves submodule pointers for one (mirror, commit) pair,
// grounded on SubmoduleResolverImpl.java: it lazily loads .gitmodules,
// resolves relative URLs against the mirror's canonical remote, and
// fetches the sub-mirror when the pointer commit is missing.
type Resolver struct {
	facade      *gitcmd.Facade
	manager     *mirror.Manager
	coordinator *fetch.Coordinator

	mainDir     *mirror.Dir
	mainURL     string
	mainCommit  string

	configOnce sync.Once
	config     model.SubmoduleConfig
	configErr  error

	children *lru.Cache
}

// NewResolver returns a Resolver scoped to mainCommit within mainDir.
func NewResolver(facade *gitcmd.Facade, manager *mirror.Manager, coordinator *fetch.Coordinator, mainDir *mirror.Dir, mainCommit string) *Resolver {
	children, _ := lru.New(childResolverCacheSize)
	return &Resolver{
		facade:      facade,
		manager:     manager,
		coordinator: coordinator,
		mainDir:     mainDir,
		mainURL:     mainDir.Url().String(),
		mainCommit:  mainCommit,
		children:    children,
	}
}

// ensureConfigLoaded lazily parses .gitmodules at r.mainCommit. A commit
// with no .gitmodules blob at all is not itself an error here — it only
// becomes SUBMODULE_MISSING_CONFIG once a caller actually asks for a path
// under it.
func (r *Resolver) ensureConfigLoaded(ctx context.Context) {
	r.configOnce.Do(func() {
		result, err := r.facade.Exec(ctx, gitcmd.SubCmd{Name: "show", Args: []string{r.mainCommit + ":.gitmodules"}}, gitcmd.ExecOpts{GitDir: r.mainDir.Path()})
		if err != nil {
			if _, ok := err.(*command.RunError); ok {
				r.config = nil
				return
			}
			r.configErr = err
			return
		}
		r.config = parseGitmodules(string(result.Stdout))
	})
}

// GetSubmoduleCommit resolves the submodule mounted at path, whose tree
// entry points at pointerSha, fetching the sub-mirror if necessary (spec
// §4.F). It returns the sub-mirror's Dir, now guaranteed to contain
// pointerSha.
func (r *Resolver) GetSubmoduleCommit(ctx context.Context, path, pointerSha string) (*mirror.Dir, error) {
	r.ensureConfigLoaded(ctx)
	if r.configErr != nil {
		return nil, r.configErr
	}
	if r.config == nil {
		return nil, ciremoteerrors.NewSubmoduleMissingConfig(r.mainURL, r.mainCommit, path)
	}

	entry, ok := r.config[path]
	if !ok {
		return nil, ciremoteerrors.NewSubmoduleMissingEntry(r.mainURL, r.mainCommit, path)
	}

	subURL := resolveSubmoduleURL(r.mainURL, entry.URL)
	subDir, err := r.manager.Resolve(ctx, mirror.ParseRepoUrl(subURL))
	if err != nil {
		return nil, fmt.Errorf("submodule: resolving mirror for %s: %w", subURL, err)
	}

	ref := entry.Branch
	if ref == "" {
		ref = "HEAD"
	}
	snapshot := model.StateSnapshot{ref: pointerSha}

	if err := r.coordinator.EnsurePresent(ctx, subDir, snapshot, true); err != nil {
		if ciremoteerrors.KindOf(err) == ciremoteerrors.RevisionNotFound {
			return nil, ciremoteerrors.NewSubmoduleMissingCommit(r.mainURL, r.mainCommit, path, subURL, pointerSha)
		}
		return nil, err
	}

	return subDir, nil
}

// SubResolver returns a child Resolver scoped to the sub-repository at
// path, so nested submodules resolve recursively without the caller
// having to track sub-mirror identity itself (spec §4.F "nesting is
// handled by recursion"). Repeated lookups of the same (path, pointerSha)
// pair within one walk reuse the same child Resolver, so a submodule
// revisited along several branches of the walk doesn't re-parse its
// .gitmodules each time.
func (r *Resolver) SubResolver(ctx context.Context, path, pointerSha string) (*Resolver, error) {
	cacheKey := path + "@" + pointerSha
	if cached, ok := r.children.Get(cacheKey); ok {
		return cached.(*Resolver), nil
	}

	subDir, err := r.GetSubmoduleCommit(ctx, path, pointerSha)
	if err != nil {
		return nil, err
	}

	child := NewResolver(r.facade, r.manager, r.coordinator, subDir, pointerSha)
	r.children.Add(cacheKey, child)
	return child, nil
}
