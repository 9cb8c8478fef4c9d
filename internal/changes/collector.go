// Package changes is the Change Collector (spec §4.E): given two
// repository-state snapshots, it produces an ordered sequence of
// commit-modification records with file-level diffs, routed through
// submodule resolution and filtered by checkout rules.
package changes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/ci-platform/ciremote/internal/checkout"
	"gitlab.com/ci-platform/ciremote/internal/ciremoteerrors"
	"gitlab.com/ci-platform/ciremote/internal/fetch"
	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/log"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
	"gitlab.com/ci-platform/ciremote/internal/model"
	"gitlab.com/ci-platform/ciremote/internal/submodule"
)

// DefaultMaxCommits bounds a single CollectChanges call when the caller
// doesn't configure one; recovered from original_source/'s change
// traversal, which refuses to build an unbounded modification list for a
// single request.
const DefaultMaxCommits = 5000

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// Collector implements the Change Collector component.
type Collector struct {
	Facade      *gitcmd.Facade
	Coordinator *fetch.Coordinator
	Manager     *mirror.Manager
	// MaxCommits caps the number of ModificationRecords a single
	// CollectChanges call returns, including those produced by submodule
	// recursion; 0 uses DefaultMaxCommits.
	MaxCommits int
}

// Result is the outcome of a CollectChanges call.
type Result struct {
	Records []model.ModificationRecord
	// Truncated is true when MaxCommits cut the walk short.
	Truncated bool
}

func (c *Collector) maxCommits() int {
	if c.MaxCommits > 0 {
		return c.MaxCommits
	}
	return DefaultMaxCommits
}

// CollectChanges implements spec §4.E's contract: (root, from, to,
// checkoutRules) -> an ordered list of Modification Records.
func (c *Collector) CollectChanges(ctx context.Context, dir *mirror.Dir, rootURL string, from, to model.StateSnapshot, rules checkout.Rules) (Result, error) {
	release := dir.RmReadLock()
	defer release()

	if err := c.Coordinator.EnsurePresent(ctx, dir, to, false); err != nil {
		return Result{}, fmt.Errorf("changes: ensuring 'to' revisions present for %s: %w", rootURL, err)
	}
	if err := c.Coordinator.EnsurePresent(ctx, dir, from, false); err != nil {
		return Result{}, fmt.Errorf("changes: ensuring 'from' revisions present for %s: %w", rootURL, err)
	}

	toCommits := c.resolvable(ctx, dir, to.Shas())
	if len(toCommits) == 0 {
		return Result{}, nil
	}

	fromCommits := c.resolvable(ctx, dir, from.Shas())
	if len(fromCommits) == 0 {
		// Mirrors markUninteresting's fallback (spec §4.E step 1): none of
		// the 'from' revisions resolved locally, so we limit the walk by
		// 'to' instead of trying to walk the entire history, which leaves
		// start == uninteresting and reports no changes.
		log.Default().WithField("mirror", dir.Hash()).Info("changes: none of the 'from' revisions are present locally, reporting no changes")
		return Result{}, nil
	}

	budget := c.maxCommits()
	records, truncated, err := c.collectRange(ctx, dir, rootURL, fromCommits, toCommits, rules, "", to, &budget)
	if err != nil {
		var missingCommit *ciremoteerrors.SubmoduleMissingCommitError
		if asSubmoduleMissingCommit(err, &missingCommit) {
			branches := branchesContaining(to, missingCommit.MainCommitSha)
			return Result{}, missingCommit.WithBranches(branches)
		}
		return Result{}, fmt.Errorf("changes: walking %s: %w", rootURL, err)
	}

	return Result{Records: records, Truncated: truncated}, nil
}

func asSubmoduleMissingCommit(err error, target **ciremoteerrors.SubmoduleMissingCommitError) bool {
	if e, ok := err.(*ciremoteerrors.SubmoduleMissingCommitError); ok {
		*target = e
		return true
	}
	return false
}

// branchesContaining returns the branch names in toState whose sha
// equals commitSha, so a submodule failure can be reported against the
// branches it would have affected (spec §4.E step 5 / `WithBranches`).
func branchesContaining(toState model.StateSnapshot, commitSha string) []string {
	var branches []string
	for ref, sha := range toState {
		if sha == commitSha {
			branches = append(branches, ref)
		}
	}
	return branches
}

// resolvable filters shas down to the ones already present in dir's
// object database, mirroring GitCollectChangesPolicy.getCommits' use of
// Repository.getObjectDatabase().has(id).
func (c *Collector) resolvable(ctx context.Context, dir *mirror.Dir, shas []string) []string {
	var present []string
	_ = dir.WithReadLock(func() error {
		for _, sha := range shas {
			result, err := c.Facade.RevParse(ctx, dir.Path(), []string{"--verify", "--quiet", sha + "^{commit}"}, gitcmd.ExecOpts{})
			if err == nil && result.ExitCode == 0 {
				present = append(present, sha)
			}
		}
		return nil
	})
	return present
}

// walkEntry is one commit discovered by a range walk, with enough of its
// metadata to build a ModificationRecord without a second subprocess call
// per commit.
type walkEntry struct {
	sha            string
	parents        []string
	author         string
	authorEmail    string
	committer      string
	timestampEpoch string
	message        string
}

// collectRange walks (uninterestingShas, startShas] in dir, in
// reverse-topological order (children before parents, spec §4.E step 3),
// and builds a ModificationRecord per commit. submodulePath is "" for the
// top-level repository and non-empty for a recursive submodule walk
// (spec §4.E step 5); toState is only used to label submodule failures
// with affected branches, and is the *top-level* toState even during
// recursion. budget is shared across the whole recursive call tree so a
// deeply nested submodule walk can't blow past MaxCommits on its own.
func (c *Collector) collectRange(ctx context.Context, dir *mirror.Dir, rootURL string, uninterestingShas, startShas []string, rules checkout.Rules, submodulePath string, toState model.StateSnapshot, budget *int) ([]model.ModificationRecord, bool, error) {
	entries, err := c.walk(ctx, dir, startShas, uninterestingShas)
	if err != nil {
		return nil, false, err
	}

	var records []model.ModificationRecord
	truncated := false
	for _, e := range entries {
		if *budget <= 0 {
			truncated = true
			break
		}
		*budget--

		record, subRecords, err := c.buildRecord(ctx, dir, rootURL, e, rules, submodulePath, toState, budget)
		if err != nil {
			return nil, false, err
		}
		records = append(records, record)
		records = append(records, subRecords...)
	}

	return records, truncated, nil
}

// walk returns startShas' ancestors (excluding anything reachable only
// through uninterestingShas) in topological order with parent metadata.
func (c *Collector) walk(ctx context.Context, dir *mirror.Dir, startShas, uninterestingShas []string) ([]walkEntry, error) {
	args := append([]string{}, startShas...)
	for _, s := range uninterestingShas {
		args = append(args, "^"+s)
	}

	format := recordSep + "%H" + fieldSep + "%P" + fieldSep + "%an" + fieldSep + "%ae" + fieldSep + "%cn" + fieldSep + "%ct" + fieldSep + "%B"

	var entries []walkEntry
	err := dir.WithReadLock(func() error {
		result, err := c.Facade.Log(ctx, dir.Path(), []string{"--topo-order", "--format=" + format}, args, gitcmd.ExecOpts{})
		if err != nil {
			return err
		}
		entries = parseWalkLog(string(result.Stdout))
		return nil
	})
	return entries, err
}

func parseWalkLog(output string) []walkEntry {
	var entries []walkEntry
	for _, record := range strings.Split(output, recordSep) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		fields := strings.SplitN(record, fieldSep, 7)
		if len(fields) != 7 {
			continue
		}
		var parents []string
		if strings.TrimSpace(fields[1]) != "" {
			parents = strings.Fields(fields[1])
		}
		entries = append(entries, walkEntry{
			sha:            fields[0],
			parents:        parents,
			author:         fields[2],
			authorEmail:    fields[3],
			committer:      fields[4],
			timestampEpoch: fields[5],
			message:        strings.TrimSuffix(fields[6], "\n"),
		})
	}
	return entries
}

// buildRecord diffs e against its parents (combined-diff semantics for
// merges, spec §4.E step 4), filters the result by rules, and recurses
// into F for any changed path that is a submodule mount point (spec §4.E
// step 5).
func (c *Collector) buildRecord(ctx context.Context, dir *mirror.Dir, rootURL string, e walkEntry, rules checkout.Rules, submodulePath string, toState model.StateSnapshot, budget *int) (model.ModificationRecord, []model.ModificationRecord, error) {
	changes, err := c.combinedDiff(ctx, dir, e.sha)
	if err != nil {
		return model.ModificationRecord{}, nil, fmt.Errorf("diffing %s: %w", e.sha, err)
	}

	timestamp, _ := strconv.ParseInt(e.timestampEpoch, 10, 64)

	var visible []model.FileChange
	var subRecords []model.ModificationRecord
	entries, lsTreeErr := c.lsTree(ctx, dir, e.sha)

	for _, fc := range changes {
		if !rules.Matches(fc.Path) {
			continue
		}
		visible = append(visible, fc)

		if lsTreeErr != nil || *budget <= 0 {
			continue
		}
		if !submodule.IsSubmodulePath(entries, fc.Path) {
			continue
		}

		recursed, err := c.recurseSubmodule(ctx, dir, rootURL, e, fc.Path, toState, budget)
		if err != nil {
			return model.ModificationRecord{}, nil, err
		}
		subRecords = append(subRecords, recursed...)
	}

	record := model.ModificationRecord{
		CommitSha:     e.sha,
		Parents:       e.parents,
		Author:        e.author,
		AuthorEmail:   e.authorEmail,
		Committer:     e.committer,
		Timestamp:     timestamp,
		Message:       e.message,
		FileChanges:   visible,
		SubmodulePath: submodulePath,
	}
	return record, subRecords, nil
}

// lsTree returns the recursive tree listing at sha, used only to decide
// which changed paths are submodule mount points.
func (c *Collector) lsTree(ctx context.Context, dir *mirror.Dir, sha string) ([]submodule.TreeEntry, error) {
	result, err := c.Facade.LsTree(ctx, dir.Path(), sha, []string{"-r"}, gitcmd.ExecOpts{})
	if err != nil {
		return nil, err
	}
	return submodule.ParseLsTree(string(result.Stdout)), nil
}

// recurseSubmodule translates the pointer-sha range for a submodule
// mount point into sub-repository commits and collects them recursively
// (spec §4.E step 5 / §4.F "nesting is handled by recursion").
func (c *Collector) recurseSubmodule(ctx context.Context, dir *mirror.Dir, rootURL string, e walkEntry, path string, toState model.StateSnapshot, budget *int) ([]model.ModificationRecord, error) {
	newPointer := c.submoduleSha(ctx, dir, e.sha, path)
	if newPointer == "" {
		return nil, nil
	}

	oldPointer := ""
	if len(e.parents) > 0 {
		oldPointer = c.submoduleSha(ctx, dir, e.parents[0], path)
	}

	resolver := submodule.NewResolver(c.Facade, c.Manager, c.Coordinator, dir, e.sha)
	subDir, err := resolver.GetSubmoduleCommit(ctx, path, newPointer)
	if err != nil {
		if mc, ok := err.(*ciremoteerrors.SubmoduleMissingCommitError); ok {
			annotated := *mc
			annotated.MainCommitSha = e.sha
			return nil, &annotated
		}
		return nil, err
	}

	if oldPointer == "" {
		// Freshly added submodule: there's no prior pointer to diff
		// against, so the pointer change itself (already recorded as a
		// plain FileChange on the parent record) is all we report.
		return nil, nil
	}

	if err := c.Coordinator.EnsurePresent(ctx, subDir, model.StateSnapshot{path: oldPointer}, false); err != nil {
		return nil, fmt.Errorf("changes: ensuring old submodule pointer %s present for %s: %w", oldPointer, path, err)
	}

	releaseSub := subDir.RmReadLock()
	defer releaseSub()

	records, _, err := c.collectRange(ctx, subDir, rootURL+"~"+path, []string{oldPointer}, []string{newPointer}, checkout.AllRules(), path, toState, budget)
	return records, err
}

// submoduleSha reads the gitlink sha recorded for path in commitSha's
// tree, or "" if path doesn't exist there (removed, or never existed).
func (c *Collector) submoduleSha(ctx context.Context, dir *mirror.Dir, commitSha, path string) string {
	entries, err := c.lsTree(ctx, dir, commitSha)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.Path == path && entry.Kind == submodule.KindSubmodule {
			return entry.Sha
		}
	}
	return ""
}
