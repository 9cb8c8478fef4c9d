package checkout

import (
	"context"
	"strings"

	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
)

// Result is the outcome of a LatestMatching walk (spec §3 "Result").
type Result struct {
	// MatchingCommit is the newest ancestor of the start commit whose
	// changes are selected by the rules. When no commit matches, it holds
	// the merge commit LatestMatching falls back to instead, and it is ""
	// only when there is neither.
	MatchingCommit string
	// ReachedStopRevisions is the subset of the caller's stop set that the
	// walk actually encountered as an ancestor of the start commit.
	ReachedStopRevisions []string
	// VisitedRevisions is every commit the walk inspected, in walk order.
	VisitedRevisions []string
}

// Walker computes the latest-matching-commit result (spec §4.G), grounded
// on GitCollectChangesPolicy.getLatestRevisionAcceptedByCheckoutRules and
// its CheckoutRulesRevWalk.
type Walker struct {
	Facade *gitcmd.Facade
}

// LatestMatching walks the ancestry of startSha, stopping descent at any
// sha in stopShas, and returns the newest commit whose changed paths yield
// a non-empty visible set under rules (spec §4.G: a commit matches as soon
// as rules select at least one of its changed paths, not only when every
// changed path is selected). If no commit matches outright, the newest
// merge commit encountered during the walk is reported instead as the
// closest partially affected merge commit (spec §9) — a non-merge commit
// never populates this fallback, since its diff is unambiguous: it either
// matches outright or contributes nothing.
func (w *Walker) LatestMatching(ctx context.Context, gitDir, startSha string, rules Rules, stopShas []string) (Result, error) {
	visited, err := w.revList(ctx, gitDir, startSha, stopShas)
	if err != nil {
		return Result{}, err
	}

	reached := w.reachedStops(ctx, gitDir, startSha, stopShas)

	var closestPartial string

	for _, sha := range visited {
		paths, err := w.changedPaths(ctx, gitDir, sha)
		if err != nil {
			return Result{}, err
		}
		if len(paths) == 0 {
			continue
		}

		if rules.MatchesAny(paths) {
			return Result{MatchingCommit: sha, ReachedStopRevisions: reached, VisitedRevisions: visited}, nil
		}
		if closestPartial == "" {
			isMerge, err := w.isMergeCommit(ctx, gitDir, sha)
			if err != nil {
				return Result{}, err
			}
			if isMerge {
				closestPartial = sha
			}
		}
	}

	return Result{MatchingCommit: closestPartial, ReachedStopRevisions: reached, VisitedRevisions: visited}, nil
}

// revList returns startSha's ancestors (start first) in topological order,
// excluding anything reachable only through stopShas — the Go-native
// equivalent of CheckoutRulesRevWalk's markStart/setStopRevisions: a
// native `git rev-list` with the stop commits negated does the descent
// cutoff for us instead of a manual revwalk.
func (w *Walker) revList(ctx context.Context, gitDir, startSha string, stopShas []string) ([]string, error) {
	args := []string{startSha}
	for _, stop := range stopShas {
		args = append(args, "^"+stop)
	}

	result, err := w.Facade.Exec(ctx, gitcmd.SubCmd{Name: "rev-list", Flags: []string{"--topo-order"}, Args: args}, gitcmd.ExecOpts{GitDir: gitDir})
	if err != nil {
		return nil, err
	}

	var shas []string
	for _, line := range strings.Split(strings.TrimSpace(string(result.Stdout)), "\n") {
		if line != "" {
			shas = append(shas, line)
		}
	}
	return shas, nil
}

// reachedStops reports which of stopShas is actually an ancestor of
// startSha — the ones revList's negation would have excluded from
// descent, and so the only ones CheckoutRulesRevWalk's
// getReachedStopRevisions would have recorded.
func (w *Walker) reachedStops(ctx context.Context, gitDir, startSha string, stopShas []string) []string {
	var reached []string
	for _, stop := range stopShas {
		_, err := w.Facade.Exec(ctx, gitcmd.SubCmd{Name: "merge-base", Flags: []string{"--is-ancestor"}, Args: []string{stop, startSha}}, gitcmd.ExecOpts{GitDir: gitDir})
		if err == nil {
			reached = append(reached, stop)
		}
	}
	return reached
}

// isMergeCommit reports whether sha has two or more parents — the
// closestPartial fallback is scoped to merge commits only (spec §4.G's
// closestPartiallyAffectedMergeCommit), since a non-merge commit's diff is
// unambiguous: it either yields a matching visible set or it doesn't.
func (w *Walker) isMergeCommit(ctx context.Context, gitDir, sha string) (bool, error) {
	result, err := w.Facade.Exec(ctx, gitcmd.SubCmd{Name: "rev-list", Flags: []string{"--parents", "-n", "1"}, Args: []string{sha}}, gitcmd.ExecOpts{GitDir: gitDir})
	if err != nil {
		return false, err
	}
	fields := strings.Fields(strings.TrimSpace(string(result.Stdout)))
	// fields[0] is sha itself; anything beyond fields[1] is a second parent.
	return len(fields) >= 3, nil
}

// changedPaths returns the union of paths sha touches across every parent
// (`-m` makes diff-tree emit one diff per parent for merge commits
// instead of none).
func (w *Walker) changedPaths(ctx context.Context, gitDir, sha string) ([]string, error) {
	result, err := w.Facade.Exec(ctx, gitcmd.SubCmd{Name: "diff-tree", Flags: []string{"--no-commit-id", "--name-only", "-r", "-m", "--root"}, Args: []string{sha}}, gitcmd.ExecOpts{GitDir: gitDir})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(string(result.Stdout)), "\n") {
		if line != "" && !seen[line] {
			seen[line] = true
			paths = append(paths, line)
		}
	}
	return paths, nil
}
