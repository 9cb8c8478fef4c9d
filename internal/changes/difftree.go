package changes

import (
	"context"
	"strings"

	"gitlab.com/ci-platform/ciremote/internal/gitcmd"
	"gitlab.com/ci-platform/ciremote/internal/mirror"
	"gitlab.com/ci-platform/ciremote/internal/model"
)

// combinedDiff returns sha's file-level changes relative to its parents
// (spec §4.E step 4): for a normal commit that's a plain diff against its
// one parent; for a merge it's git's own combined-diff ("--cc"), which
// reports only paths whose content differs from *every* parent — exactly
// the semantics step 4 asks for ("merge the file changes ... emit only
// paths whose content differs from all parents"); for a root commit
// --root makes it diff against the empty tree instead of skipping it.
func (c *Collector) combinedDiff(ctx context.Context, dir *mirror.Dir, sha string) ([]model.FileChange, error) {
	var out []model.FileChange
	err := dir.WithReadLock(func() error {
		result, err := c.Facade.Exec(ctx, gitcmd.SubCmd{
			Name:  "diff-tree",
			Flags: []string{"--cc", "--no-commit-id", "--name-status", "-r", "--root", "-z"},
			Args:  []string{sha},
		}, gitcmd.ExecOpts{GitDir: dir.Path()})
		if err != nil {
			return err
		}
		out = parseNameStatusZ(string(result.Stdout))
		return nil
	})
	return out, err
}

// parseNameStatusZ parses NUL-delimited `--name-status -z` output. Each
// record is a status code ("A", "M", "D", "T", or "R###"/"C###" with a
// similarity score) followed by one path (two paths for renames/copies).
func parseNameStatusZ(output string) []model.FileChange {
	fields := strings.Split(strings.Trim(output, "\x00"), "\x00")

	var changes []model.FileChange
	for i := 0; i < len(fields); i++ {
		status := fields[i]
		if status == "" {
			continue
		}

		kind, isRenameLike := changeKindForStatus(status)

		if isRenameLike {
			if i+2 >= len(fields) {
				break
			}
			changes = append(changes, model.FileChange{OldPath: fields[i+1], Path: fields[i+2], ChangeKind: kind})
			i += 2
			continue
		}

		if i+1 >= len(fields) {
			break
		}
		changes = append(changes, model.FileChange{Path: fields[i+1], ChangeKind: kind})
		i++
	}
	return changes
}

func changeKindForStatus(status string) (kind model.ChangeKind, isRenameLike bool) {
	switch status[0] {
	case 'A':
		return model.ChangeAdded, false
	case 'D':
		return model.ChangeRemoved, false
	case 'M':
		return model.ChangeModified, false
	case 'T':
		return model.ChangeTypeChange, false
	case 'R':
		return model.ChangeRenamed, true
	case 'C':
		return model.ChangeCopied, true
	default:
		return model.ChangeModified, false
	}
}
