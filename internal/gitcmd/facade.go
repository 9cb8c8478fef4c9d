// Package gitcmd is the Native-Git Facade (spec §4.C): it assembles argv
// and environment for every git subcommand the mirror pool needs and
// spawns them through internal/command. Each operation is a small builder
// with explicit fields — no ambient globals are read.
package gitcmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"gitlab.com/ci-platform/ciremote/internal/command"
)

// Facade is the only place that knows how to invoke the native `git`
// binary. It is safe for concurrent use.
type Facade struct {
	binPath string
	runner  command.Runner

	versionOnce sync.Once
	version     Version
	versionErr  error
}

// New returns a Facade that spawns binPath, placing commands whose ExecOpts
// set a CgroupClass into cgroupPlacer (may be command.NoopCgroupPlacer{}).
func New(binPath string, cgroupPlacer command.CgroupPlacer) *Facade {
	return &Facade{
		binPath: binPath,
		runner: command.Runner{
			Default: command.Config{CgroupPlacer: cgroupPlacer},
		},
	}
}

// SubCmd is a single native-git invocation.
type SubCmd struct {
	// Name is the subcommand, e.g. "fetch", "gc".
	Name string
	// Flags are passed verbatim before Args, e.g. []string{"--auto", "--quiet"}.
	Flags []string
	// Args are positional arguments after Flags.
	Args []string
	// ConfigEntries are injected as `-c key=value` before the subcommand
	// name, for per-invocation overrides (spec §6 "custom -c config entries").
	ConfigEntries []string
}

// ExecOpts are the per-call ambient knobs (timeouts, stdin, gc-memory
// bound) threaded through to internal/command.
type ExecOpts struct {
	GitDir            string
	Dir               string // working directory override; defaults to GitDir
	Env               []string
	Stdin             io.Reader
	IdleTimeout       time.Duration
	TotalTimeout      time.Duration
	CgroupClass       string
	CgroupMemoryLimit int64
}

type buildOpts struct {
	subcommand string
	flags      []string
	args       []string
	configs    []string
}

func (f *Facade) buildConfig(o buildOpts) command.Config {
	var argv []string
	for _, kv := range o.configs {
		argv = append(argv, "-c", kv)
	}
	argv = append(argv, o.subcommand)
	argv = append(argv, o.flags...)
	argv = append(argv, o.args...)

	return command.Config{
		Path: f.binPath,
		Args: argv,
		Env:  command.GitEnv,
	}
}

// Exec runs sub against the repository at opts.GitDir and returns its
// buffered result.
func (f *Facade) Exec(ctx context.Context, sub SubCmd, opts ExecOpts) (*command.Result, error) {
	cfg := f.buildConfig(buildOpts{subcommand: sub.Name, flags: sub.Flags, args: sub.Args, configs: sub.ConfigEntries})

	if opts.GitDir != "" {
		cfg.Args = append([]string{"--git-dir", opts.GitDir}, cfg.Args...)
	}
	if opts.Dir != "" {
		cfg.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cfg.Env = append(append([]string{}, opts.Env...), cfg.Env...)
	}
	cfg.Stdin = opts.Stdin
	cfg.IdleTimeout = opts.IdleTimeout
	cfg.TotalTimeout = opts.TotalTimeout
	if opts.CgroupClass != "" {
		cfg.CgroupPlacer = f.runner.Default.CgroupPlacer
		cfg.CgroupClass = opts.CgroupClass
		cfg.CgroupMemoryLimit = opts.CgroupMemoryLimit
	}

	return f.runner.Run(ctx, cfg)
}

// FetchStdin runs `git fetch --stdin`, writing one refspec per line (spec
// §4.C, gated on Version.IsSupported by the caller). Requires a native git
// new enough to support batched stdin refspecs.
func (f *Facade) FetchStdin(ctx context.Context, gitDir, remoteURL string, refspecs []string, opts ExecOpts) (*command.Result, error) {
	cmd, err := command.Start(ctx, command.Config{
		Path:         f.binPath,
		Args:         []string{"--git-dir", gitDir, "fetch", "--stdin", remoteURL},
		Env:          append(append([]string{}, opts.Env...), command.GitEnv...),
		Stdin:        command.SetupStdin,
		IdleTimeout:  opts.IdleTimeout,
		TotalTimeout: opts.TotalTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("gitcmd: fetch --stdin: %w", err)
	}
	for _, refspec := range refspecs {
		if _, err := cmd.Write([]byte(refspec + "\n")); err != nil {
			return nil, fmt.Errorf("gitcmd: writing refspec %q: %w", refspec, err)
		}
	}
	waitErr := cmd.Wait()
	result := &command.Result{ExitCode: cmd.ExitCode(), Stdout: cmd.Stdout(), Stderr: cmd.Stderr(), Duration: cmd.Duration()}
	if category, killed := cmd.WasKilledFor(); killed {
		return result, &command.RunError{Category: category, CommandLine: "git fetch --stdin", StderrTail: string(result.Stderr), Err: waitErr}
	}
	if waitErr != nil {
		return result, &command.RunError{Category: command.CategoryNonZeroExit, CommandLine: "git fetch --stdin", StderrTail: string(result.Stderr), Err: waitErr}
	}
	return result, nil
}

func (f *Facade) LsRemote(ctx context.Context, gitDir, remoteURL string, refs []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "ls-remote", Args: append([]string{remoteURL}, refs...)}, opts)
}

func (f *Facade) Push(ctx context.Context, gitDir, remoteURL string, refspecs []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "push", Args: append([]string{remoteURL}, refspecs...)}, opts)
}

func (f *Facade) UpdateRef(ctx context.Context, gitDir, ref, newSha, oldSha string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	args := []string{ref, newSha}
	if oldSha != "" {
		args = append(args, oldSha)
	}
	return f.Exec(ctx, SubCmd{Name: "update-ref", Args: args}, opts)
}

func (f *Facade) Tag(ctx context.Context, gitDir, name, target string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "tag", Args: []string{name, target}}, opts)
}

func (f *Facade) TagDelete(ctx context.Context, gitDir, name string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "tag", Flags: []string{"-d"}, Args: []string{name}}, opts)
}

func (f *Facade) ConfigGet(ctx context.Context, gitDir, key string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "config", Flags: []string{"--get"}, Args: []string{key}}, opts)
}

func (f *Facade) ConfigSet(ctx context.Context, gitDir, key, value string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "config", Args: []string{key, value}}, opts)
}

func (f *Facade) ConfigList(ctx context.Context, gitDir string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "config", Flags: []string{"--list"}}, opts)
}

func (f *Facade) GCAuto(ctx context.Context, gitDir string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "gc", Flags: []string{"--auto", "--quiet"}}, opts)
}

func (f *Facade) Repack(ctx context.Context, gitDir string, repackArgs []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "repack", Flags: repackArgs}, opts)
}

func (f *Facade) PackRefsAll(ctx context.Context, gitDir string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "pack-refs", Flags: []string{"--all"}}, opts)
}

func (f *Facade) InitBare(ctx context.Context, gitDir string, opts ExecOpts) (*command.Result, error) {
	return f.Exec(ctx, SubCmd{Name: "init", Flags: []string{"--bare"}, Args: []string{gitDir}}, opts)
}

func (f *Facade) CloneMirror(ctx context.Context, remoteURL, gitDir string, opts ExecOpts) (*command.Result, error) {
	return f.Exec(ctx, SubCmd{Name: "clone", Flags: []string{"--mirror"}, Args: []string{remoteURL, gitDir}}, opts)
}

func (f *Facade) Clean(ctx context.Context, gitDir string, flags []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "clean", Flags: flags}, opts)
}

func (f *Facade) Reset(ctx context.Context, gitDir string, flags []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "reset", Flags: flags}, opts)
}

func (f *Facade) Checkout(ctx context.Context, gitDir, ref string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "checkout", Args: []string{ref}}, opts)
}

func (f *Facade) BranchDelete(ctx context.Context, gitDir, name string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "branch", Flags: []string{"-D"}, Args: []string{name}}, opts)
}

func (f *Facade) RemoteAdd(ctx context.Context, gitDir, name, url string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "remote", Flags: []string{"add"}, Args: []string{name, url}}, opts)
}

func (f *Facade) Log(ctx context.Context, gitDir string, flags, args []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "log", Flags: flags, Args: args}, opts)
}

func (f *Facade) LsTree(ctx context.Context, gitDir, treeish string, flags []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "ls-tree", Flags: flags, Args: []string{treeish}}, opts)
}

func (f *Facade) RevParse(ctx context.Context, gitDir string, args []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "rev-parse", Args: args}, opts)
}

func (f *Facade) ShowRef(ctx context.Context, gitDir string, flags []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "show-ref", Flags: flags}, opts)
}

func (f *Facade) SubmoduleInit(ctx context.Context, gitDir string, paths []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "submodule", Flags: []string{"init"}, Args: paths}, opts)
}

func (f *Facade) SubmoduleSync(ctx context.Context, gitDir string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "submodule", Flags: []string{"sync"}}, opts)
}

func (f *Facade) SubmoduleUpdate(ctx context.Context, gitDir string, flags []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "submodule", Flags: append([]string{"update"}, flags...)}, opts)
}

func (f *Facade) UpdateIndex(ctx context.Context, gitDir string, flags []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "update-index", Flags: flags}, opts)
}

func (f *Facade) Diff(ctx context.Context, gitDir string, flags, args []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "diff", Flags: flags, Args: args}, opts)
}

func (f *Facade) Merge(ctx context.Context, gitDir string, args []string, opts ExecOpts) (*command.Result, error) {
	opts.GitDir = gitDir
	return f.Exec(ctx, SubCmd{Name: "merge", Args: args}, opts)
}
