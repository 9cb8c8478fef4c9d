// Package command is the sole place ciremote launches a child process
// (spec §4.B "Process Runner"). It is adapted from
// internal/command/command.go: context-bound reaping, process-group kill,
// a bounded stderr tail, a span per spawn — plus the idle/total timeout
// enforcement and structured error classification spec §4.B adds.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
)

const (
	maxStderrBytes      = 10000
	maxStderrLineLength = 4096
)

// GitEnv are environment variables every spawned git process receives.
var GitEnv = []string{
	"LANG=en_US.UTF-8",
	"GIT_TERMINAL_PROMPT=0",
}

// exportedEnvVars are inherited from the ciremote process's own environment.
var exportedEnvVars = []string{
	"HOME",
	"PATH",
	"LD_LIBRARY_PATH",
	"SSL_CERT_FILE",
	"SSL_CERT_DIR",
	"GIT_SSH_COMMAND",
	"GIT_TRACE",
	"GIT_TRACE_PACK_ACCESS",
	"GIT_TRACE_PACKET",
	"GIT_TRACE_PERFORMANCE",
	"all_proxy", "http_proxy", "HTTP_PROXY",
	"https_proxy", "HTTPS_PROXY",
	"no_proxy", "NO_PROXY",
}

// AllowedEnvironment filters envs down to the variables ciremote forwards to
// child processes by default.
func AllowedEnvironment(envs []string) []string {
	var filtered []string
	for _, env := range envs {
		for _, allowed := range exportedEnvVars {
			if strings.HasPrefix(env, allowed+"=") {
				filtered = append(filtered, env)
			}
		}
	}
	return filtered
}

type stdinSentinel struct{}

func (stdinSentinel) Read([]byte) (int, error) {
	return 0, errors.New("stdin sentinel should not be read from")
}

// SetupStdin instructs Start to configure a writable stdin pipe so the
// caller can Write() to the child (used for `git fetch --stdin`).
var SetupStdin io.Reader = stdinSentinel{}

// ErrorCategory classifies how a command failed (spec §4.B).
type ErrorCategory string

const (
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryNonZeroExit   ErrorCategory = "non-zero-exit"
	CategoryProcessFailure ErrorCategory = "process-failure"
)

// RunError is the structured error the convenience layer (Runner.Run)
// returns for a failed command.
type RunError struct {
	Category    ErrorCategory
	CommandLine string
	StderrTail  string
	Err         error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: command %q failed: %v (stderr: %q)", e.Category, e.CommandLine, e.Err, e.StderrTail)
}

func (e *RunError) Unwrap() error { return e.Err }

// Config describes how to spawn a process.
type Config struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	// Stdin may be nil (use /dev/null), SetupStdin (configure a writable
	// pipe), or any other io.Reader.
	Stdin io.Reader

	// IdleTimeout kills the process if neither stdout nor stderr produced
	// output for this long. Zero disables the idle timeout.
	IdleTimeout time.Duration
	// TotalTimeout kills the process after this long regardless of
	// activity. Zero disables the total timeout.
	TotalTimeout time.Duration

	// CgroupPlacer, CgroupClass and CgroupMemoryLimit optionally bound the
	// process's memory. The process is placed only when CgroupClass is set.
	CgroupPlacer      CgroupPlacer
	CgroupClass       string
	CgroupMemoryLimit int64
}

// Command wraps a running exec.Cmd. The embedded process is terminated and
// reaped automatically when ctx is canceled, or when an idle/total timeout
// elapses.
type Command struct {
	cfg       Config
	cmd       *exec.Cmd
	writer    io.WriteCloser
	stdoutBuf *stderrBuffer
	stderrBuf *stderrBuffer

	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	span      opentracing.Span

	lastActivityUnixNano int64

	waitOnce  sync.Once
	waitError error
	killedFor ErrorCategory

	wg sync.WaitGroup
}

// Start spawns cfg and returns a Command representing it. The caller must
// eventually call Wait.
func Start(ctx context.Context, cfg Config) (*Command, error) {
	if ctx.Done() == nil {
		panic("command: Start called with a context that has no Done() channel")
	}
	for _, arg := range cfg.Args {
		if strings.IndexByte(arg, 0) >= 0 {
			return nil, fmt.Errorf("command: null byte in argument %q", arg)
		}
	}

	span, spanCtx := opentracing.StartSpanFromContext(ctx, cfg.Path,
		opentracing.Tag{Key: "args", Value: strings.Join(cfg.Args, " ")})

	runCtx, cancel := context.WithCancel(spanCtx)

	execCmd := exec.CommandContext(runCtx, cfg.Path, cfg.Args...)
	execCmd.Dir = cfg.Dir
	execCmd.Env = append(append([]string{}, cfg.Env...), AllowedEnvironment(os.Environ())...)
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	c := &Command{
		cfg:       cfg,
		cmd:       execCmd,
		startTime: time.Now(),
		ctx:       runCtx,
		cancel:    cancel,
		span:      span,
	}
	c.touch()

	if cfg.Stdin == SetupStdin {
		pipe, err := execCmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("command: stdin pipe: %w", err)
		}
		c.writer = pipe
	} else if cfg.Stdin != nil {
		execCmd.Stdin = cfg.Stdin
	}

	c.stdoutBuf = newStderrBuffer(1<<20, maxStderrLineLength)
	c.stderrBuf = newStderrBuffer(maxStderrBytes, maxStderrLineLength)

	stdoutPipe, err := execCmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("command: stdout pipe: %w", err)
	}
	stderrPipe, err := execCmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("command: stderr pipe: %w", err)
	}

	if err := execCmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("command: start %v: %w", cfg.Args, err)
	}
	inFlightCommandGauge.Inc()
	if len(cfg.Args) > 0 {
		spawnedCommandsTotal.WithLabelValues(cfg.Args[0]).Inc()
	}

	if cfg.CgroupPlacer != nil && cfg.CgroupClass != "" {
		if err := cfg.CgroupPlacer.Place(cfg.CgroupClass, execCmd.Process.Pid, cfg.CgroupMemoryLimit); err != nil {
			ctxlogrus.Extract(ctx).WithError(err).Warn("command: failed to place process into cgroup")
		}
	}

	c.wg.Add(2)
	go c.drain(stdoutPipe, c.stdoutBuf)
	go c.drain(stderrPipe, c.stderrBuf)

	if cfg.IdleTimeout > 0 || cfg.TotalTimeout > 0 {
		go c.watchdog()
	}

	go func() {
		<-runCtx.Done()
		c.killTree()
	}()

	return c, nil
}

func (c *Command) touch() {
	atomic.StoreInt64(&c.lastActivityUnixNano, time.Now().UnixNano())
}

func (c *Command) idleFor() time.Duration {
	last := atomic.LoadInt64(&c.lastActivityUnixNano)
	return time.Since(time.Unix(0, last))
}

func (c *Command) drain(r io.Reader, buf *stderrBuffer) {
	defer c.wg.Done()
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			c.touch()
			buf.Write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

func (c *Command) watchdog() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.cfg.TotalTimeout > 0 && time.Since(c.startTime) > c.cfg.TotalTimeout {
				c.killedFor = CategoryTimeout
				killedCommandsTotal.WithLabelValues("total_timeout").Inc()
				c.cancel()
				return
			}
			if c.cfg.IdleTimeout > 0 && c.idleFor() > c.cfg.IdleTimeout {
				c.killedFor = CategoryTimeout
				killedCommandsTotal.WithLabelValues("idle_timeout").Inc()
				c.cancel()
				return
			}
		}
	}
}

// killTree sends SIGTERM to the process's whole group, the same trick
// command.go uses: Setpgid above made the child the leader of its own group.
func (c *Command) killTree() {
	if process := c.cmd.Process; process != nil && process.Pid > 0 {
		_ = syscall.Kill(-process.Pid, syscall.SIGTERM)
	}
}

// Write writes to the child's stdin. Only valid when Config.Stdin was
// SetupStdin.
func (c *Command) Write(p []byte) (int, error) {
	if c.writer == nil {
		panic("command: Write called without SetupStdin")
	}
	return c.writer.Write(p)
}

// Wait blocks until the process exits and returns its error (nil on
// success). Call Stdout/Stderr/ExitCode afterwards to inspect the result.
func (c *Command) Wait() error {
	c.waitOnce.Do(func() {
		if c.writer != nil {
			_ = c.writer.Close()
		}
		c.waitError = c.cmd.Wait()
		c.wg.Wait()
		c.cancel()
		inFlightCommandGauge.Dec()
		c.logComplete()
	})
	return c.waitError
}

func (c *Command) logComplete() {
	entry := ctxlogrus.Extract(c.ctx).WithFields(logrus.Fields{
		"args":            c.cmd.Args,
		"command.real_ms": time.Since(c.startTime).Milliseconds(),
	})
	if c.waitError != nil {
		entry = entry.WithError(c.waitError)
	}
	entry.Debug("command: spawn complete")
	c.span.Finish()
}

// ExitCode returns the process's exit status, available after Wait.
func (c *Command) ExitCode() int {
	if c.waitError == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(c.waitError, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Stdout returns everything captured from the process's stdout so far.
func (c *Command) Stdout() []byte { return c.stdoutBuf.Bytes() }

// Stderr returns the tail of the process's stderr.
func (c *Command) Stderr() []byte { return c.stderrBuf.Bytes() }

// Duration returns how long the process ran.
func (c *Command) Duration() time.Duration { return time.Since(c.startTime) }

// Args returns the argv the process was started with.
func (c *Command) Args() []string { return c.cmd.Args }

// WasKilledFor reports the watchdog reason the process was killed for, if
// any.
func (c *Command) WasKilledFor() (ErrorCategory, bool) {
	return c.killedFor, c.killedFor != ""
}

// suppressedContext suppresses cancellation/expiration of the parent
// context, used by long-running background workers (the compactor's
// per-mirror loop) that must not be killed by a single caller's deadline.
type suppressedContext struct{ context.Context }

func (suppressedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (suppressedContext) Done() <-chan struct{}       { return nil }
func (suppressedContext) Err() error                  { return nil }

// SuppressCancellation returns a context that never reports cancellation or
// deadline expiry from its parent.
func SuppressCancellation(ctx context.Context) context.Context { return suppressedContext{ctx} }
