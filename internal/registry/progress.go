package registry

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

// ProgressSink streams human-readable progress for one operation to a
// caller-supplied writer, tagging every line with a correlation ID so
// concurrent operations interleaved in the same log can be told apart.
type ProgressSink struct {
	out           io.Writer
	correlationID string
	isTTY         bool
}

// NewProgressSink returns a ProgressSink writing to out, with a freshly
// generated correlation ID.
func NewProgressSink(out io.Writer) *ProgressSink {
	isTTY := false
	if f, ok := out.(*os.File); ok {
		isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &ProgressSink{out: out, correlationID: uuid.New().String(), isTTY: isTTY}
}

// CorrelationID identifies this sink's operation across concurrent runs.
func (p *ProgressSink) CorrelationID() string { return p.correlationID }

// Stage reports the start of a named phase of work.
func (p *ProgressSink) Stage(name string) {
	p.writeLine(fmt.Sprintf("==> %s", name))
}

// Printf reports a free-form progress line.
func (p *ProgressSink) Printf(format string, args ...interface{}) {
	p.writeLine(fmt.Sprintf(format, args...))
}

// Done reports the end of the operation.
func (p *ProgressSink) Done() {
	p.writeLine("done")
}

func (p *ProgressSink) writeLine(line string) {
	if p.isTTY {
		fmt.Fprintf(p.out, "[%s] %s\n", p.correlationID[:8], line)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.correlationID, line)
}
