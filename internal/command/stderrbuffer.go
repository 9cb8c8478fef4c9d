package command

import "bytes"

const delimiter = '\n'

// stderrBuffer implements io.Writer and buffers output with a limited buffer
// size and line length. Bytes are truncated once bufLimit/lineLimit are
// exceeded, but Write always reports the full length and nil error so it
// never backpressures the child process.
type stderrBuffer struct {
	buf       []byte
	bufLimit  int
	lineLimit int
	lineSep   []byte

	currentLineLength int
}

func newStderrBuffer(bufLimit, lineLimit int) *stderrBuffer {
	return &stderrBuffer{
		bufLimit:  bufLimit,
		lineLimit: lineLimit,
		lineSep:   []byte{delimiter},
		buf:       make([]byte, 0, lineLimit),
	}
}

func (b *stderrBuffer) Write(p []byte) (int, error) {
	if b.bufLimit <= 0 || b.lineLimit <= 0 {
		return len(p), nil
	}

	s := 0
	for s < len(p) && len(b.buf) < b.bufLimit {
		var part []byte
		var foundNewLine bool
		if i := bytes.IndexByte(p[s:], delimiter); i >= 0 {
			i += s
			part = p[s:i]
			s = i + 1
			foundNewLine = true
		} else {
			part = p[s:]
			s = len(p)
		}

		part = part[:min(len(part), b.lineLimit-b.currentLineLength, b.bufLimit-len(b.buf))]
		b.buf = append(b.buf, part...)

		if foundNewLine {
			b.currentLineLength = 0
			if len(b.buf)+len(b.lineSep) <= b.bufLimit {
				b.buf = append(b.buf, b.lineSep...)
			} else {
				break
			}
		} else {
			b.currentLineLength += len(part)
		}
	}
	return len(p), nil
}

func (b *stderrBuffer) Len() int { return len(b.buf) }

func (b *stderrBuffer) String() string { return string(b.buf) }

func (b *stderrBuffer) Bytes() []byte { return b.buf }

func min(first int, candidates ...int) int {
	res := first
	for _, val := range candidates {
		if val < res {
			res = val
		}
	}
	return res
}
