package sandbox

import (
	"bytes"
	"sync"
)

const (
	maxLineBytes     = 16 << 10
	defaultKeepBytes = 1 << 20
)

// captureWriter buffers process output up to a byte ceiling. Lines carrying
// keepPrefix are retained from the prefix onwards past the ceiling (up to keepLimit) so that
// harness markers printed after a runaway print loop are not lost. Writes
// never fail: the child keeps running and its excess output is discarded.
type captureWriter struct {
	mu         sync.Mutex
	limit      int
	keepPrefix []byte
	keepLimit  int

	buf       bytes.Buffer
	line      []byte
	plain     int
	kept      int
	truncated bool
}

func newCaptureWriter(limit int, keepPrefix string) *captureWriter {
	w := &captureWriter{limit: limit, keepLimit: defaultKeepBytes}
	if keepPrefix != "" {
		w.keepPrefix = []byte(keepPrefix)
	}
	return w
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.appendLine(p)
			break
		}
		w.appendLine(p[:i+1])
		w.commit()
		p = p[i+1:]
	}
	return n, nil
}

func (w *captureWriter) appendLine(p []byte) {
	w.line = append(w.line, p...)
	if len(w.line) >= maxLineBytes {
		// Too long to be a marker; spill it as plain output.
		w.commitPlain(w.line)
		w.line = w.line[:0]
	}
}

func (w *captureWriter) commit() {
	if len(w.line) == 0 {
		return
	}
	idx := -1
	if w.keepPrefix != nil {
		idx = bytes.Index(w.line, w.keepPrefix)
	}
	if idx < 0 {
		w.commitPlain(w.line)
		w.line = w.line[:0]
		return
	}
	// Text the program printed without a newline ahead of a marker is plain.
	w.commitPlain(w.line[:idx])
	marker := w.line[idx:]
	if w.kept+len(marker) <= w.keepLimit {
		w.buf.Write(marker)
		w.kept += len(marker)
	} else {
		w.truncated = true
	}
	w.line = w.line[:0]
}

func (w *captureWriter) commitPlain(p []byte) {
	room := w.limit - w.plain
	if room <= 0 {
		w.truncated = true
		return
	}
	if len(p) > room {
		p = p[:room]
		w.truncated = true
	}
	w.buf.Write(p)
	w.plain += len(p)
}

// String flushes any pending partial line and returns the captured text.
func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commit()
	return w.buf.String()
}

func (w *captureWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
