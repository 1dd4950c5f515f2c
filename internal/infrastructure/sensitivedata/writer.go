package sensitivedata

import (
	"bytes"
	"io"
	"sync"
)

// maxPending bounds how much of an unterminated line the Writer holds back
// before scrubbing it anyway.
const maxPending = 64 * 1024

// Writer scrubs guest output line by line before passing it on. A guest may
// emit a line in several writes, so a partial line is held until its newline
// arrives and a secret split across writes is still redacted.
// Safe for concurrent use.
type Writer struct {
	underlying io.Writer
	redactor   *Redactor
	pending    []byte
	mu         sync.Mutex
}

// NewWriter creates a redacting writer. A nil redactor passes data through
// unchanged.
func NewWriter(w io.Writer, r *Redactor) *Writer {
	return &Writer{underlying: w, redactor: r}
}

// Write implements io.Writer. It reports len(p) on success even when the
// scrubbed output differs in length.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.redactor == nil {
		return w.underlying.Write(p)
	}

	w.pending = append(w.pending, p...)
	end := bytes.LastIndexByte(w.pending, '\n') + 1
	if end == 0 && len(w.pending) < maxPending {
		return len(p), nil
	}
	if end == 0 {
		end = len(w.pending)
	}

	if err := w.emit(w.pending[:end]); err != nil {
		return 0, err
	}
	w.pending = append(w.pending[:0], w.pending[end:]...)
	return len(p), nil
}

// Flush writes out a held partial line.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	err := w.emit(w.pending)
	w.pending = w.pending[:0]
	return err
}

func (w *Writer) emit(chunk []byte) error {
	_, err := io.WriteString(w.underlying, w.redactor.ScrubString(string(chunk)))
	return err
}
