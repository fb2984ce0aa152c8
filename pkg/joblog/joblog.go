// Package joblog implements the per-job output store: append-only,
// size-capped log files with non-blocking tail and composite reads.
package joblog

import (
	"errors"
	"io"
	"os"
	"sync"
)

// DefaultCapBytes is the default per-entry size cap.
const DefaultCapBytes = 1 << 20 // 1 MiB

// ErrEntryClosed is returned when writing to a closed entry.
var ErrEntryClosed = errors.New("joblog: entry is closed")

// Entry is the append-only capped log for one job.
//
// Entry is safe for concurrent use. Writes beyond the cap are silently
// dropped, but the total-size counter keeps accumulating so truncation
// stays detectable. An Entry is never rewritten: once the owning job is
// terminal, the file only ever gains the closing trailer.
type Entry struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	cap     int64
	written int64
	total   int64
	closed  bool
}

// Create opens a new entry file at path, truncating any previous content.
//
// capBytes <= 0 selects DefaultCapBytes.
func Create(path string, capBytes int64) (*Entry, error) {
	if capBytes <= 0 {
		capBytes = DefaultCapBytes
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &Entry{f: f, path: path, cap: capBytes}, nil
}

// Write appends p to the entry, honoring the size cap.
//
// Write always reports len(p) consumed so upstream io.Copy pipelines keep
// draining process output after the cap is reached; dropped bytes are only
// visible through TotalBytes exceeding WrittenBytes.
func (e *Entry) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrEntryClosed
	}

	e.total += int64(len(p))

	remaining := e.cap - e.written
	if remaining <= 0 {
		return len(p), nil
	}
	chunk := p
	if int64(len(chunk)) > remaining {
		chunk = chunk[:remaining]
	}
	if err := writeAll(e.f, chunk); err != nil {
		return 0, err
	}
	e.written += int64(len(chunk))
	return len(p), nil
}

// Path returns the entry's file path.
func (e *Entry) Path() string {
	return e.path
}

// TotalBytes returns all bytes offered to the entry, including dropped ones.
func (e *Entry) TotalBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// WrittenBytes returns the bytes actually persisted (never exceeds the cap).
func (e *Entry) WrittenBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.written
}

// Truncated reports whether any bytes were dropped by the cap.
func (e *Entry) Truncated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total > e.written
}

// Size returns the total bytes the job has produced, counting bytes the cap
// dropped. Used by the freeze detector as its output-growth signal: a job
// that fills the cap and keeps writing is still making progress, so the
// signal must keep advancing past the cap.
func (e *Entry) Size() int64 {
	return e.TotalBytes()
}

// Close closes the underlying file. Further writes fail with ErrEntryClosed.
func (e *Entry) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.f.Close()
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
