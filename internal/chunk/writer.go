// Package chunk splits a byte stream into fixed-size numbered part files
// and reassembles them. Concatenating a set's parts in index order is
// byte-identical to the stream that produced them.
package chunk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tarshard/tarshard/internal/stats"
)

// indexWidth is the zero-padding of part indices. Five digits hold the
// tens of thousands of parts a large source can realistically produce.
const indexWidth = 5

// maxIndex guards the padding: overflowing it would break numeric
// ordering, so the writer refuses rather than wrapping.
const maxIndex = 99999

// PartName returns the file name of chunk index for a set name.
func PartName(name string, index int) string {
	return fmt.Sprintf("%s.tar.part_%0*d", name, indexWidth, index)
}

// WriteError wraps a destination-side failure (disk full, unmounted
// target). The pipeline uses it to tell destination failures apart from
// source read failures.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write chunk %s: %v", e.Path, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// ChunkFunc is invoked after each part file is completely written and closed.
type ChunkFunc func(index int, path string, size int64)

// Writer is an io.WriteCloser that partitions its input into part files
// of exactly size bytes (the final part may be smaller). Bytes go
// straight to the current part file; nothing is buffered beyond what the
// caller hands to Write, which keeps local usage independent of the
// total stream length. Part files are opened lazily on their first byte,
// so a stream that ends on a chunk boundary leaves no empty trailing part.
type Writer struct {
	dir     string
	name    string
	size    int64
	stats   *stats.Collector
	onChunk ChunkFunc

	cur        *os.File
	curPath    string
	curWritten int64
	completed  int
	total      int64
}

// NewWriter creates a chunk writer for the given set name under dir.
// size must be positive. stats and onChunk may be nil.
func NewWriter(dir, name string, size int64, collector *stats.Collector, onChunk ChunkFunc) *Writer {
	return &Writer{
		dir:     dir,
		name:    name,
		size:    size,
		stats:   collector,
		onChunk: onChunk,
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if w.cur == nil {
			if err := w.openNext(); err != nil {
				return written, err
			}
		}

		room := w.size - w.curWritten
		n := int64(len(p))
		if n > room {
			n = room
		}

		wrote, err := w.cur.Write(p[:n])
		w.curWritten += int64(wrote)
		w.total += int64(wrote)
		written += wrote
		if err != nil {
			return written, &WriteError{Path: w.curPath, Err: err}
		}
		p = p[n:]

		if w.curWritten == w.size {
			if err := w.finishCurrent(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close flushes the in-progress part, if any. A stream that ended exactly
// on a boundary has no in-progress part and produces nothing here.
func (w *Writer) Close() error {
	if w.cur == nil {
		return nil
	}
	return w.finishCurrent()
}

// Chunks returns the number of completed part files.
func (w *Writer) Chunks() int { return w.completed }

// BytesWritten returns the total bytes persisted across all parts.
func (w *Writer) BytesWritten() int64 { return w.total }

func (w *Writer) openNext() error {
	index := w.completed + 1
	if index > maxIndex {
		return &WriteError{
			Path: filepath.Join(w.dir, w.name),
			Err:  fmt.Errorf("chunk index %d exceeds %0*d", index, indexWidth, maxIndex),
		}
	}

	path := filepath.Join(w.dir, PartName(w.name, index))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	w.cur = f
	w.curPath = path
	w.curWritten = 0
	return nil
}

func (w *Writer) finishCurrent() error {
	err := w.cur.Close()
	path, size := w.curPath, w.curWritten
	w.cur = nil
	w.curPath = ""
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}

	w.completed++
	if w.stats != nil {
		w.stats.AddChunksWritten(1)
	}
	if w.onChunk != nil {
		w.onChunk(w.completed, path, size)
	}
	return nil
}
