package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tarshard/tarshard/internal/stats"
)

// copyBufSize is the file-content copy buffer. This is the only buffering
// the producer adds; memory stays O(entries) for the walk regardless of
// tree size.
const copyBufSize = 256 * 1024

// Producer serializes a directory tree into a tar stream. The walk is
// single-pass: entries are emitted as they are visited, file contents are
// streamed through a fixed buffer, and nothing is spooled to disk.
type Producer struct {
	root  string
	stats *stats.Collector
	buf   []byte
}

// NewProducer creates a producer for the tree rooted at root.
// stats may be nil.
func NewProducer(root string, collector *stats.Collector) *Producer {
	return &Producer{
		root:  root,
		stats: collector,
		buf:   make([]byte, copyBufSize),
	}
}

// Stream writes the complete archive to w and closes the tar trailer.
// A file that disappears or becomes unreadable mid-walk aborts the whole
// stream: a partial archive with silently missing entries is worse than a
// failed source that gets reported.
func (p *Producer) Stream(ctx context.Context, w io.Writer) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return p.writeEntry(tw, path, d)
	})
	if err != nil {
		// Best-effort trailer; the stream is already failed.
		_ = tw.Close()
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func (p *Producer) writeEntry(tw *tar.Writer, path string, d fs.DirEntry) error {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return fmt.Errorf("rel path for %s: %w", path, err)
	}
	if rel == "." {
		// The root directory itself is implied by the extraction target.
		return nil
	}

	info, err := d.Info()
	if err != nil {
		return fmt.Errorf("lstat %s: %w", path, err)
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(path)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", path, err)
		}
	}

	// FileInfoHeader fills mode, uid/gid, and times from the stat.
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("header for %s: %w", path, err)
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}
	// Reading a file bumps its atime, so carrying atime/ctime would make
	// two streams of an unchanged tree differ. Only mtime is restored.
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", path, err)
	}

	if info.Mode().IsRegular() && hdr.Size > 0 {
		if err := p.writeContents(tw, path, hdr.Size); err != nil {
			return err
		}
	}

	if p.stats != nil {
		p.stats.AddEntriesArchived(1)
	}
	return nil
}

// writeContents copies exactly size bytes of path into the stream. The
// header has already declared size, so a file that shrank since lstat is
// an error, and a file that grew is truncated at the declared size to
// keep the stream consistent.
func (p *Producer) writeContents(tw *tar.Writer, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	n, err := io.CopyBuffer(tw, io.LimitReader(f, size), p.buf)
	if err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	if n != size {
		return fmt.Errorf("archive %s: file shrank from %d to %d bytes mid-stream", path, size, n)
	}
	return nil
}
