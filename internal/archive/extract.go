package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// dirTimes defers directory mtime restoration until all children exist,
// since writing children would clobber an already-set mtime.
type dirTimes struct {
	path    string
	modTime time.Time
}

// Extract consumes a tar stream and materializes the tree under target,
// restoring permissions, symlinks, and mtimes. Ownership is restored
// best-effort: chown failures from running unprivileged are ignored.
func Extract(ctx context.Context, r io.Reader, target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("create target %s: %w", target, err)
	}

	tr := tar.NewReader(r)
	buf := make([]byte, copyBufSize)
	var dirs []dirTimes

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		rel := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("unsafe path in archive: %q", hdr.Name)
		}
		path := filepath.Join(target, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("mkdir %s: %w", path, err)
			}
			restoreOwner(path, hdr)
			dirs = append(dirs, dirTimes{path: path, modTime: hdr.ModTime})

		case tar.TypeReg:
			if err := extractFile(tr, path, hdr, buf); err != nil {
				return err
			}

		case tar.TypeSymlink:
			// Replace any stale link from a previous partial restore.
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove stale %s: %w", path, err)
			}
			if err := os.Symlink(hdr.Linkname, path); err != nil {
				return fmt.Errorf("symlink %s: %w", path, err)
			}
			restoreOwner(path, hdr)
			restoreLinkTimes(path, hdr.ModTime)

		default:
			// Device nodes, fifos, and hard links are not produced by the
			// archive side; skip anything else rather than fail the restore.
		}
	}

	// Children are in place; now directory mtimes can stick. Deeper paths
	// were appended later, so walk in reverse.
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if err := os.Chtimes(d.path, d.modTime, d.modTime); err != nil {
			return fmt.Errorf("set times %s: %w", d.path, err)
		}
	}

	return nil
}

func extractFile(tr *tar.Reader, path string, hdr *tar.Header, buf []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir parent of %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	n, err := io.CopyBuffer(f, tr, buf)
	if err != nil {
		f.Close()
		return fmt.Errorf("extract %s: %w", path, err)
	}
	if cerr := f.Close(); cerr != nil {
		return fmt.Errorf("close %s: %w", path, cerr)
	}
	if n != hdr.Size {
		return fmt.Errorf("extract %s: wrote %d of %d bytes", path, n, hdr.Size)
	}

	// Umask may have masked the create mode.
	if err := os.Chmod(path, fs.FileMode(hdr.Mode).Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	restoreOwner(path, hdr)
	if err := os.Chtimes(path, hdr.ModTime, hdr.ModTime); err != nil {
		return fmt.Errorf("set times %s: %w", path, err)
	}
	return nil
}

// restoreOwner applies uid/gid from the header. Unprivileged restores
// cannot chown, so failures are not errors.
func restoreOwner(path string, hdr *tar.Header) {
	_ = os.Lchown(path, hdr.Uid, hdr.Gid)
}
