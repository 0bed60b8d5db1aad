package chunk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// RestoreError reports a chunk set that cannot be safely reassembled:
// a missing index, a non-final part with the wrong size, or no parts at
// all. Detection only; nothing is repaired or deleted.
type RestoreError struct {
	Name   string
	Reason string
}

func (e *RestoreError) Error() string { return fmt.Sprintf("restore %s: %s", e.Name, e.Reason) }

// Part is one discovered chunk file.
type Part struct {
	Index int
	Path  string
	Size  int64
}

// Set is the ordered collection of chunk files for one source name.
type Set struct {
	Name  string
	Dir   string
	Parts []Part
}

// Discover finds all part files for name under dir and orders them by
// numeric index. The index is parsed rather than compared lexically, so
// part_10 sorts after part_9 and sets written with a narrower padding
// still restore.
func Discover(dir, name string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	prefix := name + ".tar.part_"
	set := &Set{Name: name, Dir: dir}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		suffix := strings.TrimPrefix(entry.Name(), prefix)
		index, err := strconv.Atoi(suffix)
		if err != nil || index <= 0 {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		set.Parts = append(set.Parts, Part{
			Index: index,
			Path:  filepath.Join(dir, entry.Name()),
			Size:  info.Size(),
		})
	}

	sort.Slice(set.Parts, func(i, j int) bool { return set.Parts[i].Index < set.Parts[j].Index })
	return set, nil
}

// Validate checks the set invariants before any byte is extracted:
// indices are contiguous from 1, and every part before the last has the
// same size as the first. A short middle part means a truncated write;
// extraction from such a set would silently corrupt the tree.
func (s *Set) Validate() error {
	if len(s.Parts) == 0 {
		return &RestoreError{Name: s.Name, Reason: "no chunk files found"}
	}

	for i, part := range s.Parts {
		want := i + 1
		if part.Index == want {
			continue
		}
		if i > 0 && part.Index == s.Parts[i-1].Index {
			return &RestoreError{
				Name:   s.Name,
				Reason: fmt.Sprintf("duplicate chunk index %d", part.Index),
			}
		}
		return &RestoreError{
			Name:   s.Name,
			Reason: fmt.Sprintf("missing chunk %d (found index %d after %d parts)", want, part.Index, i),
		}
	}

	chunkSize := s.Parts[0].Size
	if chunkSize == 0 {
		return &RestoreError{Name: s.Name, Reason: fmt.Sprintf("chunk 1 is empty: %s", s.Parts[0].Path)}
	}
	for _, part := range s.Parts[:len(s.Parts)-1] {
		if part.Size != chunkSize {
			return &RestoreError{
				Name: s.Name,
				Reason: fmt.Sprintf("chunk %d is %d bytes, expected %d (truncated write?)",
					part.Index, part.Size, chunkSize),
			}
		}
	}
	last := s.Parts[len(s.Parts)-1]
	if last.Size == 0 || last.Size > chunkSize {
		return &RestoreError{
			Name: s.Name,
			Reason: fmt.Sprintf("final chunk %d is %d bytes, expected 1..%d",
				last.Index, last.Size, chunkSize),
		}
	}
	return nil
}

// TotalBytes returns the byte length of the reassembled stream.
func (s *Set) TotalBytes() int64 {
	var total int64
	for _, p := range s.Parts {
		total += p.Size
	}
	return total
}

// Reader returns a ReadCloser yielding the parts concatenated in index
// order. Files are opened one at a time as the stream advances.
func (s *Set) Reader() io.ReadCloser {
	return &setReader{set: s}
}

type setReader struct {
	set  *Set
	next int
	cur  *os.File
}

func (r *setReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next >= len(r.set.Parts) {
				return 0, io.EOF
			}
			f, err := os.Open(r.set.Parts[r.next].Path)
			if err != nil {
				return 0, fmt.Errorf("open chunk %d: %w", r.set.Parts[r.next].Index, err)
			}
			r.cur = f
			r.next++
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			cerr := r.cur.Close()
			r.cur = nil
			if cerr != nil {
				return n, cerr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *setReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
