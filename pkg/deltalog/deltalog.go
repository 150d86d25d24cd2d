// Package deltalog implements the read-once delta file convention: a
// per-host, per-compression-class record of pending (digest, signed
// delta) pairs, produced by backup runs and consumed by
// pkg/hostrecon. A delta file is just a countmap.CountMap serialized
// with countmap's own binary format, plus a directory-listing
// convention for discovering and ordering them.
package deltalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kalbasit/poolrefcnt/pkg/countmap"
	"github.com/kalbasit/poolrefcnt/pkg/poollayout"
)

// List returns the paths of every delta file present in dir for the
// given compression class, in the order the directory listing
// returns them: no ordering requirement beyond progress reporting,
// since delta application is commutative.
func List(dir string, c poollayout.Class) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("deltalog: reading %q: %w", dir, err)
	}

	prefix := poollayout.DeltaFilePrefix(c)

	var paths []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		if len(e.Name()) >= len(prefix) && e.Name()[:len(prefix)] == prefix {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}

	// os.ReadDir already returns entries sorted by filename; re-sort
	// explicitly so the order is not an accidental property of the
	// implementation.
	sort.Strings(paths)

	return paths, nil
}

// Load reads path's content into a countmap.CountMap representing the
// net delta it records.
func Load(path string) (*countmap.CountMap, error) {
	m, err := countmap.Read(path)
	if err != nil {
		return nil, fmt.Errorf("deltalog: loading %q: %w", path, err)
	}

	return m, nil
}

// Writer accumulates (digest, delta) pairs for a single fresh delta
// file and flushes them atomically, mirroring the DeltaFileInit/Flush
// collaborator the rebuild path writes through.
type Writer struct {
	path string
	m    *countmap.CountMap
}

// NewWriter initializes a fresh delta file writer at path. The file
// is not created until Flush is called.
func NewWriter(path string) *Writer {
	return &Writer{path: path, m: countmap.New()}
}

// Add records a +1 (or arbitrary delta) contribution for digest.
func (w *Writer) Add(digest []byte, delta int64) {
	w.m.Incr(digest, delta)
}

// Flush serializes the accumulated deltas to the writer's path. A
// writer with no accumulated entries still writes an empty,
// well-formed delta file: an empty file is a corrupt file per
// countmap's format, not an absent one.
func (w *Writer) Flush() error {
	if err := w.m.Write(w.path); err != nil {
		return fmt.Errorf("deltalog: flushing %q: %w", w.path, err)
	}

	return nil
}

// Delete removes a consumed delta file. It is a no-op if the file is
// already gone.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deltalog: deleting %q: %w", path, err)
	}

	return nil
}
