// Package countmap implements the in-memory digest -> signed count
// mapping that both the per-host and per-pool authoritative count
// files hold, along with its on-disk binary encoding.
//
// A count of zero is meaningful: it records that the pool object
// exists but is currently unreferenced. Negative counts are tolerated
// only transiently while deltas are being folded; CountMap itself
// never refuses them, but callers must never durably write one (see
// pkg/hostrecon, which clamps and reports CountUnderflow).
package countmap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
)

// magic identifies the binary count-file format. Bumped only on a
// breaking format change.
const magic uint32 = 0x504f4f4c // "POOL"

// ErrCorrupt is returned when a count file fails to parse.
var ErrCorrupt = errors.New("countmap: corrupt count file")

// CountMap is a mapping of digest bytes (used as a string key) to a
// signed count, with insertion-ordered iteration.
//
// CountMap is not safe for concurrent use; callers load one shard's
// map, mutate it, write it out and discard it before moving to the
// next shard (see pkg/hostrecon and pkg/poolaggregator).
type CountMap struct {
	order  []string
	counts map[string]int64
}

// New returns an empty CountMap.
func New() *CountMap {
	return &CountMap{counts: make(map[string]int64)}
}

// Len returns the number of distinct digests currently tracked.
func (m *CountMap) Len() int { return len(m.order) }

// Get returns the count for key and whether it is present. A missing
// key is undefined; callers must check ok rather than treat a zero
// return as a zero entry.
func (m *CountMap) Get(key []byte) (count int64, ok bool) {
	c, ok := m.counts[string(key)]

	return c, ok
}

// Incr adds delta to key's count, defining it to delta if key was
// absent, and returns the resulting count.
func (m *CountMap) Incr(key []byte, delta int64) int64 {
	k := string(key)

	c, ok := m.counts[k]
	if !ok {
		m.order = append(m.order, k)
	}

	c += delta
	m.counts[k] = c

	return c
}

// Set unconditionally assigns key's count, defining the key if it was absent.
func (m *CountMap) Set(key []byte, count int64) {
	k := string(key)

	if _, ok := m.counts[k]; !ok {
		m.order = append(m.order, k)
	}

	m.counts[k] = count
}

// Delete removes key from the map, a no-op if it was absent.
func (m *CountMap) Delete(key []byte) {
	k := string(key)

	if _, ok := m.counts[k]; !ok {
		return
	}

	delete(m.counts, k)

	for i, o := range m.order {
		if o == k {
			m.order = append(m.order[:i], m.order[i+1:]...)

			break
		}
	}
}

// All returns a lazy sequence of (digest, count) pairs in the map's
// current insertion order. The sequence must not be used across a
// call that mutates the map (Incr/Set/Delete); doing so yields
// unspecified results.
func (m *CountMap) All() iter.Seq2[[]byte, int64] {
	return func(yield func([]byte, int64) bool) {
		for _, k := range m.order {
			if !yield([]byte(k), m.counts[k]) {
				return
			}
		}
	}
}

// Read loads a CountMap from path. A missing file is reported as a
// plain *os.PathError (via the underlying os.Open), not ErrCorrupt;
// callers that want "absent file means empty map" semantics should
// stat-guard the path themselves, or use ReadOrEmpty.
func Read(path string) (*CountMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return decode(f)
}

// ReadOrEmpty loads a CountMap from path, returning a fresh empty map
// (rather than an error) if the file does not exist.
func ReadOrEmpty(path string) (*CountMap, error) {
	m, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}

		return nil, err
	}

	return m, nil
}

func decode(r io.Reader) (*CountMap, error) {
	br := bufio.NewReader(r)

	var gotMagic uint32
	if err := binary.Read(br, binary.BigEndian, &gotMagic); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty file is a corrupt file, not an empty map: a
			// genuinely empty CountMap is always written with a header.
			return nil, fmt.Errorf("%w: empty file", ErrCorrupt)
		}

		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if gotMagic != magic {
		return nil, fmt.Errorf("%w: bad magic %08x", ErrCorrupt, gotMagic)
	}

	var n uint32
	if err := binary.Read(br, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	m := New()
	m.order = make([]string, 0, n)

	for range n {
		var keyLen uint8
		if err := binary.Read(br, binary.BigEndian, &keyLen); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}

		count, err := binary.ReadVarint(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}

		k := string(key)
		if _, dup := m.counts[k]; dup {
			return nil, fmt.Errorf("%w: duplicate digest %x", ErrCorrupt, key)
		}

		m.order = append(m.order, k)
		m.counts[k] = count
	}

	return m, nil
}

// Write serializes m to path atomically: it writes to a temporary
// file in the same directory and renames it over path, so a reader
// never observes a partially written file.
func (m *CountMap) Write(path string) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("countmap: creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if err := m.encode(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("countmap: closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("countmap: renaming temp file into place: %w", err)
	}

	return nil
}

func (m *CountMap) encode(w io.Writer) error {
	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.BigEndian, magic); err != nil {
		return err
	}

	//nolint:gosec // bounded by practical shard population, never near 2^32
	if err := binary.Write(bw, binary.BigEndian, uint32(len(m.order))); err != nil {
		return err
	}

	var varintBuf [binary.MaxVarintLen64]byte

	for _, k := range m.order {
		if len(k) > 255 {
			return fmt.Errorf("countmap: key too long to encode (%d bytes)", len(k))
		}

		if err := bw.WriteByte(byte(len(k))); err != nil {
			return err
		}

		if _, err := bw.WriteString(k); err != nil {
			return err
		}

		n := binary.PutVarint(varintBuf[:], m.counts[k])
		if _, err := bw.Write(varintBuf[:n]); err != nil {
			return err
		}
	}

	return bw.Flush()
}
