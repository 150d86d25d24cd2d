// Package backupwalker supplies the rebuild path's external
// collaborator: something that walks a host's surviving backup trees
// and emits one (digest, +1, class) per referenced pool object. The
// core reconciliation logic in pkg/hostrecon depends only on the
// Walker interface; this package also supplies the one concrete,
// filesystem-backed implementation a deployment actually runs.
package backupwalker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"
	"github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"

	"github.com/kalbasit/poolrefcnt/pkg/deltalog"
	"github.com/kalbasit/poolrefcnt/pkg/digest"
	"github.com/kalbasit/poolrefcnt/pkg/poollayout"
)

// ErrUnreadableObject is returned by StatObject when a referenced
// compressed object's magic bytes don't match any known codec, so the
// walk can report it rather than emit a reference to unreadable data.
var ErrUnreadableObject = errors.New("backupwalker: object content unreadable by any known codec")

// Reference is one (digest, compression class) pair a backup's file
// list resolves to.
type Reference struct {
	Digest digest.Ext
	Class  poollayout.Class
}

// Walker discovers the pool object references made by a host's
// surviving (post-v3) backups. HostReconciler's rebuild path calls
// Walk once per host and folds the result into fresh delta files; it
// never inspects backup trees directly.
type Walker interface {
	Walk(ctx context.Context, host string, emit func(Reference) error) error
}

// FSWalker is the default Walker: it reads a host's backup file-list
// manifests (one path-per-line text file per backup, named
// "<backupNum>.filelist", under TopDir/<host>/) and resolves each
// listed pool object against PoolDir/CPoolDir.
//
// It walks a host directory tree via filepath.WalkDir, with each
// manifest line naming a digest and compression class.
type FSWalker struct {
	Layout poollayout.Layout
}

// NewFSWalker returns a Walker rooted at the given layout.
func NewFSWalker(layout poollayout.Layout) *FSWalker {
	return &FSWalker{Layout: layout}
}

// Walk visits every "*.filelist" manifest under the host's backup
// root and emits a Reference for each non-blank, non-comment line.
// Manifest lines have the form "<class> <hex-digest>".
func (w *FSWalker) Walk(ctx context.Context, host string, emit func(Reference) error) error {
	hostRoot := filepath.Join(w.Layout.TopDir, host)

	log := zerolog.Ctx(ctx).With().Str("host", host).Logger()

	return filepath.WalkDir(hostRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("backupwalker: walking %q: %w", path, err)
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), ".filelist") {
			return nil
		}

		log.Debug().Str("manifest", path).Msg("reading backup manifest")

		return w.walkManifest(path, emit)
	})
}

func (w *FSWalker) walkManifest(path string, emit func(Reference) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("backupwalker: opening manifest %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ref, err := parseManifestLine(line)
		if err != nil {
			return fmt.Errorf("backupwalker: manifest %q: %w", path, err)
		}

		if err := emit(ref); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("backupwalker: reading manifest %q: %w", path, err)
	}

	return nil
}

func parseManifestLine(line string) (Reference, error) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return Reference{}, fmt.Errorf("malformed manifest line %q", line)
	}

	classNum, err := strconv.Atoi(parts[0])
	if err != nil {
		return Reference{}, fmt.Errorf("malformed class in manifest line %q: %w", line, err)
	}

	e, err := digest.Parse(strings.TrimSpace(parts[1]))
	if err != nil {
		return Reference{}, fmt.Errorf("malformed digest in manifest line %q: %w", line, err)
	}

	return Reference{Digest: e, Class: poollayout.Class(classNum)}, nil
}

// StatObject stats the pool object a Reference resolves to and, for
// compressed-class objects, verifies its content is readable by one
// of the supported codecs (zstd, lz4, xz, brotli, lzip) by probing
// the stream header. It never decompresses the whole object: this is
// a readability check, not a content hash.
func StatObject(layout poollayout.Layout, shard int, ref Reference) (os.FileInfo, error) {
	path := layout.ObjectPath(ref.Class, shard, ref.Digest)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backupwalker: stat %q: %w", path, err)
	}

	if ref.Class != poollayout.Compressed || info.Size() == 0 {
		return info, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("backupwalker: opening %q: %w", path, err)
	}
	defer f.Close()

	if err := probeCodec(f); err != nil {
		return nil, fmt.Errorf("backupwalker: %q: %w", path, err)
	}

	return info, nil
}

// probeCodec tries each supported decompressor's stream-open call in
// turn, succeeding as soon as one accepts the header. Readers that
// open lazily (lz4, brotli) are given a one-byte Read to force header
// validation.
func probeCodec(r *os.File) error {
	if _, err := r.Seek(0, 0); err != nil {
		return fmt.Errorf("seeking: %w", err)
	}

	if zr, err := zstd.NewReader(r); err == nil {
		zr.Close()

		return nil
	}

	if _, err := r.Seek(0, 0); err != nil {
		return fmt.Errorf("seeking: %w", err)
	}

	if _, err := xz.NewReader(r); err == nil {
		return nil
	}

	if _, err := r.Seek(0, 0); err != nil {
		return fmt.Errorf("seeking: %w", err)
	}

	lzr := lz4.NewReader(r)
	if _, err := lzr.Read(make([]byte, 1)); err == nil {
		return nil
	}

	if _, err := r.Seek(0, 0); err != nil {
		return fmt.Errorf("seeking: %w", err)
	}

	br := brotli.NewReader(r)
	if _, err := br.Read(make([]byte, 1)); err == nil {
		return nil
	}

	if _, err := r.Seek(0, 0); err != nil {
		return fmt.Errorf("seeking: %w", err)
	}

	if _, err := lzip.NewReader(r); err == nil {
		return nil
	}

	return ErrUnreadableObject
}
