// Package digest implements the pool's content-address type: a
// fixed-size primary key with an optional chain extension, plus the
// shard math used to partition the digest space across the pool and
// per-host count stores.
package digest

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// PrimaryLen is the length in bytes of a primary (non-chained) digest.
	PrimaryLen = 16

	// NumShards is the number of top-level shards the digest space is
	// partitioned into.
	NumShards = 128
)

var (
	// ErrTooShort is returned when a digest is shorter than PrimaryLen.
	ErrTooShort = errors.New("digest: shorter than the primary digest length")

	// ErrEmpty is returned when an empty byte string is given where a digest is required.
	ErrEmpty = errors.New("digest: empty")
)

// Empty is the sentinel "digest of the empty object":
// d41d8cd98f00b204e9800998ecf8427e. It is excluded from link-max and
// missing-file diagnostics.
//
//nolint:gochecknoglobals
var Empty = MustParse("d41d8cd98f00b204e9800998ecf8427e")

// Digest is an opaque, comparable content key. It is 16 bytes for a
// primary entry, or 17+ bytes when a collision chain extension has
// been appended (the trailing byte(s) then encode a chain index >= 1).
//
// Digest is comparable via ==: two digests are "the same object" iff
// byte-equal, and converting to a fixed-size array lets us use Digest
// directly as a map key without a custom hash.
type Digest [PrimaryLen]byte

// Ext is a chain extension: a sequence of trailing bytes appended to a
// primary Digest to disambiguate a collision. Index 0 means "no
// extension" (the primary object itself); index >= 1 selects the Nth
// chained object.
type Ext struct {
	Primary Digest
	Index   uint32
}

// Parse decodes a hex-encoded digest (32 hex chars for the primary
// form, more for a chained form) into a Digest and its chain index.
func Parse(hexDigest string) (Ext, error) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return Ext{}, fmt.Errorf("digest: invalid hex %q: %w", hexDigest, err)
	}

	return FromBytes(raw)
}

// FromBytes builds an Ext from raw digest bytes (16 bytes primary,
// or 17+ bytes for a chained digest; any bytes past the primary 16
// encode the chain index, big-endian).
func FromBytes(raw []byte) (Ext, error) {
	if len(raw) == 0 {
		return Ext{}, ErrEmpty
	}

	if len(raw) < PrimaryLen {
		return Ext{}, fmt.Errorf("%w: got %d bytes", ErrTooShort, len(raw))
	}

	var e Ext

	copy(e.Primary[:], raw[:PrimaryLen])

	var idx uint32

	for _, b := range raw[PrimaryLen:] {
		idx = idx<<8 | uint32(b)
	}

	e.Index = idx

	return e, nil
}

// MustParse is like Parse but panics on error; it exists for
// constructing compile-time constants such as Empty.
func MustParse(hexDigest string) Digest {
	e, err := Parse(hexDigest)
	if err != nil {
		panic(err)
	}

	return e.Primary
}

// Bytes returns the raw bytes of a chain extension: the 16-byte
// primary digest followed by the chain index's minimal big-endian
// encoding (empty when Index == 0).
func (e Ext) Bytes() []byte {
	if e.Index == 0 {
		out := make([]byte, PrimaryLen)
		copy(out, e.Primary[:])

		return out
	}

	// Encode the index in the fewest bytes that represent it, matching
	// the on-disk convention of appending "1", "2", ... not zero-padded
	// 32-bit words.
	var enc []byte

	for v := e.Index; v > 0; v >>= 8 {
		enc = append([]byte{byte(v)}, enc...)
	}

	out := make([]byte, 0, PrimaryLen+len(enc))
	out = append(out, e.Primary[:]...)
	out = append(out, enc...)

	return out
}

// String returns the lowercase hex encoding of the extension's bytes.
func (e Ext) String() string { return hex.EncodeToString(e.Bytes()) }

// Next returns the Ext for the next link in this digest's collision
// chain (Index+1).
func (e Ext) Next() Ext { return Ext{Primary: e.Primary, Index: e.Index + 1} }

// Shard returns the top-shard id (0..127) for a digest: the high byte
// with its low bit discarded.
func (d Digest) Shard() int { return int(d[0] >> 1) }

// SubShard returns the sub-shard id (0..127) used for the on-disk
// object tree layout, derived identically to Shard but from the
// second byte.
func (d Digest) SubShard() int { return int(d[1] >> 1) }

// ShardHex returns the two-hex-digit shard file suffix (shard*2, i.e.
// "00", "02", ..., "FE") used in poolCnt.<c>.<ss> filenames.
func ShardHex(shard int) string {
	return fmt.Sprintf("%02X", shard*2)
}

// String returns the lowercase hex encoding of the primary digest.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsEmpty reports whether d is the sentinel EmptyMD5 digest.
func (d Digest) IsEmpty() bool { return d == Empty }
