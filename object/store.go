// Package object implements the content-addressed store underneath the
// database: immutable revision, tree, and commit objects referenced by
// CIDv1 (raw codec, SHA2-256). Identical bytes always map to the same
// reference, so writes deduplicate for free and different branches never
// contend on shared content.
//
// Objects are zstd-compressed on disk under a two-character shard of their
// base32 name. The hash is always computed over the uncompressed bytes, and
// every read re-verifies it, so a damaged file surfaces as ErrCorrupt
// rather than silently wrong data.
package object

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	gocid "github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Ref is a content-addressed object reference.
type Ref = gocid.Cid

// Undef is the zero reference, meaning "no object".
var Undef = gocid.Undef

// Shared zstd state. Encoder and decoder are safe for concurrent use and
// expensive to construct, so both are allocated once. SpeedFastest:
// compression runs on every write while decompression is read-path only,
// and the ratio gain of higher levels is marginal for small documents.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Store manages content-addressed immutable objects on disk.
type Store struct {
	dir  string
	sync bool
}

// OpenStore creates or opens an object store rooted at dir. When sync is
// true every object write is fsynced before rename.
func OpenStore(dir string, sync bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	return &Store{dir: dir, sync: sync}, nil
}

// ComputeRef computes the CIDv1 (raw, SHA2-256) for the given bytes.
func ComputeRef(data []byte) (Ref, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(gocid.Raw, mh), nil
}

// RefName returns the base32lower encoding of a reference for use as a
// filename or wire string.
func RefName(c Ref) string {
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return encoded
}

// ParseRef decodes a reference previously encoded with RefName.
// An empty string parses to Undef.
func ParseRef(name string) (Ref, error) {
	if name == "" {
		return Undef, nil
	}
	_, raw, err := multibase.Decode(name)
	if err != nil {
		return Undef, fmt.Errorf("decode ref %q: %w", name, err)
	}
	c, err := gocid.Cast(raw)
	if err != nil {
		return Undef, fmt.Errorf("cast ref %q: %w", name, err)
	}
	return c, nil
}

func (s *Store) path(c Ref) string {
	name := RefName(c)
	return filepath.Join(s.dir, name[:3], name)
}

// Put writes data to the store, returning its reference. Writing bytes
// that already exist is a no-op.
func (s *Store) Put(data []byte) (Ref, error) {
	c, err := ComputeRef(data)
	if err != nil {
		return Undef, err
	}
	path := s.path(c)
	if s.Has(c) {
		return c, nil // deduplicated
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Undef, fmt.Errorf("create shard dir: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if err := safeWrite(path, compressed, 0644, s.sync); err != nil {
		return Undef, fmt.Errorf("write object: %w", err)
	}
	return c, nil
}

// Get reads an object by reference, verifying its content hash.
func (s *Store) Get(c Ref) ([]byte, error) {
	raw, err := os.ReadFile(s.path(c))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, RefName(c))
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", RefName(c), err)
	}
	data, err := zstdDecoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: zstd: %v", ErrCorrupt, RefName(c), err)
	}
	check, err := ComputeRef(data)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(check.Bytes(), c.Bytes()) {
		return nil, fmt.Errorf("%w: %s: content hash mismatch", ErrCorrupt, RefName(c))
	}
	return data, nil
}

// Has reports whether an object exists without reading it.
func (s *Store) Has(c Ref) bool {
	_, err := os.Stat(s.path(c))
	return err == nil
}
