// Package fingerprint computes content digests for module resources and
// compares resource sets between publishes.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed digest.
type Digest [32]byte

// Domain keys keep resource digests and set digests apart: the same bytes
// never hash to the same value in both roles.
var (
	resourceKey = [32]byte{
		'p', 'u', 'b', 'l', 'i', 's', 'h', 's', 'y', 'n', 'c', '.',
		'r', 'e', 's', 'o', 'u', 'r', 'c', 'e',
	}
	setKey = [32]byte{
		'p', 'u', 'b', 'l', 'i', 's', 'h', 's', 'y', 'n', 'c', '.',
		's', 'e', 't',
	}
)

// String returns the hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText encodes d as hex.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a hex digest.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse parses a 64-character hex digest.
func Parse(s string) (Digest, error) {
	var d Digest
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(d) {
		return d, fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(d))
	}
	copy(d[:], decoded)
	return d, nil
}

func newHasher(key [32]byte) *blake3.Hasher {
	// NewKeyed only fails for keys that are not 32 bytes.
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

// Sum digests everything read from r.
func Sum(r io.Reader) (Digest, error) {
	h := newHasher(resourceKey)
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// File digests the contents of the file at path.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	return Sum(f)
}

// Set maps resource paths, slash-separated and relative to the module
// source root, to their digests.
type Set map[string]Digest

// Keys returns the resource paths in sorted order.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Root digests the whole set. Equal sets have equal roots; the empty set
// has a well-defined root too.
func (s Set) Root() Digest {
	h := newHasher(setKey)
	var lenBuf [8]byte
	for _, k := range s.Keys() {
		// Length-prefix names so "ab"+"c" and "a"+"bc" differ.
		n := uint64(len(k))
		for i := range lenBuf {
			lenBuf[i] = byte(n >> (8 * i))
		}
		h.Write(lenBuf[:])
		h.Write([]byte(k))
		d := s[k]
		h.Write(d[:])
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Delta lists resource paths that differ between two sets.
type Delta struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Count returns the number of changed resources.
func (d Delta) Count() int {
	return len(d.Added) + len(d.Removed) + len(d.Modified)
}

// Diff compares a previously recorded set with the current one. Each list
// is sorted.
func Diff(recorded, current Set) Delta {
	var delta Delta
	for _, k := range current.Keys() {
		old, ok := recorded[k]
		switch {
		case !ok:
			delta.Added = append(delta.Added, k)
		case old != current[k]:
			delta.Modified = append(delta.Modified, k)
		}
	}
	for _, k := range recorded.Keys() {
		if _, ok := current[k]; !ok {
			delta.Removed = append(delta.Removed, k)
		}
	}
	return delta
}
