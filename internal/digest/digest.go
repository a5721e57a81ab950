// Package digest computes the content identity used by the pool.
//
// A digest is the SHA-1 of the exact byte content, encoded as 40 lowercase
// hex characters. Bytes and files with identical content hash identically.
package digest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/spf13/afero"
)

// Size is the length of a hex-encoded digest.
const Size = 2 * sha1.Size

// Empty is the digest of zero-length content.
const Empty = "da39a3ee5e6b4b0d3255bfef95601890afd80709"

// Hasher produces digests. SHA1 is the only production implementation;
// tests substitute their own to force collisions.
type Hasher interface {
	New() hash.Hash
}

// SHA1 is the default Hasher.
var SHA1 Hasher = sha1Hasher{}

type sha1Hasher struct{}

func (sha1Hasher) New() hash.Hash { return sha1.New() }

// Bytes returns the digest of data.
func Bytes(h Hasher, data []byte) string {
	hh := h.New()
	hh.Write(data)
	return hex.EncodeToString(hh.Sum(nil))
}

// Reader hashes r to EOF and returns the digest and the number of bytes read.
func Reader(h Hasher, r io.Reader) (string, int64, error) {
	hh := h.New()
	n, err := io.Copy(hh, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hh.Sum(nil)), n, nil
}

// File hashes the file at path on fsys.
func File(h Hasher, fsys afero.Fs, path string) (string, int64, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	sum, n, err := Reader(h, f)
	if err != nil {
		return "", n, fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, n, nil
}

// Valid reports whether s is a well-formed digest: exactly 40 lowercase hex characters.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ValidShard reports whether s is a two-character lowercase hex shard name.
func ValidShard(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
