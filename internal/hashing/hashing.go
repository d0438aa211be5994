// Package hashing implements the multi-algorithm digest type used for store
// path content addressing: narinfo FileHash/NarHash fields and chunk keys.
package hashing

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/quantarax/nixcache/internal/nixbase32"
)

// Algorithm identifies a digest function. Sum/Size/New accept the full set
// below (a narinfo the cache ingests from elsewhere may report any of
// them), but FromTyped recognizes only sha256: nar_hash, file hashes, and
// chunk keys are always sha256 in this cache's own wire format, and a typed
// string naming anything else is rejected as unsupported, matching upstream
// Nix's own narrower Hash type.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA1   Algorithm = "sha1"
	MD5    Algorithm = "md5"
	SHA512 Algorithm = "sha512"
)

// ErrUnsupportedAlgorithm is returned when a textual hash carries an
// algorithm prefix FromTyped does not recognize.
var ErrUnsupportedAlgorithm = errors.New("hashing: unsupported hash algorithm")

// Size returns the digest length in bytes for the algorithm, or 0 if unknown.
func (a Algorithm) Size() int {
	switch a {
	case SHA256:
		return sha256.Size
	case SHA1:
		return sha1.Size
	case MD5:
		return md5.Size
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA1:
		return sha1.New(), nil
	case MD5:
		return md5.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, a)
	}
}

// Hash is an algorithm tag plus raw digest bytes. Two Hash values are equal
// when both the algorithm and digest bytes match.
type Hash struct {
	Algorithm Algorithm
	Digest    []byte
}

// New returns a hash.Hash for incrementally computing a digest of algorithm alg.
func New(alg Algorithm) (hash.Hash, error) {
	return alg.newHash()
}

// Sum computes the digest of data under the given algorithm.
func Sum(alg Algorithm, data []byte) (Hash, error) {
	h, err := alg.newHash()
	if err != nil {
		return Hash{}, err
	}
	h.Write(data)
	return Hash{Algorithm: alg, Digest: h.Sum(nil)}, nil
}

// SHA256Bytes computes the sha256 digest of data.
func SHA256Bytes(data []byte) Hash {
	h, _ := Sum(SHA256, data)
	return h
}

// FromTyped parses "alg:hex" or "alg:nix-base32" into a Hash. The textual
// length of the encoded half disambiguates hex from nix-base32 for a given
// algorithm's digest size.
func FromTyped(s string) (Hash, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Hash{}, fmt.Errorf("hashing: missing ':' separator in %q", s)
	}
	alg := Algorithm(s[:idx])
	encoded := s[idx+1:]

	if alg != SHA256 {
		return Hash{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	size := alg.Size()

	switch len(encoded) {
	case size * 2:
		digest, err := hex.DecodeString(encoded)
		if err != nil {
			return Hash{}, fmt.Errorf("hashing: invalid hex digest: %w", err)
		}
		return Hash{Algorithm: alg, Digest: digest}, nil
	case nixbase32.EncodedLen(size):
		digest, err := nixbase32.Decode(encoded, size)
		if err != nil {
			return Hash{}, fmt.Errorf("hashing: invalid nix-base32 digest: %w", err)
		}
		return Hash{Algorithm: alg, Digest: digest}, nil
	default:
		return Hash{}, fmt.Errorf("hashing: digest %q has unexpected length for %s", encoded, alg)
	}
}

// ToTypedBase16 renders the hash as "alg:hex".
func (h Hash) ToTypedBase16() string {
	return string(h.Algorithm) + ":" + hex.EncodeToString(h.Digest)
}

// ToTypedBase32 renders the hash as "alg:nix-base32".
func (h Hash) ToTypedBase32() string {
	return string(h.Algorithm) + ":" + nixbase32.Encode(h.Digest)
}

// Equal reports whether two hashes have the same algorithm and digest bytes.
func (h Hash) Equal(other Hash) bool {
	if h.Algorithm != other.Algorithm || len(h.Digest) != len(other.Digest) {
		return false
	}
	for i := range h.Digest {
		if h.Digest[i] != other.Digest[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether h carries no digest bytes.
func (h Hash) IsZero() bool {
	return len(h.Digest) == 0
}
