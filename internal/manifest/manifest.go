// Package manifest defines the data model persisted for every uploaded
// store path: the upload preamble a client sends, the chunk descriptors
// produced while ingesting it, and the archive manifest object written to
// storage once all chunks are durable.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/quantarax/nixcache/internal/compression"
	"github.com/quantarax/nixcache/internal/hashing"
)

// storePathHashPattern matches exactly 32 characters of the nix-base32
// alphabet (0-9, a-z minus e, o, u, t).
var storePathHashPattern = regexp.MustCompile(`^[0123456789abcdfghijklmnpqrsvwxyz]{32}$`)

// StorePathHash is the 32-character nix-base32 identifier of a store path,
// and the primary key under which its manifest is persisted.
type StorePathHash string

// ParseStorePathHash validates s against the 32-character nix-base32 format.
func ParseStorePathHash(s string) (StorePathHash, error) {
	if !storePathHashPattern.MatchString(s) {
		return "", fmt.Errorf("manifest: %q is not a 32-character nix-base32 store path hash", s)
	}
	return StorePathHash(s), nil
}

// String returns the hash's textual form.
func (h StorePathHash) String() string {
	return string(h)
}

// UploadRequest is the manifest preamble a client sends ahead of (or
// alongside) the archive body.
type UploadRequest struct {
	StorePathHash StorePathHash `json:"store_path_hash"`
	StorePath     string        `json:"store_path"`
	References    []string      `json:"references"`
	System        string        `json:"system,omitempty"`
	Deriver       string        `json:"deriver,omitempty"`
	Sigs          []string      `json:"sigs,omitempty"`
	CA            string        `json:"ca,omitempty"`
	NarHash       string        `json:"nar_hash"`
	NarSize       int64         `json:"nar_size"`
}

// ParsedNarHash parses the request's "sha256:..." nar_hash field.
func (r *UploadRequest) ParsedNarHash() (hashing.Hash, error) {
	return hashing.FromTyped(r.NarHash)
}

// UploadedChunk records one persisted chunk: the hash of its *compressed*
// bytes, its compressed size, and a snapshot of the compression config used
// to produce it.
type UploadedChunk struct {
	FileHash    hashing.Hash       `json:"-"`
	FileSize    int64              `json:"file_size"`
	Compression compression.Config `json:"compression"`
}

// chunkJSON is UploadedChunk's wire shape; FileHash is stored as a typed
// base32 string rather than its internal struct form.
type chunkJSON struct {
	FileHash    string             `json:"file_hash"`
	FileSize    int64              `json:"file_size"`
	Compression compression.Config `json:"compression"`
}

// MarshalJSON renders FileHash in typed base32 form.
func (c UploadedChunk) MarshalJSON() ([]byte, error) {
	return json.Marshal(chunkJSON{
		FileHash:    c.FileHash.ToTypedBase32(),
		FileSize:    c.FileSize,
		Compression: c.Compression,
	})
}

// UnmarshalJSON parses FileHash from its typed base32 form.
func (c *UploadedChunk) UnmarshalJSON(data []byte) error {
	var wire chunkJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	h, err := hashing.FromTyped(wire.FileHash)
	if err != nil {
		return fmt.Errorf("manifest: chunk file_hash: %w", err)
	}
	c.FileHash = h
	c.FileSize = wire.FileSize
	c.Compression = wire.Compression
	return nil
}

// ArchiveManifest is the persisted "nar" object: an archive hash/size plus
// its ordered chunk list. Its identity is StorePathHash; at most one valid
// manifest exists per key, and it is never mutated once written.
type ArchiveManifest struct {
	StorePath     string          `json:"store_path"`
	StorePathHash StorePathHash   `json:"store_path_hash"`
	NarHash       hashing.Hash    `json:"-"`
	NarSize       int64           `json:"nar_size"`
	References    []string        `json:"references"`
	System        string          `json:"system,omitempty"`
	CA            string          `json:"ca,omitempty"`
	Chunks        []UploadedChunk `json:"chunks"`
}

type manifestJSON struct {
	StorePath     string          `json:"store_path"`
	StorePathHash string          `json:"store_path_hash"`
	NarHash       string          `json:"nar_hash"`
	NarSize       int64           `json:"nar_size"`
	References    []string        `json:"references"`
	System        string          `json:"system,omitempty"`
	CA            string          `json:"ca,omitempty"`
	Chunks        []UploadedChunk `json:"chunks"`
}

// MarshalJSON renders NarHash in typed base16 form (narinfo's NarHash line
// uses typed base32 instead).
func (m ArchiveManifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(manifestJSON{
		StorePath:     m.StorePath,
		StorePathHash: m.StorePathHash.String(),
		NarHash:       m.NarHash.ToTypedBase16(),
		NarSize:       m.NarSize,
		References:    m.References,
		System:        m.System,
		CA:            m.CA,
		Chunks:        m.Chunks,
	})
}

// UnmarshalJSON parses NarHash and StorePathHash from their textual forms.
func (m *ArchiveManifest) UnmarshalJSON(data []byte) error {
	var wire manifestJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	hash, err := hashing.FromTyped(wire.NarHash)
	if err != nil {
		return fmt.Errorf("manifest: nar_hash: %w", err)
	}
	storePathHash, err := ParseStorePathHash(wire.StorePathHash)
	if err != nil {
		return err
	}
	m.StorePath = wire.StorePath
	m.StorePathHash = storePathHash
	m.NarHash = hash
	m.NarSize = wire.NarSize
	m.References = wire.References
	m.System = wire.System
	m.CA = wire.CA
	m.Chunks = wire.Chunks
	return nil
}

// Validate checks the manifest's structural invariants: at least one chunk,
// and the sum of chunk sizes recorded is non-negative (full byte-accounting
// against decompressed output is the caller's responsibility, since this
// type only stores compressed sizes).
func (m ArchiveManifest) Validate() error {
	if len(m.Chunks) == 0 {
		return fmt.Errorf("manifest: %s has zero chunks", m.StorePathHash)
	}
	if m.TotalFileSize() < 0 {
		return fmt.Errorf("manifest: %s has a negative total chunk size", m.StorePathHash)
	}
	return nil
}

// TotalFileSize sums the compressed size of every chunk.
func (m ArchiveManifest) TotalFileSize() int64 {
	var total int64
	for _, c := range m.Chunks {
		total += c.FileSize
	}
	return total
}
