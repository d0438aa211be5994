// Package storage implements the pluggable object-store capability the
// cache persists chunks and manifests through: a local filesystem backend
// for single-node deployments, and an S3-compatible backend for clustered
// ones.
package storage

import (
	"context"
	"fmt"
	"io"
)

// RemoteFile identifies where an uploaded object ended up. Exactly one
// field group is populated depending on Kind.
type RemoteFile struct {
	Kind RemoteFileKind

	// LocalChunk / LocalNar
	Name string

	// S3
	Region string
	Bucket string
	Key    string
}

// RemoteFileKind tags which backend produced a RemoteFile.
type RemoteFileKind int

const (
	KindLocalChunk RemoteFileKind = iota
	KindLocalNar
	KindS3
)

func (f RemoteFile) String() string {
	switch f.Kind {
	case KindLocalChunk:
		return fmt.Sprintf("local-chunk:%s", f.Name)
	case KindLocalNar:
		return fmt.Sprintf("local-nar:%s", f.Name)
	case KindS3:
		return fmt.Sprintf("s3://%s/%s (region %s)", f.Bucket, f.Key, f.Region)
	default:
		return "unknown"
	}
}

// Backend is the storage capability both ingest and reassembly depend on.
// Every method suspends on network or filesystem I/O; implementations must
// be safe for concurrent use.
type Backend interface {
	// UploadChunk persists stream under the chunk namespace keyed by name
	// (the base32-typed file hash).
	UploadChunk(ctx context.Context, name string, stream io.Reader) (RemoteFile, error)
	// UploadNar persists stream under the manifest namespace keyed by name
	// (the store path hash).
	UploadNar(ctx context.Context, name string, stream io.Reader) (RemoteFile, error)
	// DownloadChunk opens the named chunk for reading.
	DownloadChunk(ctx context.Context, name string) (io.ReadCloser, error)
	// DownloadNar opens the named manifest object for reading.
	DownloadNar(ctx context.Context, name string) (io.ReadCloser, error)
}

// ErrNotFound is returned by Download* when the named object does not exist.
var ErrNotFound = fmt.Errorf("storage: object not found")

// Lister is an optional capability a Backend may implement to support the
// supplemental GC worker's reference sweep. Backends that cannot enumerate
// their contents cheaply (or at all) simply don't implement it; the GC
// worker treats a Backend that doesn't satisfy Lister as unsupported.
type Lister interface {
	// ListManifests returns the name (store path hash) of every object in
	// the manifest namespace.
	ListManifests(ctx context.Context) ([]string, error)
	// ListChunks returns the name (base32 file hash) of every object in the
	// chunk namespace.
	ListChunks(ctx context.Context) ([]string, error)
}
