// Package gc implements a best-effort, non-destructive reference sweep: it
// reads every archive manifest a storage backend holds, accumulates the set
// of chunk keys still reachable from one, and reports (but never deletes)
// chunk keys that are not referenced by any manifest. Deletion is out of
// scope; the manifest/chunk lifecycle has no expiry in this cache.
package gc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/quantarax/nixcache/internal/manifest"
	"github.com/quantarax/nixcache/internal/storage"
)

// ErrListingUnsupported is returned when the configured storage backend
// doesn't implement storage.Lister.
var ErrListingUnsupported = fmt.Errorf("gc: storage backend does not support listing")

// Report summarizes one sweep.
type Report struct {
	ManifestsScanned int
	ManifestErrors    []ManifestError
	ReferencedChunks  int
	TotalChunks       int
	OrphanedChunks    []string
	Duration          time.Duration
}

// ManifestError records a manifest that failed to parse during a sweep; the
// sweep continues past it rather than aborting, since a single corrupt
// manifest shouldn't block accounting for the rest of the cache.
type ManifestError struct {
	StorePathHash string
	Err           error
}

// Sweep lists every manifest and chunk the backend holds, computes the set
// of chunk keys referenced by at least one manifest, and returns those
// present in storage but referenced by none.
func Sweep(ctx context.Context, backend storage.Backend) (Report, error) {
	lister, ok := backend.(storage.Lister)
	if !ok {
		return Report{}, ErrListingUnsupported
	}

	start := time.Now()

	manifestNames, err := lister.ListManifests(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("gc: list manifests: %w", err)
	}
	chunkNames, err := lister.ListChunks(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("gc: list chunks: %w", err)
	}

	referenced := make(map[string]struct{}, len(chunkNames))
	var manifestErrors []ManifestError

	for _, name := range manifestNames {
		m, err := readManifest(ctx, backend, name)
		if err != nil {
			manifestErrors = append(manifestErrors, ManifestError{StorePathHash: name, Err: err})
			continue
		}
		for _, chunk := range m.Chunks {
			referenced[chunk.FileHash.ToTypedBase32()] = struct{}{}
		}
	}

	var orphaned []string
	for _, name := range chunkNames {
		if _, ok := referenced[name]; !ok {
			orphaned = append(orphaned, name)
		}
	}

	return Report{
		ManifestsScanned: len(manifestNames),
		ManifestErrors:   manifestErrors,
		ReferencedChunks: len(referenced),
		TotalChunks:      len(chunkNames),
		OrphanedChunks:   orphaned,
		Duration:         time.Since(start),
	}, nil
}

func readManifest(ctx context.Context, backend storage.Backend, name string) (*manifest.ArchiveManifest, error) {
	rc, err := backend.DownloadNar(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	var m manifest.ArchiveManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &m, nil
}
