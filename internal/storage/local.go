package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalBackend stores chunks and manifests under a root directory, split
// into "chunks" and "nars" sub-directories created at construction time.
type LocalBackend struct {
	root       string
	chunksDir  string
	narsDir    string
}

// NewLocalBackend creates (if needed) root/chunks and root/nars and returns
// a Backend backed by them.
func NewLocalBackend(root string) (*LocalBackend, error) {
	chunksDir := filepath.Join(root, "chunks")
	narsDir := filepath.Join(root, "nars")
	if err := os.MkdirAll(chunksDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create chunks directory: %w", err)
	}
	if err := os.MkdirAll(narsDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create nars directory: %w", err)
	}
	return &LocalBackend{root: root, chunksDir: chunksDir, narsDir: narsDir}, nil
}

func (b *LocalBackend) UploadChunk(ctx context.Context, name string, stream io.Reader) (RemoteFile, error) {
	if err := writeFile(filepath.Join(b.chunksDir, name), stream); err != nil {
		return RemoteFile{}, err
	}
	return RemoteFile{Kind: KindLocalChunk, Name: name}, nil
}

func (b *LocalBackend) UploadNar(ctx context.Context, name string, stream io.Reader) (RemoteFile, error) {
	if err := writeFile(filepath.Join(b.narsDir, name), stream); err != nil {
		return RemoteFile{}, err
	}
	return RemoteFile{Kind: KindLocalNar, Name: name}, nil
}

func (b *LocalBackend) DownloadChunk(ctx context.Context, name string) (io.ReadCloser, error) {
	return openFile(filepath.Join(b.chunksDir, name))
}

func (b *LocalBackend) DownloadNar(ctx context.Context, name string) (io.ReadCloser, error) {
	return openFile(filepath.Join(b.narsDir, name))
}

// ListManifests implements Lister.
func (b *LocalBackend) ListManifests(ctx context.Context) ([]string, error) {
	return listDir(b.narsDir)
}

// ListChunks implements Lister.
func (b *LocalBackend) ListChunks(ctx context.Context) ([]string, error) {
	return listDir(b.chunksDir)
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// writeFile does a create-and-copy. No atomic rename-into-place: since
// objects are content-addressed, two concurrent uploads of the same bytes
// race harmlessly to the same final content.
func writeFile(path string, stream io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, stream); err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	return nil
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return f, nil
}
