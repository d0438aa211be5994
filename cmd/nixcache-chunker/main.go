// Command nixcache-chunker is a diagnostic tool: it runs a local file
// through the same content-defined chunking and compression pipeline the
// server's upload handler uses, and prints the resulting archive manifest
// as JSON. It never talks to a server or storage backend; it exists to let
// an operator preview chunk boundaries and compressed sizes for a given
// file and chunking configuration before wiring it into a real upload.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/quantarax/nixcache/internal/chunker"
	"github.com/quantarax/nixcache/internal/compression"
	"github.com/quantarax/nixcache/internal/hashing"
	"github.com/quantarax/nixcache/internal/manifest"
	"github.com/quantarax/nixcache/internal/streamhash"
)

func main() {
	storePath := flag.String("store-path", "", "the /nix/store path this file represents")
	storePathHash := flag.String("store-path-hash", "", "the 32-character nix-base32 hash of store-path")
	minSize := flag.Int("min-size", chunker.DefaultOptions().MinSize, "minimum chunk size in bytes")
	avgSize := flag.Int("avg-size", chunker.DefaultOptions().AvgSize, "average chunk size in bytes")
	maxSize := flag.Int("max-size", chunker.DefaultOptions().MaxSize, "maximum chunk size in bytes")
	compressionType := flag.String("compression", string(compression.Zstd), "compression type: none, zstd, brotli, xz")
	output := flag.String("output", "", "write the manifest to this file instead of stdout")
	pretty := flag.Bool("pretty", true, "pretty-print the JSON output")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: nixcache-chunker [options] <nar-file>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	narPath := flag.Arg(0)

	sph, err := manifest.ParseStorePathHash(*storePathHash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(narPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	defer f.Close()

	opts := chunker.Options{MinSize: *minSize, AvgSize: *avgSize, MaxSize: *maxSize}
	compCfg := compression.Config{Type: compression.Type(*compressionType)}

	fmt.Fprintf(os.Stderr, "Chunking %s (min=%d avg=%d max=%d compression=%s)\n", narPath, opts.MinSize, opts.AvgSize, opts.MaxSize, compCfg.Type)

	m, err := computeManifest(f, *storePath, sph, opts, compCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error computing manifest: %v\n", err)
		os.Exit(3)
	}

	fmt.Fprintf(os.Stderr, "nar_size=%d chunks=%d total_compressed=%d\n", m.NarSize, len(m.Chunks), m.TotalFileSize())

	var data []byte
	if *pretty {
		data, err = json.MarshalIndent(m, "", "  ")
	} else {
		data, err = json.Marshal(m)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error serializing manifest: %v\n", err)
		os.Exit(4)
	}

	if *output != "" {
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *output, err)
			os.Exit(5)
		}
		fmt.Fprintf(os.Stderr, "Manifest written to %s\n", *output)
		return
	}
	fmt.Println(string(data))
}

func computeManifest(r io.Reader, storePath string, storePathHash manifest.StorePathHash, opts chunker.Options, compCfg compression.Config) (manifest.ArchiveManifest, error) {
	outer, err := streamhash.New(r, hashing.SHA256)
	if err != nil {
		return manifest.ArchiveManifest{}, err
	}

	c, err := chunker.New(outer, opts)
	if err != nil {
		return manifest.ArchiveManifest{}, err
	}

	var chunks []manifest.UploadedChunk
	for {
		data, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return manifest.ArchiveManifest{}, err
		}

		stream, err := compression.NewStream(bytes.NewReader(data), compCfg)
		if err != nil {
			return manifest.ArchiveManifest{}, err
		}
		compressed, err := io.ReadAll(stream)
		if err != nil {
			return manifest.ArchiveManifest{}, err
		}
		_ = compressed // only the resulting hash/size are kept for the preview
		fileResult, _ := stream.FileHashAndSize()

		chunks = append(chunks, manifest.UploadedChunk{
			FileHash:    fileResult.Hash,
			FileSize:    fileResult.Size,
			Compression: compCfg,
		})
	}

	outerResult, _ := outer.Result()

	return manifest.ArchiveManifest{
		StorePath:     storePath,
		StorePathHash: storePathHash,
		NarHash:       outerResult.Hash,
		NarSize:       outerResult.Size,
		Chunks:        chunks,
	}, nil
}
