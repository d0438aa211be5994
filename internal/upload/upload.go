// Package upload implements the PUT /_api/v1/upload-path handler: parsing
// the upload preamble, dispatching to the unchunked or chunked ingest path
// based on the configured nar-size-threshold, and persisting the resulting
// archive manifest.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/quantarax/nixcache/internal/apierr"
	"github.com/quantarax/nixcache/internal/chunker"
	"github.com/quantarax/nixcache/internal/compression"
	"github.com/quantarax/nixcache/internal/hashing"
	"github.com/quantarax/nixcache/internal/manifest"
	"github.com/quantarax/nixcache/internal/observability"
	"github.com/quantarax/nixcache/internal/storage"
	"github.com/quantarax/nixcache/internal/streamhash"
)

// ConcurrentChunkUploads bounds how many chunk uploads (compress + store)
// run concurrently for a single archive.
const ConcurrentChunkUploads = 10

// maxPreambleSize bounds the X-Nixcache-Nar-Info-Preamble-Size header.
const maxPreambleSize = 1 << 20

// Handler implements the upload-path endpoint.
type Handler struct {
	Backend           storage.Backend
	ChunkerOptions    chunker.Options
	CompressionConfig compression.Config
	NarSizeThreshold  int64
	Metrics           *observability.Metrics
	Logger            *observability.Logger
}

// uploadedResponse is the JSON body returned on success.
type uploadedResponse struct {
	Kind     string `json:"kind"`
	FileSize int64  `json:"file_size"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, body, perr := parsePreamble(r)
	if perr != nil {
		apierr.WriteJSON(w, perr)
		return
	}

	if _, err := manifest.ParseStorePathHash(string(req.StorePathHash)); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindRequestError, "invalid store_path_hash"))
		return
	}

	h.Metrics.RecordUploadStart()
	start := time.Now()

	chunked := h.NarSizeThreshold != 0 && req.NarSize >= h.NarSizeThreshold
	h.Logger.UploadStarted(string(req.StorePathHash), req.NarSize, chunked)

	var result ingestResult
	var uerr *apierr.Error
	if chunked {
		result, uerr = h.uploadChunked(r.Context(), req, body)
	} else {
		result, uerr = h.uploadUnchunked(r.Context(), req, body)
	}

	h.Metrics.RecordUploadComplete(uerr == nil, time.Since(start).Seconds(), req.NarSize)

	if uerr != nil {
		h.Logger.UploadFailed(string(req.StorePathHash), uerr)
		apierr.WriteJSON(w, uerr)
		return
	}

	h.Logger.UploadCompleted(string(req.StorePathHash), req.NarSize, result.numChunks, time.Since(start))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(uploadedResponse{Kind: "Uploaded", FileSize: result.fileSize})
}

// ingestResult summarizes a completed ingest, whichever path produced it.
type ingestResult struct {
	fileSize  int64
	numChunks int
}

// parsePreamble extracts the upload manifest per §4.I: either a
// length-prefixed JSON preamble at the start of the body, or the full
// manifest in a header with the body being the entire archive.
func parsePreamble(r *http.Request) (*manifest.UploadRequest, io.Reader, *apierr.Error) {
	if sizeHeader := r.Header.Get("X-Nixcache-Nar-Info-Preamble-Size"); sizeHeader != "" {
		n, err := strconv.Atoi(sizeHeader)
		if err != nil || n < 0 || n > maxPreambleSize {
			return nil, nil, apierr.New(apierr.KindRequestError, "invalid X-Nixcache-Nar-Info-Preamble-Size")
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r.Body, buf); err != nil {
			return nil, nil, apierr.New(apierr.KindRequestError, "body shorter than declared preamble size")
		}
		var req manifest.UploadRequest
		if err := json.Unmarshal(buf, &req); err != nil {
			return nil, nil, apierr.New(apierr.KindRequestError, "invalid preamble JSON")
		}
		return &req, r.Body, nil
	}

	if infoHeader := r.Header.Get("X-Nixcache-Nar-Info"); infoHeader != "" {
		var req manifest.UploadRequest
		if err := json.Unmarshal([]byte(infoHeader), &req); err != nil {
			return nil, nil, apierr.New(apierr.KindRequestError, "invalid X-Nixcache-Nar-Info JSON")
		}
		return &req, r.Body, nil
	}

	return nil, nil, apierr.New(apierr.KindRequestError, "missing upload preamble header")
}

// uploadUnchunked implements the single-object ingest path: compress the
// whole archive, verify it against the declared hash/size, and store it as
// a one-chunk manifest.
func (h *Handler) uploadUnchunked(ctx context.Context, req *manifest.UploadRequest, body io.Reader) (ingestResult, *apierr.Error) {
	expectedNarHash, err := req.ParsedNarHash()
	if err != nil {
		return ingestResult{}, apierr.New(apierr.KindRequestError, "invalid nar_hash")
	}

	limited := io.LimitReader(body, req.NarSize)
	outer, err := streamhash.New(limited, hashing.SHA256)
	if err != nil {
		return ingestResult{}, apierr.Wrap(apierr.KindInternalServerError, err)
	}
	stream, err := compression.NewStream(outer, h.CompressionConfig)
	if err != nil {
		return ingestResult{}, apierr.Wrap(apierr.KindInternalServerError, err)
	}

	maxSize := h.ChunkerOptions.MaxSize
	capped := io.LimitReader(stream, int64(maxSize)+1)
	data, err := io.ReadAll(capped)
	if err != nil {
		return ingestResult{}, apierr.Wrap(apierr.KindInternalServerError, err)
	}
	if len(data) > maxSize {
		return ingestResult{}, apierr.New(apierr.KindRequestError, "unchunked archive exceeds max-size; configure a nar-size-threshold")
	}

	outerResult, _ := outer.Result()
	if !outerResult.Hash.Equal(expectedNarHash) || outerResult.Size != req.NarSize {
		return ingestResult{}, apierr.New(apierr.KindRequestError, "archive hash or size does not match declared nar_hash/nar_size")
	}

	fileResult, _ := stream.FileHashAndSize()
	key := fileResult.Hash.ToTypedBase32()
	opStart := time.Now()
	_, uploadErr := h.Backend.UploadChunk(ctx, key, bytes.NewReader(data))
	h.Metrics.RecordStorageOperation("upload_chunk", uploadErr == nil, time.Since(opStart).Seconds())
	if uploadErr != nil {
		return ingestResult{}, apierr.Wrap(apierr.KindStorageError, uploadErr)
	}
	h.Metrics.RecordChunkStored(len(data))
	h.Logger.ChunkUploaded(string(req.StorePathHash), 0, fileResult.Size)

	chunk := manifest.UploadedChunk{FileHash: fileResult.Hash, FileSize: fileResult.Size, Compression: h.CompressionConfig}
	m := manifest.ArchiveManifest{
		StorePath:     req.StorePath,
		StorePathHash: req.StorePathHash,
		NarHash:       outerResult.Hash,
		NarSize:       outerResult.Size,
		References:    req.References,
		System:        req.System,
		CA:            req.CA,
		Chunks:        []manifest.UploadedChunk{chunk},
	}
	if werr := h.writeManifest(ctx, m); werr != nil {
		return ingestResult{}, werr
	}
	return ingestResult{fileSize: fileResult.Size, numChunks: 1}, nil
}

type chunkUploadResult struct {
	chunk manifest.UploadedChunk
	err   error
}

// uploadChunked implements the content-defined-chunking ingest path: the
// archive is chunked as it streams in, each chunk is compressed and stored
// by its own goroutine bounded by a ConcurrentChunkUploads-permit
// semaphore, and the persisted chunks[] preserves emission order regardless
// of which upload finishes first.
func (h *Handler) uploadChunked(ctx context.Context, req *manifest.UploadRequest, body io.Reader) (ingestResult, *apierr.Error) {
	expectedNarHash, err := req.ParsedNarHash()
	if err != nil {
		return ingestResult{}, apierr.New(apierr.KindRequestError, "invalid nar_hash")
	}

	limited := io.LimitReader(body, req.NarSize)
	outer, err := streamhash.New(limited, hashing.SHA256)
	if err != nil {
		return ingestResult{}, apierr.Wrap(apierr.KindInternalServerError, err)
	}
	c, err := chunker.New(outer, h.ChunkerOptions)
	if err != nil {
		return ingestResult{}, apierr.Wrap(apierr.KindInternalServerError, err)
	}

	sem := semaphore.NewWeighted(int64(ConcurrentChunkUploads))
	var resultChans []chan chunkUploadResult

	for {
		data, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ingestResult{}, apierr.Wrap(apierr.KindInternalServerError, err)
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return ingestResult{}, apierr.Wrap(apierr.KindInternalServerError, err)
		}
		resultCh := make(chan chunkUploadResult, 1)
		resultChans = append(resultChans, resultCh)

		go func(chunkData []byte) {
			defer sem.Release(1)
			uc, err := h.uploadOneChunk(ctx, chunkData)
			resultCh <- chunkUploadResult{chunk: uc, err: err}
		}(data)
	}

	outerResult, _ := outer.Result()

	chunks := make([]manifest.UploadedChunk, len(resultChans))
	var totalFileSize int64
	var firstErr error
	for i, ch := range resultChans {
		res := <-ch
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		chunks[i] = res.chunk
		totalFileSize += res.chunk.FileSize
		h.Logger.ChunkUploaded(string(req.StorePathHash), i, res.chunk.FileSize)
	}
	if firstErr != nil {
		return ingestResult{}, apierr.Wrap(apierr.KindStorageError, firstErr)
	}

	if !outerResult.Hash.Equal(expectedNarHash) || outerResult.Size != req.NarSize {
		return ingestResult{}, apierr.New(apierr.KindRequestError, "archive hash or size does not match declared nar_hash/nar_size")
	}

	m := manifest.ArchiveManifest{
		StorePath:     req.StorePath,
		StorePathHash: req.StorePathHash,
		NarHash:       outerResult.Hash,
		NarSize:       outerResult.Size,
		References:    req.References,
		System:        req.System,
		CA:            req.CA,
		Chunks:        chunks,
	}
	if werr := h.writeManifest(ctx, m); werr != nil {
		return ingestResult{}, werr
	}
	return ingestResult{fileSize: totalFileSize, numChunks: len(chunks)}, nil
}

func (h *Handler) uploadOneChunk(ctx context.Context, data []byte) (manifest.UploadedChunk, error) {
	stream, err := compression.NewStream(bytes.NewReader(data), h.CompressionConfig)
	if err != nil {
		return manifest.UploadedChunk{}, err
	}
	compressed, err := io.ReadAll(stream)
	if err != nil {
		return manifest.UploadedChunk{}, err
	}
	fileResult, _ := stream.FileHashAndSize()
	h.Metrics.RecordChunkProduced(len(data))

	key := fileResult.Hash.ToTypedBase32()
	exists, err := h.chunkExists(ctx, key)
	if err != nil {
		return manifest.UploadedChunk{}, err
	}
	if exists {
		h.Metrics.RecordChunkDeduped()
		return manifest.UploadedChunk{FileHash: fileResult.Hash, FileSize: fileResult.Size, Compression: h.CompressionConfig}, nil
	}

	opStart := time.Now()
	_, err = h.Backend.UploadChunk(ctx, key, bytes.NewReader(compressed))
	h.Metrics.RecordStorageOperation("upload_chunk", err == nil, time.Since(opStart).Seconds())
	if err != nil {
		return manifest.UploadedChunk{}, err
	}
	h.Metrics.RecordChunkStored(len(compressed))

	return manifest.UploadedChunk{FileHash: fileResult.Hash, FileSize: fileResult.Size, Compression: h.CompressionConfig}, nil
}

// chunkExists probes the backend for a chunk already stored under key, so a
// chunk whose content-defined boundaries match one already ingested (e.g. a
// repeated block within the same archive) is not uploaded again. The chunk
// has already been compressed by then, since the key is the compressed
// content's hash; two identical chunks in flight at once can both miss the
// probe and both be written.
func (h *Handler) chunkExists(ctx context.Context, key string) (bool, error) {
	rc, err := h.Backend.DownloadChunk(ctx, key)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rc.Close()
	return true, nil
}

func (h *Handler) writeManifest(ctx context.Context, m manifest.ArchiveManifest) *apierr.Error {
	data, err := json.Marshal(m)
	if err != nil {
		h.Metrics.RecordManifestWrite(false)
		return apierr.Wrap(apierr.KindManifestSerialization, err)
	}
	opStart := time.Now()
	_, err = h.Backend.UploadNar(ctx, m.StorePathHash.String(), bytes.NewReader(data))
	h.Metrics.RecordStorageOperation("upload_nar", err == nil, time.Since(opStart).Seconds())
	if err != nil {
		h.Metrics.RecordManifestWrite(false)
		return apierr.Wrap(apierr.KindStorageError, err)
	}
	h.Metrics.RecordManifestWrite(true)
	return nil
}
