// Package download implements the Nix binary-cache read path: the static
// cache descriptor, narinfo lookup and on-demand signing, and NAR
// reassembly (direct stream for single-chunk archives, prefetch-ordered
// merge for multi-chunk ones).
package download

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/quantarax/nixcache/internal/apierr"
	"github.com/quantarax/nixcache/internal/compression"
	"github.com/quantarax/nixcache/internal/manifest"
	"github.com/quantarax/nixcache/internal/merge"
	"github.com/quantarax/nixcache/internal/narinfo"
	"github.com/quantarax/nixcache/internal/observability"
	"github.com/quantarax/nixcache/internal/signing"
	"github.com/quantarax/nixcache/internal/storage"
)

// NumPrefetch bounds how many chunk opens run ahead of the one currently
// streaming to the client during NAR reassembly.
const NumPrefetch = 2

const nixCacheInfoContentType = "text/x-nix-cache-info"

// Handler serves the cache's read-side endpoints.
type Handler struct {
	Backend  storage.Backend
	Keypair  *signing.Keypair // nil disables on-the-fly signing
	StoreDir string
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// NixCacheInfo serves GET /nix-cache-info: a static descriptor advertising
// the store directory, mass-query support, and this cache's priority
// relative to others a client has configured.
func (h *Handler) NixCacheInfo(w http.ResponseWriter, r *http.Request) {
	storeDir := h.StoreDir
	if storeDir == "" {
		storeDir = "/nix/store"
	}
	w.Header().Set("Content-Type", nixCacheInfoContentType)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "StoreDir: "+storeDir+"\n")
	io.WriteString(w, "WantMassQuery: 1\n")
	io.WriteString(w, "Priority: 80\n")
}

// Narinfo serves GET|HEAD /{hash}.narinfo: it loads the manifest, translates
// it to narinfo text, signs the fingerprint if the server holds a keypair
// and the stored narinfo carries no signature yet, and writes the result
// (headers only for HEAD).
func (h *Handler) Narinfo(w http.ResponseWriter, r *http.Request, hash string) {
	storePathHash, err := manifest.ParseStorePathHash(hash)
	if err != nil {
		h.Metrics.RecordNarinfoRequest(false)
		h.Logger.NarinfoServed(hash, false)
		apierr.WriteJSON(w, apierr.New(apierr.KindRequestError, "invalid store path hash"))
		return
	}

	m, err := h.loadManifest(r.Context(), storePathHash)
	if err != nil {
		h.Metrics.RecordNarinfoRequest(false)
		h.Logger.NarinfoServed(hash, false)
		if err == storage.ErrNotFound {
			apierr.WriteJSON(w, apierr.New(apierr.KindNotFound, "no such store path"))
			return
		}
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindStorageError, err))
		return
	}

	info := narinfo.FromManifest(*m, storePathHash)
	if h.Keypair != nil {
		info = info.Sign(h.Keypair)
	}

	h.Metrics.RecordNarinfoRequest(true)
	h.Logger.NarinfoServed(hash, true)
	w.Header().Set("Content-Type", nixCacheInfoContentType)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	io.WriteString(w, info.Encode())
}

// Nar serves GET /nar/{hash}.nar: a single-chunk archive streams directly;
// a multi-chunk one reassembles through a prefetch-ordered merge.Reader,
// decompressing each chunk as it streams since narinfo always advertises
// Compression: none.
func (h *Handler) Nar(w http.ResponseWriter, r *http.Request, hash string) {
	start := time.Now()
	storePathHash, err := manifest.ParseStorePathHash(hash)
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindRequestError, "invalid store path hash"))
		return
	}

	m, err := h.loadManifest(r.Context(), storePathHash)
	if err != nil {
		h.Metrics.RecordNarRequest(false, 0, time.Since(start).Seconds())
		if err == storage.ErrNotFound {
			apierr.WriteJSON(w, apierr.New(apierr.KindNotFound, "no such store path"))
			return
		}
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindStorageError, err))
		return
	}

	var body io.ReadCloser
	if len(m.Chunks) == 1 {
		body, err = h.openChunk(r.Context(), m.Chunks[0])
	} else {
		body, err = h.openMerged(r.Context(), m.Chunks)
	}
	if err != nil {
		h.Metrics.RecordNarRequest(false, 0, time.Since(start).Seconds())
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindStorageError, err))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-nix-archive")
	w.WriteHeader(http.StatusOK)
	written, copyErr := io.Copy(w, body)
	h.Metrics.RecordNarRequest(copyErr == nil, written, time.Since(start).Seconds())
	if copyErr != nil {
		h.Logger.Error(copyErr, "nar stream interrupted")
	}
	h.Logger.NarServed(hash, m.NarSize, len(m.Chunks))
}

func (h *Handler) loadManifest(ctx context.Context, storePathHash manifest.StorePathHash) (*manifest.ArchiveManifest, error) {
	opStart := time.Now()
	rc, err := h.Backend.DownloadNar(ctx, storePathHash.String())
	h.Metrics.RecordStorageOperation("download_nar", err == nil, time.Since(opStart).Seconds())
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	var m manifest.ArchiveManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// chunkStream pairs a decompressor with the raw backend stream it wraps, so
// closing it releases both.
type chunkStream struct {
	io.Reader
	raw io.Closer
	dec io.Closer
}

func (c *chunkStream) Close() error {
	decErr := c.dec.Close()
	rawErr := c.raw.Close()
	if decErr != nil {
		return decErr
	}
	return rawErr
}

func (h *Handler) openChunk(ctx context.Context, c manifest.UploadedChunk) (io.ReadCloser, error) {
	opStart := time.Now()
	raw, err := h.Backend.DownloadChunk(ctx, c.FileHash.ToTypedBase32())
	h.Metrics.RecordStorageOperation("download_chunk", err == nil, time.Since(opStart).Seconds())
	if err != nil {
		return nil, err
	}
	dec, err := compression.NewDecompressor(raw, c.Compression)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return &chunkStream{Reader: dec, raw: raw, dec: dec}, nil
}

func (h *Handler) openMerged(ctx context.Context, chunks []manifest.UploadedChunk) (io.ReadCloser, error) {
	opener := func(ctx context.Context, c manifest.UploadedChunk) (io.ReadCloser, error) {
		return h.openChunk(ctx, c)
	}
	return merge.New(ctx, chunks, NumPrefetch, opener), nil
}
