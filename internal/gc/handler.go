package gc

import (
	"encoding/json"
	"net/http"

	"github.com/quantarax/nixcache/internal/auth"
	"github.com/quantarax/nixcache/internal/storage"
)

// reportJSON is Report's wire shape for the admin endpoint response.
type reportJSON struct {
	ManifestsScanned int      `json:"manifests_scanned"`
	ManifestErrors   []string `json:"manifest_errors,omitempty"`
	ReferencedChunks int      `json:"referenced_chunks"`
	TotalChunks      int      `json:"total_chunks"`
	OrphanedChunks   []string `json:"orphaned_chunks"`
	DurationSeconds  float64  `json:"duration_seconds"`
}

// Handler builds the admin GC-sweep endpoint. It is gated by the same
// bearer-token secret as mutating cache routes, verified directly via
// auth.Verify rather than the RequireToken middleware, since this handler
// is meant to be mountable independently of the main router.
func Handler(backend storage.Backend, secret []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(secret) > 0 {
			tokenStr, ok := bearerToken(r)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "InvalidToken", "missing bearer token")
				return
			}
			if _, err := auth.Verify(tokenStr, secret); err != nil {
				writeJSONError(w, http.StatusUnauthorized, "InvalidToken", "invalid bearer token")
				return
			}
		}

		report, err := Sweep(r.Context(), backend)
		if err == ErrListingUnsupported {
			writeJSONError(w, http.StatusNotImplemented, "ListingUnsupported", err.Error())
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "InternalServerError", "gc sweep failed")
			return
		}

		writeJSONReport(w, report)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func writeJSONReport(w http.ResponseWriter, report Report) {
	errs := make([]string, len(report.ManifestErrors))
	for i, e := range report.ManifestErrors {
		errs[i] = e.StorePathHash + ": " + e.Err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(reportJSON{
		ManifestsScanned: report.ManifestsScanned,
		ManifestErrors:   errs,
		ReferencedChunks: report.ReferencedChunks,
		TotalChunks:      report.TotalChunks,
		OrphanedChunks:   report.OrphanedChunks,
		DurationSeconds:  report.Duration.Seconds(),
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    status,
		"error":   code,
		"message": message,
	})
}
