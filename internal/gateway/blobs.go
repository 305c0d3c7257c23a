package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flatironinstitute/kbucket/internal/logger"
	"github.com/flatironinstitute/kbucket/pkg/store/blob"
)

// findResponse answers stat and find queries. A missing blob is a successful
// query with found=false, not an error.
type findResponse struct {
	Success bool     `json:"success"`
	Found   bool     `json:"found"`
	Size    int64    `json:"size,omitempty"`
	URL     string   `json:"url,omitempty"`
	AltURLs []string `json:"alt_urls"`
	Message string   `json:"message,omitempty"`
}

// handleStat reports whether a blob is present.
func (g *Gateway) handleStat(w http.ResponseWriter, r *http.Request) {
	g.lookupBlob(w, r)
}

// handleFind is stat plus an optional filename to embed in the download URL.
func (g *Gateway) handleFind(w http.ResponseWriter, r *http.Request) {
	g.lookupBlob(w, r)
}

func (g *Gateway) lookupBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	hash := vars["hash"]
	if !blob.ValidHash(hash) {
		writeError(w, http.StatusBadRequest, "invalid hash: %q", hash)
		return
	}

	rec, err := g.store.Stat(r.Context(), hash)
	if err != nil {
		if errors.Is(err, blob.ErrBlobNotFound) {
			writeJSON(w, http.StatusOK, findResponse{
				Success: true,
				Found:   false,
				Message: fmt.Sprintf("blob %s not found", hash),
			})
			return
		}
		logger.Error("Failed to stat blob %s: %v", hash, err)
		writeError(w, http.StatusInternalServerError, "failed to stat blob")
		return
	}

	writeJSON(w, http.StatusOK, findResponse{
		Success: true,
		Found:   true,
		Size:    rec.Size,
		URL:     g.downloadURL(r.Context(), hash, vars["filename"]),
		AltURLs: []string{},
	})
}

// downloadURL builds the advertised download link for a blob. The filename
// path component is cosmetic; it falls back to the indexed original name,
// then to the hash itself.
func (g *Gateway) downloadURL(ctx context.Context, hash, filename string) string {
	if filename == "" && g.index != nil {
		if rec, err := g.index.Get(ctx, hash); err == nil && rec.OriginalName != "" {
			filename = rec.OriginalName
		}
	}
	if filename == "" {
		filename = hash
	}
	return g.hubURL + "/download/" + hash + "/" + url.PathEscape(filename)
}

// handleDownload streams a blob's content. The hash is validated before any
// storage access.
func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	hash := vars["hash"]
	if !blob.ValidHash(hash) {
		writeError(w, http.StatusBadRequest, "invalid hash: %q", hash)
		return
	}

	rec, err := g.store.Stat(r.Context(), hash)
	if err != nil {
		if errors.Is(err, blob.ErrBlobNotFound) {
			writeError(w, http.StatusNotFound, "blob %s not found", hash)
			return
		}
		logger.Error("Failed to stat blob %s: %v", hash, err)
		writeError(w, http.StatusInternalServerError, "failed to stat blob")
		return
	}

	rc, err := g.store.Open(r.Context(), hash)
	if err != nil {
		logger.Error("Failed to open blob %s: %v", hash, err)
		writeError(w, http.StatusInternalServerError, "failed to open blob")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	if filename := vars["filename"]; filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}

	if _, err := io.Copy(w, rc); err != nil {
		// Headers are out; nothing to do but log the truncated transfer.
		logger.Debug("Download of %s interrupted: %v", hash, err)
		return
	}
	g.metrics.DownloadServed()
}
