package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/flatironinstitute/kbucket/internal/logger"
	"github.com/flatironinstitute/kbucket/pkg/prv"
	"github.com/flatironinstitute/kbucket/pkg/store/blob"
	"github.com/flatironinstitute/kbucket/pkg/upload"
)

// chunkResponse acknowledges one stored chunk.
type chunkResponse struct {
	Success bool `json:"success"`
}

// uploadDoneResponse carries the descriptor of a committed upload.
type uploadDoneResponse struct {
	Success bool            `json:"success"`
	PRV     *prv.Descriptor `json:"prv"`
}

// handleUpload implements the resumable upload protocol. Every request
// carries the upload identity in query parameters; the body is raw chunk
// bytes. A request with resumableDone set finalizes the session instead of
// writing a chunk.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	if g.limiter != nil && !g.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "upload rate limit exceeded")
		return
	}

	q := r.URL.Query()

	identifier := q.Get("resumableIdentifier")
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "missing resumableIdentifier")
		return
	}
	totalSize, err := strconv.ParseInt(q.Get("resumableTotalSize"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or invalid resumableTotalSize")
		return
	}

	// The caller may tighten its own limit below the server's cap.
	var perRequestCap int64
	if raw := q.Get("max_size_bytes"); raw != "" {
		perRequestCap, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid max_size_bytes")
			return
		}
	}

	if err := g.uploads.ValidateRequest(totalSize, perRequestCap); err != nil {
		switch {
		case errors.Is(err, upload.ErrUploadsDisabled):
			writeError(w, http.StatusForbidden, "uploads are not allowed on this hub")
		case errors.Is(err, upload.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "%v", err)
		default:
			writeError(w, http.StatusBadRequest, "%v", err)
		}
		return
	}

	session, err := upload.SessionName(q.Get("identity"), identifier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if q.Get("resumableDone") != "" {
		g.finalizeUpload(w, r, session, totalSize, q.Get("resumableFileName"))
		return
	}

	chunkSize, err1 := strconv.ParseInt(q.Get("resumableChunkSize"), 10, 64)
	chunkNumber, err2 := strconv.ParseInt(q.Get("resumableChunkNumber"), 10, 64)
	if err1 != nil || err2 != nil || chunkSize < 1 || chunkNumber < 1 {
		writeError(w, http.StatusBadRequest, "missing or invalid resumable chunk parameters")
		return
	}

	// Chunks are fixed-size and one-indexed; the offset follows.
	offset := chunkSize * (chunkNumber - 1)

	written, err := g.uploads.WriteChunk(r.Context(), session, offset, totalSize, r.Body)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrChunkPastEnd), errors.Is(err, upload.ErrInvalidSession):
			writeError(w, http.StatusBadRequest, "%v", err)
		default:
			logger.Error("Failed to write chunk %d of %s: %v", chunkNumber, session, err)
			writeError(w, http.StatusInternalServerError, "failed to store chunk")
		}
		return
	}

	logger.Debug("Stored chunk %d of %s (%d bytes at offset %d)", chunkNumber, session, written, offset)
	writeJSON(w, http.StatusOK, chunkResponse{Success: true})
}

func (g *Gateway) finalizeUpload(w http.ResponseWriter, r *http.Request, session string, totalSize int64, originalName string) {
	desc, err := g.uploads.Finalize(r.Context(), session, totalSize, originalName)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrInvalidSession), errors.Is(err, upload.ErrSizeMismatch):
			writeError(w, http.StatusBadRequest, "%v", err)
		case errors.Is(err, blob.ErrStoreCorruption):
			logger.Error("Refused to commit %s: %v", session, err)
			writeError(w, http.StatusConflict, "%v", err)
		default:
			logger.Error("Failed to finalize upload %s: %v", session, err)
			writeError(w, http.StatusInternalServerError, "failed to finalize upload")
		}
		return
	}

	g.metrics.UploadCommitted(desc.OriginalSize)
	writeJSON(w, http.StatusOK, uploadDoneResponse{Success: true, PRV: desc})
}
