package gateway

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/loopy/objectgate/internal/backend"
	"github.com/loopy/objectgate/internal/grant"
	"github.com/loopy/objectgate/internal/object"
	"github.com/loopy/objectgate/internal/response"
)

// maxUploadBytes caps the request body on the upload endpoint.
const maxUploadBytes = 512 << 20 // 512 MiB

// Handler holds HTTP handlers for object endpoints.
type Handler struct {
	gw *Gateway
}

// NewHandler creates a new gateway Handler.
func NewHandler(gw *Gateway) *Handler {
	return &Handler{gw: gw}
}

// Upload stores the raw request body under the object id named by the grant.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		response.Unauthorized(w, response.CodeGrantInvalid, "grant token required")
		return
	}
	id := chi.URLParam(r, "id")

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// The body is buffered so transient backend failures can replay the
	// exact byte stream against a fallback.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		response.BadRequest(w, "failed to read request body")
		return
	}

	rec, err := h.gw.Upload(r.Context(), token, id, bytes.NewReader(body), int64(len(body)), contentType)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Created(w, map[string]any{
		"id":             rec.ID,
		"checksum":       rec.Checksum,
		"sizeBytes":      rec.SizeBytes,
		"lifecycleState": rec.LifecycleState,
	})
}

// Download streams the object bytes back to the caller.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		response.Unauthorized(w, response.CodeGrantInvalid, "grant token required")
		return
	}
	id := chi.URLParam(r, "id")

	rc, rec, err := h.gw.Download(r.Context(), token, id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.SizeBytes, 10))
	w.Header().Set("ETag", `"`+rec.Checksum+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("objectId", id).Msg("download stream interrupted")
	}
}

// Metadata returns the object record.
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		response.Unauthorized(w, response.CodeGrantInvalid, "grant token required")
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := h.gw.Metadata(r.Context(), token, id)
	if err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, rec)
}

// Delete removes the object bytes and tombstones the record.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		response.Unauthorized(w, response.CodeGrantInvalid, "grant token required")
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := h.gw.Delete(r.Context(), token, id)
	if err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, map[string]any{
		"id":             rec.ID,
		"lifecycleState": rec.LifecycleState,
	})
}

// Promote finalizes a PENDING record. Sits behind the service JWT.
func (h *Handler) Promote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.gw.Promote(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	response.OK(w, map[string]any{
		"id":             rec.ID,
		"lifecycleState": rec.LifecycleState,
	})
}

// Health reports per-backend status: 200 when all backends are healthy,
// 503 when any is degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.gw.Health(r.Context())

	healthy := true
	detail := make(map[string]string, len(status))
	for id, err := range status {
		if err != nil {
			healthy = false
			detail[id] = "degraded"
		} else {
			detail[id] = "healthy"
		}
	}

	if healthy {
		response.OK(w, detail)
		return
	}
	response.JSON(w, http.StatusServiceUnavailable, response.Envelope{
		Success: false,
		Data:    detail,
		Code:    response.CodeBackendUnavailable,
		Error:   "one or more backends degraded",
	})
}

// bearerToken extracts the Bearer credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// writeError maps the error taxonomy onto HTTP responses. Internal detail
// stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, grant.ErrExpired):
		response.Unauthorized(w, response.CodeGrantExpired, "grant expired")
	case errors.Is(err, grant.ErrInvalid):
		response.Unauthorized(w, response.CodeGrantInvalid, "invalid grant")
	case errors.Is(err, object.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		response.NotFound(w, "object not found")
	case errors.Is(err, object.ErrConflict), errors.Is(err, object.ErrInvalidTransition):
		response.Conflict(w, "concurrent state transition, retry after re-reading")
	case errors.Is(err, backend.ErrUnavailable):
		response.ServiceUnavailable(w, "storage backends unavailable")
	default:
		log.Error().Err(err).Msg("unhandled gateway error")
		response.InternalError(w)
	}
}
