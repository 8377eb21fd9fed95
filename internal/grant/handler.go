package grant

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loopy/objectgate/internal/middleware"
	"github.com/loopy/objectgate/internal/response"
)

// maxGrantTTL caps requested grant lifetimes. Grants are not revocable, so a
// short ceiling is the only post-issuance defense.
const maxGrantTTL = 15 * time.Minute

const defaultGrantTTL = 5 * time.Minute

// Handler holds HTTP handlers for grant issuance. It sits behind the service
// JWT middleware: callers authenticate as themselves and receive grants
// scoped to a single action on a single object.
type Handler struct {
	issuer *Issuer
}

// NewHandler creates a new grant Handler.
func NewHandler(issuer *Issuer) *Handler {
	return &Handler{issuer: issuer}
}

type issueRequest struct {
	ObjectID   string `json:"objectId"`
	Action     string `json:"action"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type issueResponse struct {
	ObjectID  string    `json:"objectId"`
	Action    string    `json:"action"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issue mints a grant for the authenticated caller. An empty objectId asks
// for a grant on a brand-new object id (the usual upload flow).
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())
	if subject == "" {
		response.Unauthorized(w, response.CodeUnauthorized, "unauthorized")
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	action := Action(req.Action)
	if !action.Valid() {
		response.BadRequest(w, "action must be UPLOAD or DOWNLOAD")
		return
	}

	objectID := req.ObjectID
	if objectID == "" {
		if action != ActionUpload {
			response.BadRequest(w, "objectId is required for DOWNLOAD grants")
			return
		}
		objectID = uuid.NewString()
	}

	ttl := defaultGrantTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > maxGrantTTL {
		ttl = maxGrantTTL
	}

	token, expiresAt, err := h.issuer.Issue(objectID, action, subject, ttl)
	if err != nil {
		response.InternalError(w)
		return
	}

	response.Created(w, issueResponse{
		ObjectID:  objectID,
		Action:    string(action),
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
