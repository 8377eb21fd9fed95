package grant

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopy/objectgate/internal/middleware"
	"github.com/loopy/objectgate/internal/response"
)

func doIssue(t *testing.T, h *Handler, subject string, req issueRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/grants", bytes.NewReader(body))
	if subject != "" {
		r = r.WithContext(context.WithValue(r.Context(), middleware.SubjectKey, subject))
	}
	rr := httptest.NewRecorder()
	h.Issue(rr, r)
	return rr
}

func issuedData(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	return data
}

func TestIssueAcceptsOpaqueObjectIDs(t *testing.T) {
	issuer := NewIssuer("test-secret")
	h := NewHandler(issuer)

	// Ids are caller-chosen opaque strings, not necessarily UUIDs.
	rr := doIssue(t, h, "user-42", issueRequest{
		ObjectID:   "match-2024-highlights",
		Action:     "DOWNLOAD",
		TTLSeconds: 60,
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	data := issuedData(t, rr)
	assert.Equal(t, "match-2024-highlights", data["objectId"])

	claims, err := issuer.Verify(data["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "match-2024-highlights", claims.ObjectID)
	assert.Equal(t, ActionDownload, claims.Action)
	assert.Equal(t, "user-42", claims.Subject)
}

func TestIssueMintsIDForUpload(t *testing.T) {
	h := NewHandler(NewIssuer("test-secret"))

	rr := doIssue(t, h, "user-42", issueRequest{Action: "UPLOAD"})
	require.Equal(t, http.StatusCreated, rr.Code)

	data := issuedData(t, rr)
	assert.NotEmpty(t, data["objectId"])
	assert.NotEmpty(t, data["token"])
}

func TestIssueRejectsDownloadWithoutObjectID(t *testing.T) {
	h := NewHandler(NewIssuer("test-secret"))

	rr := doIssue(t, h, "user-42", issueRequest{Action: "DOWNLOAD"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIssueRejectsUnknownAction(t *testing.T) {
	h := NewHandler(NewIssuer("test-secret"))

	rr := doIssue(t, h, "user-42", issueRequest{ObjectID: "obj-1", Action: "DESTROY"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIssueRequiresSubject(t *testing.T) {
	h := NewHandler(NewIssuer("test-secret"))

	rr := doIssue(t, h, "", issueRequest{ObjectID: "obj-1", Action: "DOWNLOAD"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
