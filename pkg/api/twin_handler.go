// pkg/api/twin_handler.go
package api

import (
	"errors"
	"net/http"

	"github.com/fleetware/controlplane/pkg/model"
)

// GetTwin handles GET .../devices/{deviceID}/twin. Always succeeds for a
// well-formed request: an unknown device yields the synthesized empty
// document, whose etag is valid for the first desired write.
func (a *API) GetTwin(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)

	view, err := a.twins.Get(r.Context(), tenantID, deviceID)
	if err != nil {
		a.log.WithError(err).Error("failed to read twin")
		writeError(w, http.StatusInternalServerError, "failed to retrieve twin")
		return
	}

	w.Header().Set("ETag", view.ETag)
	writeJSON(w, http.StatusOK, view)
}

type updateDesiredRequest struct {
	Desired map[string]interface{} `json:"desired"`
}

// UpdateDesired handles PUT .../twin/desired. The caller must present the
// etag from a prior read in If-Match; a stale etag is a 409 with no state
// change, and the caller re-fetches and retries. Fetch-before-write is
// mandatory, so a missing header is 428 rather than a silent last-writer-
// wins.
func (a *API) UpdateDesired(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)

	expectedEtag := trimEtagQuotes(r.Header.Get("If-Match"))
	if expectedEtag == "" {
		writeError(w, http.StatusPreconditionRequired, "If-Match header with current twin etag is required")
		return
	}

	var req updateDesiredRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()
	if req.Desired == nil {
		writeError(w, http.StatusBadRequest, "missing required field: desired")
		return
	}

	view, err := a.twins.UpdateDesired(r.Context(), tenantID, deviceID, req.Desired, expectedEtag)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			writeError(w, http.StatusConflict, "twin was modified concurrently, re-fetch and retry")
			return
		}
		a.log.WithError(err).Error("failed to update desired state")
		writeError(w, http.StatusInternalServerError, "failed to update desired state")
		return
	}

	w.Header().Set("ETag", view.ETag)
	writeJSON(w, http.StatusOK, view)
}

// trimEtagQuotes accepts the RFC 7232 quoted form alongside the raw
// token the twin body carries.
func trimEtagQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

type reportStateRequest struct {
	Reported map[string]interface{} `json:"reported"`
}

// ReportState handles POST .../twin/reported, the HTTP fallback for
// devices without a broker session. Wholesale replace, no concurrency
// token: the device is the sole writer of its reported state.
func (a *API) ReportState(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)

	var req reportStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()
	if req.Reported == nil {
		writeError(w, http.StatusBadRequest, "missing required field: reported")
		return
	}

	view, err := a.twins.ReportState(r.Context(), tenantID, deviceID, req.Reported)
	if err != nil {
		a.log.WithError(err).Error("failed to record device report")
		writeError(w, http.StatusInternalServerError, "failed to record device report")
		return
	}

	w.Header().Set("ETag", view.ETag)
	writeJSON(w, http.StatusOK, view)
}
