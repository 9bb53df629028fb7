// pkg/api/command_handler.go
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetware/controlplane/pkg/command"
	"github.com/fleetware/controlplane/pkg/model"
)

type createCommandRequest struct {
	CommandType   string                 `json:"commandType"`
	CommandParams map[string]interface{} `json:"commandParams,omitempty"`
	TTLMinutes    int                    `json:"ttlMinutes"`
}

type createCommandResponse struct {
	CommandID string              `json:"commandId"`
	Status    model.CommandStatus `json:"status"`
	Published bool                `json:"published"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

// CreateCommand handles POST .../devices/{deviceID}/commands. The command
// is inserted first, then dispatched; a transport failure is not a request
// failure. The response still carries 201 with published=false, and the
// operator reads the flag to know whether the broker ever saw it.
func (a *API) CreateCommand(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)

	var req createCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()
	if req.CommandType == "" {
		writeError(w, http.StatusBadRequest, "missing required field: commandType")
		return
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	createdBy := r.Header.Get("X-Operator-ID")

	cmd, err := a.commands.Create(r.Context(), tenantID, deviceID, req.CommandType, req.CommandParams, ttl, createdBy)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrInvalidTTL):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, model.ErrNotFound):
			writeError(w, http.StatusNotFound, "device not found")
		default:
			a.log.WithError(err).Error("failed to create command")
			writeError(w, http.StatusInternalServerError, "failed to create command")
		}
		return
	}

	published := a.commands.Dispatch(r.Context(), cmd)

	writeJSON(w, http.StatusCreated, createCommandResponse{
		CommandID: cmd.CommandID,
		Status:    cmd.Status,
		Published: published,
		ExpiresAt: cmd.ExpiresAt,
	})
}

// ListCommands handles GET .../commands?status=&limit=, newest-first.
// The missed/expired distinction in this view is a first-class contract:
// missed means the broker had it and the device went quiet, expired means
// the broker never confirmed it.
func (a *API) ListCommands(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)

	status := model.CommandStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status filter: "+string(status))
		return
	}

	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmds, err := a.commands.ListForDevice(r.Context(), tenantID, deviceID, status, limit)
	if err != nil {
		a.log.WithError(err).Error("failed to list commands")
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

// ListPendingCommands handles GET .../commands/pending, the poll endpoint
// for devices without a persistent broker session.
func (a *API) ListPendingCommands(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)

	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmds, err := a.commands.ListPending(r.Context(), tenantID, deviceID, limit)
	if err != nil {
		a.log.WithError(err).Error("failed to list pending commands")
		writeError(w, http.StatusInternalServerError, "failed to list pending commands")
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

// GetCommand handles GET .../commands/{commandID}.
func (a *API) GetCommand(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)
	commandID := chi.URLParam(r, "commandID")

	cmd, err := a.commands.Get(r.Context(), tenantID, deviceID, commandID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "command not found")
			return
		}
		a.log.WithError(err).Error("failed to read command")
		writeError(w, http.StatusInternalServerError, "failed to retrieve command")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

type ackCommandRequest struct {
	Status  model.AckResult        `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type ackCommandResponse struct {
	CommandID    string `json:"commandId"`
	Acknowledged bool   `json:"acknowledged"`
}

// AckCommand handles POST .../commands/{commandID}/ack, the HTTP fallback
// ack path. acknowledged=false is a 200, never an error: it is the
// expected outcome when the ack lost the race against the expiry sweep,
// arrived twice, or names a command that never existed.
func (a *API) AckCommand(w http.ResponseWriter, r *http.Request) {
	tenantID, deviceID := pathScope(r)
	commandID := chi.URLParam(r, "commandID")

	var req ackCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, `status must be "ok" or "error"`)
		return
	}

	acked, err := a.commands.Acknowledge(r.Context(), tenantID, deviceID, commandID, req.Status, req.Details)
	if err != nil {
		if errors.Is(err, command.ErrReservedAckDetail) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.log.WithError(err).Error("failed to record acknowledgement")
		writeError(w, http.StatusInternalServerError, "failed to record acknowledgement")
		return
	}

	writeJSON(w, http.StatusOK, ackCommandResponse{CommandID: commandID, Acknowledged: acked})
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}
